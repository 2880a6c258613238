package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultAggregatorURL = "https://api.coingecko.com/api/v3"
	defaultAPIKeyHeader  = "x-cg-demo-api-key"
)

// AggregatorOptions parameterise the ticker aggregation client.
type AggregatorOptions struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	UserAgent    string
}

// Aggregator fetches per-coin tickers from a CoinGecko compatible API.
type Aggregator struct {
	opts    AggregatorOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewAggregator constructs an aggregator client.
func NewAggregator(opts AggregatorOptions, logger zerolog.Logger) *Aggregator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAggregatorURL
	}
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = defaultAPIKeyHeader
	}

	return &Aggregator{
		opts:    opts,
		logger:  logger.With().Str("component", "aggregator_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchTickers requests every ticker for assetID on the given exchanges in one call.
// Failures are reported through TickerSet.Err and never returned as a Go error.
func (a *Aggregator) FetchTickers(ctx context.Context, assetID string, exchangeIDs []string) TickerSet {
	if len(exchangeIDs) == 0 {
		return TickerSet{}
	}

	tickers, err := a.fetch(ctx, assetID, exchangeIDs)
	if err != nil {
		a.logger.Warn().Err(err).Str("asset", assetID).Msg("aggregator tickers unavailable")
		return TickerSet{Err: err}
	}

	a.logger.Debug().Str("asset", assetID).Int("tickers", len(tickers)).Msg("aggregator tickers fetched")
	return TickerSet{Tickers: tickers}
}

func (a *Aggregator) fetch(ctx context.Context, assetID string, exchangeIDs []string) ([]Ticker, error) {
	query := url.Values{}
	query.Set("exchange_ids", strings.Join(exchangeIDs, ","))
	query.Set("page", "1")
	query.Set("order", "volume_desc")
	query.Set("dex_pair_format", "symbol")

	endpoint := fmt.Sprintf("%s/coins/%s/tickers?%s", a.baseURL, url.PathEscape(assetID), query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(a.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if a.opts.APIKey != "" {
		req.Header.Set(a.opts.APIKeyHeader, a.opts.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAggregatorError(resp.StatusCode, payload)
	}

	var res tickersResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode tickers: %w", err)
	}

	tickers := make([]Ticker, 0, len(res.Tickers))
	for _, t := range res.Tickers {
		tickers = append(tickers, Ticker{
			ExchangeID: t.Market.Identifier,
			Target:     t.Target,
			VolumeUSD:  t.ConvertedVolume.USD.ptr(),
			LastUSD:    t.ConvertedLast.USD.ptr(),
			Stale:      t.IsStale,
			Anomaly:    t.IsAnomaly,
		})
	}
	return tickers, nil
}

type tickersResponse struct {
	Tickers []tickerRecord `json:"tickers"`
}

type tickerRecord struct {
	Market struct {
		Identifier string `json:"identifier"`
	} `json:"market"`
	Target          string `json:"target"`
	ConvertedVolume struct {
		USD lenientFloat `json:"usd"`
	} `json:"converted_volume"`
	ConvertedLast struct {
		USD lenientFloat `json:"usd"`
	} `json:"converted_last"`
	IsStale   bool `json:"is_stale"`
	IsAnomaly bool `json:"is_anomaly"`
}

// lenientFloat accepts a JSON number, a numeric string or null.
type lenientFloat struct {
	value float64
	set   bool
}

func (f *lenientFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	s := string(data)
	if data[0] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = strings.TrimSpace(unquoted)
		if s == "" {
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// unparseable values are treated as missing
		return nil
	}
	f.value, f.set = v, true
	return nil
}

func (f lenientFloat) ptr() *float64 {
	if !f.set {
		return nil
	}
	v := f.value
	return &v
}

type aggregatorError struct {
	Error  any `json:"error"`
	Status struct {
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

func parseAggregatorError(status int, payload []byte) error {
	var apiErr aggregatorError
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Status.ErrorMessage != "" {
			return fmt.Errorf("aggregator api error (%d): %s", status, apiErr.Status.ErrorMessage)
		}
		if msg, ok := apiErr.Error.(string); ok && msg != "" {
			return fmt.Errorf("aggregator api error (%d): %s", status, msg)
		}
	}
	if len(payload) > 0 && len(payload) < 512 {
		return fmt.Errorf("aggregator api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("aggregator api error (%d)", status)
}

var _ TickerSource = (*Aggregator)(nil)
