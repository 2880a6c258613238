package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	l2SnapshotPath   = "/GetL2Snapshot"
	defaultDirectURL = "https://api.coinext.com.br:8443/AP"
	lastTradeColumn  = 4
)

// DirectOptions parameterise the direct exchange client.
type DirectOptions struct {
	BaseURL string
	OMSID   int
	Timeout time.Duration
}

// Direct reads top-of-book snapshots from an AlphaPoint style exchange API.
type Direct struct {
	opts    DirectOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewDirect constructs a direct exchange client.
func NewDirect(opts DirectOptions, logger zerolog.Logger) *Direct {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.OMSID <= 0 {
		opts.OMSID = 1
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultDirectURL
	}

	return &Direct{
		opts:    opts,
		logger:  logger.With().Str("component", "direct_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// LastTrade returns the last traded price of instrumentID from a depth-1 L2 snapshot.
func (d *Direct) LastTrade(ctx context.Context, instrumentID int) Quote {
	price, err := d.fetch(ctx, instrumentID)
	if err != nil {
		d.logger.Warn().Err(err).Int("instrument_id", instrumentID).Msg("direct quote unavailable")
		return Quote{Err: err}
	}
	return Quote{Price: price}
}

func (d *Direct) fetch(ctx context.Context, instrumentID int) (float64, error) {
	body, err := json.Marshal(l2SnapshotRequest{
		OMSID:        d.opts.OMSID,
		InstrumentID: instrumentID,
		Depth:        1,
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+l2SnapshotPath, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("direct api error (%d)", resp.StatusCode)
	}

	return parseLastTrade(payload)
}

type l2SnapshotRequest struct {
	OMSID        int `json:"OMSId"`
	InstrumentID int `json:"InstrumentId"`
	Depth        int `json:"Depth"`
}

// parseLastTrade extracts row 0, column 4 of an L2 snapshot: an array of arrays.
func parseLastTrade(payload []byte) (float64, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(payload, &rows); err != nil || len(rows) == 0 {
		return 0, ErrUnexpectedShape
	}

	var first []json.RawMessage
	if err := json.Unmarshal(rows[0], &first); err != nil || len(first) <= lastTradeColumn {
		return 0, ErrUnexpectedShape
	}

	var f lenientFloat
	if err := f.UnmarshalJSON(first[lastTradeColumn]); err != nil || !f.set {
		return 0, fmt.Errorf("%w: last trade is not numeric", ErrUnexpectedShape)
	}
	if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
		return 0, fmt.Errorf("last trade is not finite: %s", strconv.FormatFloat(f.value, 'g', -1, 64))
	}
	return f.value, nil
}

var _ LastTradeSource = (*Direct)(nil)
