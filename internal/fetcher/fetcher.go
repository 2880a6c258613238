package fetcher

import (
	"context"
	"errors"
)

// ErrUnexpectedShape marks a response that decoded but did not have the documented layout.
var ErrUnexpectedShape = errors.New("unexpected response shape")

// Ticker is one raw quote for an asset on one exchange, as reported by the aggregator.
type Ticker struct {
	ExchangeID string
	Target     string
	// VolumeUSD and LastUSD are nil when the source omitted them.
	VolumeUSD *float64
	LastUSD   *float64
	Stale     bool
	Anomaly   bool
}

// TickerSet is the outcome of one aggregator request. Err is set when the source was unavailable;
// an available set may still be empty.
type TickerSet struct {
	Tickers []Ticker
	Err     error
}

// Available reports whether the request succeeded.
func (s TickerSet) Available() bool { return s.Err == nil }

// Quote is a single price from the direct exchange, or the reason it is unavailable.
type Quote struct {
	Price float64
	Err   error
}

// Available reports whether the quote carries a price.
func (q Quote) Available() bool { return q.Err == nil }

// TickerSource retrieves all tickers for one asset across a list of exchanges.
type TickerSource interface {
	FetchTickers(ctx context.Context, assetID string, exchangeIDs []string) TickerSet
}

// LastTradeSource retrieves the last traded price of one instrument.
type LastTradeSource interface {
	LastTrade(ctx context.Context, instrumentID int) Quote
}
