// Package fx resolves the pivot rate that converts direct exchange prices into the common quote currency.
package fx

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"arbwatch/internal/fetcher"
	"arbwatch/internal/model"
)

// ErrInvalidRate is returned when the reference instrument yields a zero, negative or non-finite price.
var ErrInvalidRate = errors.New("pivot rate must be finite and positive")

// Rate is pivot-currency units per quote-currency unit, or the reason it is unavailable.
type Rate struct {
	Value float64
	Err   error
}

// Available reports whether the rate may be used for conversion.
func (r Rate) Available() bool { return r.Err == nil }

// Resolver reads the pivot rate from a reference instrument on the direct exchange.
type Resolver struct {
	source       fetcher.LastTradeSource
	instrumentID int
	logger       zerolog.Logger
}

// NewResolver builds a resolver for the given reference instrument.
func NewResolver(source fetcher.LastTradeSource, instrumentID int, logger zerolog.Logger) *Resolver {
	return &Resolver{
		source:       source,
		instrumentID: instrumentID,
		logger:       logger.With().Str("component", "fx_resolver").Logger(),
	}
}

// Resolve fetches the rate once. Callers reuse the result for every asset in a cycle.
func (r *Resolver) Resolve(ctx context.Context) Rate {
	q := r.source.LastTrade(ctx, r.instrumentID)
	if !q.Available() {
		return Rate{Err: fmt.Errorf("reference instrument %d: %w", r.instrumentID, q.Err)}
	}
	if !model.ValidPrice(q.Price) {
		r.logger.Warn().Float64("rate", q.Price).Int("instrument_id", r.instrumentID).Msg("discarding invalid pivot rate")
		return Rate{Err: ErrInvalidRate}
	}

	r.logger.Debug().Float64("rate", q.Price).Msg("pivot rate resolved")
	return Rate{Value: q.Price}
}
