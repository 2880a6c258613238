package pricing

import (
	"arbwatch/internal/fetcher"
	"arbwatch/internal/fx"
	"arbwatch/internal/model"
)

// Observations is everything fetched for one asset in one cycle.
type Observations struct {
	Tickers fetcher.TickerSet
	// Direct is nil when the direct exchange was not queried for this asset.
	Direct *fetcher.Quote
	Pivot  fx.Rate
}

// Result is the normalised price entry for one asset.
type Result struct {
	Prices map[string]float64
	Stats  Stats
	// DirectIncluded is true when the direct exchange contributed a converted price.
	DirectIncluded bool
}

// Normalizer merges aggregator and direct exchange observations into one price entry.
type Normalizer struct {
	filter   Filter
	directID string
}

// NewNormalizer builds a normalizer. directID names the exchange served by the direct adapter.
func NewNormalizer(filter Filter, directID string) *Normalizer {
	return &Normalizer{filter: filter, directID: directID}
}

// Normalize produces the asset's price map. The direct exchange owns its key; the aggregator never
// populates it, and it is only set when both the quote and the pivot rate are available.
func (n *Normalizer) Normalize(obs Observations) Result {
	prices := make(map[string]float64)

	var stats Stats
	if obs.Tickers.Available() {
		var best map[string]float64
		best, stats = BestPerExchange(obs.Tickers.Tickers, n.filter)
		for id, p := range best {
			if id == n.directID {
				continue
			}
			prices[id] = p
		}
	}

	res := Result{Prices: prices, Stats: stats}
	if obs.Direct != nil && obs.Direct.Available() && obs.Pivot.Available() {
		if converted, ok := Convert(obs.Direct.Price, obs.Pivot.Value); ok {
			prices[n.directID] = converted
			res.DirectIncluded = true
		}
	}
	return res
}

// Convert brings a direct exchange price into the quote currency. A missing or invalid rate is never
// replaced by 1.
func Convert(directPrice, pivotRate float64) (float64, bool) {
	if !model.ValidPrice(directPrice) || !model.ValidPrice(pivotRate) {
		return 0, false
	}
	converted := directPrice / pivotRate
	if !model.ValidPrice(converted) {
		return 0, false
	}
	return converted, true
}
