// Package pricing turns raw adapter output into validated per-exchange prices in the common quote currency.
package pricing

import (
	"strings"

	"arbwatch/internal/fetcher"
	"arbwatch/internal/model"
)

// VolumePolicy decides how a ticker without usable volume is treated when a minimum volume is configured.
type VolumePolicy string

const (
	// VolumeLenient lets tickers with absent or zero volume through; any other reported volume,
	// negative included, must reach the minimum.
	VolumeLenient VolumePolicy = "lenient"
	// VolumeStrict rejects tickers whose volume is absent, zero or below the minimum.
	VolumeStrict VolumePolicy = "strict"
)

// Filter holds the acceptance rules for aggregator tickers.
type Filter struct {
	Quote        string
	MinVolumeUSD float64
	VolumePolicy VolumePolicy
	// Exchanges restricts results to these ids when non-empty.
	Exchanges []string
}

// Stats counts why tickers were dropped, so a filtered-out asset can be told apart from missing data.
type Stats struct {
	Seen       int
	Accepted   int
	NoExchange int
	Foreign    int
	WrongQuote int
	LowVolume  int
	Flagged    int
	BadPrice   int
}

// Dropped returns the number of rejected tickers.
func (s Stats) Dropped() int {
	return s.Seen - s.Accepted
}

// BestPerExchange applies the filter and keeps the lowest surviving price per exchange.
func BestPerExchange(tickers []fetcher.Ticker, f Filter) (map[string]float64, Stats) {
	quote := strings.ToUpper(strings.TrimSpace(f.Quote))

	var allowed map[string]struct{}
	if len(f.Exchanges) > 0 {
		allowed = make(map[string]struct{}, len(f.Exchanges))
		for _, id := range f.Exchanges {
			allowed[id] = struct{}{}
		}
	}

	best := make(map[string]float64)
	var stats Stats
	for _, t := range tickers {
		stats.Seen++

		if t.ExchangeID == "" {
			stats.NoExchange++
			continue
		}
		if allowed != nil {
			if _, ok := allowed[t.ExchangeID]; !ok {
				stats.Foreign++
				continue
			}
		}
		if quote != "" && strings.ToUpper(strings.TrimSpace(t.Target)) != quote {
			stats.WrongQuote++
			continue
		}
		if !f.volumeOK(t.VolumeUSD) {
			stats.LowVolume++
			continue
		}
		if t.Stale || t.Anomaly {
			stats.Flagged++
			continue
		}
		if t.LastUSD == nil || !model.ValidPrice(*t.LastUSD) {
			stats.BadPrice++
			continue
		}

		stats.Accepted++
		price := *t.LastUSD
		if cur, ok := best[t.ExchangeID]; !ok || price < cur {
			best[t.ExchangeID] = price
		}
	}
	return best, stats
}

func (f Filter) volumeOK(volume *float64) bool {
	if f.MinVolumeUSD <= 0 {
		return true
	}
	hasVolume := volume != nil && *volume != 0
	if !hasVolume {
		return f.VolumePolicy != VolumeStrict
	}
	return *volume >= f.MinVolumeUSD
}
