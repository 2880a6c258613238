// Package arbitrage finds the best fee-adjusted two-exchange spread per asset.
package arbitrage

import (
	"sort"

	"github.com/shopspring/decimal"

	"arbwatch/internal/model"
)

var hundred = decimal.NewFromInt(100)

// NotePivot marks an opportunity with a leg priced through the pivot rate.
const NotePivot = "via pivot"

// Detector computes opportunities from a price map and a fee schedule.
type Detector struct {
	fees       map[string]decimal.Decimal
	minNet     decimal.Decimal
	pivotLegID string
}

// NewDetector builds a detector. Exchanges missing from the schedule are charged no fee.
// pivotLegID names the exchange whose prices are converted through the pivot rate; it may be empty.
func NewDetector(exchanges []model.Exchange, minNetSpreadPct float64, pivotLegID string) *Detector {
	fees := make(map[string]decimal.Decimal, len(exchanges))
	for _, ex := range exchanges {
		fees[ex.ID] = decimal.NewFromFloat(ex.TakerFeePct)
	}
	return &Detector{
		fees:       fees,
		minNet:     decimal.NewFromFloat(minNetSpreadPct),
		pivotLegID: pivotLegID,
	}
}

// Spread is the fee-adjusted spread between the cheapest and the most expensive venue of one asset.
type Spread struct {
	BuyExchangeID  string
	SellExchangeID string
	BuyPrice       float64
	SellPrice      float64
	GrossPct       decimal.Decimal
	FeesPct        decimal.Decimal
	NetPct         decimal.Decimal
}

// Evaluate picks buy = lowest price and sell = highest price among valid entries. Entries are visited in
// ascending exchange id order and only a strictly better price replaces a pick, so ties go to the lowest
// id. ok is false when fewer than two valid prices exist.
func (d *Detector) Evaluate(prices map[string]float64) (Spread, bool) {
	ids := make([]string, 0, len(prices))
	for id, p := range prices {
		if model.ValidPrice(p) {
			ids = append(ids, id)
		}
	}
	if len(ids) < 2 {
		return Spread{}, false
	}
	sort.Strings(ids)

	buy, sell := ids[0], ids[0]
	for _, id := range ids[1:] {
		if prices[id] < prices[buy] {
			buy = id
		}
		if prices[id] > prices[sell] {
			sell = id
		}
	}

	buyPrice := decimal.NewFromFloat(prices[buy])
	sellPrice := decimal.NewFromFloat(prices[sell])
	gross := sellPrice.Sub(buyPrice).Div(buyPrice).Mul(hundred)
	fees := d.fees[buy].Add(d.fees[sell])

	return Spread{
		BuyExchangeID:  buy,
		SellExchangeID: sell,
		BuyPrice:       prices[buy],
		SellPrice:      prices[sell],
		GrossPct:       gross,
		FeesPct:        fees,
		NetPct:         gross.Sub(fees),
	}, true
}

// Detect evaluates every asset and keeps spreads whose net percentage reaches the threshold.
// The result is sorted by net spread, highest first; equal spreads keep asset order.
func (d *Detector) Detect(assets []model.Asset, prices model.PriceMap) []model.Opportunity {
	type ranked struct {
		net decimal.Decimal
		opp model.Opportunity
	}

	found := make([]ranked, 0, len(assets))
	for _, asset := range assets {
		spread, ok := d.Evaluate(prices[asset.ID])
		if !ok || spread.NetPct.LessThan(d.minNet) {
			continue
		}
		found = append(found, ranked{net: spread.NetPct, opp: d.opportunity(asset, spread)})
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].net.GreaterThan(found[j].net)
	})

	out := make([]model.Opportunity, 0, len(found))
	for _, r := range found {
		out = append(out, r.opp)
	}
	return out
}

func (d *Detector) opportunity(asset model.Asset, s Spread) model.Opportunity {
	notes := ""
	if d.pivotLegID != "" && (s.BuyExchangeID == d.pivotLegID || s.SellExchangeID == d.pivotLegID) {
		notes = NotePivot
	}
	return model.Opportunity{
		AssetID:        asset.ID,
		Symbol:         asset.Symbol,
		Name:           asset.Name,
		BuyExchangeID:  s.BuyExchangeID,
		SellExchangeID: s.SellExchangeID,
		BuyPrice:       s.BuyPrice,
		SellPrice:      s.SellPrice,
		GrossPct:       s.GrossPct.InexactFloat64(),
		NetPct:         s.NetPct.InexactFloat64(),
		Notes:          notes,
	}
}
