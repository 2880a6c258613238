package arbitrage

import (
	"math"
	"math/rand"
	"testing"

	"arbwatch/internal/model"
)

var (
	assetX = model.Asset{ID: "x-coin", Symbol: "X", Name: "X Coin"}
	exAB   = []model.Exchange{
		{ID: "exA", Name: "Exchange A", TakerFeePct: 0.1},
		{ID: "exB", Name: "Exchange B", TakerFeePct: 0.2},
	}
)

func TestDetectScenarioAEmitsOpportunity(t *testing.T) {
	d := NewDetector(exAB, 0.2, "")
	prices := model.PriceMap{"x-coin": {"exA": 100, "exB": 102}}

	opps := d.Detect([]model.Asset{assetX}, prices)
	if len(opps) != 1 {
		t.Fatalf("expected one opportunity, got %d", len(opps))
	}
	o := opps[0]
	if o.BuyExchangeID != "exA" || o.SellExchangeID != "exB" {
		t.Fatalf("expected buy exA / sell exB, got %s / %s", o.BuyExchangeID, o.SellExchangeID)
	}
	if o.GrossPct != 2.0 {
		t.Fatalf("expected gross 2.0, got %v", o.GrossPct)
	}
	if o.NetPct != 1.7 {
		t.Fatalf("expected net 1.7, got %v", o.NetPct)
	}
	if o.Symbol != "X" || o.Name != "X Coin" || o.AssetID != "x-coin" {
		t.Fatalf("asset metadata not copied: %+v", o)
	}
}

func TestDetectScenarioBThresholdFilters(t *testing.T) {
	d := NewDetector(exAB, 3.0, "")
	prices := model.PriceMap{"x-coin": {"exA": 100, "exB": 102}}
	if opps := d.Detect([]model.Asset{assetX}, prices); len(opps) != 0 {
		t.Fatalf("net 1.7%% must not pass a 3%% threshold, got %+v", opps)
	}
}

func TestDetectThresholdIsInclusive(t *testing.T) {
	d := NewDetector(exAB, 1.7, "")
	prices := model.PriceMap{"x-coin": {"exA": 100, "exB": 102}}
	if opps := d.Detect([]model.Asset{assetX}, prices); len(opps) != 1 {
		t.Fatalf("net spread equal to the threshold should be emitted")
	}
}

func TestDetectNeedsTwoValidPrices(t *testing.T) {
	d := NewDetector(exAB, -100, "")
	cases := []map[string]float64{
		nil,
		{},
		{"exA": 100},
		{"exA": 100, "exB": 0},
		{"exA": 100, "exB": math.NaN()},
		{"exA": math.Inf(1), "exB": 100},
	}
	for _, prices := range cases {
		if opps := d.Detect([]model.Asset{assetX}, model.PriceMap{"x-coin": prices}); len(opps) != 0 {
			t.Fatalf("prices %v must not produce an opportunity", prices)
		}
	}
}

func TestDetectEqualPricesYieldZeroGross(t *testing.T) {
	d := NewDetector(nil, -1, "")
	opps := d.Detect([]model.Asset{assetX}, model.PriceMap{"x-coin": {"exB": 100, "exA": 100}})
	if len(opps) != 1 {
		t.Fatalf("equal prices with a negative threshold should still emit")
	}
	if opps[0].GrossPct != 0 || opps[0].BuyExchangeID != "exA" || opps[0].SellExchangeID != "exA" {
		t.Fatalf("ties should resolve to the lowest exchange id, got %+v", opps[0])
	}
}

func TestEvaluateTieBreakLowestID(t *testing.T) {
	d := NewDetector(nil, 0, "")
	for i := 0; i < 50; i++ {
		s, ok := d.Evaluate(map[string]float64{"zeta": 100, "alpha": 100, "mid": 105, "beta": 105})
		if !ok {
			t.Fatal("expected a spread")
		}
		if s.BuyExchangeID != "alpha" || s.SellExchangeID != "beta" {
			t.Fatalf("tie-break must be by lowest id, got buy=%s sell=%s", s.BuyExchangeID, s.SellExchangeID)
		}
	}
}

func TestDetectSortedByNetDescending(t *testing.T) {
	assets := []model.Asset{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	prices := model.PriceMap{
		"a": {"exA": 100, "exB": 101},
		"b": {"exA": 100, "exB": 110},
		"c": {"exA": 100, "exB": 105},
		"d": {"exA": 100, "exB": 110},
	}
	opps := NewDetector(exAB, 0, "").Detect(assets, prices)
	want := []string{"b", "d", "c", "a"}
	if len(opps) != len(want) {
		t.Fatalf("expected %d opportunities, got %d", len(want), len(opps))
	}
	for i, id := range want {
		if opps[i].AssetID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, opps[i].AssetID)
		}
	}
}

func TestDetectPivotNote(t *testing.T) {
	d := NewDetector(exAB, 0, "coinext")
	opps := d.Detect([]model.Asset{assetX}, model.PriceMap{"x-coin": {"exA": 100, "coinext": 103}})
	if len(opps) != 1 || opps[0].Notes != NotePivot {
		t.Fatalf("expected pivot note, got %+v", opps)
	}
}

func TestDetectInvariantsHoldForRandomPrices(t *testing.T) {
	exchanges := []model.Exchange{
		{ID: "a", TakerFeePct: 0.1},
		{ID: "b", TakerFeePct: 0.2},
		{ID: "c", TakerFeePct: 0.05},
		{ID: "d", TakerFeePct: 0},
	}
	fee := map[string]float64{"a": 0.1, "b": 0.2, "c": 0.05, "d": 0}
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		assets := make([]model.Asset, 0, 5)
		prices := model.PriceMap{}
		for i := 0; i < 5; i++ {
			id := string(rune('p' + i))
			assets = append(assets, model.Asset{ID: id})
			m := map[string]float64{}
			for _, ex := range exchanges {
				if rng.Intn(3) == 0 {
					continue
				}
				m[ex.ID] = 50 + rng.Float64()*10
			}
			prices[id] = m
		}

		opps := NewDetector(exchanges, 0.5, "").Detect(assets, prices)
		for i, o := range opps {
			if o.BuyPrice > o.SellPrice {
				t.Fatalf("buy price above sell price: %+v", o)
			}
			want := o.GrossPct - (fee[o.BuyExchangeID] + fee[o.SellExchangeID])
			if math.Abs(o.NetPct-want) > 1e-9 {
				t.Fatalf("net spread %v does not equal gross minus fees %v", o.NetPct, want)
			}
			if o.NetPct < 0.5-1e-12 {
				t.Fatalf("opportunity below threshold: %+v", o)
			}
			if len(prices[o.AssetID]) < 2 {
				t.Fatalf("opportunity with fewer than two prices: %+v", o)
			}
			if i > 0 && opps[i-1].NetPct < o.NetPct {
				t.Fatalf("opportunities not sorted by net spread")
			}
		}
	}
}
