package model

import (
	"encoding/json"
	"math"
	"time"
)

// Asset identifies a tradable coin. ID is the aggregator's coin id and keys every map.
type Asset struct {
	ID                 string `json:"id" mapstructure:"id"`
	Symbol             string `json:"symbol" mapstructure:"symbol"`
	Name               string `json:"name" mapstructure:"name"`
	DirectInstrumentID int    `json:"coinextInstrumentId,omitempty" mapstructure:"direct_instrument_id"`
}

// HasDirectInstrument reports whether the asset is listed on the direct exchange.
func (a Asset) HasDirectInstrument() bool {
	return a.DirectInstrumentID > 0
}

// Exchange is a venue together with its taker fee, in percent, charged once per leg.
type Exchange struct {
	ID          string  `json:"id" mapstructure:"id"`
	Name        string  `json:"name" mapstructure:"name"`
	TakerFeePct float64 `json:"takerFeePct" mapstructure:"taker_fee_pct"`
}

// Opportunity is the best buy/sell pair for one asset in one refresh cycle.
type Opportunity struct {
	AssetID        string  `json:"coinId"`
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	BuyExchangeID  string  `json:"buyEx"`
	SellExchangeID string  `json:"sellEx"`
	BuyPrice       float64 `json:"buyPrice"`
	SellPrice      float64 `json:"sellPrice"`
	GrossPct       float64 `json:"grossPct"`
	NetPct         float64 `json:"netPct"`
	Notes          string  `json:"notes"`
}

// PriceMap maps asset id -> exchange id -> price in the common quote currency.
type PriceMap map[string]map[string]float64

// ValidPrice reports whether p can be stored in a PriceMap.
func ValidPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}

// FX carries the pivot rate used in a cycle. A nil rate means it was unavailable or not needed.
type FX struct {
	PivotRate *float64 `json:"pivotRate"`
	// Legacy key read by the display client.
	CoinextBrlPerUsdt *float64 `json:"coinextBrlPerUsdt"`
}

// NewFX builds the FX block; ok=false yields null rates.
func NewFX(rate float64, ok bool) FX {
	if !ok {
		return FX{}
	}
	r := rate
	return FX{PivotRate: &r, CoinextBrlPerUsdt: &r}
}

// Snapshot is the atomic result of one refresh cycle.
type Snapshot struct {
	UpdatedAt     *time.Time    `json:"updatedAt"`
	FX            FX            `json:"fx"`
	Assets        []Asset       `json:"coins"`
	Exchanges     []Exchange    `json:"exchanges"`
	Opportunities []Opportunity `json:"opportunities"`
	PriceMap      PriceMap      `json:"pricesByCoin"`
	Partial       bool          `json:"partial,omitempty"`
}

// Empty returns the document served before any cycle has completed.
func Empty() Snapshot {
	return Snapshot{
		Assets:        []Asset{},
		Exchanges:     []Exchange{},
		Opportunities: []Opportunity{},
		PriceMap:      PriceMap{},
	}
}

// Normalize replaces nil collections with empty ones so clients always see arrays and objects.
func (s Snapshot) Normalize() Snapshot {
	if s.Assets == nil {
		s.Assets = []Asset{}
	}
	if s.Exchanges == nil {
		s.Exchanges = []Exchange{}
	}
	if s.Opportunities == nil {
		s.Opportunities = []Opportunity{}
	}
	if s.PriceMap == nil {
		s.PriceMap = PriceMap{}
	}
	return s
}

// Encode serialises a snapshot for a cache backend.
func Encode(s Snapshot) ([]byte, error) {
	return json.Marshal(s.Normalize())
}

// Decode parses a cached snapshot payload.
func Decode(payload []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return Snapshot{}, err
	}
	return s.Normalize(), nil
}
