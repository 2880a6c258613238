// Package report renders snapshots for humans: a terminal table, CSV, and a PNG bar chart.
package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"arbwatch/internal/model"
)

// ErrNoOpportunities is returned when a chart is requested for a snapshot without opportunities.
var ErrNoOpportunities = errors.New("snapshot has no opportunities to chart")

var csvHeader = []string{"updated_at", "coin_id", "symbol", "buy_exchange", "sell_exchange", "buy_price", "sell_price", "gross_pct", "net_pct", "notes"}

// WriteCSV writes one row per opportunity.
func WriteCSV(w io.Writer, snap model.Snapshot) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	updated := ""
	if snap.UpdatedAt != nil {
		updated = snap.UpdatedAt.UTC().Format(time.RFC3339)
	}
	for _, o := range snap.Opportunities {
		record := []string{
			updated,
			o.AssetID,
			strings.ToUpper(o.Symbol),
			o.BuyExchangeID,
			o.SellExchangeID,
			decimal.NewFromFloat(o.BuyPrice).String(),
			decimal.NewFromFloat(o.SellPrice).String(),
			formatPct(o.GrossPct),
			formatPct(o.NetPct),
			o.Notes,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// WritePNG renders net spreads as a bar chart, one bar per opportunity.
func WritePNG(w io.Writer, snap model.Snapshot) error {
	if len(snap.Opportunities) == 0 {
		return ErrNoOpportunities
	}

	bars := make([]chart.Value, 0, len(snap.Opportunities))
	low, high := 0.0, 0.0
	for _, o := range snap.Opportunities {
		bars = append(bars, chart.Value{
			Label: fmt.Sprintf("%s %s>%s", strings.ToUpper(o.Symbol), o.BuyExchangeID, o.SellExchangeID),
			Value: o.NetPct,
		})
		low = math.Min(low, o.NetPct)
		high = math.Max(high, o.NetPct)
	}
	if high == low {
		high = low + 1
	}

	title := "Net spread (%)"
	if snap.UpdatedAt != nil {
		title = fmt.Sprintf("Net spread (%%) at %s UTC", snap.UpdatedAt.UTC().Format(time.RFC3339))
	}

	graph := chart.BarChart{
		Title:  title,
		Width:  1280,
		Height: 720,
		Background: chart.Style{
			Padding: chart.Box{Top: 60},
		},
		BarWidth: 48,
		YAxis: chart.YAxis{
			Range: &chart.ContinuousRange{Min: low, Max: high * 1.1},
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Bars: bars,
	}
	return graph.Render(chart.PNG, w)
}

// WriteTable prints the opportunities followed by the price matrix.
func WriteTable(w io.Writer, snap model.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	updated := "never"
	if snap.UpdatedAt != nil {
		updated = snap.UpdatedAt.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(tw, "Updated (UTC): %s\n", updated)
	if snap.FX.PivotRate != nil {
		fmt.Fprintf(tw, "Pivot rate: %s\n", decimal.NewFromFloat(*snap.FX.PivotRate).String())
	}
	if snap.Partial {
		fmt.Fprintln(tw, "Partial cycle")
	}
	fmt.Fprintln(tw)

	if len(snap.Opportunities) == 0 {
		fmt.Fprintln(tw, "no opportunities")
	} else {
		fmt.Fprintln(tw, "Coin\tBuy\tBuy price\tSell\tSell price\tGross%\tNet%\tNotes")
		for _, o := range snap.Opportunities {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				strings.ToUpper(o.Symbol),
				o.BuyExchangeID,
				decimal.NewFromFloat(o.BuyPrice).String(),
				o.SellExchangeID,
				decimal.NewFromFloat(o.SellPrice).String(),
				formatPct(o.GrossPct),
				formatPct(o.NetPct),
				o.Notes,
			)
		}
	}
	fmt.Fprintln(tw)

	exchanges := exchangeColumns(snap)
	if len(exchanges) > 0 {
		fmt.Fprintln(tw, "Coin\t"+strings.Join(exchanges, "\t"))
		for _, asset := range snap.Assets {
			row := []string{strings.ToUpper(asset.Symbol)}
			prices := snap.PriceMap[asset.ID]
			for _, ex := range exchanges {
				if p, ok := prices[ex]; ok {
					row = append(row, decimal.NewFromFloat(p).String())
				} else {
					row = append(row, "-")
				}
			}
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
	}

	return tw.Flush()
}

// exchangeColumns lists configured exchanges first, then any extra ids seen in the price map.
func exchangeColumns(snap model.Snapshot) []string {
	seen := make(map[string]struct{})
	cols := make([]string, 0, len(snap.Exchanges))
	for _, ex := range snap.Exchanges {
		if _, ok := seen[ex.ID]; ok {
			continue
		}
		seen[ex.ID] = struct{}{}
		cols = append(cols, ex.ID)
	}

	var extra []string
	for _, prices := range snap.PriceMap {
		for id := range prices {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	return append(cols, extra...)
}

func formatPct(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(3)
}
