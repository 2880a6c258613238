package report

import (
	"bytes"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"arbwatch/internal/model"
)

func sampleSnapshot() model.Snapshot {
	at := time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)
	return model.Snapshot{
		UpdatedAt: &at,
		Assets: []model.Asset{
			{ID: "x-coin", Symbol: "x"},
			{ID: "y-coin", Symbol: "y"},
		},
		Exchanges: []model.Exchange{{ID: "exA"}, {ID: "exB"}},
		Opportunities: []model.Opportunity{
			{AssetID: "x-coin", Symbol: "x", BuyExchangeID: "exA", SellExchangeID: "exB", BuyPrice: 100, SellPrice: 102, GrossPct: 2, NetPct: 1.7},
			{AssetID: "y-coin", Symbol: "y", BuyExchangeID: "exB", SellExchangeID: "coinext", BuyPrice: 10, SellPrice: 10.1, GrossPct: 1, NetPct: 0.4, Notes: "via pivot"},
		},
		PriceMap: model.PriceMap{
			"x-coin": {"exA": 100, "exB": 102},
			"y-coin": {"exB": 10, "coinext": 10.1},
		},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleSnapshot()); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	want := []string{"2026-04-05T06:07:08Z", "x-coin", "X", "exA", "exB", "100", "102", "2.000", "1.700", ""}
	for i, v := range want {
		if rows[1][i] != v {
			t.Fatalf("column %d: expected %q, got %q", i, v, rows[1][i])
		}
	}
	if rows[2][9] != "via pivot" {
		t.Fatalf("notes column lost: %v", rows[2])
	}
}

func TestWritePNG(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePNG(&buf, sampleSnapshot()); err != nil {
		t.Fatalf("WritePNG: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")) {
		t.Fatal("output is not a PNG")
	}

	single := sampleSnapshot()
	single.Opportunities = single.Opportunities[:1]
	buf.Reset()
	if err := WritePNG(&buf, single); err != nil {
		t.Fatalf("single bar chart: %v", err)
	}
}

func TestWritePNGWithoutOpportunities(t *testing.T) {
	snap := sampleSnapshot()
	snap.Opportunities = nil
	if err := WritePNG(&bytes.Buffer{}, snap); !errors.Is(err, ErrNoOpportunities) {
		t.Fatalf("expected ErrNoOpportunities, got %v", err)
	}
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTable(&buf, sampleSnapshot()); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	out := buf.String()

	for _, want := range []string{"2026-04-05T06:07:08Z", "1.700", "via pivot", "coinext"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table should contain %q:\n%s", want, out)
		}
	}

	lines := strings.Split(out, "\n")
	var header string
	for _, l := range lines {
		if strings.HasPrefix(l, "Coin") && strings.Contains(l, "exA") {
			header = l
		}
	}
	if header == "" {
		t.Fatalf("price matrix header missing:\n%s", out)
	}
	if strings.Index(header, "exB") > strings.Index(header, "coinext") {
		t.Fatalf("configured exchanges should come before extra ones: %q", header)
	}
}

func TestWriteTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTable(&buf, model.Empty()); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	if !strings.Contains(buf.String(), "never") || !strings.Contains(buf.String(), "no opportunities") {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
}
