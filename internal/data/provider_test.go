package data_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/screener-backend/internal/data"
	"github.com/atlas-desktop/screener-backend/internal/regime"
	"github.com/atlas-desktop/screener-backend/internal/scoring"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func dailySeries(symbol string, closes ...float64) types.PriceSeries {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.PriceBar, len(closes))
	for i, c := range closes {
		bars[i] = types.PriceBar{Date: start.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: 100}
	}
	return types.PriceSeries{Symbol: symbol, Bars: bars}
}

func TestSeriesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := data.NewFileProvider(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	series := dailySeries("600519", 10, 11, 12, 13, 14)
	// stored out of order on purpose
	series.Bars[0], series.Bars[4] = series.Bars[4], series.Bars[0]
	if err := p.SaveSeries(series); err != nil {
		t.Fatalf("SaveSeries failed: %v", err)
	}

	fresh, err := data.NewFileProvider(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("Failed to reopen provider: %v", err)
	}
	history, err := fresh.PriceHistory(context.Background(), []string{"600519", "MISSING"}, 3)
	if err != nil {
		t.Fatalf("PriceHistory failed: %v", err)
	}
	if _, ok := history["MISSING"]; ok {
		t.Error("Missing symbol should be omitted")
	}
	got := history["600519"].Closes()
	want := []float64{12, 13, 14}
	if len(got) != len(want) {
		t.Fatalf("Expected %d bars, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Bar %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	start, end, err := fresh.DataRange("600519")
	if err != nil || !end.After(start) {
		t.Errorf("Unexpected range %v-%v, %v", start, end, err)
	}
	if syms := fresh.Symbols(); len(syms) != 1 || syms[0] != "600519" {
		t.Errorf("Unexpected symbols %v", syms)
	}
}

func TestQuotesFallBackToLastClose(t *testing.T) {
	p, _ := data.NewFileProvider(zap.NewNop(), t.TempDir())
	p.SaveSeries(dailySeries("A", 10, 12))
	p.SaveQuotes([]types.Quote{{Symbol: "B", Price: decimal.NewFromInt(7)}})

	quotes, err := p.Quotes(context.Background(), []string{"A", "B", "C"})
	if err != nil {
		t.Fatalf("Quotes failed: %v", err)
	}
	if !quotes["A"].Price.Equal(decimal.NewFromInt(12)) {
		t.Errorf("Expected last close 12 for A, got %s", quotes["A"].Price)
	}
	if !quotes["B"].Price.Equal(decimal.NewFromInt(7)) {
		t.Errorf("Expected stored quote 7 for B, got %s", quotes["B"].Price)
	}
	if _, ok := quotes["C"]; ok {
		t.Error("Unknown symbol should have no quote")
	}
}

func TestFundamentalsSnapshotAndPortfolio(t *testing.T) {
	p, _ := data.NewFileProvider(zap.NewNop(), t.TempDir())
	ctx := context.Background()

	if _, err := p.MarketSnapshot(ctx); !errors.Is(err, data.ErrNoMarketSnapshot) {
		t.Errorf("Expected ErrNoMarketSnapshot, got %v", err)
	}
	if f, err := p.Fundamentals(ctx, nil); err != nil || len(f) != 0 {
		t.Errorf("Expected empty fundamentals, got %v %v", f, err)
	}

	p.SaveFundamentals([]scoring.StockFundamentals{{Symbol: "A", PERatio: 8}, {Symbol: "B", PERatio: 30}})
	p.SaveMarketSnapshot(regime.MarketData{IndexCode: "000300", Prices: []float64{1, 2, 3}, Advancing: 10})
	p.SavePortfolio([]types.PortfolioPosition{{Symbol: "A", Weight: 1, Quantity: decimal.NewFromInt(100)}})

	f, err := p.Fundamentals(ctx, []string{"B"})
	if err != nil || len(f) != 1 || f[0].PERatio != 30 {
		t.Errorf("Unexpected filtered fundamentals %+v, %v", f, err)
	}
	snap, err := p.MarketSnapshot(ctx)
	if err != nil || snap.IndexCode != "000300" || len(snap.Prices) != 3 {
		t.Errorf("Unexpected snapshot %+v, %v", snap, err)
	}
	positions, err := p.Portfolio(ctx)
	if err != nil || len(positions) != 1 || !positions[0].Quantity.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Unexpected portfolio %+v, %v", positions, err)
	}
}

func TestCorruptHistoryIsOmitted(t *testing.T) {
	dir := t.TempDir()
	p, _ := data.NewFileProvider(zap.NewNop(), dir)
	if err := os.WriteFile(filepath.Join(dir, "prices", "BAD.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	history, err := p.PriceHistory(context.Background(), []string{"BAD"}, 0)
	if err != nil {
		t.Fatalf("PriceHistory failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("Corrupt history should be omitted, got %v", history)
	}
}

func TestConcurrentAccess(t *testing.T) {
	p, _ := data.NewFileProvider(zap.NewNop(), t.TempDir())
	for _, s := range []string{"A", "B", "C"} {
		p.SaveSeries(dailySeries(s, 1, 2, 3))
	}
	p.ClearCache()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.PriceHistory(context.Background(), []string{"A", "B", "C"}, 0)
			if err != nil || len(h) != 3 {
				t.Errorf("Unexpected history %d, %v", len(h), err)
			}
		}()
	}
	wg.Wait()

	if p.CacheSize() != 3 {
		t.Errorf("Expected 3 cached series, got %d", p.CacheSize())
	}
}
