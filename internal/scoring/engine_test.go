package scoring_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/atlas-desktop/screener-backend/internal/scoring"
	"github.com/atlas-desktop/screener-backend/internal/weights"
	"github.com/atlas-desktop/screener-backend/internal/workers"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"go.uber.org/zap"
)

func baseWeights() types.FactorWeightSet {
	return types.FactorWeightSet{Version: 1, Weights: weights.DefaultConfig().Base}
}

func cheapStock(symbol string) scoring.StockFundamentals {
	return scoring.StockFundamentals{
		Symbol:        symbol,
		Price:         10,
		PERatio:       8,
		PBRatio:       0.9,
		EPS:           2.5,
		BookValue:     12,
		ChangePct:     6,
		DividendYield: 5,
		Week52High:    20,
		Week52Low:     9,
		Volume:        600,
		MarketCap:     10000,
	}
}

func TestRulesBuckets(t *testing.T) {
	s := cheapStock("600000")
	for kind, rule := range scoring.Registry {
		v, err := rule(s)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", kind, err)
		}
		if v != 1.0 {
			t.Errorf("%s: expected 1.0 for an ideal stock, got %f", kind, v)
		}
	}

	if v, _ := scoring.MomentumRule(scoring.StockFundamentals{ChangePct: 0}); v != 0.3 {
		t.Errorf("Flat change should score 0.3, got %f", v)
	}
	if v, _ := scoring.ValueRule(scoring.StockFundamentals{PERatio: 20, PBRatio: -1}); v != 0.35 {
		t.Errorf("Expected (0.7+0)/2, got %f", v)
	}
	if _, err := scoring.TechnicalRule(scoring.StockFundamentals{Price: 10, Week52High: 5, Week52Low: 5}); !errors.Is(err, scoring.ErrMissingInput) {
		t.Errorf("Expected ErrMissingInput for a flat 52w range, got %v", err)
	}
	if _, err := scoring.QualityRule(scoring.StockFundamentals{Price: math.NaN(), BookValue: 1}); !errors.Is(err, scoring.ErrMissingInput) {
		t.Errorf("Expected ErrMissingInput for NaN price, got %v", err)
	}
}

func TestScoreNeutralizesMissingInputs(t *testing.T) {
	e := scoring.NewEngine(zap.NewNop(), nil, nil)
	s := cheapStock("600001")
	s.BookValue = 0
	s.MarketCap = 0

	score, err := e.Score(s, baseWeights())
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if len(score.Neutralized) != 2 {
		t.Fatalf("Expected 2 neutralized factors, got %v", score.Neutralized)
	}
	if score.FactorScores[types.FactorQuality] != 0.5 {
		t.Errorf("Neutralized factor should score 0.5, got %f", score.FactorScores[types.FactorQuality])
	}
	// quality .15 and sentiment .10 are neutral, everything else is 1
	want := 0.75 + 0.25*0.5
	if math.Abs(score.Composite-want) > 1e-9 {
		t.Errorf("Expected composite %f, got %f", want, score.Composite)
	}
}

func TestScoreRenormalizesEnabledFactors(t *testing.T) {
	cfg := &scoring.Config{Enabled: []types.FactorKind{types.FactorDividend, types.FactorMomentum}, NeutralScore: 0.5}
	e := scoring.NewEngine(zap.NewNop(), cfg, nil)
	s := cheapStock("600002")
	s.ChangePct = -10

	score, err := e.Score(s, baseWeights())
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	// dividend 1 at .20, momentum 0 at .10
	if math.Abs(score.Composite-0.2/0.3) > 1e-9 {
		t.Errorf("Expected %f, got %f", 0.2/0.3, score.Composite)
	}
}

func TestScoreAllRanksDeterministically(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), &workers.PoolConfig{Name: "scoring", NumWorkers: 4, QueueSize: 8})
	pool.Start()
	defer pool.Stop()
	e := scoring.NewEngine(zap.NewNop(), nil, pool)

	a := cheapStock("B")
	b := cheapStock("A")
	c := cheapStock("C")
	c.DividendYield = 4.5 // same bucket, lower yield
	d := cheapStock("D")
	d.PERatio = 50
	empty := cheapStock("")

	stocks := []scoring.StockFundamentals{d, a, empty, c, b}
	first, report := e.ScoreAll(context.Background(), stocks, baseWeights())

	order := []string{"A", "B", "C", "D"}
	if len(first) != len(order) {
		t.Fatalf("Expected %d scores, got %d", len(order), len(first))
	}
	for i, sym := range order {
		if first[i].Symbol != sym || first[i].Rank != i+1 {
			t.Errorf("Position %d: expected %s rank %d, got %s rank %d", i, sym, i+1, first[i].Symbol, first[i].Rank)
		}
	}
	if len(report.Skipped) != 1 {
		t.Errorf("Expected the empty symbol to be skipped, got %v", report.Skipped)
	}

	for run := 0; run < 5; run++ {
		again, _ := e.ScoreAll(context.Background(), stocks, baseWeights())
		for i := range again {
			if again[i].Symbol != first[i].Symbol {
				t.Fatalf("Run %d: ranking changed at %d", run, i)
			}
		}
	}
}

func TestScoreAllDegradesFullyNeutralStock(t *testing.T) {
	e := scoring.NewEngine(zap.NewNop(), nil, nil)
	blank := scoring.StockFundamentals{
		Symbol: "X", Price: math.NaN(), PERatio: math.NaN(), PBRatio: math.NaN(), EPS: math.NaN(),
		ChangePct: math.NaN(), DividendYield: math.NaN(),
	}

	scores, report := e.ScoreAll(context.Background(), []scoring.StockFundamentals{blank}, baseWeights())
	if len(scores) != 1 || report.Status("X") != "degraded" {
		t.Fatalf("Expected a degraded score, got %v / %s", scores, report.Status("X"))
	}
	if math.Abs(scores[0].Composite-0.5) > 1e-9 {
		t.Errorf("Fully neutral stock should score 0.5, got %f", scores[0].Composite)
	}
}

func TestPerformanceTracker(t *testing.T) {
	p := scoring.NewPerformanceTracker()
	if _, ok := p.Best(); ok {
		t.Error("Empty tracker has no best factor")
	}

	p.Record(types.FactorValue, 0.8, 0.02)
	p.Record(types.FactorValue, 0.6, 0.04)
	p.Record(types.FactorGrowth, 0.9, -0.01)

	stats := p.Stats(types.FactorValue)
	if stats.Count != 2 || math.Abs(stats.AvgScore-0.7) > 1e-9 || math.Abs(stats.AvgReturn-0.03) > 1e-9 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if best, _ := p.Best(); best != types.FactorValue {
		t.Errorf("Expected value as best factor, got %s", best)
	}
}

func TestPerformanceTrackerAveragesLongStreams(t *testing.T) {
	p := scoring.NewPerformanceTracker()
	const n = 200000
	for i := 0; i < n; i++ {
		score := 0.25
		if i%2 == 1 {
			score = 0.75
		}
		p.Record(types.FactorMomentum, score, 0.01)
	}
	p.RecordRanking([]scoring.StockScore{{
		Symbol:       "AAA",
		FactorScores: map[types.FactorKind]float64{types.FactorQuality: 0.4},
	}}, map[string]float64{"AAA": 0.05, "BBB": 1})

	stats := p.Stats(types.FactorMomentum)
	if stats.Count != n {
		t.Fatalf("Expected %d observations, got %d", n, stats.Count)
	}
	if math.Abs(stats.AvgScore-0.5) > 1e-9 || math.Abs(stats.AvgReturn-0.01) > 1e-9 {
		t.Errorf("Unexpected averages %+v", stats)
	}

	summary := p.Summary()
	if len(summary) != 2 {
		t.Fatalf("Expected two factors in summary, got %d", len(summary))
	}
	if q := summary[types.FactorQuality]; q.Count != 1 || math.Abs(q.AvgReturn-0.05) > 1e-9 {
		t.Errorf("Unexpected quality stats %+v", q)
	}
	if best, _ := p.Best(); best != types.FactorQuality {
		t.Errorf("Expected quality as best factor, got %s", best)
	}
}
