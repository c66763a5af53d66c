package regime_test

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/screener-backend/internal/regime"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"go.uber.org/zap"
)

var asOf = time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC)

func linearPrices(from, to float64, n int) []float64 {
	prices := make([]float64, n)
	step := (to - from) / float64(n-1)
	for i := range prices {
		prices[i] = from + step*float64(i)
	}
	return prices
}

func bullData() regime.MarketData {
	return regime.MarketData{
		IndexCode:     "CSI300",
		Prices:        linearPrices(100, 160, 61),
		CurrentVolume: 2500,
		AverageVolume: 1000,
		Advancing:     80,
		Declining:     20,
		Momentum:      0.04,
		AsOf:          asOf,
	}
}

func bearData() regime.MarketData {
	return regime.MarketData{
		IndexCode:     "CSI300",
		Prices:        linearPrices(160, 100, 61),
		CurrentVolume: 400,
		AverageVolume: 1000,
		Advancing:     10,
		Declining:     90,
		Momentum:      -0.05,
		AsOf:          asOf.AddDate(0, 0, 1),
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestClassifyBull(t *testing.T) {
	c := regime.NewClassifier(zap.NewNop(), nil)
	env := c.Classify(bullData())

	if env.Kind != types.EnvironmentBull {
		t.Fatalf("Expected BULL, got %s (composite %f)", env.Kind, env.CompositeScore)
	}
	if env.TrendDirection != types.TrendBullish {
		t.Errorf("Expected bullish trend, got %s", env.TrendDirection)
	}
	if env.VolatilityLevel != types.VolatilityLow {
		t.Errorf("Expected LOW volatility, got %s", env.VolatilityLevel)
	}
	if !approx(env.SentimentScore, 0.9) {
		t.Errorf("Expected sentiment 0.9, got %f", env.SentimentScore)
	}
	if !approx(env.CompositeScore, 0.855) {
		t.Errorf("Expected composite 0.855, got %f", env.CompositeScore)
	}
	if !approx(env.Confidence, (0.855-0.7)/0.3) {
		t.Errorf("Unexpected confidence %f", env.Confidence)
	}
	if env.TrendStrength < 0.99 {
		t.Errorf("Linear prices should have R² near 1, got %f", env.TrendStrength)
	}
	if !env.Timestamp.Equal(asOf) {
		t.Errorf("Timestamp should come from AsOf, got %v", env.Timestamp)
	}
}

func TestClassifyBear(t *testing.T) {
	c := regime.NewClassifier(zap.NewNop(), nil)
	env := c.Classify(bearData())

	if env.Kind != types.EnvironmentBear {
		t.Fatalf("Expected BEAR, got %s (composite %f)", env.Kind, env.CompositeScore)
	}
	if !approx(env.CompositeScore, 0.175) {
		t.Errorf("Expected composite 0.175, got %f", env.CompositeScore)
	}
	if !approx(env.Confidence, (0.3-0.175)/0.3) {
		t.Errorf("Unexpected confidence %f", env.Confidence)
	}
}

func TestClassifySidewaysWithMissingSentiment(t *testing.T) {
	c := regime.NewClassifier(zap.NewNop(), nil)
	prices := make([]float64, 61)
	for i := range prices {
		prices[i] = 100
	}

	env := c.Classify(regime.MarketData{IndexCode: "CSI300", Prices: prices, AsOf: asOf})

	if env.Kind != types.EnvironmentSideways {
		t.Fatalf("Expected SIDEWAYS, got %s", env.Kind)
	}
	// volume and breadth fall back to 0.5, zero momentum scores 0.4
	if !approx(env.SentimentScore, 0.47) {
		t.Errorf("Expected sentiment 0.47, got %f", env.SentimentScore)
	}
	if !approx(env.CompositeScore, 0.5075) {
		t.Errorf("Expected composite 0.5075, got %f", env.CompositeScore)
	}
	if !approx(env.Confidence, 0.1925/0.2) {
		t.Errorf("Unexpected confidence %f", env.Confidence)
	}
}

func TestClassifyUndefined(t *testing.T) {
	c := regime.NewClassifier(zap.NewNop(), nil)

	env := c.Classify(regime.MarketData{Prices: []float64{1, 2, 3}, AsOf: asOf})
	if env.Kind != types.EnvironmentUndefined {
		t.Errorf("Expected UNDEFINED with 3 prices, got %s", env.Kind)
	}
	if env.Confidence != 0 {
		t.Errorf("UNDEFINED must have zero confidence, got %f", env.Confidence)
	}

	cfg := regime.DefaultClassifierConfig()
	cfg.MinSignalStrength = 0.5
	strict := regime.NewClassifier(zap.NewNop(), cfg)
	flat := make([]float64, 61)
	for i := range flat {
		flat[i] = 50
	}
	env = strict.Classify(regime.MarketData{Prices: flat, AsOf: asOf})
	if env.Kind != types.EnvironmentUndefined {
		t.Errorf("Weak signal should be UNDEFINED, got %s", env.Kind)
	}
}

func TestClassifyIsPure(t *testing.T) {
	c := regime.NewClassifier(zap.NewNop(), nil)
	data := bullData()
	original := append([]float64(nil), data.Prices...)

	first := c.Classify(data)
	second := c.Classify(data)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("Classify is not deterministic: %+v vs %+v", first, second)
	}
	if !reflect.DeepEqual(original, data.Prices) {
		t.Error("Classify modified its input")
	}
}

func TestClassifyDropsInvalidIndexPrices(t *testing.T) {
	c := regime.NewClassifier(zap.NewNop(), nil)
	clean := c.Classify(bullData())

	dirty := bullData()
	prices := append([]float64{}, dirty.Prices[:30]...)
	prices = append(prices, 0, -5, math.NaN(), math.Inf(1))
	dirty.Prices = append(prices, dirty.Prices[30:]...)

	got := c.Classify(dirty)
	if got.Kind != clean.Kind || got.TrendDirection != clean.TrendDirection || got.VolatilityLevel != clean.VolatilityLevel {
		t.Errorf("Invalid prices changed the classification: clean %s/%s/%s, dirty %s/%s/%s",
			clean.Kind, clean.TrendDirection, clean.VolatilityLevel, got.Kind, got.TrendDirection, got.VolatilityLevel)
	}
	if !approx(got.Volatility, clean.Volatility) || !approx(got.CompositeScore, clean.CompositeScore) {
		t.Errorf("Expected volatility %f composite %f, got %f %f",
			clean.Volatility, clean.CompositeScore, got.Volatility, got.CompositeScore)
	}

	valid, dropped := regime.ValidPrices([]float64{1, 0, math.NaN(), 2, -1, math.Inf(-1)})
	if dropped != 4 || len(valid) != 2 || valid[0] != 1 || valid[1] != 2 {
		t.Errorf("Unexpected ValidPrices result %v dropped %d", valid, dropped)
	}
}

func TestTrendFallbacks(t *testing.T) {
	c := regime.NewClassifier(zap.NewNop(), nil)

	// short and medium only
	tr := c.Trend(linearPrices(10, 30, 25))
	if tr.Direction != types.TrendBullish || tr.LongMA != nil {
		t.Errorf("Expected bullish without long MA, got %+v", tr)
	}
	if tr.Strength != 0 {
		t.Errorf("Strength requires the long window, got %f", tr.Strength)
	}

	// short only with at least 10 prices
	tr = c.Trend(linearPrices(30, 10, 12))
	if tr.Direction != types.TrendBearish {
		t.Errorf("Expected bearish from 10-bar comparison, got %s", tr.Direction)
	}

	// short only with fewer than 10 prices
	tr = c.Trend(linearPrices(30, 10, 7))
	if tr.Direction != types.TrendUndefined {
		t.Errorf("Expected undefined, got %s", tr.Direction)
	}
}

func TestVolatilityLevels(t *testing.T) {
	c := regime.NewClassifier(zap.NewNop(), nil)
	cases := map[float64]types.VolatilityLevel{
		0.01:  types.VolatilityLow,
		0.02:  types.VolatilityMedium,
		0.03:  types.VolatilityHigh,
		0.035: types.VolatilityExtreme,
	}
	for vol, want := range cases {
		if got := c.VolatilityLevel(vol); got != want {
			t.Errorf("VolatilityLevel(%v) = %s, want %s", vol, got, want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	if err := regime.DefaultClassifierConfig().Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
	cfg := regime.DefaultClassifierConfig()
	cfg.BearThreshold = 0.8
	if err := cfg.Validate(); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

type memoryHistory struct {
	mu      sync.Mutex
	records []types.EnvironmentRecord
}

func (m *memoryHistory) AppendEnvironment(_ context.Context, r types.EnvironmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memoryHistory) LoadEnvironment(_ context.Context, index, date string) ([]types.EnvironmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.EnvironmentRecord
	for _, r := range m.records {
		if r.IndexCode == index && r.Date == date {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryHistory) EnvironmentRange(_ context.Context, index string, from, to time.Time) ([]types.EnvironmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.EnvironmentRecord, 0)
	for _, r := range m.records {
		if r.IndexCode == index && r.Date >= types.DateKey(from) && r.Date <= types.DateKey(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestTrackerDetectsTransition(t *testing.T) {
	store := &memoryHistory{}
	tracker := regime.NewTracker(zap.NewNop(), regime.NewClassifier(zap.NewNop(), nil), store)
	ctx := context.Background()

	if _, ok := tracker.Current(); ok {
		t.Fatal("Tracker should start empty")
	}

	_, tr, err := tracker.Observe(ctx, bullData())
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if tr != nil {
		t.Error("First observation must not report a transition")
	}

	env, tr, err := tracker.Observe(ctx, bearData())
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if tr == nil {
		t.Fatal("Expected a transition from BULL to BEAR")
	}
	if tr.Previous.Kind != types.EnvironmentBull || tr.Current.Kind != types.EnvironmentBear {
		t.Errorf("Unexpected transition %s -> %s", tr.Previous.Kind, tr.Current.Kind)
	}
	if !tr.InvolvesBear() {
		t.Error("Transition should involve BEAR")
	}

	if current, _ := tracker.Current(); current.Kind != env.Kind {
		t.Errorf("Current should be %s, got %s", env.Kind, current.Kind)
	}
	if len(store.records) != 2 {
		t.Errorf("Expected 2 persisted records, got %d", len(store.records))
	}
	if h := tracker.History(1); len(h) != 1 || h[0].Environment.Kind != types.EnvironmentBear {
		t.Errorf("Unexpected history %+v", h)
	}

	stats := tracker.Stats()
	if stats.Transitions != 1 || stats.TotalObservations != 2 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.Percentages[types.EnvironmentBull] != 0.5 {
		t.Errorf("Expected 50%% bull, got %f", stats.Percentages[types.EnvironmentBull])
	}
}

func TestTrackerRestore(t *testing.T) {
	store := &memoryHistory{}
	classifier := regime.NewClassifier(zap.NewNop(), nil)
	ctx := context.Background()

	first := regime.NewTracker(zap.NewNop(), classifier, store)
	first.Observe(ctx, bullData())

	second := regime.NewTracker(zap.NewNop(), classifier, store)
	if err := second.Restore(ctx, "CSI300", 30, asOf.AddDate(0, 0, 5)); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	current, ok := second.Current()
	if !ok || current.Kind != types.EnvironmentBull {
		t.Errorf("Expected restored BULL, got %s", current.Kind)
	}

	_, tr, _ := second.Observe(ctx, bearData())
	if tr == nil {
		t.Error("Restored tracker should detect the change to BEAR")
	}
}

func TestRecommendations(t *testing.T) {
	recs := regime.Recommendations(types.MarketEnvironment{Kind: types.EnvironmentBear, Confidence: 0.4})
	if len(recs) != 4 {
		t.Errorf("Expected 3 bear recommendations plus a caution, got %d", len(recs))
	}
	recs = regime.Recommendations(types.MarketEnvironment{Kind: types.EnvironmentBull, Confidence: 0.9})
	if len(recs) != 3 {
		t.Errorf("Expected 3 bull recommendations, got %d", len(recs))
	}
}
