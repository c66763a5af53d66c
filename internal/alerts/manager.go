// Package alerts turns risk metrics and regime transitions into deduplicated
// alerts and fans them out to sinks.
package alerts

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/screener-backend/internal/regime"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink receives every emitted alert
type Sink interface {
	Name() string
	Send(ctx context.Context, alert types.RiskAlert) error
}

// Config configures severity bands and de-duplication
type Config struct {
	Cooldown     time.Duration                 `mapstructure:"cooldown"`
	DefaultBands []float64                     `mapstructure:"default_bands"`
	Bands        map[types.AlertKind][]float64 `mapstructure:"bands"`
	MaxLog       int                           `mapstructure:"max_log"`
}

// DefaultConfig returns a 15 minute cooldown with bands at 20%, 50% and 100% excess
func DefaultConfig() *Config {
	return &Config{
		Cooldown:     15 * time.Minute,
		DefaultBands: []float64{0.2, 0.5, 1.0},
		Bands:        make(map[types.AlertKind][]float64),
		MaxLog:       1000,
	}
}

// Validate checks bands are three ascending positive cuts
func (c *Config) Validate() error {
	if c.Cooldown < 0 {
		return types.NewError(types.KindConfiguration, "alerts", "cooldown must not be negative")
	}
	if c.MaxLog <= 0 {
		return types.NewError(types.KindConfiguration, "alerts", "max_log must be positive")
	}
	if err := validateBands("default", c.DefaultBands); err != nil {
		return err
	}
	for kind, b := range c.Bands {
		if err := validateBands(string(kind), b); err != nil {
			return err
		}
	}
	return nil
}

func validateBands(name string, b []float64) error {
	if len(b) != 3 || b[0] <= 0 || b[0] >= b[1] || b[1] >= b[2] {
		return types.Errorf(types.KindConfiguration, "alerts", "bands for %s must be three ascending positive values, got %v", name, b)
	}
	return nil
}

// Manager evaluates thresholds and dispatches alerts
type Manager struct {
	logger *zap.Logger
	config *Config

	mu    sync.Mutex
	sinks []Sink
	last  map[types.AlertKind]types.RiskAlert
	log   []types.RiskAlert
	now   func() time.Time
}

// NewManager creates an alert manager
func NewManager(logger *zap.Logger, config *Config, sinks ...Sink) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		logger: logger.Named("alerts"),
		config: config,
		sinks:  sinks,
		last:   make(map[types.AlertKind]types.RiskAlert),
		log:    make([]types.RiskAlert, 0),
		now:    time.Now,
	}
}

// AddSink registers another sink
func (m *Manager) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// SetClock replaces the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Evaluate compares metrics to thresholds and returns the alerts that were emitted.
// Undefined metrics are skipped and suppressed duplicates are not returned.
func (m *Manager) Evaluate(ctx context.Context, metrics *types.RiskMetrics, thresholds types.RiskThresholds) []types.RiskAlert {
	candidates := make([]types.RiskAlert, 0, 6)

	if metrics.IsDefined(types.MetricVaR) {
		a95, ok95 := m.above(types.AlertVaR, "VaR 95%", metrics.VaR95, thresholds.MaxVaR95)
		a99, ok99 := m.above(types.AlertVaR, "VaR 99%", metrics.VaR99, thresholds.MaxVaR99)
		switch {
		case ok95 && ok99:
			if a99.Severity.Rank() >= a95.Severity.Rank() {
				candidates = append(candidates, a99)
			} else {
				candidates = append(candidates, a95)
			}
		case ok95:
			candidates = append(candidates, a95)
		case ok99:
			candidates = append(candidates, a99)
		}
	}
	if metrics.IsDefined(types.MetricDrawdown) {
		if a, ok := m.above(types.AlertDrawdown, "max drawdown", metrics.MaxDrawdown, thresholds.MaxDrawdown); ok {
			candidates = append(candidates, a)
		}
	}
	if metrics.IsDefined(types.MetricVolatility) {
		if a, ok := m.above(types.AlertVolatility, "volatility", metrics.Volatility, thresholds.MaxVolatility); ok {
			candidates = append(candidates, a)
		}
	}
	if metrics.IsDefined(types.MetricSharpe) && !metrics.HasFlag(types.MetricSharpe, types.KindDegenerateCase) {
		if a, ok := m.below(types.AlertSharpe, "Sharpe ratio", metrics.SharpeRatio, thresholds.MinSharpeRatio); ok {
			candidates = append(candidates, a)
		}
	}
	if metrics.IsDefined(types.MetricConcentration) {
		if a, ok := m.above(types.AlertConcentration, "concentration", metrics.ConcentrationIndex, thresholds.MaxConcentration); ok {
			candidates = append(candidates, a)
		}
	}
	if metrics.IsDefined(types.MetricLiquidity) {
		if a, ok := m.below(types.AlertLiquidity, "liquidity score", metrics.LiquidityScore, thresholds.MinLiquidity); ok {
			candidates = append(candidates, a)
		}
	}

	emitted := make([]types.RiskAlert, 0, len(candidates))
	for _, a := range candidates {
		if m.emit(ctx, a) {
			emitted = append(emitted, a)
		}
	}
	return emitted
}

// RegimeChanged emits a REGIME_CHANGE alert for a transition
func (m *Manager) RegimeChanged(ctx context.Context, t regime.Transition) (types.RiskAlert, bool) {
	severity := types.SeverityMedium
	if t.InvolvesBear() {
		severity = types.SeverityHigh
	}
	alert := types.RiskAlert{
		ID:        uuid.New().String(),
		Kind:      types.AlertRegimeChange,
		Severity:  severity,
		Message:   t.Message(),
		Value:     t.Current.CompositeScore,
		Threshold: t.Previous.CompositeScore,
		Timestamp: m.clock(),
	}
	return alert, m.emit(ctx, alert)
}

// Recent returns up to limit of the most recent alerts, newest last
func (m *Manager) Recent(limit int) []types.RiskAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.log) {
		limit = len(m.log)
	}
	out := make([]types.RiskAlert, limit)
	copy(out, m.log[len(m.log)-limit:])
	return out
}

func (m *Manager) above(kind types.AlertKind, label string, value, threshold float64) (types.RiskAlert, bool) {
	if value <= threshold || threshold <= 0 {
		return types.RiskAlert{}, false
	}
	excess := (value - threshold) / threshold
	return m.build(kind, m.severity(kind, excess), fmt.Sprintf("%s %.4f exceeds limit %.4f", label, value, threshold), value, threshold), true
}

func (m *Manager) below(kind types.AlertKind, label string, value, threshold float64) (types.RiskAlert, bool) {
	if value >= threshold || threshold == 0 {
		return types.RiskAlert{}, false
	}
	excess := (threshold - value) / math.Abs(threshold)
	return m.build(kind, m.severity(kind, excess), fmt.Sprintf("%s %.4f below minimum %.4f", label, value, threshold), value, threshold), true
}

func (m *Manager) build(kind types.AlertKind, severity types.Severity, message string, value, threshold float64) types.RiskAlert {
	return types.RiskAlert{
		ID:        uuid.New().String(),
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Value:     value,
		Threshold: threshold,
		Timestamp: m.clock(),
	}
}

// severity maps relative excess over a threshold onto the configured bands
func (m *Manager) severity(kind types.AlertKind, excess float64) types.Severity {
	bands, ok := m.config.Bands[kind]
	if !ok {
		bands = m.config.DefaultBands
	}
	switch {
	case excess <= bands[0]:
		return types.SeverityLow
	case excess <= bands[1]:
		return types.SeverityMedium
	case excess <= bands[2]:
		return types.SeverityHigh
	}
	return types.SeverityCritical
}

// emit records and dispatches an alert unless it repeats a recent one.
// A strictly higher severity always passes.
func (m *Manager) emit(ctx context.Context, alert types.RiskAlert) bool {
	m.mu.Lock()
	if prev, ok := m.last[alert.Kind]; ok {
		recent := alert.Timestamp.Sub(prev.Timestamp) < m.config.Cooldown
		if recent && alert.Severity.Rank() <= prev.Severity.Rank() {
			m.mu.Unlock()
			m.logger.Debug("alert suppressed",
				zap.String("kind", string(alert.Kind)),
				zap.String("severity", string(alert.Severity)),
			)
			return false
		}
	}
	m.last[alert.Kind] = alert
	m.log = append(m.log, alert)
	if over := len(m.log) - m.config.MaxLog; over > 0 {
		m.log = append(m.log[:0:0], m.log[over:]...)
	}
	sinks := make([]Sink, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.Unlock()

	for _, s := range sinks {
		m.dispatch(ctx, s, alert)
	}
	return true
}

// dispatch isolates one sink's failure or panic from the rest
func (m *Manager) dispatch(ctx context.Context, s Sink, alert types.RiskAlert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert sink panicked",
				zap.String("sink", s.Name()),
				zap.Any("panic", r),
			)
		}
	}()

	if err := s.Send(ctx, alert); err != nil {
		m.logger.Warn("alert sink failed",
			zap.String("sink", s.Name()),
			zap.String("alert", alert.ID),
			zap.Error(err),
		)
	}
}

func (m *Manager) clock() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now()
}
