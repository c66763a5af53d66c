// Package engine composes the risk, regime, weighting, scoring, alerting and
// stop-loss components into one assessment cycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/screener-backend/internal/alerts"
	"github.com/atlas-desktop/screener-backend/internal/metrics"
	"github.com/atlas-desktop/screener-backend/internal/regime"
	"github.com/atlas-desktop/screener-backend/internal/risk"
	"github.com/atlas-desktop/screener-backend/internal/scoring"
	"github.com/atlas-desktop/screener-backend/internal/stoploss"
	"github.com/atlas-desktop/screener-backend/internal/weights"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/atlas-desktop/screener-backend/pkg/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MarketDataProvider supplies every input of a cycle
type MarketDataProvider interface {
	PriceHistory(ctx context.Context, symbols []string, lookback int) (map[string]types.PriceSeries, error)
	Quotes(ctx context.Context, symbols []string) (map[string]types.Quote, error)
	Fundamentals(ctx context.Context, symbols []string) ([]scoring.StockFundamentals, error)
	MarketSnapshot(ctx context.Context) (regime.MarketData, error)
	Portfolio(ctx context.Context) ([]types.PortfolioPosition, error)
}

// Stage names used in reports and metrics
const (
	StageRisk     = "risk"
	StageRegime   = "regime"
	StageWeights  = "weights"
	StageScoring  = "scoring"
	StageAlerts   = "alerts"
	StageStopLoss = "stoploss"
)

// Config configures one cycle
type Config struct {
	Universe    []string             `mapstructure:"universe"`
	VaRMethod   types.VaRMethod      `mapstructure:"var_method"`
	Thresholds  types.RiskThresholds `mapstructure:"thresholds"`
	IndexCode   string               `mapstructure:"index_code"`
	HistoryDays int                  `mapstructure:"history_days"`
}

// DefaultConfig scores whatever fundamentals the provider holds
func DefaultConfig() *Config {
	return &Config{
		VaRMethod:   types.VaRHistorical,
		Thresholds:  types.DefaultRiskThresholds(),
		IndexCode:   "000300",
		HistoryDays: 90,
	}
}

// Validate checks the method and thresholds
func (c *Config) Validate() error {
	if !c.VaRMethod.Valid() {
		return types.Errorf(types.KindConfiguration, "engine", "unknown var_method %q", c.VaRMethod)
	}
	if c.HistoryDays < 0 {
		return types.NewError(types.KindConfiguration, "engine", "history_days must not be negative")
	}
	return c.Thresholds.Validate()
}

// Components are the collaborators of the engine; Metrics may be nil
type Components struct {
	Calculator *risk.Calculator
	Tracker    *regime.Tracker
	Weights    *weights.Controller
	Scoring    *scoring.Engine
	Alerts     *alerts.Manager
	Stops      *stoploss.Engine
	Metrics    *metrics.Registry

	// Performance credits realized returns to the previous ranking's factor scores
	Performance *scoring.PerformanceTracker
}

// CycleReport is the outcome of one assessment cycle
type CycleReport struct {
	ID              string                        `json:"id"`
	StartedAt       time.Time                     `json:"startedAt"`
	FinishedAt      time.Time                     `json:"finishedAt"`
	Metrics         *types.RiskMetrics            `json:"metrics,omitempty"`
	Assessment      *risk.Assessment              `json:"assessment,omitempty"`
	Environment     types.MarketEnvironment       `json:"environment"`
	Transition      *regime.Transition            `json:"transition,omitempty"`
	Recommendations []string                      `json:"recommendations"`
	Weights         types.FactorWeightSet         `json:"weights"`
	Ranking         []scoring.StockScore          `json:"ranking"`
	StopDecisions   []types.StopDecision          `json:"stopDecisions"`
	Alerts          []types.RiskAlert             `json:"alerts"`
	Batch           map[string]*types.BatchReport `json:"batch"`
	Errors          map[string]string             `json:"errors,omitempty"`

	FactorPerformance map[types.FactorKind]scoring.FactorStats `json:"factorPerformance,omitempty"`
	BestFactor        types.FactorKind                         `json:"bestFactor,omitempty"`
}

func (r *CycleReport) fail(stage string, err error) {
	r.Errors[stage] = err.Error()
}

// Engine runs assessment cycles
type Engine struct {
	logger   *zap.Logger
	config   *Config
	provider MarketDataProvider
	c        Components

	cycleMu     sync.Mutex
	prevRanking []scoring.StockScore
	prevPrices  map[string]float64

	mu     sync.RWMutex
	last   *CycleReport
	cycles int64
}

// New wires the engine from its components
func New(logger *zap.Logger, config *Config, provider MarketDataProvider, c Components) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, types.NewError(types.KindConfiguration, "engine", "market data provider is required")
	}
	if c.Calculator == nil || c.Tracker == nil || c.Weights == nil || c.Scoring == nil || c.Alerts == nil || c.Stops == nil {
		return nil, types.NewError(types.KindConfiguration, "engine", "all components are required")
	}

	return &Engine{
		logger:   logger.Named("engine"),
		config:   config,
		provider: provider,
		c:        c,
	}, nil
}

// Restore reloads the environment history and stop states from their stores
func (e *Engine) Restore(ctx context.Context) error {
	if err := e.c.Tracker.Restore(ctx, e.config.IndexCode, e.config.HistoryDays, time.Now()); err != nil {
		return err
	}
	if _, err := e.c.Stops.Restore(ctx); err != nil {
		return err
	}
	return nil
}

// RunCycle executes one assessment cycle. Stage failures are recorded in the
// report; only cancellation of ctx aborts the cycle.
func (e *Engine) RunCycle(ctx context.Context) (*CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	report := &CycleReport{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
		Batch:     make(map[string]*types.BatchReport),
		Errors:    make(map[string]string),
	}

	// Risk and classification are independent
	var (
		wg         sync.WaitGroup
		riskResult *types.RiskMetrics
		riskBatch  *types.BatchReport
		riskErr    error
		env        types.MarketEnvironment
		transition *regime.Transition
		regimeErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer e.observe(StageRisk, time.Now())
		riskResult, riskBatch, riskErr = e.runRisk(ctx)
	}()
	go func() {
		defer wg.Done()
		defer e.observe(StageRegime, time.Now())
		env, transition, regimeErr = e.runRegime(ctx)
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cycle cancelled: %w", err)
	}

	if riskErr != nil {
		report.fail(StageRisk, riskErr)
	}
	if riskBatch != nil {
		report.Batch[StageRisk] = riskBatch
	}
	if riskResult != nil {
		report.Metrics = riskResult
		assessment := risk.Assess(riskResult, e.config.Thresholds)
		report.Assessment = &assessment
	}
	if regimeErr != nil {
		report.fail(StageRegime, regimeErr)
	}
	report.Environment = env
	report.Transition = transition
	report.Recommendations = regime.Recommendations(env)

	start := time.Now()
	set, err := e.c.Weights.Adjust(ctx, env)
	if err != nil {
		report.fail(StageWeights, err)
	}
	report.Weights = set
	e.observe(StageWeights, start)

	start = time.Now()
	report.Ranking, report.Batch[StageScoring], err = e.runScoring(ctx, set)
	if err != nil {
		report.fail(StageScoring, err)
	}
	e.observe(StageScoring, start)
	if e.c.Performance != nil {
		report.FactorPerformance = e.c.Performance.Summary()
		report.BestFactor, _ = e.c.Performance.Best()
	}

	start = time.Now()
	report.Alerts = e.runAlerts(ctx, riskResult, transition)
	e.observe(StageAlerts, start)

	start = time.Now()
	report.StopDecisions, report.Batch[StageStopLoss], err = e.runStops(ctx)
	if err != nil {
		report.fail(StageStopLoss, err)
	}
	e.observe(StageStopLoss, start)

	report.FinishedAt = time.Now()
	e.record(report)

	e.mu.Lock()
	e.last = report
	e.cycles++
	e.mu.Unlock()

	e.logger.Info("assessment cycle completed",
		zap.String("id", report.ID),
		zap.String("environment", string(env.Kind)),
		zap.Int("ranked", len(report.Ranking)),
		zap.Int("alerts", len(report.Alerts)),
		zap.Int("stageErrors", len(report.Errors)),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)

	return report, nil
}

func (e *Engine) runRisk(ctx context.Context) (*types.RiskMetrics, *types.BatchReport, error) {
	positions, err := e.provider.Portfolio(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load portfolio: %w", err)
	}
	if len(positions) == 0 {
		return nil, nil, nil
	}

	symbols := make([]string, len(positions))
	for i, p := range positions {
		symbols[i] = p.Symbol
	}
	series, err := e.provider.PriceHistory(ctx, symbols, e.c.Calculator.Config().LookbackDays+1)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load price history: %w", err)
	}

	return e.c.Calculator.Calculate(series, positions, e.config.VaRMethod)
}

func (e *Engine) runRegime(ctx context.Context) (types.MarketEnvironment, *regime.Transition, error) {
	snapshot, err := e.provider.MarketSnapshot(ctx)
	if err != nil {
		current, _ := e.c.Tracker.Current()
		return current, nil, fmt.Errorf("failed to load market snapshot: %w", err)
	}
	if snapshot.IndexCode == "" {
		snapshot.IndexCode = e.config.IndexCode
	}
	// a persistence failure still returns a valid classification
	return e.c.Tracker.Observe(ctx, snapshot)
}

func (e *Engine) runScoring(ctx context.Context, set types.FactorWeightSet) ([]scoring.StockScore, *types.BatchReport, error) {
	stocks, err := e.provider.Fundamentals(ctx, e.config.Universe)
	if err != nil {
		return []scoring.StockScore{}, types.NewBatchReport(), fmt.Errorf("failed to load fundamentals: %w", err)
	}
	ranking, batch := e.c.Scoring.ScoreAll(ctx, stocks, set)
	e.trackPerformance(stocks, ranking)
	return ranking, batch, nil
}

// trackPerformance records the price change since the previous cycle against
// the factor scores of the previous ranking. The caller holds cycleMu.
func (e *Engine) trackPerformance(stocks []scoring.StockFundamentals, ranking []scoring.StockScore) {
	if e.c.Performance == nil {
		return
	}
	prices := make(map[string]float64, len(stocks))
	for _, s := range stocks {
		if utils.IsFinite(s.Price) && s.Price > 0 {
			prices[s.Symbol] = s.Price
		}
	}
	if len(e.prevRanking) > 0 {
		returns := make(map[string]float64)
		for symbol, prev := range e.prevPrices {
			if now, ok := prices[symbol]; ok {
				returns[symbol] = now/prev - 1
			}
		}
		e.c.Performance.RecordRanking(e.prevRanking, returns)
	}
	e.prevRanking = ranking
	e.prevPrices = prices
}

func (e *Engine) runAlerts(ctx context.Context, m *types.RiskMetrics, transition *regime.Transition) []types.RiskAlert {
	raised := make([]types.RiskAlert, 0)
	if m != nil {
		raised = append(raised, e.c.Alerts.Evaluate(ctx, m, e.config.Thresholds)...)
	}
	if transition != nil {
		if alert, ok := e.c.Alerts.RegimeChanged(ctx, *transition); ok {
			raised = append(raised, alert)
		}
	}
	return raised
}

func (e *Engine) runStops(ctx context.Context) ([]types.StopDecision, *types.BatchReport, error) {
	states := e.c.Stops.States()
	if len(states) == 0 {
		return []types.StopDecision{}, types.NewBatchReport(), nil
	}

	symbols := make([]string, len(states))
	for i, s := range states {
		symbols[i] = s.Symbol
	}
	quotes, err := e.provider.Quotes(ctx, symbols)
	if err != nil {
		return []types.StopDecision{}, types.NewBatchReport(), fmt.Errorf("failed to load quotes: %w", err)
	}

	prices := make(map[string]decimal.Decimal, len(quotes))
	for symbol, q := range quotes {
		prices[symbol] = q.Price
	}
	decisions, batch := e.c.Stops.EvaluateAll(ctx, prices)
	for _, d := range decisions {
		if d.Action == types.ActionSell {
			e.logger.Warn("stop-loss triggered",
				zap.String("symbol", d.Symbol),
				zap.String("price", d.Price.String()),
				zap.String("stop", d.StopPrice.String()),
			)
		}
	}
	return decisions, batch, nil
}

func (e *Engine) observe(stage string, start time.Time) {
	if e.c.Metrics != nil {
		e.c.Metrics.ObserveStage(stage, time.Since(start))
	}
}

func (e *Engine) record(report *CycleReport) {
	m := e.c.Metrics
	if m == nil {
		return
	}
	result := "completed"
	if len(report.Errors) > 0 {
		result = "degraded"
	}
	m.RecordCycle(result)
	for stage, batch := range report.Batch {
		m.RecordBatch(stage, batch)
	}
	m.RecordRisk(report.Metrics)
	m.RecordEnvironment(report.Environment)
	m.WeightVersion.Set(float64(report.Weights.Version))
	m.RecordStops(len(e.c.Stops.States()), report.StopDecisions)
}

// LastReport returns the latest cycle report, if any
func (e *Engine) LastReport() (*CycleReport, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last, e.last != nil
}

// Cycles returns the number of completed cycles
func (e *Engine) Cycles() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cycles
}

// Config returns a copy of the engine configuration
func (e *Engine) Config() Config {
	return *e.config
}

// Components exposes the collaborators to the API layer
func (e *Engine) Components() Components {
	return e.c
}

// IsCancelled reports whether err came from a cancelled cycle
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
