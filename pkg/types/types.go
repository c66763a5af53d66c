// Package types provides shared type definitions for the screener backend.
package types

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// WeightTolerance is the allowed deviation of a weight sum from 1.
const WeightTolerance = 1e-6

// PriceBar represents a single daily bar
type PriceBar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// PriceSeries is a chronological sequence of bars for one symbol
type PriceSeries struct {
	Symbol string     `json:"symbol"`
	Bars   []PriceBar `json:"bars"`
}

// Closes returns the close prices of the series
func (s PriceSeries) Closes() []float64 {
	closes := make([]float64, len(s.Bars))
	for i, bar := range s.Bars {
		closes[i] = bar.Close
	}
	return closes
}

// Len returns the number of bars
func (s PriceSeries) Len() int {
	return len(s.Bars)
}

// PortfolioPosition represents a held position and its portfolio weight
type PortfolioPosition struct {
	Symbol     string          `json:"symbol"`
	Weight     float64         `json:"weight"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Quantity   decimal.Decimal `json:"quantity"`
}

// Quote is a current price snapshot for a symbol
type Quote struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Volume      decimal.Decimal `json:"volume"`
	TradedValue decimal.Decimal `json:"tradedValue"`
	Timestamp   time.Time       `json:"timestamp"`
}

// RiskThresholds holds the limits a risk assessment is checked against
type RiskThresholds struct {
	MaxVaR95         float64 `json:"maxVar95" mapstructure:"max_var_95"`
	MaxVaR99         float64 `json:"maxVar99" mapstructure:"max_var_99"`
	MaxDrawdown      float64 `json:"maxDrawdown" mapstructure:"max_drawdown"`
	MaxVolatility    float64 `json:"maxVolatility" mapstructure:"max_volatility"`
	MinSharpeRatio   float64 `json:"minSharpeRatio" mapstructure:"min_sharpe_ratio"`
	MaxConcentration float64 `json:"maxConcentration" mapstructure:"max_concentration"`
	MinLiquidity     float64 `json:"minLiquidity" mapstructure:"min_liquidity"`
}

// DefaultRiskThresholds returns the standard risk limits
func DefaultRiskThresholds() RiskThresholds {
	return RiskThresholds{
		MaxVaR95:         0.05,
		MaxVaR99:         0.08,
		MaxDrawdown:      0.15,
		MaxVolatility:    0.25,
		MinSharpeRatio:   0.5,
		MaxConcentration: 0.3,
		MinLiquidity:     0.5,
	}
}

// Validate checks that every threshold is inside its valid range
func (t RiskThresholds) Validate() error {
	fractions := map[string]float64{
		"max_var_95":        t.MaxVaR95,
		"max_var_99":        t.MaxVaR99,
		"max_drawdown":      t.MaxDrawdown,
		"max_concentration": t.MaxConcentration,
		"min_liquidity":     t.MinLiquidity,
	}
	for name, v := range fractions {
		if math.IsNaN(v) || v <= 0 || v > 1 {
			return NewError(KindConfiguration, "thresholds", name+" must be in (0, 1]")
		}
	}
	if math.IsNaN(t.MaxVolatility) || t.MaxVolatility <= 0 {
		return NewError(KindConfiguration, "thresholds", "max_volatility must be positive")
	}
	if t.MaxVaR95 > t.MaxVaR99 {
		return NewError(KindConfiguration, "thresholds", "max_var_95 must not exceed max_var_99")
	}
	if math.IsNaN(t.MinSharpeRatio) {
		return NewError(KindConfiguration, "thresholds", "min_sharpe_ratio is NaN")
	}
	return nil
}

// VaRMethod selects how Value-at-Risk is estimated
type VaRMethod string

const (
	VaRHistorical VaRMethod = "historical"
	VaRParametric VaRMethod = "parametric"
	VaRMonteCarlo VaRMethod = "montecarlo"
)

// Valid reports whether the method is known
func (m VaRMethod) Valid() bool {
	switch m {
	case VaRHistorical, VaRParametric, VaRMonteCarlo:
		return true
	}
	return false
}

// Metric names used in flags and alerts
const (
	MetricVaR           = "var"
	MetricDrawdown      = "max_drawdown"
	MetricVolatility    = "volatility"
	MetricSharpe        = "sharpe_ratio"
	MetricCorrelation   = "correlation"
	MetricConcentration = "concentration"
	MetricLiquidity     = "liquidity"
)

// MetricFlag marks a metric that could not be computed normally
type MetricFlag struct {
	Metric string    `json:"metric"`
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason"`
}

// CorrelationMatrix is a symmetric matrix with a unit diagonal
type CorrelationMatrix struct {
	Symbols []string    `json:"symbols"`
	Values  [][]float64 `json:"values"`
}

// Get returns the correlation between two symbols
func (m CorrelationMatrix) Get(a, b string) (float64, bool) {
	i, j := -1, -1
	for idx, s := range m.Symbols {
		if s == a {
			i = idx
		}
		if s == b {
			j = idx
		}
	}
	if i < 0 || j < 0 {
		return 0, false
	}
	return m.Values[i][j], true
}

// RiskMetrics is the result of one portfolio risk assessment
type RiskMetrics struct {
	VaR95              float64           `json:"var95"`
	VaR99              float64           `json:"var99"`
	VaRMethod          VaRMethod         `json:"varMethod"`
	MaxDrawdown        float64           `json:"maxDrawdown"`
	Volatility         float64           `json:"volatility"`
	SharpeRatio        float64           `json:"sharpeRatio"`
	ConcentrationIndex float64           `json:"concentrationIndex"`
	LiquidityScore     float64           `json:"liquidityScore"`
	IlliquidSymbols    []string          `json:"illiquidSymbols,omitempty"`
	CorrelationMatrix  CorrelationMatrix `json:"correlationMatrix"`
	Flags              []MetricFlag      `json:"flags,omitempty"`
	Timestamp          time.Time         `json:"timestamp"`
}

// IsDefined reports whether a metric carries a usable value
func (m *RiskMetrics) IsDefined(metric string) bool {
	for _, f := range m.Flags {
		if f.Metric == metric && f.Kind == KindInsufficientData {
			return false
		}
	}
	return true
}

// HasFlag reports whether any flag was raised for the metric
func (m *RiskMetrics) HasFlag(metric string, kind ErrorKind) bool {
	for _, f := range m.Flags {
		if f.Metric == metric && f.Kind == kind {
			return true
		}
	}
	return false
}

// AlertKind represents the metric family an alert belongs to
type AlertKind string

const (
	AlertVaR           AlertKind = "VAR"
	AlertDrawdown      AlertKind = "DRAWDOWN"
	AlertVolatility    AlertKind = "VOLATILITY"
	AlertSharpe        AlertKind = "SHARPE"
	AlertConcentration AlertKind = "CONCENTRATION"
	AlertLiquidity     AlertKind = "LIQUIDITY"
	AlertRegimeChange  AlertKind = "REGIME_CHANGE"
)

// Severity represents the level of an alert
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities from LOW (1) to CRITICAL (4)
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// RiskAlert is an immutable alert value
type RiskAlert struct {
	ID        string    `json:"id"`
	Kind      AlertKind `json:"kind"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// EnvironmentKind represents the classified market regime
type EnvironmentKind string

const (
	EnvironmentBull      EnvironmentKind = "BULL"
	EnvironmentBear      EnvironmentKind = "BEAR"
	EnvironmentSideways  EnvironmentKind = "SIDEWAYS"
	EnvironmentUndefined EnvironmentKind = "UNDEFINED"
)

// TrendDirection is the moving-average ordering of the market
type TrendDirection string

const (
	TrendBullish   TrendDirection = "bullish"
	TrendBearish   TrendDirection = "bearish"
	TrendSideways  TrendDirection = "sideways"
	TrendUndefined TrendDirection = "undefined"
)

// VolatilityLevel buckets market volatility
type VolatilityLevel string

const (
	VolatilityLow     VolatilityLevel = "LOW"
	VolatilityMedium  VolatilityLevel = "MEDIUM"
	VolatilityHigh    VolatilityLevel = "HIGH"
	VolatilityExtreme VolatilityLevel = "EXTREME"
)

// MarketEnvironment is the output of one classification
type MarketEnvironment struct {
	Kind            EnvironmentKind `json:"kind"`
	Confidence      float64         `json:"confidence"`
	TrendDirection  TrendDirection  `json:"trendDirection"`
	TrendStrength   float64         `json:"trendStrength"`
	VolatilityLevel VolatilityLevel `json:"volatilityLevel"`
	Volatility      float64         `json:"volatility"`
	SentimentScore  float64         `json:"sentimentScore"`
	CompositeScore  float64         `json:"compositeScore"`
	Timestamp       time.Time       `json:"timestamp"`
}

// EnvironmentRecord is one entry of the date-keyed environment history
type EnvironmentRecord struct {
	Date        string            `json:"date"`
	IndexCode   string            `json:"indexCode"`
	Environment MarketEnvironment `json:"environment"`
}

// DateKey formats a time as a history key
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// FactorKind identifies a scoring factor
type FactorKind string

const (
	FactorValue     FactorKind = "value"
	FactorGrowth    FactorKind = "growth"
	FactorQuality   FactorKind = "quality"
	FactorMomentum  FactorKind = "momentum"
	FactorDividend  FactorKind = "dividend"
	FactorTechnical FactorKind = "technical"
	FactorSentiment FactorKind = "sentiment"
)

// AllFactors lists every factor in canonical order
var AllFactors = []FactorKind{
	FactorValue,
	FactorGrowth,
	FactorQuality,
	FactorMomentum,
	FactorDividend,
	FactorTechnical,
	FactorSentiment,
}

// Valid reports whether k is a known factor
func (k FactorKind) Valid() bool {
	for _, f := range AllFactors {
		if f == k {
			return true
		}
	}
	return false
}

// FactorWeightSet is a versioned factor weight map
type FactorWeightSet struct {
	Version   int                    `json:"version"`
	Weights   map[FactorKind]float64 `json:"weights"`
	Regime    EnvironmentKind        `json:"regime"`
	Override  bool                   `json:"override"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Sum returns the total of all weights
func (w FactorWeightSet) Sum() float64 {
	total := 0.0
	for _, v := range w.Weights {
		total += v
	}
	return total
}

// Clone returns a deep copy of the set
func (w FactorWeightSet) Clone() FactorWeightSet {
	out := w
	out.Weights = make(map[FactorKind]float64, len(w.Weights))
	for k, v := range w.Weights {
		out.Weights[k] = v
	}
	return out
}

// StopStrategy selects the trailing percentage of a stop
type StopStrategy string

const (
	StrategyConservative StopStrategy = "CONSERVATIVE"
	StrategyBalanced     StopStrategy = "BALANCED"
	StrategyAggressive   StopStrategy = "AGGRESSIVE"
)

// StopStatus is the state of a trailing stop
type StopStatus string

const (
	StopActive    StopStatus = "ACTIVE"
	StopTriggered StopStatus = "TRIGGERED"
)

// StopLossState tracks one position's trailing stop
type StopLossState struct {
	Symbol       string          `json:"symbol"`
	Strategy     StopStrategy    `json:"strategy"`
	TrailPct     decimal.Decimal `json:"trailPct"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	HighestPrice decimal.Decimal `json:"highestPrice"`
	StopPrice    decimal.Decimal `json:"stopPrice"`
	Status       StopStatus      `json:"status"`
	LastTick     decimal.Decimal `json:"lastTick"`
	TriggerPrice decimal.Decimal `json:"triggerPrice"`
	TriggeredAt  *time.Time      `json:"triggeredAt,omitempty"`
	OpenedAt     time.Time       `json:"openedAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// StopAction is the decision for a position on a tick
type StopAction string

const (
	ActionHold StopAction = "HOLD"
	ActionSell StopAction = "SELL"
)

// StopDecision is emitted for every evaluated tick
type StopDecision struct {
	Symbol    string          `json:"symbol"`
	Action    StopAction      `json:"action"`
	Price     decimal.Decimal `json:"price"`
	StopPrice decimal.Decimal `json:"stopPrice"`
	Reason    string          `json:"reason,omitempty"`
}
