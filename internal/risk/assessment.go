package risk

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/screener-backend/pkg/types"
)

// Level is the overall risk band of a portfolio
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Action is the position-sizing suggestion attached to an assessment
type Action string

const (
	ActionReduce   Action = "REDUCE"
	ActionHold     Action = "HOLD"
	ActionIncrease Action = "INCREASE"
)

// Score cut-offs
const (
	HighRiskScore   = 70
	MediumRiskScore = 40
)

// Assessment summarizes a set of risk metrics
type Assessment struct {
	Level           Level     `json:"level"`
	Score           int       `json:"score"`
	Factors         []string  `json:"factors"`
	Action          Action    `json:"action"`
	Recommendations []string  `json:"recommendations"`
	Timestamp       time.Time `json:"timestamp"`
}

// band adds points when a metric crosses its upper or lower cut
type band struct {
	metric    string
	high, mid float64
	highPts   int
	midPts    int
	label     string
	value     func(*types.RiskMetrics) float64
}

var bands = []band{
	{types.MetricVaR, 0.08, 0.05, 30, 20, "VaR", func(m *types.RiskMetrics) float64 { return m.VaR95 }},
	{types.MetricDrawdown, 0.25, 0.15, 30, 20, "max drawdown", func(m *types.RiskMetrics) float64 { return m.MaxDrawdown }},
	{types.MetricVolatility, 0.30, 0.20, 20, 10, "volatility", func(m *types.RiskMetrics) float64 { return m.Volatility }},
	{types.MetricConcentration, 0.40, 0.25, 20, 10, "concentration", func(m *types.RiskMetrics) float64 { return m.ConcentrationIndex }},
	{types.MetricLiquidity, 0.80, 0.60, 20, 10, "liquidity risk", func(m *types.RiskMetrics) float64 { return 1 - m.LiquidityScore }},
}

// Assess scores the metrics into a level, an action and recommendations.
// Undefined metrics contribute nothing.
func Assess(metrics *types.RiskMetrics, thresholds types.RiskThresholds) Assessment {
	a := Assessment{
		Factors:         make([]string, 0),
		Recommendations: make([]string, 0),
		Timestamp:       metrics.Timestamp,
	}

	for _, b := range bands {
		if !metrics.IsDefined(b.metric) {
			continue
		}
		v := b.value(metrics)
		switch {
		case v > b.high:
			a.Score += b.highPts
			a.Factors = append(a.Factors, fmt.Sprintf("%s very high (%.4f)", b.label, v))
		case v > b.mid:
			a.Score += b.midPts
			a.Factors = append(a.Factors, fmt.Sprintf("%s elevated (%.4f)", b.label, v))
		}
	}

	switch {
	case a.Score >= HighRiskScore:
		a.Level, a.Action = LevelHigh, ActionReduce
	case a.Score >= MediumRiskScore:
		a.Level, a.Action = LevelMedium, ActionHold
	default:
		a.Level, a.Action = LevelLow, ActionIncrease
	}

	a.Recommendations = recommendations(metrics, thresholds)
	return a
}

func recommendations(m *types.RiskMetrics, t types.RiskThresholds) []string {
	recs := make([]string, 0)
	if m.IsDefined(types.MetricVaR) && m.VaR95 > t.MaxVaR95 {
		recs = append(recs, "Reduce overall exposure and trim the highest-risk holdings")
	}
	if m.IsDefined(types.MetricDrawdown) && m.MaxDrawdown > t.MaxDrawdown {
		recs = append(recs, "Tighten stop-loss levels to contain drawdown")
	}
	if m.IsDefined(types.MetricVolatility) && m.Volatility > t.MaxVolatility {
		recs = append(recs, "Add lower-volatility assets such as bonds or large-cap blue chips")
	}
	if m.IsDefined(types.MetricSharpe) && !m.HasFlag(types.MetricSharpe, types.KindDegenerateCase) && m.SharpeRatio < t.MinSharpeRatio {
		recs = append(recs, "Rebalance toward better risk-adjusted returns")
	}
	if m.ConcentrationIndex > t.MaxConcentration {
		recs = append(recs, "Diversify to reduce single-stock or sector concentration")
	}
	if m.IsDefined(types.MetricLiquidity) && m.LiquidityScore < t.MinLiquidity {
		recs = append(recs, "Shift toward more liquid holdings")
	}
	if len(recs) == 0 {
		recs = append(recs, "Risk is within limits; keep the current allocation")
	}
	return recs
}
