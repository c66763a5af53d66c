package risk

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/atlas-desktop/screener-backend/pkg/utils"
)

// StockAction is the suggestion attached to a single-stock assessment
type StockAction string

const (
	ActionAvoid    StockAction = "AVOID"
	ActionCaution  StockAction = "CAUTION"
	ActionConsider StockAction = "CONSIDER"
)

// Single-stock score cut-offs
const (
	HighStockRiskScore   = 50
	MediumStockRiskScore = 25
)

// StockProfile is the valuation and price-range snapshot of one stock
type StockProfile struct {
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	PERatio    float64 `json:"peRatio"`
	PBRatio    float64 `json:"pbRatio"`
	EPS        float64 `json:"eps"`
	Week52High float64 `json:"week52High"`
	Week52Low  float64 `json:"week52Low"`
}

// StockStatistics are the return statistics of one price history
type StockStatistics struct {
	VaR95        float64 `json:"var95"`
	MaxDrawdown  float64 `json:"maxDrawdown"`
	Volatility   float64 `json:"volatility"`
	SharpeRatio  float64 `json:"sharpeRatio"`
	Observations int     `json:"observations"`
}

// StockAssessment scores one stock into a level and an action
type StockAssessment struct {
	Symbol     string           `json:"symbol"`
	Level      Level            `json:"level"`
	Score      int              `json:"score"`
	Factors    []string         `json:"factors"`
	Action     StockAction      `json:"action"`
	Statistics *StockStatistics `json:"statistics,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// StockStatistics computes single-stock VaR, drawdown and volatility over the
// trailing lookback of a sanitized series
func (c *Calculator) StockStatistics(series types.PriceSeries) (*StockStatistics, error) {
	clean, _ := c.sanitizer.Sanitize(series)
	closes := clean.Closes()
	if len(closes) > c.config.LookbackDays+1 {
		closes = closes[len(closes)-c.config.LookbackDays-1:]
	}

	returns := utils.SimpleReturns(closes)
	if len(returns) < c.config.MinReturns {
		return nil, types.Errorf(types.KindInsufficientData, "risk",
			"%s: %d usable returns, need %d", series.Symbol, len(returns), c.config.MinReturns)
	}

	sharpe, _ := SharpeRatio(returns, c.config.RiskFreeRate, c.config.TradingDays)
	return &StockStatistics{
		VaR95:        HistoricalVaR(returns, Confidence95, c.config.HorizonDays),
		MaxDrawdown:  MaxDrawdown(closes),
		Volatility:   AnnualizedVolatility(returns, c.config.TradingDays),
		SharpeRatio:  sharpe,
		Observations: len(returns),
	}, nil
}

// AssessStock scores valuation, earnings, 52-week position and, when stats is
// non-nil, the statistical risk of one stock. A price near the 52-week low
// lowers the score.
func AssessStock(p StockProfile, stats *StockStatistics) StockAssessment {
	a := StockAssessment{
		Symbol:     p.Symbol,
		Factors:    make([]string, 0),
		Statistics: stats,
		Timestamp:  time.Now().UTC(),
	}
	add := func(pts int, format string, args ...interface{}) {
		a.Score += pts
		a.Factors = append(a.Factors, fmt.Sprintf(format, args...))
	}

	switch {
	case p.PERatio > 30:
		add(15, "PE very high (%.2f)", p.PERatio)
	case p.PERatio > 20:
		add(10, "PE elevated (%.2f)", p.PERatio)
	}
	switch {
	case p.PBRatio > 5:
		add(15, "PB very high (%.2f)", p.PBRatio)
	case p.PBRatio > 3:
		add(10, "PB elevated (%.2f)", p.PBRatio)
	}
	if p.EPS <= 0 {
		add(20, "non-positive EPS (%.2f)", p.EPS)
	}

	if p.Week52Low > 0 && p.Week52High > p.Week52Low {
		pos := (p.Price - p.Week52Low) / (p.Week52High - p.Week52Low)
		switch {
		case pos > 0.9:
			add(10, "price near 52-week high (%.0f%% of range)", pos*100)
		case pos < 0.1:
			add(-5, "price near 52-week low (%.0f%% of range)", pos*100)
		}
	}

	if stats != nil {
		if stats.VaR95 > 0.06 {
			add(15, "VaR high (%.4f)", stats.VaR95)
		}
		if stats.MaxDrawdown > 0.30 {
			add(15, "max drawdown large (%.4f)", stats.MaxDrawdown)
		}
		if stats.Volatility > 0.35 {
			add(10, "volatility high (%.4f)", stats.Volatility)
		}
	}

	switch {
	case a.Score >= HighStockRiskScore:
		a.Level, a.Action = LevelHigh, ActionAvoid
	case a.Score >= MediumStockRiskScore:
		a.Level, a.Action = LevelMedium, ActionCaution
	default:
		a.Level, a.Action = LevelLow, ActionConsider
	}
	return a
}
