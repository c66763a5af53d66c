// Package risk computes portfolio risk metrics from daily price history.
package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/screener-backend/internal/data"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/atlas-desktop/screener-backend/pkg/utils"
	"go.uber.org/zap"
)

// Confidence levels reported by every assessment
const (
	Confidence95 = 0.95
	Confidence99 = 0.99
)

// CalculatorConfig configures the risk calculator
type CalculatorConfig struct {
	LookbackDays    int             `mapstructure:"lookback_days"`
	MinReturns      int             `mapstructure:"min_returns"`
	RiskFreeRate    float64         `mapstructure:"risk_free_rate"`
	TradingDays     int             `mapstructure:"trading_days"`
	HorizonDays     int             `mapstructure:"horizon_days"`
	MonteCarloPaths int             `mapstructure:"monte_carlo_paths"`
	Seed            int64           `mapstructure:"seed"`
	MaxADVFraction  float64         `mapstructure:"max_adv_fraction"`
	DefaultMethod   types.VaRMethod `mapstructure:"default_method"`
}

// DefaultCalculatorConfig returns one year of daily history with historical VaR
func DefaultCalculatorConfig() *CalculatorConfig {
	return &CalculatorConfig{
		LookbackDays:    252,
		MinReturns:      2,
		RiskFreeRate:    0.02,
		TradingDays:     252,
		HorizonDays:     1,
		MonteCarloPaths: 5000,
		Seed:            42,
		MaxADVFraction:  0.1,
		DefaultMethod:   types.VaRHistorical,
	}
}

// Validate checks the configuration for consistency
func (c *CalculatorConfig) Validate() error {
	switch {
	case c.LookbackDays < 2:
		return types.NewError(types.KindConfiguration, "risk", "lookback_days must be at least 2")
	case c.MinReturns < 2:
		return types.NewError(types.KindConfiguration, "risk", "min_returns must be at least 2")
	case c.TradingDays <= 0:
		return types.NewError(types.KindConfiguration, "risk", "trading_days must be positive")
	case c.HorizonDays < 1:
		return types.NewError(types.KindConfiguration, "risk", "horizon_days must be at least 1")
	case c.MonteCarloPaths < 1000:
		return types.NewError(types.KindConfiguration, "risk", "monte_carlo_paths must be at least 1000")
	case c.Seed == 0:
		return types.NewError(types.KindConfiguration, "risk", "seed must be non-zero")
	case !utils.IsFinite(c.RiskFreeRate):
		return types.NewError(types.KindConfiguration, "risk", "risk_free_rate must be finite")
	case c.MaxADVFraction <= 0 || c.MaxADVFraction > 1:
		return types.NewError(types.KindConfiguration, "risk", "max_adv_fraction must be in (0, 1]")
	case !c.DefaultMethod.Valid():
		return types.Errorf(types.KindConfiguration, "risk", "unknown default method %q", c.DefaultMethod)
	}
	return nil
}

// Calculator computes RiskMetrics for a weighted portfolio
type Calculator struct {
	logger    *zap.Logger
	config    *CalculatorConfig
	sanitizer *data.Sanitizer
}

// NewCalculator creates a new risk calculator
func NewCalculator(logger *zap.Logger, config *CalculatorConfig) *Calculator {
	if config == nil {
		config = DefaultCalculatorConfig()
	}
	return &Calculator{
		logger:    logger.Named("risk-calculator"),
		config:    config,
		sanitizer: data.NewSanitizer(logger, nil),
	}
}

// Config returns a copy of the calculator configuration
func (c *Calculator) Config() CalculatorConfig {
	return *c.config
}

// asset is one position whose history survived sanitization
type asset struct {
	symbol    string
	weight    float64
	value     float64
	adv       float64
	closes    map[string]float64
	dates     []string
	lastClose float64
	degraded  error
}

// Calculate computes every metric for the portfolio. Only an invalid method or
// portfolio is returned as an error; per-symbol problems go to the batch report
// and per-metric problems to the metric flags.
func (c *Calculator) Calculate(series map[string]types.PriceSeries, positions []types.PortfolioPosition, method types.VaRMethod) (*types.RiskMetrics, *types.BatchReport, error) {
	if method == "" {
		method = c.config.DefaultMethod
	}
	if !method.Valid() {
		return nil, nil, types.Errorf(types.KindInvalidInput, "risk", "unknown VaR method %q", method)
	}
	if err := ValidatePortfolio(positions); err != nil {
		return nil, nil, err
	}

	report := types.NewBatchReport()
	metrics := &types.RiskMetrics{
		VaRMethod: method,
		Timestamp: time.Now().UTC(),
	}

	declared := make([]float64, len(positions))
	for i, p := range positions {
		declared[i] = p.Weight
	}
	metrics.ConcentrationIndex = HerfindahlIndex(declared)

	assets := c.prepare(series, positions, report)

	total := 0.0
	for _, a := range assets {
		total += a.weight
	}
	if len(assets) == 0 || total <= 0 {
		flagAll(metrics, types.KindInsufficientData, "no symbol has enough usable history")
		report.Normalize()
		c.logger.Warn("risk metrics undefined", zap.Int("positions", len(positions)), zap.Int("skipped", len(report.Skipped)))
		return metrics, report, nil
	}

	weights := make([]float64, len(assets))
	for i, a := range assets {
		weights[i] = a.weight / total
	}

	symbols, columns := align(assets)
	if len(columns) == 0 || len(columns[0]) < c.config.MinReturns {
		reason := "too few overlapping dates across symbols"
		for _, m := range []string{types.MetricVaR, types.MetricDrawdown, types.MetricVolatility, types.MetricSharpe, types.MetricCorrelation} {
			addFlag(metrics, m, types.KindInsufficientData, reason)
		}
		for _, a := range assets {
			if a.degraded == nil {
				a.degraded = fmt.Errorf("%s", reason)
			}
		}
	} else {
		c.returnMetrics(metrics, symbols, columns, weights, method)
	}

	c.liquidity(metrics, assets, weights)

	for _, a := range assets {
		if a.degraded != nil {
			report.Degrade(a.symbol, a.degraded)
		} else {
			report.Succeed(a.symbol)
		}
	}
	report.Normalize()

	c.logger.Debug("calculated risk metrics",
		zap.String("method", string(method)),
		zap.Float64("var95", metrics.VaR95),
		zap.Float64("var99", metrics.VaR99),
		zap.Float64("max_drawdown", metrics.MaxDrawdown),
		zap.Float64("volatility", metrics.Volatility),
		zap.Int("assets", len(assets)),
		zap.Int("flags", len(metrics.Flags)),
	)

	return metrics, report, nil
}

// prepare sanitizes and trims each position's history, skipping unusable symbols
func (c *Calculator) prepare(series map[string]types.PriceSeries, positions []types.PortfolioPosition, report *types.BatchReport) []*asset {
	assets := make([]*asset, 0, len(positions))

	for _, p := range positions {
		s, ok := series[p.Symbol]
		if !ok {
			report.Skip(p.Symbol, types.NewError(types.KindInsufficientData, "risk", "no price history"))
			continue
		}
		if s.Symbol == "" {
			s.Symbol = p.Symbol
		}

		clean, quality := c.sanitizer.Sanitize(s)
		bars := clean.Bars
		if len(bars) > c.config.LookbackDays+1 {
			bars = bars[len(bars)-c.config.LookbackDays-1:]
		}
		if len(bars)-1 < c.config.MinReturns {
			report.Skip(p.Symbol, types.Errorf(types.KindInsufficientData, "risk",
				"%d usable returns, need %d", max(len(bars)-1, 0), c.config.MinReturns))
			continue
		}

		a := &asset{
			symbol: p.Symbol,
			weight: p.Weight,
			closes: make(map[string]float64, len(bars)),
			dates:  make([]string, 0, len(bars)),
		}
		traded := make([]float64, 0, len(bars))
		for _, bar := range bars {
			key := types.DateKey(bar.Date)
			a.closes[key] = bar.Close
			a.dates = append(a.dates, key)
			traded = append(traded, bar.Close*bar.Volume)
		}
		a.lastClose = bars[len(bars)-1].Close
		a.adv = utils.Mean(traded)
		qty, _ := p.Quantity.Abs().Float64()
		a.value = a.lastClose * qty

		if quality.Degraded() {
			a.degraded = fmt.Errorf("sanitized: %d of %d bars dropped, %d issues",
				quality.DroppedBars, quality.TotalBars, len(quality.Issues))
		}
		assets = append(assets, a)
	}

	return assets
}

// align builds return columns over the dates every asset shares
func align(assets []*asset) ([]string, [][]float64) {
	counts := make(map[string]int)
	for _, a := range assets {
		for _, d := range a.dates {
			counts[d]++
		}
	}
	common := make([]string, 0, len(counts))
	for d, n := range counts {
		if n == len(assets) {
			common = append(common, d)
		}
	}
	sort.Strings(common)

	symbols := make([]string, len(assets))
	columns := make([][]float64, len(assets))
	for i, a := range assets {
		symbols[i] = a.symbol
		if len(common) < 2 {
			continue
		}
		col := make([]float64, 0, len(common)-1)
		for t := 1; t < len(common); t++ {
			prev, cur := a.closes[common[t-1]], a.closes[common[t]]
			col = append(col, (cur-prev)/prev)
		}
		columns[i] = col
	}
	if len(common) < 2 {
		return symbols, nil
	}
	return symbols, columns
}

func (c *Calculator) returnMetrics(metrics *types.RiskMetrics, symbols []string, columns [][]float64, weights []float64, method types.VaRMethod) {
	n := len(columns[0])
	portfolio := make([]float64, n)
	rows := make([][]float64, n)
	for t := 0; t < n; t++ {
		rows[t] = make([]float64, len(columns))
		for i := range columns {
			rows[t][i] = columns[i][t]
			portfolio[t] += weights[i] * columns[i][t]
		}
	}

	h := c.config.HorizonDays
	switch method {
	case types.VaRHistorical:
		metrics.VaR95 = HistoricalVaR(portfolio, Confidence95, h)
		metrics.VaR99 = HistoricalVaR(portfolio, Confidence99, h)
	case types.VaRParametric:
		sigma := PortfolioSigma(columns, weights)
		metrics.VaR95 = ParametricVaR(sigma, Confidence95, h)
		metrics.VaR99 = ParametricVaR(sigma, Confidence99, h)
	case types.VaRMonteCarlo:
		v := MonteCarloVaR(rows, weights, []float64{Confidence95, Confidence99}, h, c.config.MonteCarloPaths, c.config.Seed)
		metrics.VaR95, metrics.VaR99 = v[0], v[1]
	}
	if metrics.VaR95 > metrics.VaR99 {
		metrics.VaR99 = metrics.VaR95
	}

	values := make([]float64, n+1)
	values[0] = 1
	for t, r := range portfolio {
		values[t+1] = values[t] * (1 + r)
	}
	metrics.MaxDrawdown = MaxDrawdown(values)

	metrics.Volatility = AnnualizedVolatility(portfolio, c.config.TradingDays)
	sharpe, ok := SharpeRatio(portfolio, c.config.RiskFreeRate, c.config.TradingDays)
	metrics.SharpeRatio = sharpe
	if !ok {
		addFlag(metrics, types.MetricSharpe, types.KindDegenerateCase, "zero volatility")
	}

	metrics.CorrelationMatrix = CorrelationMatrix(symbols, columns)
	if len(symbols) == 1 {
		addFlag(metrics, types.MetricCorrelation, types.KindDegenerateCase, "single asset")
	}
}

func (c *Calculator) liquidity(metrics *types.RiskMetrics, assets []*asset, weights []float64) {
	score := 0.0
	illiquid := make([]string, 0)
	for i, a := range assets {
		s, thin := LiquidityScore(a.value, a.adv, c.config.MaxADVFraction)
		score += weights[i] * s
		if thin {
			illiquid = append(illiquid, a.symbol)
		}
		if a.adv <= 0 && a.value > 0 && a.degraded == nil {
			a.degraded = fmt.Errorf("zero average daily traded value")
		}
	}
	sort.Strings(illiquid)

	metrics.LiquidityScore = utils.Clamp(score, 0, 1)
	metrics.IlliquidSymbols = illiquid
}

// ValidatePortfolio checks positions are non-empty, unique, non-negative and sum to 1
func ValidatePortfolio(positions []types.PortfolioPosition) error {
	if len(positions) == 0 {
		return types.NewError(types.KindInvalidInput, "risk", "portfolio has no positions")
	}

	seen := make(map[string]bool, len(positions))
	sum := 0.0
	for _, p := range positions {
		if p.Symbol == "" {
			return types.NewError(types.KindInvalidInput, "risk", "position with empty symbol")
		}
		if seen[p.Symbol] {
			return types.Errorf(types.KindInvalidInput, "risk", "duplicate position %s", p.Symbol)
		}
		seen[p.Symbol] = true
		if !utils.IsFinite(p.Weight) || p.Weight < 0 {
			return types.Errorf(types.KindInvalidInput, "risk", "invalid weight %v for %s", p.Weight, p.Symbol)
		}
		sum += p.Weight
	}
	if math.Abs(sum-1) > types.WeightTolerance {
		return types.Errorf(types.KindInvalidInput, "risk", "weights sum to %.6f, expected 1", sum)
	}
	return nil
}

func addFlag(metrics *types.RiskMetrics, metric string, kind types.ErrorKind, reason string) {
	metrics.Flags = append(metrics.Flags, types.MetricFlag{Metric: metric, Kind: kind, Reason: reason})
}

func flagAll(metrics *types.RiskMetrics, kind types.ErrorKind, reason string) {
	for _, m := range []string{
		types.MetricVaR,
		types.MetricDrawdown,
		types.MetricVolatility,
		types.MetricSharpe,
		types.MetricCorrelation,
		types.MetricLiquidity,
	} {
		addFlag(metrics, m, kind, reason)
	}
}
