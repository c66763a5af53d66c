package risk

import (
	"math"
	"math/rand"
	"sort"

	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/atlas-desktop/screener-backend/pkg/utils"
)

// HistoricalVaR returns the confidence quantile of losses scaled by √horizon.
// A sample with no losses yields 0.
func HistoricalVaR(returns []float64, confidence float64, horizonDays int) float64 {
	if len(returns) == 0 {
		return 0
	}
	losses := make([]float64, len(returns))
	for i, r := range returns {
		losses[i] = -r
	}
	v := utils.Quantile(losses, confidence) * math.Sqrt(float64(horizon(horizonDays)))
	return math.Max(0, v)
}

// PortfolioSigma returns √(wᵀΣw) over aligned return columns, one column per asset
func PortfolioSigma(columns [][]float64, weights []float64) float64 {
	variance := 0.0
	for i := range columns {
		for j := range columns {
			variance += weights[i] * weights[j] * utils.Covariance(columns[i], columns[j])
		}
	}
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}

// ParametricVaR returns z(c)·σ·√horizon
func ParametricVaR(sigma, confidence float64, horizonDays int) float64 {
	v := utils.NormalQuantile(confidence) * sigma * math.Sqrt(float64(horizon(horizonDays)))
	return math.Max(0, v)
}

// MonteCarloVaR bootstraps horizon-length paths from whole rows of joint
// returns and returns one VaR per confidence, all from the same sample
func MonteCarloVaR(rows [][]float64, weights []float64, confidences []float64, horizonDays, paths int, seed int64) []float64 {
	out := make([]float64, len(confidences))
	if len(rows) == 0 || paths <= 0 {
		return out
	}

	daily := make([]float64, len(rows))
	for t, row := range rows {
		for i, r := range row {
			daily[t] += weights[i] * r
		}
	}

	rng := rand.New(rand.NewSource(seed))
	h := horizon(horizonDays)
	losses := make([]float64, paths)
	for p := 0; p < paths; p++ {
		growth := 1.0
		for d := 0; d < h; d++ {
			growth *= 1 + daily[rng.Intn(len(daily))]
		}
		losses[p] = -(growth - 1)
	}
	sort.Float64s(losses)

	for i, c := range confidences {
		out[i] = math.Max(0, utils.QuantileSorted(losses, c))
	}
	return out
}

// MaxDrawdown returns the largest peak-to-trough decline of a value series, in [0, 1]
func MaxDrawdown(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	maxDD := 0.0
	peak := values[0]
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return utils.Clamp(maxDD, 0, 1)
}

// AnnualizedVolatility returns stdev(returns)·√tradingDays
func AnnualizedVolatility(returns []float64, tradingDays int) float64 {
	return utils.StdDev(returns) * math.Sqrt(float64(tradingDays))
}

// SharpeRatio returns the annualized excess return over volatility.
// The second result is false when volatility is zero and the ratio is reported as 0.
func SharpeRatio(returns []float64, riskFreeRate float64, tradingDays int) (float64, bool) {
	vol := AnnualizedVolatility(returns, tradingDays)
	if vol == 0 || !utils.IsFinite(vol) {
		return 0, false
	}
	return (utils.Mean(returns)*float64(tradingDays) - riskFreeRate) / vol, true
}

// CorrelationMatrix returns the Pearson matrix of aligned return columns.
// Pairs involving a zero-variance column correlate at 0.
func CorrelationMatrix(symbols []string, columns [][]float64) types.CorrelationMatrix {
	n := len(columns)
	values := make([][]float64, n)
	stds := make([]float64, n)
	for i := range columns {
		values[i] = make([]float64, n)
		stds[i] = utils.StdDev(columns[i])
	}

	for i := 0; i < n; i++ {
		values[i][i] = 1
		for j := i + 1; j < n; j++ {
			c := 0.0
			if stds[i] > 0 && stds[j] > 0 {
				c = utils.Clamp(utils.Covariance(columns[i], columns[j])/(stds[i]*stds[j]), -1, 1)
			}
			values[i][j] = c
			values[j][i] = c
		}
	}

	syms := make([]string, len(symbols))
	copy(syms, symbols)
	return types.CorrelationMatrix{Symbols: syms, Values: values}
}

// HerfindahlIndex returns Σw²
func HerfindahlIndex(weights []float64) float64 {
	sum := 0.0
	for _, w := range weights {
		sum += w * w
	}
	return sum
}

// LiquidityScore scores one position against its average daily traded value.
// illiquid is true when the position exceeds maxADVFraction of ADV.
func LiquidityScore(positionValue, adv, maxADVFraction float64) (score float64, illiquid bool) {
	if positionValue <= 0 {
		return 1, false
	}
	if adv <= 0 {
		return 0, true
	}
	capacity := maxADVFraction * adv
	return math.Min(1, capacity/positionValue), positionValue > capacity
}

func horizon(days int) int {
	if days < 1 {
		return 1
	}
	return days
}
