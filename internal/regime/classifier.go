// Package regime classifies the market environment from trend, volatility and sentiment.
// The classifier is pure: the same MarketData always yields the same MarketEnvironment.
// Tracker wraps it with history and change detection.
package regime

import (
	"math"
	"time"

	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/atlas-desktop/screener-backend/pkg/utils"
	"go.uber.org/zap"
)

// MarketData is the index snapshot a classification is computed from
type MarketData struct {
	IndexCode     string    `json:"indexCode"`
	Prices        []float64 `json:"prices"`
	CurrentVolume float64   `json:"currentVolume"`
	AverageVolume float64   `json:"averageVolume"`
	Advancing     int       `json:"advancing"`
	Declining     int       `json:"declining"`
	Momentum      float64   `json:"momentum"`
	AsOf          time.Time `json:"asOf"`
}

// ClassifierConfig configures the classifier
type ClassifierConfig struct {
	ShortPeriod  int `mapstructure:"short_period"`
	MediumPeriod int `mapstructure:"medium_period"`
	LongPeriod   int `mapstructure:"long_period"`

	VolatilityPeriod int     `mapstructure:"volatility_period"`
	VolLowCut        float64 `mapstructure:"vol_low_cut"`
	VolMediumCut     float64 `mapstructure:"vol_medium_cut"`
	VolHighCut       float64 `mapstructure:"vol_high_cut"`

	VolumeWeight         float64 `mapstructure:"volume_weight"`
	AdvanceDeclineWeight float64 `mapstructure:"advance_decline_weight"`
	MomentumWeight       float64 `mapstructure:"momentum_weight"`

	TrendWeight      float64 `mapstructure:"trend_weight"`
	VolatilityWeight float64 `mapstructure:"volatility_weight"`
	SentimentWeight  float64 `mapstructure:"sentiment_weight"`

	BullThreshold     float64 `mapstructure:"bull_threshold"`
	BearThreshold     float64 `mapstructure:"bear_threshold"`
	MinSignalStrength float64 `mapstructure:"min_signal_strength"`
}

// DefaultClassifierConfig returns sensible defaults
func DefaultClassifierConfig() *ClassifierConfig {
	return &ClassifierConfig{
		ShortPeriod:  5,
		MediumPeriod: 20,
		LongPeriod:   60,

		VolatilityPeriod: 20,
		VolLowCut:        0.015,
		VolMediumCut:     0.025,
		VolHighCut:       0.035,

		VolumeWeight:         0.4,
		AdvanceDeclineWeight: 0.3,
		MomentumWeight:       0.3,

		TrendWeight:      0.6,
		VolatilityWeight: 0.15,
		SentimentWeight:  0.25,

		BullThreshold:     0.7,
		BearThreshold:     0.3,
		MinSignalStrength: 0,
	}
}

// Validate checks the configuration for consistency
func (c *ClassifierConfig) Validate() error {
	if c.ShortPeriod <= 0 || c.MediumPeriod <= c.ShortPeriod || c.LongPeriod <= c.MediumPeriod {
		return types.NewError(types.KindConfiguration, "regime", "periods must satisfy 0 < short < medium < long")
	}
	if c.VolatilityPeriod < 2 {
		return types.NewError(types.KindConfiguration, "regime", "volatility_period must be at least 2")
	}
	if !(c.VolLowCut < c.VolMediumCut && c.VolMediumCut < c.VolHighCut) {
		return types.NewError(types.KindConfiguration, "regime", "volatility cuts must be increasing")
	}
	if !(0 < c.BearThreshold && c.BearThreshold < c.BullThreshold && c.BullThreshold < 1) {
		return types.NewError(types.KindConfiguration, "regime", "thresholds must satisfy 0 < bear < bull < 1")
	}
	if c.MinSignalStrength < 0 || c.MinSignalStrength > 1 {
		return types.NewError(types.KindConfiguration, "regime", "min_signal_strength must be in [0, 1]")
	}
	if math.Abs(c.VolumeWeight+c.AdvanceDeclineWeight+c.MomentumWeight-1) > 1e-9 {
		return types.NewError(types.KindConfiguration, "regime", "sentiment weights must sum to 1")
	}
	if math.Abs(c.TrendWeight+c.VolatilityWeight+c.SentimentWeight-1) > 1e-9 {
		return types.NewError(types.KindConfiguration, "regime", "composite weights must sum to 1")
	}
	return nil
}

// TrendResult holds the moving-average trend analysis
type TrendResult struct {
	Direction types.TrendDirection `json:"direction"`
	Strength  float64              `json:"strength"`
	ShortMA   *float64             `json:"shortMa,omitempty"`
	MediumMA  *float64             `json:"mediumMa,omitempty"`
	LongMA    *float64             `json:"longMa,omitempty"`
}

// Classifier computes MarketEnvironment values
type Classifier struct {
	logger *zap.Logger
	config *ClassifierConfig
}

// NewClassifier creates a new classifier
func NewClassifier(logger *zap.Logger, config *ClassifierConfig) *Classifier {
	if config == nil {
		config = DefaultClassifierConfig()
	}
	return &Classifier{
		logger: logger.Named("regime-classifier"),
		config: config,
	}
}

// Config returns the classifier configuration
func (c *Classifier) Config() ClassifierConfig {
	return *c.config
}

// ValidPrices returns the positive finite prices in order and how many were dropped
func ValidPrices(prices []float64) ([]float64, int) {
	valid := make([]float64, 0, len(prices))
	for _, p := range prices {
		if utils.IsFinite(p) && p > 0 {
			valid = append(valid, p)
		}
	}
	return valid, len(prices) - len(valid)
}

// Classify computes the environment for one snapshot. Non-positive and
// non-finite index prices are dropped before any indicator is computed.
func (c *Classifier) Classify(data MarketData) types.MarketEnvironment {
	prices, dropped := ValidPrices(data.Prices)
	if dropped > 0 {
		c.logger.Warn("dropped invalid index prices",
			zap.String("index", data.IndexCode),
			zap.Int("dropped", dropped),
			zap.Int("kept", len(prices)),
		)
	}

	trend := c.Trend(prices)
	vol := c.Volatility(prices)
	level := c.VolatilityLevel(vol)
	sentiment := c.Sentiment(data)

	composite := c.config.TrendWeight*trendScore(trend.Direction) +
		c.config.VolatilityWeight*volatilityScore(level) +
		c.config.SentimentWeight*sentiment
	composite = utils.Clamp(composite, 0, 1)

	kind := c.kindFor(composite)
	if trend.Direction == types.TrendUndefined || signalStrength(composite) < c.config.MinSignalStrength {
		kind = types.EnvironmentUndefined
	}

	env := types.MarketEnvironment{
		Kind:            kind,
		Confidence:      c.confidence(kind, composite),
		TrendDirection:  trend.Direction,
		TrendStrength:   trend.Strength,
		VolatilityLevel: level,
		Volatility:      vol,
		SentimentScore:  sentiment,
		CompositeScore:  composite,
		Timestamp:       data.AsOf,
	}

	c.logger.Debug("classified market",
		zap.String("index", data.IndexCode),
		zap.String("kind", string(env.Kind)),
		zap.Float64("composite", composite),
		zap.Float64("confidence", env.Confidence),
	)

	return env
}

func (c *Classifier) kindFor(composite float64) types.EnvironmentKind {
	switch {
	case composite >= c.config.BullThreshold:
		return types.EnvironmentBull
	case composite <= c.config.BearThreshold:
		return types.EnvironmentBear
	default:
		return types.EnvironmentSideways
	}
}

// confidence is the normalized distance to the nearest threshold
func (c *Classifier) confidence(kind types.EnvironmentKind, composite float64) float64 {
	bull, bear := c.config.BullThreshold, c.config.BearThreshold
	var conf float64
	switch kind {
	case types.EnvironmentBull:
		conf = (composite - bull) / (1 - bull)
	case types.EnvironmentBear:
		conf = (bear - composite) / bear
	case types.EnvironmentSideways:
		conf = math.Min(composite-bear, bull-composite) / ((bull - bear) / 2)
	default:
		return 0
	}
	return utils.Clamp(conf, 0, 1)
}

func signalStrength(composite float64) float64 {
	return math.Abs(composite-0.5) / 0.5
}

// Trend derives the direction from moving-average ordering and the strength from R²
func (c *Classifier) Trend(prices []float64) TrendResult {
	if len(prices) < c.config.ShortPeriod {
		return TrendResult{Direction: types.TrendUndefined}
	}

	short := utils.Mean(prices[len(prices)-c.config.ShortPeriod:])
	result := TrendResult{ShortMA: &short}

	if len(prices) >= c.config.MediumPeriod {
		medium := utils.Mean(prices[len(prices)-c.config.MediumPeriod:])
		result.MediumMA = &medium
	}
	if len(prices) >= c.config.LongPeriod {
		long := utils.Mean(prices[len(prices)-c.config.LongPeriod:])
		result.LongMA = &long
		result.Strength = rSquared(prices)
	}

	switch {
	case result.MediumMA != nil && result.LongMA != nil:
		m, l := *result.MediumMA, *result.LongMA
		switch {
		case short > m && m > l:
			result.Direction = types.TrendBullish
		case short < m && m < l:
			result.Direction = types.TrendBearish
		default:
			result.Direction = types.TrendSideways
		}
	case result.MediumMA != nil:
		result.Direction = compareDirection(short, *result.MediumMA)
	case len(prices) >= 10:
		recent := prices[len(prices)-10:]
		result.Direction = compareDirection(recent[len(recent)-1], recent[0])
	default:
		result.Direction = types.TrendUndefined
	}

	return result
}

func compareDirection(a, b float64) types.TrendDirection {
	switch {
	case a > b:
		return types.TrendBullish
	case a < b:
		return types.TrendBearish
	default:
		return types.TrendSideways
	}
}

// rSquared fits a least-squares line against the bar index
func rSquared(prices []float64) float64 {
	n := len(prices)
	xMean := float64(n-1) / 2
	yMean := utils.Mean(prices)

	num, den := 0.0, 0.0
	for i, y := range prices {
		dx := float64(i) - xMean
		num += dx * (y - yMean)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	slope := num / den

	ssTot, ssRes := 0.0, 0.0
	for i, y := range prices {
		pred := slope*(float64(i)-xMean) + yMean
		ssTot += (y - yMean) * (y - yMean)
		ssRes += (y - pred) * (y - pred)
	}
	if ssTot == 0 {
		return 0
	}
	return utils.Clamp(1-ssRes/ssTot, 0, 1)
}

// Volatility is the stdev of the most recent returns, 0 when there are too few
func (c *Classifier) Volatility(prices []float64) float64 {
	returns := utils.SimpleReturns(prices)
	if len(returns) < c.config.VolatilityPeriod {
		return 0
	}
	return utils.StdDev(returns[len(returns)-c.config.VolatilityPeriod:])
}

// VolatilityLevel buckets a volatility figure
func (c *Classifier) VolatilityLevel(vol float64) types.VolatilityLevel {
	switch {
	case vol < c.config.VolLowCut:
		return types.VolatilityLow
	case vol < c.config.VolMediumCut:
		return types.VolatilityMedium
	case vol < c.config.VolHighCut:
		return types.VolatilityHigh
	default:
		return types.VolatilityExtreme
	}
}

// Sentiment blends volume, breadth and momentum into [0, 1]
func (c *Classifier) Sentiment(data MarketData) float64 {
	s := c.config.VolumeWeight*volumeSentiment(data.CurrentVolume, data.AverageVolume) +
		c.config.AdvanceDeclineWeight*breadthSentiment(data.Advancing, data.Declining) +
		c.config.MomentumWeight*momentumSentiment(data.Momentum)
	return utils.Clamp(s, 0, 1)
}

func volumeSentiment(current, average float64) float64 {
	if average <= 0 || !utils.IsFinite(current) {
		return 0.5
	}
	ratio := current / average
	switch {
	case ratio > 2.0:
		return 0.9
	case ratio > 1.5:
		return 0.7
	case ratio > 1.0:
		return 0.6
	case ratio > 0.8:
		return 0.5
	case ratio > 0.5:
		return 0.3
	default:
		return 0.1
	}
}

func breadthSentiment(advancing, declining int) float64 {
	total := advancing + declining
	if total <= 0 {
		return 0.5
	}
	ratio := float64(advancing) / float64(total)
	switch {
	case ratio > 0.7:
		return 0.9
	case ratio > 0.6:
		return 0.7
	case ratio > 0.5:
		return 0.6
	case ratio > 0.4:
		return 0.4
	case ratio > 0.3:
		return 0.3
	default:
		return 0.1
	}
}

func momentumSentiment(m float64) float64 {
	if !utils.IsFinite(m) {
		return 0.5
	}
	switch {
	case m > 0.03:
		return 0.9
	case m > 0.02:
		return 0.8
	case m > 0.01:
		return 0.7
	case m > 0:
		return 0.6
	case m > -0.01:
		return 0.4
	case m > -0.02:
		return 0.3
	case m > -0.03:
		return 0.2
	default:
		return 0.1
	}
}

func trendScore(d types.TrendDirection) float64 {
	switch d {
	case types.TrendBullish:
		return 0.9
	case types.TrendBearish:
		return 0.1
	default:
		return 0.5
	}
}

func volatilityScore(l types.VolatilityLevel) float64 {
	switch l {
	case types.VolatilityLow:
		return 0.6
	case types.VolatilityMedium:
		return 0.5
	case types.VolatilityHigh:
		return 0.4
	default:
		return 0.2
	}
}
