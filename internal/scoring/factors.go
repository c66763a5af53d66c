// Package scoring scores stocks on a fixed set of factors and ranks them by
// a weighted composite. Factor rules are pure functions held in a static
// registry keyed by FactorKind.
package scoring

import (
	"errors"
	"sync"

	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/atlas-desktop/screener-backend/pkg/utils"
)

// ErrMissingInput is returned by a rule whose inputs are absent or invalid
var ErrMissingInput = errors.New("missing or invalid factor input")

// StockFundamentals is the per-stock input to scoring
type StockFundamentals struct {
	Symbol        string  `json:"symbol"`
	Name          string  `json:"name"`
	Price         float64 `json:"price"`
	PERatio       float64 `json:"peRatio"`
	PBRatio       float64 `json:"pbRatio"`
	EPS           float64 `json:"eps"`
	BookValue     float64 `json:"bookValue"`
	ChangePct     float64 `json:"changePct"`
	DividendYield float64 `json:"dividendYield"` // percent
	Week52High    float64 `json:"week52High"`
	Week52Low     float64 `json:"week52Low"`
	Volume        float64 `json:"volume"`
	MarketCap     float64 `json:"marketCap"`
}

// Rule scores one factor in [0, 1]
type Rule func(s StockFundamentals) (float64, error)

var registryMu sync.RWMutex

// Registry binds each factor kind to its rule
var Registry = map[types.FactorKind]Rule{
	types.FactorValue:     ValueRule,
	types.FactorGrowth:    GrowthRule,
	types.FactorQuality:   QualityRule,
	types.FactorMomentum:  MomentumRule,
	types.FactorDividend:  DividendRule,
	types.FactorTechnical: TechnicalRule,
	types.FactorSentiment: SentimentRule,
}

// Register installs or replaces the rule for a factor
func Register(kind types.FactorKind, rule Rule) {
	registryMu.Lock()
	defer registryMu.Unlock()
	Registry[kind] = rule
}

func lookup(kind types.FactorKind) (Rule, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	rule, ok := Registry[kind]
	return rule, ok
}

// ValueRule averages the P/E and P/B buckets; lower ratios score higher
func ValueRule(s StockFundamentals) (float64, error) {
	if !utils.IsFinite(s.PERatio) || !utils.IsFinite(s.PBRatio) {
		return 0, ErrMissingInput
	}
	if s.PERatio <= 0 && s.PBRatio <= 0 {
		return 0, ErrMissingInput
	}

	pe := 0.0
	if s.PERatio > 0 {
		switch {
		case s.PERatio < 15:
			pe = 1.0
		case s.PERatio < 25:
			pe = 0.7
		case s.PERatio < 35:
			pe = 0.4
		default:
			pe = 0.1
		}
	}

	pb := 0.0
	if s.PBRatio > 0 {
		switch {
		case s.PBRatio < 1.5:
			pb = 1.0
		case s.PBRatio < 2.5:
			pb = 0.7
		case s.PBRatio < 4.0:
			pb = 0.4
		default:
			pb = 0.1
		}
	}

	return (pe + pb) / 2, nil
}

// GrowthRule buckets earnings per share; losses score 0
func GrowthRule(s StockFundamentals) (float64, error) {
	if !utils.IsFinite(s.EPS) {
		return 0, ErrMissingInput
	}
	switch {
	case s.EPS > 2.0:
		return 1.0, nil
	case s.EPS > 1.0:
		return 0.7, nil
	case s.EPS > 0.5:
		return 0.4, nil
	case s.EPS > 0:
		return 0.1, nil
	default:
		return 0, nil
	}
}

// QualityRule buckets price to book value
func QualityRule(s StockFundamentals) (float64, error) {
	if !utils.IsFinite(s.BookValue) || !utils.IsFinite(s.Price) || s.BookValue <= 0 || s.Price <= 0 {
		return 0, ErrMissingInput
	}
	ratio := s.Price / s.BookValue
	switch {
	case ratio < 1.0:
		return 1.0, nil
	case ratio < 2.0:
		return 0.7, nil
	case ratio < 3.0:
		return 0.4, nil
	default:
		return 0.1, nil
	}
}

// MomentumRule buckets the daily change percentage
func MomentumRule(s StockFundamentals) (float64, error) {
	if !utils.IsFinite(s.ChangePct) {
		return 0, ErrMissingInput
	}
	switch {
	case s.ChangePct > 5.0:
		return 1.0, nil
	case s.ChangePct > 2.0:
		return 0.7, nil
	case s.ChangePct > 0:
		return 0.4, nil
	case s.ChangePct > -2.0:
		return 0.3, nil
	case s.ChangePct > -5.0:
		return 0.1, nil
	default:
		return 0, nil
	}
}

// DividendRule buckets the dividend yield in percent
func DividendRule(s StockFundamentals) (float64, error) {
	if !utils.IsFinite(s.DividendYield) || s.DividendYield < 0 {
		return 0, ErrMissingInput
	}
	switch {
	case s.DividendYield >= 4.0:
		return 1.0, nil
	case s.DividendYield >= 2.5:
		return 0.7, nil
	case s.DividendYield >= 1.5:
		return 0.4, nil
	case s.DividendYield > 0:
		return 0.1, nil
	default:
		return 0, nil
	}
}

// TechnicalRule favors prices near the 52-week low
func TechnicalRule(s StockFundamentals) (float64, error) {
	if !utils.IsFinite(s.Week52High) || !utils.IsFinite(s.Week52Low) || !utils.IsFinite(s.Price) {
		return 0, ErrMissingInput
	}
	if s.Week52Low <= 0 || s.Week52High <= s.Week52Low || s.Price <= 0 {
		return 0, ErrMissingInput
	}
	position := (s.Price - s.Week52Low) / (s.Week52High - s.Week52Low)
	switch {
	case position < 0.2:
		return 1.0, nil
	case position < 0.4:
		return 0.7, nil
	case position < 0.7:
		return 0.4, nil
	default:
		return 0.1, nil
	}
}

// SentimentRule buckets turnover relative to market cap
func SentimentRule(s StockFundamentals) (float64, error) {
	if !utils.IsFinite(s.MarketCap) || !utils.IsFinite(s.Volume) || s.MarketCap <= 0 || s.Volume < 0 {
		return 0, ErrMissingInput
	}
	ratio := s.Volume / s.MarketCap
	switch {
	case ratio > 0.05:
		return 1.0, nil
	case ratio > 0.02:
		return 0.7, nil
	case ratio > 0.01:
		return 0.4, nil
	default:
		return 0.2, nil
	}
}
