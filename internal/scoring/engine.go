package scoring

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/atlas-desktop/screener-backend/internal/workers"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/atlas-desktop/screener-backend/pkg/utils"
	"go.uber.org/zap"
)

// Config configures the scoring engine
type Config struct {
	Enabled      []types.FactorKind `mapstructure:"enabled"`
	NeutralScore float64            `mapstructure:"neutral_score"`
}

// DefaultConfig enables every factor
func DefaultConfig() *Config {
	enabled := make([]types.FactorKind, len(types.AllFactors))
	copy(enabled, types.AllFactors)
	return &Config{
		Enabled:      enabled,
		NeutralScore: 0.5,
	}
}

// StockScore is the scored and ranked result for one stock
type StockScore struct {
	Symbol        string                       `json:"symbol"`
	Name          string                       `json:"name"`
	Composite     float64                      `json:"composite"`
	FactorScores  map[types.FactorKind]float64 `json:"factorScores"`
	Neutralized   []types.FactorKind           `json:"neutralized,omitempty"`
	DividendYield float64                      `json:"dividendYield"`
	Rank          int                          `json:"rank"`
	WeightVersion int                          `json:"weightVersion"`
}

// Engine scores stocks with the registered factor rules
type Engine struct {
	logger *zap.Logger
	config *Config
	pool   *workers.Pool
}

// NewEngine creates a scoring engine; pool may be nil to score inline
func NewEngine(logger *zap.Logger, config *Config, pool *workers.Pool) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{
		logger: logger.Named("scoring"),
		config: config,
		pool:   pool,
	}
}

// Score computes the factor scores and composite for one stock
func (e *Engine) Score(stock StockFundamentals, weights types.FactorWeightSet) (StockScore, error) {
	if stock.Symbol == "" {
		return StockScore{}, types.NewError(types.KindInvalidInput, "scoring", "empty symbol")
	}

	result := StockScore{
		Symbol:        stock.Symbol,
		Name:          stock.Name,
		FactorScores:  make(map[types.FactorKind]float64, len(e.config.Enabled)),
		DividendYield: stock.DividendYield,
		WeightVersion: weights.Version,
	}
	if !utils.IsFinite(result.DividendYield) {
		result.DividendYield = 0
	}

	weighted, totalWeight := 0.0, 0.0
	for _, kind := range e.config.Enabled {
		w := weights.Weights[kind]
		rule, ok := lookup(kind)
		if !ok {
			return StockScore{}, types.Errorf(types.KindConfiguration, "scoring", "no rule registered for %s", kind)
		}

		score, err := rule(stock)
		if err != nil {
			if !errors.Is(err, ErrMissingInput) {
				return StockScore{}, fmt.Errorf("factor %s: %w", kind, err)
			}
			score = e.config.NeutralScore
			result.Neutralized = append(result.Neutralized, kind)
		}
		score = utils.Clamp(score, 0, 1)

		result.FactorScores[kind] = score
		weighted += w * score
		totalWeight += w
	}

	if totalWeight <= 0 {
		return StockScore{}, types.NewError(types.KindInvalidInput, "scoring", "enabled factors carry no weight")
	}
	result.Composite = utils.Clamp(weighted/totalWeight, 0, 1)

	return result, nil
}

// ScoreAll scores every stock on the pool, joins, and returns the ranked list
func (e *Engine) ScoreAll(ctx context.Context, stocks []StockFundamentals, weights types.FactorWeightSet) ([]StockScore, *types.BatchReport) {
	report := types.NewBatchReport()

	results := workers.Map(ctx, e.pool, stocks, func(s StockFundamentals) (StockScore, error) {
		return e.Score(s, weights)
	})

	scores := make([]StockScore, 0, len(stocks))
	for i, r := range results {
		id := stocks[i].Symbol
		if id == "" {
			id = fmt.Sprintf("#%d", i)
		}
		if r.Err != nil {
			report.Skip(id, r.Err)
			continue
		}
		switch {
		case len(r.Value.Neutralized) == len(e.config.Enabled):
			report.Degrade(id, fmt.Errorf("all factors neutralized"))
		case len(r.Value.Neutralized) > 0:
			report.Degrade(id, fmt.Errorf("neutralized factors: %v", r.Value.Neutralized))
		default:
			report.Succeed(id)
		}
		scores = append(scores, r.Value)
	}

	Rank(scores)
	report.Normalize()

	e.logger.Debug("scored stocks",
		zap.Int("scored", len(scores)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("degraded", len(report.Degraded)),
	)

	return scores, report
}

// Rank sorts scores by composite descending, breaking ties by dividend yield
// descending and then symbol ascending, and assigns ranks from 1
func Rank(scores []StockScore) {
	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.Composite != b.Composite {
			return a.Composite > b.Composite
		}
		if a.DividendYield != b.DividendYield {
			return a.DividendYield > b.DividendYield
		}
		return a.Symbol < b.Symbol
	})
	for i := range scores {
		scores[i].Rank = i + 1
	}
}
