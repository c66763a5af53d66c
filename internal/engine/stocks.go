package engine

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/screener-backend/internal/risk"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"go.uber.org/zap"
)

// AssessStocks scores the single-stock risk of symbols, or of the whole
// universe when symbols is empty. A stock whose price history is too short is
// assessed on fundamentals alone and reported as degraded.
func (e *Engine) AssessStocks(ctx context.Context, symbols []string) ([]risk.StockAssessment, *types.BatchReport, error) {
	if len(symbols) == 0 {
		symbols = e.config.Universe
	}
	stocks, err := e.provider.Fundamentals(ctx, symbols)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load fundamentals: %w", err)
	}

	codes := make([]string, len(stocks))
	for i, s := range stocks {
		codes[i] = s.Symbol
	}
	series, err := e.provider.PriceHistory(ctx, codes, e.c.Calculator.Config().LookbackDays+1)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load price history: %w", err)
	}

	batch := types.NewBatchReport()
	out := make([]risk.StockAssessment, 0, len(stocks))
	for _, s := range stocks {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		var stats *risk.StockStatistics
		if h, ok := series[s.Symbol]; ok {
			if h.Symbol == "" {
				h.Symbol = s.Symbol
			}
			stats, err = e.c.Calculator.StockStatistics(h)
		} else {
			err = types.NewError(types.KindInsufficientData, "risk", "no price history")
		}
		if err != nil {
			batch.Degrade(s.Symbol, err)
		} else {
			batch.Succeed(s.Symbol)
		}

		out = append(out, risk.AssessStock(risk.StockProfile{
			Symbol:     s.Symbol,
			Price:      s.Price,
			PERatio:    s.PERatio,
			PBRatio:    s.PBRatio,
			EPS:        s.EPS,
			Week52High: s.Week52High,
			Week52Low:  s.Week52Low,
		}, stats))
	}
	batch.Normalize()

	e.logger.Debug("Assessed stock risk",
		zap.Int("stocks", len(out)),
		zap.Int("degraded", len(batch.Degraded)),
	)
	return out, batch, nil
}
