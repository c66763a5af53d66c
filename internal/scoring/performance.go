package scoring

import (
	"sync"

	"github.com/atlas-desktop/screener-backend/pkg/types"
)

// FactorStats summarizes the recorded observations of one factor
type FactorStats struct {
	Count     int     `json:"count"`
	AvgScore  float64 `json:"avgScore"`
	AvgReturn float64 `json:"avgReturn"`
}

type factorTotals struct {
	count     int
	sumScore  float64
	sumReturn float64
}

// PerformanceTracker relates factor scores to subsequent returns.
// Only running totals are kept per factor.
type PerformanceTracker struct {
	mu     sync.RWMutex
	totals map[types.FactorKind]*factorTotals
}

// NewPerformanceTracker creates an empty tracker
func NewPerformanceTracker() *PerformanceTracker {
	return &PerformanceTracker{
		totals: make(map[types.FactorKind]*factorTotals),
	}
}

// Record adds one observation of a factor score and the forward return that followed
func (p *PerformanceTracker) Record(kind types.FactorKind, score, forwardReturn float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.totals[kind]
	if !ok {
		t = &factorTotals{}
		p.totals[kind] = t
	}
	t.count++
	t.sumScore += score
	t.sumReturn += forwardReturn
}

// RecordRanking records every factor score of a ranking against realized returns by symbol
func (p *PerformanceTracker) RecordRanking(scores []StockScore, returns map[string]float64) {
	for _, s := range scores {
		r, ok := returns[s.Symbol]
		if !ok {
			continue
		}
		for kind, v := range s.FactorScores {
			p.Record(kind, v, r)
		}
	}
}

// Stats returns the averages for a factor
func (p *PerformanceTracker) Stats(kind types.FactorKind) FactorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t, ok := p.totals[kind]
	if !ok || t.count == 0 {
		return FactorStats{}
	}
	n := float64(t.count)
	return FactorStats{
		Count:     t.count,
		AvgScore:  t.sumScore / n,
		AvgReturn: t.sumReturn / n,
	}
}

// Summary returns the stats of every factor with at least one observation
func (p *PerformanceTracker) Summary() map[types.FactorKind]FactorStats {
	out := make(map[types.FactorKind]FactorStats)
	for _, kind := range types.AllFactors {
		if stats := p.Stats(kind); stats.Count > 0 {
			out[kind] = stats
		}
	}
	return out
}

// Best returns the factor with the highest average return
func (p *PerformanceTracker) Best() (types.FactorKind, bool) {
	var best types.FactorKind
	found := false
	bestReturn := 0.0

	for _, kind := range types.AllFactors {
		stats := p.Stats(kind)
		if stats.Count == 0 {
			continue
		}
		if !found || stats.AvgReturn > bestReturn {
			best, bestReturn, found = kind, stats.AvgReturn, true
		}
	}
	return best, found
}
