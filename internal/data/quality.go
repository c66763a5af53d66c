// Package data provides price-series sanitizing and the JSON file market-data provider.
// Bad points are dropped before any statistic sees them and every drop is reported.
package data

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/atlas-desktop/screener-backend/pkg/utils"
	"go.uber.org/zap"
)

// Issue types reported by the sanitizer
const (
	IssueNoData         = "NO_DATA"
	IssueInvalidPrice   = "INVALID_PRICE"
	IssueInvalidVolume  = "INVALID_VOLUME"
	IssueDuplicateDate  = "DUPLICATE_DATE"
	IssueOutOfOrder     = "OUT_OF_ORDER"
	IssueOHLCRepaired   = "OHLC_REPAIRED"
	IssueGapMove        = "GAP_MOVE"
	IssueMissingSession = "MISSING_SESSION"
)

// Sanitizer validates and cleans daily price series
type Sanitizer struct {
	logger *zap.Logger
	config *SanitizerConfig
}

// SanitizerConfig configures the sanitizer
type SanitizerConfig struct {
	MaxGapMove      float64       `mapstructure:"max_gap_move"`
	MaxSessionGap   time.Duration `mapstructure:"max_session_gap"`
	MinQualityScore int           `mapstructure:"min_quality_score"`
}

// DefaultSanitizerConfig returns stock-market defaults
func DefaultSanitizerConfig() *SanitizerConfig {
	return &SanitizerConfig{
		MaxGapMove:      0.20,
		MaxSessionGap:   5 * 24 * time.Hour,
		MinQualityScore: 70,
	}
}

// DataIssue represents a data quality problem
type DataIssue struct {
	Type     string    `json:"type"`
	Severity string    `json:"severity"` // "critical", "high", "medium", "low"
	Date     time.Time `json:"date"`
	Message  string    `json:"message"`
	BarIndex int       `json:"barIndex"`
	Dropped  bool      `json:"dropped"`
}

// QualityReport summarizes what the sanitizer did to one series
type QualityReport struct {
	Symbol          string      `json:"symbol"`
	TotalBars       int         `json:"totalBars"`
	KeptBars        int         `json:"keptBars"`
	DroppedBars     int         `json:"droppedBars"`
	Issues          []DataIssue `json:"issues"`
	QualityScore    int         `json:"qualityScore"` // 0-100
	IsUsable        bool        `json:"isUsable"`
	StartDate       time.Time   `json:"startDate"`
	EndDate         time.Time   `json:"endDate"`
	Recommendations []string    `json:"recommendations"`
}

// Degraded reports whether any point was dropped or repaired
func (r *QualityReport) Degraded() bool {
	return r.DroppedBars > 0 || r.count(IssueOHLCRepaired, IssueInvalidVolume) > 0
}

func (r *QualityReport) count(kinds ...string) int {
	n := 0
	for _, issue := range r.Issues {
		for _, k := range kinds {
			if issue.Type == k {
				n++
			}
		}
	}
	return n
}

// NewSanitizer creates a new sanitizer
func NewSanitizer(logger *zap.Logger, config *SanitizerConfig) *Sanitizer {
	if config == nil {
		config = DefaultSanitizerConfig()
	}
	return &Sanitizer{
		logger: logger.Named("sanitizer"),
		config: config,
	}
}

// Sanitize returns a chronological copy of the series with invalid points removed.
// The input series is not modified.
func (s *Sanitizer) Sanitize(series types.PriceSeries) (types.PriceSeries, *QualityReport) {
	report := &QualityReport{
		Symbol:    series.Symbol,
		TotalBars: len(series.Bars),
		Issues:    make([]DataIssue, 0),
	}
	out := types.PriceSeries{Symbol: series.Symbol}

	if len(series.Bars) == 0 {
		report.Issues = append(report.Issues, DataIssue{
			Type: IssueNoData, Severity: "critical", Message: "no data provided",
		})
		s.finish(report)
		return out, report
	}

	bars := make([]types.PriceBar, len(series.Bars))
	copy(bars, series.Bars)

	for i := 1; i < len(bars); i++ {
		if bars[i].Date.Before(bars[i-1].Date) {
			report.Issues = append(report.Issues, DataIssue{
				Type:     IssueOutOfOrder,
				Severity: "medium",
				Date:     bars[i].Date,
				Message:  "bar is out of chronological order",
				BarIndex: i,
			})
		}
	}
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Date.Before(bars[j].Date)
	})

	seen := make(map[string]int)
	kept := make([]types.PriceBar, 0, len(bars))

	for i, bar := range bars {
		key := types.DateKey(bar.Date)
		if first, dup := seen[key]; dup {
			report.Issues = append(report.Issues, DataIssue{
				Type:     IssueDuplicateDate,
				Severity: "high",
				Date:     bar.Date,
				Message:  fmt.Sprintf("duplicate date (also at index %d)", first),
				BarIndex: i,
				Dropped:  true,
			})
			continue
		}

		if !utils.IsFinite(bar.Close) || bar.Close <= 0 {
			report.Issues = append(report.Issues, DataIssue{
				Type:     IssueInvalidPrice,
				Severity: "critical",
				Date:     bar.Date,
				Message:  fmt.Sprintf("invalid close %v", bar.Close),
				BarIndex: i,
				Dropped:  true,
			})
			continue
		}
		seen[key] = i

		if !utils.IsFinite(bar.Volume) || bar.Volume < 0 {
			report.Issues = append(report.Issues, DataIssue{
				Type:     IssueInvalidVolume,
				Severity: "low",
				Date:     bar.Date,
				Message:  fmt.Sprintf("invalid volume %v replaced with 0", bar.Volume),
				BarIndex: i,
			})
			bar.Volume = 0
		}

		bar = s.repairOHLC(bar, i, report)

		if n := len(kept); n > 0 {
			prev := kept[n-1]
			move := math.Abs(bar.Close-prev.Close) / prev.Close
			if move > s.config.MaxGapMove {
				report.Issues = append(report.Issues, DataIssue{
					Type:     IssueGapMove,
					Severity: "medium",
					Date:     bar.Date,
					Message:  fmt.Sprintf("large close-to-close move: %.2f%%", move*100),
					BarIndex: i,
				})
			}
			if s.config.MaxSessionGap > 0 && bar.Date.Sub(prev.Date) > s.config.MaxSessionGap {
				report.Issues = append(report.Issues, DataIssue{
					Type:     IssueMissingSession,
					Severity: "low",
					Date:     prev.Date,
					Message:  "data gap of " + bar.Date.Sub(prev.Date).String(),
					BarIndex: i - 1,
				})
			}
		}

		kept = append(kept, bar)
	}

	out.Bars = kept
	report.KeptBars = len(kept)
	report.DroppedBars = len(bars) - len(kept)
	if len(kept) > 0 {
		report.StartDate = kept[0].Date
		report.EndDate = kept[len(kept)-1].Date
	}
	s.finish(report)

	if report.DroppedBars > 0 {
		s.logger.Debug("dropped invalid bars",
			zap.String("symbol", series.Symbol),
			zap.Int("dropped", report.DroppedBars),
			zap.Int("kept", report.KeptBars),
		)
	}

	return out, report
}

// repairOHLC widens high and low to encompass open and close
func (s *Sanitizer) repairOHLC(bar types.PriceBar, idx int, report *QualityReport) types.PriceBar {
	if !utils.IsFinite(bar.Open) || bar.Open <= 0 {
		bar.Open = bar.Close
	}
	high := math.Max(bar.Close, bar.Open)
	low := math.Min(bar.Close, bar.Open)
	if utils.IsFinite(bar.High) && bar.High > 0 {
		high = math.Max(high, bar.High)
	}
	if utils.IsFinite(bar.Low) && bar.Low > 0 {
		low = math.Min(low, bar.Low)
	}

	if high != bar.High || low != bar.Low {
		report.Issues = append(report.Issues, DataIssue{
			Type:     IssueOHLCRepaired,
			Severity: "low",
			Date:     bar.Date,
			Message:  "high/low adjusted to encompass open and close",
			BarIndex: idx,
		})
		bar.High = high
		bar.Low = low
	}
	return bar
}

// finish fills the score, usability and recommendations
func (s *Sanitizer) finish(report *QualityReport) {
	report.QualityScore = calculateQualityScore(report.TotalBars, report.Issues)
	report.IsUsable = report.KeptBars > 0 && report.QualityScore >= s.config.MinQualityScore
	report.Recommendations = generateRecommendations(report)
}

// calculateQualityScore returns a 0-100 score
func calculateQualityScore(totalBars int, issues []DataIssue) int {
	if totalBars == 0 {
		return 0
	}

	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case "critical":
			penalty += 10.0
		case "high":
			penalty += 5.0
		case "medium":
			penalty += 2.0
		case "low":
			penalty += 0.5
		}
	}

	// More data = more tolerance for small issues
	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	score := 100.0 - math.Min(normalized, 100)

	return int(math.Max(0, math.Min(100, score)))
}

// generateRecommendations creates actionable recommendations
func generateRecommendations(report *QualityReport) []string {
	recs := make([]string, 0)

	if report.count(IssueNoData) > 0 {
		return append(recs, "No price data available for this symbol")
	}
	if report.count(IssueInvalidPrice) > 0 {
		recs = append(recs, "Non-positive or non-finite closes were dropped; verify the data source")
	}
	if report.count(IssueDuplicateDate) > 0 {
		recs = append(recs, "Duplicate dates were dropped; deduplicate upstream")
	}
	if report.count(IssueOutOfOrder) > 0 {
		recs = append(recs, "Series was re-sorted by date")
	}
	if report.count(IssueMissingSession) > 0 {
		recs = append(recs, "Series has gaps longer than a trading week")
	}
	if len(recs) == 0 {
		recs = append(recs, "Data quality is acceptable")
	}

	return recs
}
