package regime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/screener-backend/pkg/types"
	"go.uber.org/zap"
)

// HistoryStore persists the append-only environment history. Several records
// may share a date.
type HistoryStore interface {
	AppendEnvironment(ctx context.Context, record types.EnvironmentRecord) error
	LoadEnvironment(ctx context.Context, indexCode, date string) ([]types.EnvironmentRecord, error)
	EnvironmentRange(ctx context.Context, indexCode string, from, to time.Time) ([]types.EnvironmentRecord, error)
}

// Transition describes a change of environment kind between two observations
type Transition struct {
	IndexCode string                  `json:"indexCode"`
	Previous  types.MarketEnvironment `json:"previous"`
	Current   types.MarketEnvironment `json:"current"`
}

// InvolvesBear reports whether either side of the transition is a bear market
func (t Transition) InvolvesBear() bool {
	return t.Previous.Kind == types.EnvironmentBear || t.Current.Kind == types.EnvironmentBear
}

// Message renders the transition for alerts
func (t Transition) Message() string {
	return fmt.Sprintf("market environment changed from %s to %s (confidence %.2f)",
		t.Previous.Kind, t.Current.Kind, t.Current.Confidence)
}

// Statistics summarizes the observed environments
type Statistics struct {
	CurrentKind       types.EnvironmentKind             `json:"currentKind"`
	CurrentConfidence float64                           `json:"currentConfidence"`
	Counts            map[types.EnvironmentKind]int     `json:"counts"`
	Percentages       map[types.EnvironmentKind]float64 `json:"percentages"`
	Transitions       int                               `json:"transitions"`
	TotalObservations int                               `json:"totalObservations"`
}

// Tracker keeps the classification history and detects environment changes
type Tracker struct {
	logger     *zap.Logger
	classifier *Classifier
	store      HistoryStore
	maxHistory int

	mu          sync.RWMutex
	current     *types.EnvironmentRecord
	history     []types.EnvironmentRecord
	transitions int
}

// NewTracker creates a tracker; store may be nil
func NewTracker(logger *zap.Logger, classifier *Classifier, store HistoryStore) *Tracker {
	return &Tracker{
		logger:     logger.Named("regime-tracker"),
		classifier: classifier,
		store:      store,
		maxHistory: 1000,
		history:    make([]types.EnvironmentRecord, 0, 64),
	}
}

// Observe classifies the snapshot, records it and reports a transition when the kind changed.
// A store failure is returned alongside a valid environment.
func (t *Tracker) Observe(ctx context.Context, data MarketData) (types.MarketEnvironment, *Transition, error) {
	env := t.classifier.Classify(data)
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	record := types.EnvironmentRecord{
		Date:        types.DateKey(env.Timestamp),
		IndexCode:   data.IndexCode,
		Environment: env,
	}

	t.mu.Lock()
	var transition *Transition
	if t.current != nil && t.current.Environment.Kind != env.Kind {
		transition = &Transition{
			IndexCode: data.IndexCode,
			Previous:  t.current.Environment,
			Current:   env,
		}
		t.transitions++
	}
	t.current = &record
	t.history = append(t.history, record)
	if len(t.history) > t.maxHistory {
		t.history = t.history[len(t.history)-t.maxHistory/2:]
	}
	t.mu.Unlock()

	if transition != nil {
		t.logger.Info("market environment changed",
			zap.String("index", data.IndexCode),
			zap.String("from", string(transition.Previous.Kind)),
			zap.String("to", string(env.Kind)),
			zap.Float64("confidence", env.Confidence),
		)
	}

	if t.store != nil {
		if err := t.store.AppendEnvironment(ctx, record); err != nil {
			return env, transition, fmt.Errorf("failed to persist environment: %w", err)
		}
	}

	return env, transition, nil
}

// Restore loads the last days of history for an index from the store
func (t *Tracker) Restore(ctx context.Context, indexCode string, days int, now time.Time) error {
	if t.store == nil {
		return nil
	}
	records, err := t.store.EnvironmentRange(ctx, indexCode, now.AddDate(0, 0, -days), now)
	if err != nil {
		return fmt.Errorf("failed to load environment history: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = append(make([]types.EnvironmentRecord, 0, len(records)), records...)
	if len(records) > 0 {
		last := records[len(records)-1]
		t.current = &last
	}

	t.logger.Info("restored environment history",
		zap.String("index", indexCode),
		zap.Int("records", len(records)),
	)
	return nil
}

// Current returns the latest environment, if any
func (t *Tracker) Current() (types.MarketEnvironment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.current == nil {
		return types.MarketEnvironment{Kind: types.EnvironmentUndefined}, false
	}
	return t.current.Environment, true
}

// History returns the most recent records, oldest first
func (t *Tracker) History(limit int) []types.EnvironmentRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}

	result := make([]types.EnvironmentRecord, limit)
	copy(result, t.history[len(t.history)-limit:])
	return result
}

// Stats returns environment statistics
func (t *Tracker) Stats() Statistics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := Statistics{
		Counts:      make(map[types.EnvironmentKind]int),
		Percentages: make(map[types.EnvironmentKind]float64),
		Transitions: t.transitions,
		CurrentKind: types.EnvironmentUndefined,
	}

	for _, rec := range t.history {
		stats.Counts[rec.Environment.Kind]++
		stats.TotalObservations++
	}
	if stats.TotalObservations > 0 {
		for kind, count := range stats.Counts {
			stats.Percentages[kind] = float64(count) / float64(stats.TotalObservations)
		}
	}
	if t.current != nil {
		stats.CurrentKind = t.current.Environment.Kind
		stats.CurrentConfidence = t.current.Environment.Confidence
	}

	return stats
}
