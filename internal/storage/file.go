package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/screener-backend/pkg/types"
	"go.uber.org/zap"
)

// FileStore keeps each collection in one JSON file under a directory
type FileStore struct {
	mu     sync.RWMutex
	logger *zap.Logger
	dir    string
}

// NewFileStore creates a file store rooted at dir
func NewFileStore(logger *zap.Logger, dir string) (*FileStore, error) {
	for _, sub := range []string{"environment", "weights", "stoploss"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	return &FileStore{
		logger: logger.Named("file-store"),
		dir:    dir,
	}, nil
}

// AppendEnvironment appends the record to its index history. Records sharing
// a date are all kept in append order.
func (s *FileStore) AppendEnvironment(_ context.Context, record types.EnvironmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadEnvironments(record.IndexCode)
	if err != nil {
		return err
	}
	records = append(records, record)
	return s.writeJSON(s.envPath(record.IndexCode), records)
}

// LoadEnvironment returns every record of one date in append order, or nil
func (s *FileStore) LoadEnvironment(_ context.Context, indexCode, date string) ([]types.EnvironmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := s.loadEnvironments(indexCode)
	if err != nil {
		return nil, err
	}
	var out []types.EnvironmentRecord
	for _, r := range records {
		if r.Date == date {
			out = append(out, r)
		}
	}
	return out, nil
}

// EnvironmentRange returns the records dated within [from, to], oldest first
func (s *FileStore) EnvironmentRange(_ context.Context, indexCode string, from, to time.Time) ([]types.EnvironmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := s.loadEnvironments(indexCode)
	if err != nil {
		return nil, err
	}
	sortRecords(records)
	return filterRange(records, from, to), nil
}

// SaveCurrentWeights replaces the current weight set
func (s *FileStore) SaveCurrentWeights(_ context.Context, set types.FactorWeightSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.dir, "weights", "current.json"), set)
}

// LoadCurrentWeights returns the current weight set, or nil
func (s *FileStore) LoadCurrentWeights(_ context.Context) (*types.FactorWeightSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var set types.FactorWeightSet
	ok, err := s.readJSON(filepath.Join(s.dir, "weights", "current.json"), &set)
	if err != nil || !ok {
		return nil, err
	}
	return &set, nil
}

// AppendWeightHistory adds a superseded set to the history
func (s *FileStore) AppendWeightHistory(_ context.Context, set types.FactorWeightSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "weights", "history.json")
	var history []types.FactorWeightSet
	if _, err := s.readJSON(path, &history); err != nil {
		return err
	}
	history = append(history, set)
	return s.writeJSON(path, history)
}

// LoadWeightHistory returns up to limit of the newest sets, oldest first
func (s *FileStore) LoadWeightHistory(_ context.Context, limit int) ([]types.FactorWeightSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var history []types.FactorWeightSet
	if _, err := s.readJSON(filepath.Join(s.dir, "weights", "history.json"), &history); err != nil {
		return nil, err
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	if history == nil {
		history = []types.FactorWeightSet{}
	}
	return history, nil
}

// SaveStopState writes one symbol's stop state
func (s *FileStore) SaveStopState(_ context.Context, state types.StopLossState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, err := s.loadStops()
	if err != nil {
		return err
	}
	states[state.Symbol] = state
	return s.writeJSON(s.stopsPath(), states)
}

// LoadStopStates returns every stored stop state ordered by symbol
func (s *FileStore) LoadStopStates(_ context.Context) ([]types.StopLossState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states, err := s.loadStops()
	if err != nil {
		return nil, err
	}
	out := make([]types.StopLossState, 0, len(states))
	for _, st := range states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// DeleteStopState removes one symbol's stop state
func (s *FileStore) DeleteStopState(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, err := s.loadStops()
	if err != nil {
		return err
	}
	delete(states, symbol)
	return s.writeJSON(s.stopsPath(), states)
}

// Close is a no-op for the file store
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) envPath(indexCode string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(indexCode)
	return filepath.Join(s.dir, "environment", safe+".json")
}

func (s *FileStore) stopsPath() string {
	return filepath.Join(s.dir, "stoploss", "states.json")
}

// loadEnvironments returns the stored history of an index in append order
func (s *FileStore) loadEnvironments(indexCode string) ([]types.EnvironmentRecord, error) {
	var list []types.EnvironmentRecord
	if _, err := s.readJSON(s.envPath(indexCode), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *FileStore) loadStops() (map[string]types.StopLossState, error) {
	states := make(map[string]types.StopLossState)
	if _, err := s.readJSON(s.stopsPath(), &states); err != nil {
		return nil, err
	}
	return states, nil
}

// readJSON reports false without error when the file does not exist
func (s *FileStore) readJSON(path string, v any) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// writeJSON replaces path atomically
func (s *FileStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// sortRecords orders by date and keeps append order within a date
func sortRecords(records []types.EnvironmentRecord) {
	sort.SliceStable(records, func(i, j int) bool { return records[i].Date < records[j].Date })
}

func filterRange(records []types.EnvironmentRecord, from, to time.Time) []types.EnvironmentRecord {
	lo, hi := types.DateKey(from), types.DateKey(to)
	out := make([]types.EnvironmentRecord, 0, len(records))
	for _, r := range records {
		if r.Date >= lo && r.Date <= hi {
			out = append(out, r)
		}
	}
	return out
}
