// Package storage persists environment history, factor weights and stop-loss
// state to disk or Redis. Histories are append-only. Absent records load as
// nil without an error.
package storage

import (
	"fmt"

	"github.com/atlas-desktop/screener-backend/internal/regime"
	"github.com/atlas-desktop/screener-backend/internal/stoploss"
	"github.com/atlas-desktop/screener-backend/internal/weights"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"go.uber.org/zap"
)

// Store is every persistence contract of the engine
type Store interface {
	regime.HistoryStore
	stoploss.StateStore
	weights.WeightStore
	Close() error
}

// Backend names
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// New opens the configured backend
func New(logger *zap.Logger, cfg types.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case BackendFile, "":
		return NewFileStore(logger, cfg.DataDir)
	case BackendRedis:
		return NewRedisStore(logger, cfg.Redis)
	}
	return nil, types.Errorf(types.KindConfiguration, "storage", "unknown backend %q", cfg.Backend)
}

func envKey(indexCode string) string {
	return fmt.Sprintf("env:%s", indexCode)
}

func envDateKey(indexCode, date string) string {
	return fmt.Sprintf("env:%s:%s", indexCode, date)
}
