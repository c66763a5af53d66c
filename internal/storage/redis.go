package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisStore keeps each environment date in its own list with a sorted date
// index per index code, stop states in a hash and the weight history in a list
type RedisStore struct {
	logger *zap.Logger
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(logger *zap.Logger, cfg types.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return NewRedisStoreWithClient(logger, client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(logger *zap.Logger, client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		logger: logger.Named("redis-store"),
		client: client,
		prefix: prefix,
	}
}

// Keys used by the store
func (s *RedisStore) EnvironmentKey(indexCode string) string { return s.prefix + envKey(indexCode) }
func (s *RedisStore) CurrentWeightsKey() string             { return s.prefix + "weights:current" }
func (s *RedisStore) WeightHistoryKey() string              { return s.prefix + "weights:history" }
func (s *RedisStore) StopsKey() string                      { return s.prefix + "stoploss" }

// EnvironmentDateKey is the list holding every record of one date
func (s *RedisStore) EnvironmentDateKey(indexCode, date string) string {
	return s.prefix + envDateKey(indexCode, date)
}

// dateScore maps YYYY-MM-DD onto a sortable YYYYMMDD score
func dateScore(date string) (float64, error) {
	score, err := strconv.ParseFloat(strings.ReplaceAll(date, "-", ""), 64)
	if err != nil || len(date) != len("2006-01-02") {
		return 0, types.Errorf(types.KindInvalidInput, "storage", "malformed record date %q", date)
	}
	return score, nil
}

// AppendEnvironment pushes the record onto its date list and indexes the date
func (s *RedisStore) AppendEnvironment(ctx context.Context, record types.EnvironmentRecord) error {
	score, err := dateScore(record.Date)
	if err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal environment: %w", err)
	}
	if err := s.client.RPush(ctx, s.EnvironmentDateKey(record.IndexCode, record.Date), string(data)).Err(); err != nil {
		return fmt.Errorf("failed to store environment: %w", err)
	}
	if err := s.client.ZAdd(ctx, s.EnvironmentKey(record.IndexCode), &redis.Z{Score: score, Member: record.Date}).Err(); err != nil {
		return fmt.Errorf("failed to index environment date: %w", err)
	}
	return nil
}

// LoadEnvironment returns every record of one date in append order, or nil
func (s *RedisStore) LoadEnvironment(ctx context.Context, indexCode, date string) ([]types.EnvironmentRecord, error) {
	return s.loadDate(ctx, indexCode, date)
}

// EnvironmentRange returns the records dated within [from, to], oldest first
func (s *RedisStore) EnvironmentRange(ctx context.Context, indexCode string, from, to time.Time) ([]types.EnvironmentRecord, error) {
	dates, err := s.client.ZRangeByScore(ctx, s.EnvironmentKey(indexCode), &redis.ZRangeBy{
		Min: from.Format("20060102"),
		Max: to.Format("20060102"),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load environment dates: %w", err)
	}

	records := make([]types.EnvironmentRecord, 0, len(dates))
	for _, date := range dates {
		day, err := s.loadDate(ctx, indexCode, date)
		if err != nil {
			return nil, err
		}
		records = append(records, day...)
	}
	return records, nil
}

func (s *RedisStore) loadDate(ctx context.Context, indexCode, date string) ([]types.EnvironmentRecord, error) {
	raws, err := s.client.LRange(ctx, s.EnvironmentDateKey(indexCode, date), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var records []types.EnvironmentRecord
	for _, raw := range raws {
		var r types.EnvironmentRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.logger.Warn("skipping unreadable environment record", zap.String("date", date), zap.Error(err))
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// SaveCurrentWeights replaces the current weight set
func (s *RedisStore) SaveCurrentWeights(ctx context.Context, set types.FactorWeightSet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	if err := s.client.Set(ctx, s.CurrentWeightsKey(), string(data), 0).Err(); err != nil {
		return fmt.Errorf("failed to store weights: %w", err)
	}
	return nil
}

// LoadCurrentWeights returns the current weight set, or nil
func (s *RedisStore) LoadCurrentWeights(ctx context.Context) (*types.FactorWeightSet, error) {
	raw, err := s.client.Get(ctx, s.CurrentWeightsKey()).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}

	var set types.FactorWeightSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return nil, fmt.Errorf("failed to parse weights: %w", err)
	}
	return &set, nil
}

// AppendWeightHistory pushes a superseded set onto the history list
func (s *RedisStore) AppendWeightHistory(ctx context.Context, set types.FactorWeightSet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	if err := s.client.RPush(ctx, s.WeightHistoryKey(), string(data)).Err(); err != nil {
		return fmt.Errorf("failed to append weight history: %w", err)
	}
	return nil
}

// LoadWeightHistory returns up to limit of the newest sets, oldest first
func (s *RedisStore) LoadWeightHistory(ctx context.Context, limit int) ([]types.FactorWeightSet, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raws, err := s.client.LRange(ctx, s.WeightHistoryKey(), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load weight history: %w", err)
	}

	history := make([]types.FactorWeightSet, 0, len(raws))
	for _, raw := range raws {
		var set types.FactorWeightSet
		if err := json.Unmarshal([]byte(raw), &set); err != nil {
			s.logger.Warn("skipping unreadable weight set", zap.Error(err))
			continue
		}
		history = append(history, set)
	}
	return history, nil
}

// SaveStopState writes one symbol's stop state
func (s *RedisStore) SaveStopState(ctx context.Context, state types.StopLossState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal stop state: %w", err)
	}
	if err := s.client.HSet(ctx, s.StopsKey(), state.Symbol, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to store stop state: %w", err)
	}
	return nil
}

// LoadStopStates returns every stored stop state ordered by symbol
func (s *RedisStore) LoadStopStates(ctx context.Context) ([]types.StopLossState, error) {
	all, err := s.client.HGetAll(ctx, s.StopsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load stop states: %w", err)
	}

	out := make([]types.StopLossState, 0, len(all))
	for symbol, raw := range all {
		var st types.StopLossState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			s.logger.Warn("skipping unreadable stop state", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// DeleteStopState removes one symbol's stop state
func (s *RedisStore) DeleteStopState(ctx context.Context, symbol string) error {
	if err := s.client.HDel(ctx, s.StopsKey(), symbol).Err(); err != nil {
		return fmt.Errorf("failed to delete stop state: %w", err)
	}
	return nil
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
