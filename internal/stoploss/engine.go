// Package stoploss runs a trailing stop per position.
// A stop only ever rises with new highs; once triggered it stays triggered
// until the position is closed or re-opened.
package stoploss

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/screener-backend/internal/workers"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Errors
var (
	ErrPositionActive   = errors.New("an active stop already exists for symbol")
	ErrPositionNotFound = errors.New("no stop exists for symbol")
)

// StateStore persists stop states
type StateStore interface {
	SaveStopState(ctx context.Context, state types.StopLossState) error
	LoadStopStates(ctx context.Context) ([]types.StopLossState, error)
	DeleteStopState(ctx context.Context, symbol string) error
}

// Config configures trail percentages per strategy
type Config struct {
	Trails          map[types.StopStrategy]decimal.Decimal `mapstructure:"trails"`
	DefaultStrategy types.StopStrategy                     `mapstructure:"default_strategy"`
}

// DefaultConfig returns the standard trail percentages
func DefaultConfig() *Config {
	return &Config{
		Trails: map[types.StopStrategy]decimal.Decimal{
			types.StrategyConservative: decimal.NewFromFloat(0.05),
			types.StrategyBalanced:     decimal.NewFromFloat(0.08),
			types.StrategyAggressive:   decimal.NewFromFloat(0.12),
		},
		DefaultStrategy: types.StrategyBalanced,
	}
}

// Validate checks every trail is inside (0, 1)
func (c *Config) Validate() error {
	one := decimal.NewFromInt(1)
	for _, s := range []types.StopStrategy{types.StrategyConservative, types.StrategyBalanced, types.StrategyAggressive} {
		trail, ok := c.Trails[s]
		if !ok {
			return types.Errorf(types.KindConfiguration, "stoploss", "missing trail for %s", s)
		}
		if !trail.IsPositive() || trail.GreaterThanOrEqual(one) {
			return types.Errorf(types.KindConfiguration, "stoploss", "trail for %s must be in (0, 1), got %s", s, trail)
		}
	}
	if _, ok := c.Trails[c.DefaultStrategy]; !ok {
		return types.Errorf(types.KindConfiguration, "stoploss", "unknown default strategy %q", c.DefaultStrategy)
	}
	return nil
}

// position guards one symbol's state. A closed position is detached from
// the engine and must not be saved again.
type position struct {
	mu     sync.Mutex
	state  types.StopLossState
	closed bool
}

// Engine holds the stop state of every tracked position
type Engine struct {
	logger *zap.Logger
	config *Config
	store  StateStore
	pool   *workers.Pool

	mu        sync.RWMutex
	positions map[string]*position
	now       func() time.Time
}

// NewEngine creates a stop-loss engine; store may be nil
func NewEngine(logger *zap.Logger, config *Config, store StateStore) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{
		logger:    logger.Named("stoploss"),
		config:    config,
		store:     store,
		positions: make(map[string]*position),
		now:       time.Now,
	}
}

// SetPool sets the worker pool used by EvaluateAll
func (e *Engine) SetPool(pool *workers.Pool) {
	e.pool = pool
}

// SetClock replaces the time source
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Open starts a trailing stop at entryPrice. A triggered stop is replaced; an active one is an error.
func (e *Engine) Open(ctx context.Context, symbol string, strategy types.StopStrategy, entryPrice decimal.Decimal) (types.StopLossState, error) {
	if symbol == "" {
		return types.StopLossState{}, types.NewError(types.KindInvalidInput, "stoploss", "empty symbol")
	}
	if !entryPrice.IsPositive() {
		return types.StopLossState{}, types.Errorf(types.KindInvalidInput, "stoploss", "entry price must be positive, got %s", entryPrice)
	}
	if strategy == "" {
		strategy = e.config.DefaultStrategy
	}
	trail, ok := e.config.Trails[strategy]
	if !ok {
		return types.StopLossState{}, types.Errorf(types.KindInvalidInput, "stoploss", "unknown strategy %q", strategy)
	}

	var pos *position
	var exists bool
	for {
		e.mu.Lock()
		pos, exists = e.positions[symbol]
		if !exists {
			pos = &position{}
			e.positions[symbol] = pos
		}
		e.mu.Unlock()

		pos.mu.Lock()
		if !pos.closed {
			break
		}
		// closed between lookup and lock; the map no longer holds it
		pos.mu.Unlock()
	}
	defer pos.mu.Unlock()

	if exists && pos.state.Status == types.StopActive {
		return pos.state, fmt.Errorf("%s: %w", symbol, ErrPositionActive)
	}

	now := e.now()
	pos.state = types.StopLossState{
		Symbol:       symbol,
		Strategy:     strategy,
		TrailPct:     trail,
		EntryPrice:   entryPrice,
		HighestPrice: entryPrice,
		StopPrice:    stopFor(entryPrice, trail),
		Status:       types.StopActive,
		LastTick:     entryPrice,
		OpenedAt:     now,
		UpdatedAt:    now,
	}

	e.logger.Info("stop opened",
		zap.String("symbol", symbol),
		zap.String("strategy", string(strategy)),
		zap.String("entry", entryPrice.String()),
		zap.String("stop", pos.state.StopPrice.String()),
	)

	return pos.state, e.save(ctx, pos.state)
}

// Update applies one price tick to a position
func (e *Engine) Update(ctx context.Context, symbol string, price decimal.Decimal) (types.StopDecision, error) {
	if !price.IsPositive() {
		return types.StopDecision{}, types.Errorf(types.KindInvalidInput, "stoploss", "price must be positive, got %s", price)
	}

	e.mu.RLock()
	pos, ok := e.positions[symbol]
	e.mu.RUnlock()
	if !ok {
		return types.StopDecision{}, fmt.Errorf("%s: %w", symbol, ErrPositionNotFound)
	}

	pos.mu.Lock()
	defer pos.mu.Unlock()

	if pos.closed {
		return types.StopDecision{}, fmt.Errorf("%s: %w", symbol, ErrPositionNotFound)
	}

	state := &pos.state
	if state.Status == types.StopTriggered {
		state.LastTick = price
		return types.StopDecision{
			Symbol:    symbol,
			Action:    types.ActionHold,
			Price:     price,
			StopPrice: state.StopPrice,
			Reason:    "triggered",
		}, nil
	}

	changed := false
	if price.GreaterThan(state.HighestPrice) {
		state.HighestPrice = price
		if next := stopFor(price, state.TrailPct); next.GreaterThan(state.StopPrice) {
			state.StopPrice = next
		}
		changed = true
	}

	decision := types.StopDecision{
		Symbol:    symbol,
		Action:    types.ActionHold,
		Price:     price,
		StopPrice: state.StopPrice,
	}

	if price.LessThanOrEqual(state.StopPrice) {
		now := e.now()
		state.Status = types.StopTriggered
		state.TriggerPrice = price
		state.TriggeredAt = &now
		decision.Action = types.ActionSell
		decision.Reason = fmt.Sprintf("price %s at or below stop %s", price, state.StopPrice)
		changed = true

		e.logger.Warn("stop triggered",
			zap.String("symbol", symbol),
			zap.String("price", price.String()),
			zap.String("stop", state.StopPrice.String()),
			zap.String("highest", state.HighestPrice.String()),
		)
	}

	state.LastTick = price
	state.UpdatedAt = e.now()

	if changed {
		if err := e.save(ctx, *state); err != nil {
			return decision, err
		}
	}
	return decision, nil
}

// EvaluateAll applies one tick per quoted symbol on the worker pool
func (e *Engine) EvaluateAll(ctx context.Context, quotes map[string]decimal.Decimal) ([]types.StopDecision, *types.BatchReport) {
	report := types.NewBatchReport()

	symbols := make([]string, 0, len(quotes))
	for symbol := range quotes {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	results := workers.Map(ctx, e.pool, symbols, func(symbol string) (types.StopDecision, error) {
		return e.Update(ctx, symbol, quotes[symbol])
	})

	decisions := make([]types.StopDecision, 0, len(symbols))
	for i, r := range results {
		symbol := symbols[i]
		if r.Err != nil {
			if errors.Is(r.Err, ErrPositionNotFound) {
				continue
			}
			// a persistence failure still carries a decision
			if r.Value.Symbol != "" {
				decisions = append(decisions, r.Value)
				report.Degrade(symbol, r.Err)
				continue
			}
			report.Skip(symbol, r.Err)
			continue
		}
		decisions = append(decisions, r.Value)
		report.Succeed(symbol)
	}
	report.Normalize()

	return decisions, report
}

// Close stops tracking a symbol. The position lock is held across the store
// delete so an in-flight Update cannot save the state back.
func (e *Engine) Close(ctx context.Context, symbol string) error {
	e.mu.Lock()
	pos, ok := e.positions[symbol]
	delete(e.positions, symbol)
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", symbol, ErrPositionNotFound)
	}

	pos.mu.Lock()
	defer pos.mu.Unlock()
	pos.closed = true

	if e.store != nil {
		if err := e.store.DeleteStopState(ctx, symbol); err != nil {
			return fmt.Errorf("failed to delete stop state: %w", err)
		}
	}
	e.logger.Info("stop closed", zap.String("symbol", symbol))
	return nil
}

// Get returns a copy of one symbol's state
func (e *Engine) Get(symbol string) (types.StopLossState, bool) {
	e.mu.RLock()
	pos, ok := e.positions[symbol]
	e.mu.RUnlock()
	if !ok {
		return types.StopLossState{}, false
	}

	pos.mu.Lock()
	defer pos.mu.Unlock()
	return pos.state, true
}

// States returns every tracked state ordered by symbol
func (e *Engine) States() []types.StopLossState {
	e.mu.RLock()
	symbols := make([]string, 0, len(e.positions))
	for symbol := range e.positions {
		symbols = append(symbols, symbol)
	}
	e.mu.RUnlock()
	sort.Strings(symbols)

	states := make([]types.StopLossState, 0, len(symbols))
	for _, symbol := range symbols {
		if state, ok := e.Get(symbol); ok {
			states = append(states, state)
		}
	}
	return states
}

// Restore loads persisted states, replacing any in memory
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	states, err := e.store.LoadStopStates(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load stop states: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range states {
		e.positions[s.Symbol] = &position{state: s}
	}

	e.logger.Info("restored stop states", zap.Int("count", len(states)))
	return len(states), nil
}

func (e *Engine) save(ctx context.Context, state types.StopLossState) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveStopState(ctx, state); err != nil {
		e.logger.Error("failed to persist stop state", zap.String("symbol", state.Symbol), zap.Error(err))
		return fmt.Errorf("failed to persist stop state: %w", err)
	}
	return nil
}

func stopFor(price, trail decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(1).Sub(trail))
}
