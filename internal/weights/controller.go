// Package weights adapts multi-factor scoring weights to the market environment.
// Every change produces a new versioned FactorWeightSet; previous sets are kept
// in an append-only history.
package weights

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/atlas-desktop/screener-backend/pkg/utils"
	"go.uber.org/zap"
)

// WeightStore persists the current weight set and its history
type WeightStore interface {
	SaveCurrentWeights(ctx context.Context, set types.FactorWeightSet) error
	LoadCurrentWeights(ctx context.Context) (*types.FactorWeightSet, error)
	AppendWeightHistory(ctx context.Context, set types.FactorWeightSet) error
	LoadWeightHistory(ctx context.Context, limit int) ([]types.FactorWeightSet, error)
}

// Config configures the controller
type Config struct {
	Base  map[types.FactorKind]float64 `mapstructure:"base"`
	Lower float64                      `mapstructure:"lower"`
	Upper float64                      `mapstructure:"upper"`

	// Deltas are applied on top of Base per environment, scaled by confidence
	Deltas map[types.EnvironmentKind]map[types.FactorKind]float64 `mapstructure:"deltas"`

	ScaleByConfidence bool `mapstructure:"scale_by_confidence"`
	MaxHistory        int  `mapstructure:"max_history"`
}

// DefaultConfig returns the standard base weights and regime deltas
func DefaultConfig() *Config {
	return &Config{
		Base: map[types.FactorKind]float64{
			types.FactorValue:     0.15,
			types.FactorGrowth:    0.15,
			types.FactorQuality:   0.15,
			types.FactorMomentum:  0.10,
			types.FactorDividend:  0.20,
			types.FactorTechnical: 0.15,
			types.FactorSentiment: 0.10,
		},
		Lower: 0.02,
		Upper: 0.40,
		Deltas: map[types.EnvironmentKind]map[types.FactorKind]float64{
			types.EnvironmentBull: {
				types.FactorValue:     -0.05,
				types.FactorGrowth:    0.10,
				types.FactorQuality:   -0.05,
				types.FactorMomentum:  0.10,
				types.FactorDividend:  -0.05,
				types.FactorSentiment: -0.05,
			},
			types.EnvironmentBear: {
				types.FactorValue:     0.05,
				types.FactorGrowth:    -0.10,
				types.FactorQuality:   0.10,
				types.FactorMomentum:  -0.05,
				types.FactorDividend:  0.05,
				types.FactorTechnical: -0.05,
			},
			types.EnvironmentSideways: {
				types.FactorDividend:  -0.05,
				types.FactorTechnical: 0.05,
			},
		},
		ScaleByConfidence: true,
		MaxHistory:        500,
	}
}

// Validate checks the base weights, bounds and deltas
func (c *Config) Validate() error {
	if c.Lower < 0 || c.Upper > 1 || c.Lower > c.Upper {
		return types.NewError(types.KindConfiguration, "weights", "bounds must satisfy 0 <= lower <= upper <= 1")
	}
	n := float64(len(types.AllFactors))
	if c.Lower*n > 1+types.WeightTolerance || c.Upper*n < 1-types.WeightTolerance {
		return types.NewError(types.KindConfiguration, "weights", "bounds cannot produce weights summing to 1")
	}
	if err := c.checkSet(c.Base, "base"); err != nil {
		return err
	}
	for env, deltas := range c.Deltas {
		for factor := range deltas {
			if _, ok := c.Base[factor]; !ok {
				return types.Errorf(types.KindConfiguration, "weights", "delta for unknown factor %q in %s", factor, env)
			}
		}
		for _, factor := range types.AllFactors {
			w := c.Base[factor] + deltas[factor]
			if w < c.Lower-types.WeightTolerance || w > c.Upper+types.WeightTolerance {
				return types.Errorf(types.KindConfiguration, "weights", "%s weight %.4f out of bounds in %s", factor, w, env)
			}
		}
	}
	return nil
}

// checkSet verifies a full weight map is within bounds and sums to 1
func (c *Config) checkSet(w map[types.FactorKind]float64, name string) error {
	if len(w) != len(types.AllFactors) {
		return types.Errorf(types.KindConfiguration, "weights", "%s must define all %d factors", name, len(types.AllFactors))
	}
	sum := 0.0
	for _, factor := range types.AllFactors {
		v, ok := w[factor]
		if !ok {
			return types.Errorf(types.KindConfiguration, "weights", "%s is missing factor %q", name, factor)
		}
		if !utils.IsFinite(v) || v < 0 {
			return types.Errorf(types.KindConfiguration, "weights", "%s weight for %s must be non-negative", name, factor)
		}
		if v < c.Lower-types.WeightTolerance || v > c.Upper+types.WeightTolerance {
			return types.Errorf(types.KindConfiguration, "weights", "%s weight for %s outside [%.2f, %.2f]", name, factor, c.Lower, c.Upper)
		}
		sum += v
	}
	if math.Abs(sum-1) > types.WeightTolerance {
		return types.Errorf(types.KindConfiguration, "weights", "%s weights sum to %.6f", name, sum)
	}
	return nil
}

// Controller owns the current weight set
type Controller struct {
	logger *zap.Logger
	config *Config
	store  WeightStore

	mu       sync.RWMutex
	current  types.FactorWeightSet
	history  []types.FactorWeightSet // recent superseded sets; the store keeps all
	override bool
	now      func() time.Time

	// persistMu is taken before mu is released so store writes follow version order
	persistMu sync.Mutex
}

// NewController validates the configuration and restores the persisted set when available
func NewController(logger *zap.Logger, config *Config, store WeightStore) (*Controller, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		logger:  logger.Named("weight-controller"),
		config:  config,
		store:   store,
		history: make([]types.FactorWeightSet, 0, 64),
		now:     time.Now,
	}
	c.current = types.FactorWeightSet{
		Version:   1,
		Weights:   copyWeights(config.Base),
		Regime:    types.EnvironmentUndefined,
		CreatedAt: c.now(),
	}

	if store != nil {
		ctx := context.Background()
		saved, err := store.LoadCurrentWeights(ctx)
		if err != nil {
			c.logger.Warn("failed to load persisted weights, using base", zap.Error(err))
		} else if saved != nil {
			if err := config.checkSet(saved.Weights, "persisted"); err != nil {
				c.logger.Warn("persisted weights invalid, using base", zap.Error(err))
			} else {
				c.current = saved.Clone()
				c.override = saved.Override
			}
		}
		if hist, err := store.LoadWeightHistory(ctx, config.MaxHistory); err == nil {
			c.history = append(c.history, hist...)
		}
	}

	return c, nil
}

// SetClock replaces the time source
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Target computes the bounded, normalized weights for an environment
func (c *Controller) Target(env types.MarketEnvironment) map[types.FactorKind]float64 {
	scale := 1.0
	if c.config.ScaleByConfidence {
		scale = utils.Clamp(env.Confidence, 0, 1)
	}

	deltas := c.config.Deltas[env.Kind]
	raw := make(map[types.FactorKind]float64, len(types.AllFactors))
	for _, factor := range types.AllFactors {
		raw[factor] = c.config.Base[factor] + deltas[factor]*scale
	}

	return Normalize(raw, c.config.Lower, c.config.Upper)
}

// Adjust moves the current weights to the target for env unless an override is active
func (c *Controller) Adjust(ctx context.Context, env types.MarketEnvironment) (types.FactorWeightSet, error) {
	target := c.Target(env)

	c.mu.Lock()
	if c.override {
		current := c.current.Clone()
		c.mu.Unlock()
		return current, nil
	}
	if sameWeights(c.current.Weights, target) && c.current.Regime == env.Kind {
		current := c.current.Clone()
		c.mu.Unlock()
		return current, nil
	}

	previous := c.current.Clone()
	next := types.FactorWeightSet{
		Version:   previous.Version + 1,
		Weights:   target,
		Regime:    env.Kind,
		CreatedAt: c.now(),
	}
	c.pushHistory(previous)
	c.current = next
	c.persistMu.Lock()
	c.mu.Unlock()

	c.logger.Info("factor weights adjusted",
		zap.String("regime", string(env.Kind)),
		zap.Float64("confidence", env.Confidence),
		zap.Int("version", next.Version),
	)

	return next.Clone(), c.persist(ctx, previous, next)
}

// SetOverride installs a manual weight set and suspends regime adjustment
func (c *Controller) SetOverride(ctx context.Context, weights map[types.FactorKind]float64) (types.FactorWeightSet, error) {
	if err := c.config.checkSet(weights, "override"); err != nil {
		return types.FactorWeightSet{}, err
	}

	c.mu.Lock()
	previous := c.current.Clone()
	next := types.FactorWeightSet{
		Version:   previous.Version + 1,
		Weights:   copyWeights(weights),
		Regime:    previous.Regime,
		Override:  true,
		CreatedAt: c.now(),
	}
	c.pushHistory(previous)
	c.current = next
	c.override = true
	c.persistMu.Lock()
	c.mu.Unlock()

	c.logger.Info("manual weight override installed", zap.Int("version", next.Version))

	return next.Clone(), c.persist(ctx, previous, next)
}

// ClearOverride resumes regime adjustment, restoring the base weights
func (c *Controller) ClearOverride(ctx context.Context) (types.FactorWeightSet, error) {
	c.mu.Lock()
	if !c.override {
		current := c.current.Clone()
		c.mu.Unlock()
		return current, nil
	}
	previous := c.current.Clone()
	next := types.FactorWeightSet{
		Version:   previous.Version + 1,
		Weights:   copyWeights(c.config.Base),
		Regime:    types.EnvironmentUndefined,
		CreatedAt: c.now(),
	}
	c.pushHistory(previous)
	c.current = next
	c.override = false
	c.persistMu.Lock()
	c.mu.Unlock()

	c.logger.Info("manual weight override cleared", zap.Int("version", next.Version))

	return next.Clone(), c.persist(ctx, previous, next)
}

// OverrideActive reports whether a manual override is installed
func (c *Controller) OverrideActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.override
}

// Current returns a copy of the current weight set
func (c *Controller) Current() types.FactorWeightSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Clone()
}

// History returns the most recent superseded sets, oldest first
func (c *Controller) History(limit int) []types.FactorWeightSet {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if limit <= 0 || limit > len(c.history) {
		limit = len(c.history)
	}

	result := make([]types.FactorWeightSet, limit)
	for i, set := range c.history[len(c.history)-limit:] {
		result[i] = set.Clone()
	}
	return result
}

// pushHistory appends to the in-memory view under c.mu, keeping the newest MaxHistory sets
func (c *Controller) pushHistory(set types.FactorWeightSet) {
	c.history = append(c.history, set)
	if c.config.MaxHistory > 0 && len(c.history) > c.config.MaxHistory {
		c.history = c.history[len(c.history)-c.config.MaxHistory:]
	}
}

// persist writes one transition; the caller holds c.persistMu
func (c *Controller) persist(ctx context.Context, previous, next types.FactorWeightSet) error {
	defer c.persistMu.Unlock()
	if c.store == nil {
		return nil
	}
	if err := c.store.AppendWeightHistory(ctx, previous); err != nil {
		return fmt.Errorf("failed to append weight history: %w", err)
	}
	if err := c.store.SaveCurrentWeights(ctx, next); err != nil {
		return fmt.Errorf("failed to save current weights: %w", err)
	}
	return nil
}

// Normalize clamps weights to [lower, upper] and rescales the free weights until they sum to 1
func Normalize(raw map[types.FactorKind]float64, lower, upper float64) map[types.FactorKind]float64 {
	w := make(map[types.FactorKind]float64, len(raw))
	for k, v := range raw {
		if !utils.IsFinite(v) {
			v = lower
		}
		w[k] = utils.Clamp(v, lower, upper)
	}

	for iter := 0; iter < 100; iter++ {
		sum := 0.0
		for _, v := range w {
			sum += v
		}
		residual := 1 - sum
		if math.Abs(residual) <= types.WeightTolerance/10 {
			break
		}

		free := 0.0
		for _, v := range w {
			if (residual > 0 && v < upper) || (residual < 0 && v > lower) {
				free += v
			}
		}
		if free == 0 {
			break
		}

		for k, v := range w {
			if (residual > 0 && v < upper) || (residual < 0 && v > lower) {
				w[k] = utils.Clamp(v+residual*v/free, lower, upper)
			}
		}
	}

	return w
}

func sameWeights(a, b map[types.FactorKind]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if math.Abs(v-b[k]) > 1e-9 {
			return false
		}
	}
	return true
}

func copyWeights(w map[types.FactorKind]float64) map[types.FactorKind]float64 {
	out := make(map[types.FactorKind]float64, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}
