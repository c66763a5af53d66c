// Package monitor runs assessment cycles periodically during trading hours.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/screener-backend/internal/engine"
	"github.com/atlas-desktop/screener-backend/internal/metrics"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/atlas-desktop/screener-backend/pkg/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning is returned by Start on a running scheduler
	ErrAlreadyRunning = errors.New("scheduler already running")
	// ErrBusy is returned when a cycle is already in progress
	ErrBusy = errors.New("assessment cycle already in progress")
)

// Runner executes one assessment cycle
type Runner interface {
	RunCycle(ctx context.Context) (*engine.CycleReport, error)
}

// Config configures the scheduler
type Config struct {
	Interval         time.Duration `mapstructure:"interval"`
	TradingHoursOnly bool          `mapstructure:"trading_hours_only"`
	TimeZone         string        `mapstructure:"time_zone"`
	Sessions         []Session     `mapstructure:"sessions"`
	CycleTimeout     time.Duration `mapstructure:"cycle_timeout"`
}

// DefaultConfig checks every 30 minutes during exchange hours
func DefaultConfig() *Config {
	return &Config{
		Interval:         30 * time.Minute,
		TradingHoursOnly: true,
		TimeZone:         "Asia/Shanghai",
		Sessions:         DefaultSessions(),
		CycleTimeout:     5 * time.Minute,
	}
}

// Validate checks the interval and calendar
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return types.NewError(types.KindConfiguration, "monitor", "interval must be positive")
	}
	if c.CycleTimeout < 0 {
		return types.NewError(types.KindConfiguration, "monitor", "cycle_timeout must not be negative")
	}
	_, err := NewCalendar(c.TimeZone, c.Sessions)
	return err
}

// Outcome is the result of one scheduled check
type Outcome string

const (
	OutcomeRan       Outcome = "ran"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeOutOfHour Outcome = "out_of_hours"
)

// SessionStats summarizes one monitoring session
type SessionStats struct {
	SessionID       string        `json:"sessionId"`
	StartedAt       time.Time     `json:"startedAt"`
	StoppedAt       time.Time     `json:"stoppedAt,omitempty"`
	Running         bool          `json:"running"`
	ChecksPerformed int64         `json:"checksPerformed"`
	CyclesRun       int64         `json:"cyclesRun"`
	CyclesFailed    int64         `json:"cyclesFailed"`
	CyclesSkipped   int64         `json:"cyclesSkipped"`
	OutOfHours      int64         `json:"outOfHours"`
	LastCheck       time.Time     `json:"lastCheck,omitempty"`
	LastDuration    time.Duration `json:"lastDuration"`
	LastError       string        `json:"lastError,omitempty"`
}

// Scheduler triggers cycles on a ticker, skipping a tick while a cycle runs
type Scheduler struct {
	logger   *zap.Logger
	config   *Config
	runner   Runner
	calendar *Calendar
	metrics  *metrics.Registry

	busy    atomic.Bool
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stats   SessionStats
	now     func() time.Time
	onCycle func(*engine.CycleReport)
}

// NewScheduler validates the configuration and builds the calendar
func NewScheduler(logger *zap.Logger, config *Config, runner Runner) (*Scheduler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	calendar, err := NewCalendar(config.TimeZone, config.Sessions)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		logger:   logger.Named("monitor"),
		config:   config,
		runner:   runner,
		calendar: calendar,
		now:      time.Now,
	}, nil
}

// SetMetrics records skipped cycles on the registry
func (s *Scheduler) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

// OnCycle registers a callback invoked after every successful cycle
func (s *Scheduler) OnCycle(fn func(*engine.CycleReport)) {
	s.mu.Lock()
	s.onCycle = fn
	s.mu.Unlock()
}

// SetClock replaces the time source used by the trading-hours gate
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Calendar returns the trading calendar
func (s *Scheduler) Calendar() *Calendar {
	return s.calendar
}

// Start begins a new monitoring session
func (s *Scheduler) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyRunning
	}

	s.mu.Lock()
	s.stats = SessionStats{
		SessionID: uuid.New().String(),
		StartedAt: s.now(),
		Running:   true,
	}
	s.mu.Unlock()
	s.stopCh = make(chan struct{})

	s.logger.Info("monitoring started",
		zap.String("interval", utils.FormatDuration(s.config.Interval)),
		zap.Bool("tradingHoursOnly", s.config.TradingHoursOnly),
		zap.String("timeZone", s.config.TimeZone),
	)

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop ends the session and waits for in-flight cycles
func (s *Scheduler) Stop() {
	if !s.running.Swap(false) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	s.stats.Running = false
	s.stats.StoppedAt = s.now()
	s.mu.Unlock()

	s.logger.Info("monitoring stopped")
}

// IsRunning reports whether a session is active
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Busy reports whether a cycle is in progress
func (s *Scheduler) Busy() bool {
	return s.busy.Load()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.Tick(ctx)
			}()
		}
	}
}

// Tick performs one scheduled check
func (s *Scheduler) Tick(ctx context.Context) Outcome {
	now := s.now()

	s.mu.Lock()
	s.stats.LastCheck = now
	s.mu.Unlock()

	if s.config.TradingHoursOnly && !s.calendar.IsTradingTime(now) {
		s.mu.Lock()
		s.stats.OutOfHours++
		s.mu.Unlock()
		s.logger.Debug("outside trading hours, skipping check",
			zap.Time("next", s.calendar.NextSessionStart(now)))
		return OutcomeOutOfHour
	}

	if _, err := s.run(ctx); err != nil {
		if errors.Is(err, ErrBusy) {
			return OutcomeSkipped
		}
		return OutcomeFailed
	}
	return OutcomeRan
}

// RunNow runs a cycle immediately, ignoring trading hours
func (s *Scheduler) RunNow(ctx context.Context) (*engine.CycleReport, error) {
	return s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) (*engine.CycleReport, error) {
	if !s.busy.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.stats.CyclesSkipped++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordCycle("skipped")
		}
		s.logger.Warn("previous cycle still running, skipping")
		return nil, ErrBusy
	}
	defer s.busy.Store(false)

	if s.config.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.CycleTimeout)
		defer cancel()
	}

	start := time.Now()
	report, err := s.runner.RunCycle(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	s.stats.ChecksPerformed++
	s.stats.LastDuration = elapsed
	if err != nil {
		s.stats.CyclesFailed++
		s.stats.LastError = err.Error()
	} else {
		s.stats.CyclesRun++
		s.stats.LastError = ""
	}
	onCycle := s.onCycle
	s.mu.Unlock()

	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordCycle("failed")
		}
		s.logger.Error("assessment cycle failed", zap.Error(err))
		return nil, err
	}
	if onCycle != nil {
		onCycle(report)
	}
	return report, nil
}

// Stats returns a copy of the session statistics
func (s *Scheduler) Stats() SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
