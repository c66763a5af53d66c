package monitor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/screener-backend/internal/engine"
	"github.com/atlas-desktop/screener-backend/internal/metrics"
	"github.com/atlas-desktop/screener-backend/internal/monitor"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int64
	err     error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) RunCycle(ctx context.Context) (*engine.CycleReport, error) {
	r.calls.Add(1)
	r.started <- struct{}{}
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return &engine.CycleReport{ID: "cycle"}, nil
}

type instantRunner struct {
	calls atomic.Int64
	err   error
}

func (r *instantRunner) RunCycle(context.Context) (*engine.CycleReport, error) {
	r.calls.Add(1)
	return &engine.CycleReport{ID: "cycle"}, r.err
}

func shanghai(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Skipf("time zone data unavailable: %v", err)
	}
	return loc
}

func TestCalendarTradingTime(t *testing.T) {
	loc := shanghai(t)
	cal, err := monitor.NewCalendar("Asia/Shanghai", monitor.DefaultSessions())
	if err != nil {
		t.Fatalf("NewCalendar failed: %v", err)
	}

	// 2024-03-15 is a Friday
	at := func(day, hour, minute int) time.Time {
		return time.Date(2024, 3, day, hour, minute, 0, 0, loc)
	}
	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"before open", at(15, 9, 29), false},
		{"open", at(15, 9, 30), true},
		{"morning", at(15, 10, 45), true},
		{"lunch", at(15, 12, 0), false},
		{"afternoon", at(15, 13, 0), true},
		{"close inclusive", at(15, 15, 0), true},
		{"after close", at(15, 15, 1), false},
		{"saturday", at(16, 10, 0), false},
		{"sunday", at(17, 10, 0), false},
	}
	for _, tc := range cases {
		if got := cal.IsTradingTime(tc.t); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}

	// UTC instants are converted to the exchange zone
	if !cal.IsTradingTime(time.Date(2024, 3, 15, 2, 0, 0, 0, time.UTC)) {
		t.Error("02:00 UTC is 10:00 in Shanghai and should be trading time")
	}

	next := cal.NextSessionStart(at(15, 16, 0))
	if !next.Equal(at(18, 9, 30)) {
		t.Errorf("Expected Monday 09:30, got %v", next)
	}
	next = cal.NextSessionStart(at(15, 11, 45))
	if !next.Equal(at(15, 13, 0)) {
		t.Errorf("Expected 13:00 same day, got %v", next)
	}

	days := cal.TradingDays(at(15, 0, 0), at(18, 23, 0))
	if len(days) != 2 {
		t.Errorf("Expected Friday and Monday, got %v", days)
	}
}

func TestCalendarRejectsBadSessions(t *testing.T) {
	if _, err := monitor.NewCalendar("Mars/Olympus", monitor.DefaultSessions()); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Expected configuration error for unknown zone, got %v", err)
	}
	if _, err := monitor.NewCalendar("UTC", []monitor.Session{{Start: "15:00", End: "09:30"}}); err == nil {
		t.Error("Expected error for inverted session")
	}
	if _, err := monitor.NewCalendar("UTC", []monitor.Session{{Start: "9h", End: "10:00"}}); err == nil {
		t.Error("Expected error for malformed time")
	}
}

func TestTickSkipsWhileBusy(t *testing.T) {
	runner := newBlockingRunner()
	cfg := monitor.DefaultConfig()
	cfg.TradingHoursOnly = false
	s, err := monitor.NewScheduler(zap.NewNop(), cfg, runner)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	reg := metrics.New()
	s.SetMetrics(reg)

	ctx := context.Background()
	done := make(chan monitor.Outcome, 1)
	go func() { done <- s.Tick(ctx) }()
	<-runner.started

	if !s.Busy() {
		t.Error("Scheduler should report busy")
	}
	if got := s.Tick(ctx); got != monitor.OutcomeSkipped {
		t.Errorf("Expected skipped, got %s", got)
	}
	if _, err := s.RunNow(ctx); !errors.Is(err, monitor.ErrBusy) {
		t.Errorf("Expected ErrBusy from manual run, got %v", err)
	}

	close(runner.release)
	if got := <-done; got != monitor.OutcomeRan {
		t.Errorf("Expected ran, got %s", got)
	}

	stats := s.Stats()
	if stats.CyclesRun != 1 || stats.CyclesSkipped != 2 || stats.ChecksPerformed != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if runner.calls.Load() != 1 {
		t.Errorf("Runner should be called once, got %d", runner.calls.Load())
	}
	if got := testutil.ToFloat64(reg.Cycles.WithLabelValues("skipped")); got != 2 {
		t.Errorf("Expected 2 skipped cycle metrics, got %v", got)
	}
}

func TestTickRespectsTradingHours(t *testing.T) {
	loc := shanghai(t)
	runner := &instantRunner{}
	s, err := monitor.NewScheduler(zap.NewNop(), nil, runner)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	s.SetClock(func() time.Time { return time.Date(2024, 3, 17, 10, 0, 0, 0, loc) })
	if got := s.Tick(context.Background()); got != monitor.OutcomeOutOfHour {
		t.Errorf("Sunday should be out of hours, got %s", got)
	}

	s.SetClock(func() time.Time { return time.Date(2024, 3, 15, 10, 0, 0, 0, loc) })
	if got := s.Tick(context.Background()); got != monitor.OutcomeRan {
		t.Errorf("Friday morning should run, got %s", got)
	}

	if _, err := s.RunNow(context.Background()); err != nil {
		t.Errorf("Manual run should bypass the gate: %v", err)
	}

	stats := s.Stats()
	if stats.OutOfHours != 1 || stats.CyclesRun != 2 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestTickRecordsFailures(t *testing.T) {
	runner := &instantRunner{err: errors.New("provider offline")}
	cfg := monitor.DefaultConfig()
	cfg.TradingHoursOnly = false
	s, _ := monitor.NewScheduler(zap.NewNop(), cfg, runner)

	if got := s.Tick(context.Background()); got != monitor.OutcomeFailed {
		t.Errorf("Expected failed, got %s", got)
	}
	stats := s.Stats()
	if stats.CyclesFailed != 1 || stats.LastError != "provider offline" {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if s.Busy() {
		t.Error("Busy flag should be released after a failure")
	}
}

func TestStartStop(t *testing.T) {
	runner := &instantRunner{}
	cfg := monitor.DefaultConfig()
	cfg.TradingHoursOnly = false
	cfg.Interval = 5 * time.Millisecond
	s, _ := monitor.NewScheduler(zap.NewNop(), cfg, runner)

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(ctx); !errors.Is(err, monitor.ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for runner.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Stop()

	if runner.calls.Load() < 2 {
		t.Errorf("Expected at least 2 cycles, got %d", runner.calls.Load())
	}
	stats := s.Stats()
	if stats.Running || stats.SessionID == "" || stats.StoppedAt.IsZero() {
		t.Errorf("Unexpected final stats %+v", stats)
	}
	if s.IsRunning() {
		t.Error("Scheduler should not be running after Stop")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := monitor.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	cfg.Interval = 0
	if err := cfg.Validate(); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestOnCycleReceivesSuccessfulReports(t *testing.T) {
	runner := &instantRunner{}
	cfg := monitor.DefaultConfig()
	cfg.TradingHoursOnly = false
	s, _ := monitor.NewScheduler(zap.NewNop(), cfg, runner)

	var seen []string
	s.OnCycle(func(r *engine.CycleReport) { seen = append(seen, r.ID) })

	if got := s.Tick(context.Background()); got != monitor.OutcomeRan {
		t.Fatalf("Expected ran, got %s", got)
	}
	runner.err = errors.New("provider offline")
	s.Tick(context.Background())

	if len(seen) != 1 || seen[0] != "cycle" {
		t.Errorf("Expected one callback for the successful cycle, got %v", seen)
	}
}
