// Package workers provides a bounded worker pool for per-symbol computations.
// Scoring and stop-loss evaluation fan out over the pool and join before
// results are aggregated.
package workers

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute() error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// Pool manages a fixed set of worker goroutines
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	// submitMu orders sends on taskQueue before Stop closes it
	submitMu sync.RWMutex
	running  atomic.Bool
	closed   atomic.Bool

	tasksSubmitted atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	panicRecovered atomic.Int64
	startedAt      time.Time
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        `mapstructure:"name"`
	NumWorkers      int           `mapstructure:"num_workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU(), // CPU bound scoring
		QueueSize:       4096,
		ShutdownTimeout: 10 * time.Second,
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	Name           string        `json:"name"`
	Workers        int           `json:"workers"`
	QueueLength    int           `json:"queue_length"`
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	PanicRecovered int64         `json:"panic_recovered"`
	Uptime         time.Duration `json:"uptime"`
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.NumWorkers
	}

	return &Pool{
		logger:    logger.Named("workers"),
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
	}
}

// Start launches all workers. A stopped pool cannot be restarted.
func (p *Pool) Start() {
	if p.closed.Load() || p.running.Swap(true) {
		return // Already running or stopped
	}
	p.startedAt = time.Now()

	p.logger.Info("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// run is the worker's main loop; it drains the queue after Stop closes it
func (p *Pool) run(id int) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.execute(id, task)
	}
}

// execute runs a single task with panic recovery
func (p *Pool) execute(id int, task Task) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				p.panicRecovered.Add(1)
				p.logger.Error("worker recovered from panic",
					zap.Int("worker_id", id),
					zap.Any("panic", r),
				)
				err = &PanicError{Recovered: r}
			}
		}()
		return task.Execute()
	}()

	if err != nil {
		p.tasksFailed.Add(1)
		p.logger.Debug("task failed", zap.Int("worker_id", id), zap.Error(err))
		return
	}
	p.tasksCompleted.Add(1)
}

// Submit adds a task to the queue, blocking while the queue is full
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if !p.running.Load() {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		p.tasksSubmitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit adds a task without blocking
func (p *Pool) TrySubmit(task Task) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if !p.running.Load() {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		p.tasksSubmitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop rejects new tasks and waits for the queued ones to finish
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil // Already stopped
	}

	p.logger.Info("stopping worker pool",
		zap.String("name", p.config.Name),
		zap.Int("queued", len(p.taskQueue)),
	)

	done := make(chan struct{})
	go func() {
		p.submitMu.Lock()
		p.closed.Store(true)
		close(p.taskQueue)
		p.submitMu.Unlock()

		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	var uptime time.Duration
	if !p.startedAt.IsZero() {
		uptime = time.Since(p.startedAt)
	}
	return PoolStats{
		Name:           p.config.Name,
		Workers:        p.config.NumWorkers,
		QueueLength:    len(p.taskQueue),
		TasksSubmitted: p.tasksSubmitted.Load(),
		TasksCompleted: p.tasksCompleted.Load(),
		TasksFailed:    p.tasksFailed.Load(),
		PanicRecovered: p.panicRecovered.Load(),
		Uptime:         uptime,
	}
}

// Result is the outcome of one item processed by Map
type Result[R any] struct {
	Index int
	Value R
	Err   error
}

// Map runs fn for every item on the pool and waits for all of them.
// Results are returned in input order. A nil pool runs the items inline.
func Map[T any, R any](ctx context.Context, pool *Pool, items []T, fn func(T) (R, error)) []Result[R] {
	results := make([]Result[R], len(items))

	if pool == nil || !pool.IsRunning() {
		for i, item := range items {
			v, err := safeCall(fn, item)
			results[i] = Result[R]{Index: i, Value: v, Err: err}
		}
		return results
	}

	var wg sync.WaitGroup
	for i, item := range items {
		i, item := i, item
		wg.Add(1)
		err := pool.Submit(ctx, TaskFunc(func() error {
			defer wg.Done()
			v, err := safeCall(fn, item)
			results[i] = Result[R]{Index: i, Value: v, Err: err}
			return err
		}))
		if err != nil {
			wg.Done()
			results[i] = Result[R]{Index: i, Err: err}
		}
	}
	wg.Wait()

	return results
}

// safeCall converts a panic in fn into a PanicError for the item
func safeCall[T any, R any](fn func(T) (R, error), item T) (v R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Recovered: r}
		}
	}()
	return fn(item)
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return "panic recovered"
}
