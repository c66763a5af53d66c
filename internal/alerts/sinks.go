package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/atlas-desktop/screener-backend/pkg/utils"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LogSink writes alerts to the logger
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("alert-log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, alert types.RiskAlert) error {
	fields := []zap.Field{
		zap.String("id", alert.ID),
		zap.String("kind", string(alert.Kind)),
		zap.String("severity", string(alert.Severity)),
		zap.Float64("value", alert.Value),
		zap.Float64("threshold", alert.Threshold),
	}
	if alert.Severity.Rank() >= types.SeverityHigh.Rank() {
		s.logger.Error(alert.Message, fields...)
	} else {
		s.logger.Warn(alert.Message, fields...)
	}
	return nil
}

// FuncSink adapts a function to a Sink
type FuncSink struct {
	name string
	fn   func(ctx context.Context, alert types.RiskAlert) error
}

// NewFuncSink creates a sink backed by fn
func NewFuncSink(name string, fn func(ctx context.Context, alert types.RiskAlert) error) *FuncSink {
	return &FuncSink{name: name, fn: fn}
}

func (s *FuncSink) Name() string { return s.name }

func (s *FuncSink) Send(ctx context.Context, alert types.RiskAlert) error {
	return s.fn(ctx, alert)
}

// WebhookConfig configures a webhook sink
type WebhookConfig struct {
	URL           string        `mapstructure:"url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	MaxFailures   uint32        `mapstructure:"max_failures"`
	OpenTimeout   time.Duration `mapstructure:"open_timeout"`
	Attempts      int           `mapstructure:"attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	QueueSize     int           `mapstructure:"queue_size"`
}

// DefaultWebhookConfig returns conservative delivery limits
func DefaultWebhookConfig(url string) *WebhookConfig {
	return &WebhookConfig{
		URL:           url,
		Timeout:       5 * time.Second,
		RatePerSecond: 2,
		Burst:         5,
		MaxFailures:   3,
		OpenTimeout:   60 * time.Second,
		Attempts:      3,
		RetryDelay:    200 * time.Millisecond,
		QueueSize:     64,
	}
}

// Webhook errors
var (
	ErrWebhookQueueFull = errors.New("webhook queue is full")
	ErrWebhookClosed    = errors.New("webhook sink is closed")
)

// WebhookSink POSTs alerts as JSON from a background queue. Each alert is
// retried with backoff; the breaker counts an alert as failed once its
// retries are exhausted.
type WebhookSink struct {
	logger  *zap.Logger
	config  *WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	retry   utils.RetryConfig

	mu     sync.RWMutex
	closed bool
	queue  chan types.RiskAlert
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	delivered atomic.Int64
	failed    atomic.Int64
}

// NewWebhookSink creates a webhook sink and starts its delivery loop
func NewWebhookSink(logger *zap.Logger, config *WebhookConfig) (*WebhookSink, error) {
	if config == nil || !utils.ValidateWebhookURL(config.URL) {
		return nil, types.NewError(types.KindConfiguration, "webhook", "invalid webhook URL")
	}
	if config.RatePerSecond <= 0 || config.Burst <= 0 {
		return nil, types.NewError(types.KindConfiguration, "webhook", "rate_per_second and burst must be positive")
	}
	if config.Attempts < 1 || config.QueueSize < 1 {
		return nil, types.NewError(types.KindConfiguration, "webhook", "attempts and queue_size must be positive")
	}
	log := logger.Named("webhook")

	settings := gobreaker.Settings{
		Name:        "alert-webhook",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("webhook breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = config.Attempts
	if config.RetryDelay > 0 {
		retry.InitialDelay = config.RetryDelay
	}
	if config.Timeout > 0 {
		retry.MaxDelay = config.Timeout
	}

	s := &WebhookSink{
		logger:  log,
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
		retry:   retry,
		queue:   make(chan types.RiskAlert, config.QueueSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go s.run()
	return s, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

// State returns the breaker state
func (s *WebhookSink) State() gobreaker.State {
	return s.breaker.State()
}

// Stats returns the delivered and failed alert counts
func (s *WebhookSink) Stats() (delivered, failed int64) {
	return s.delivered.Load(), s.failed.Load()
}

// Send queues the alert for delivery without waiting on the endpoint
func (s *WebhookSink) Send(_ context.Context, alert types.RiskAlert) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrWebhookClosed
	}
	select {
	case s.queue <- alert:
		return nil
	default:
		s.failed.Add(1)
		return ErrWebhookQueueFull
	}
}

// Close stops accepting alerts and waits for the queued ones to be attempted
func (s *WebhookSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	wait := time.Duration(s.config.Attempts) * (s.config.Timeout + s.config.RetryDelay)
	select {
	case <-s.done:
		return nil
	case <-time.After(wait):
		s.cancel()
		<-s.done
		return fmt.Errorf("webhook queue not drained within %s", wait)
	}
}

func (s *WebhookSink) run() {
	defer close(s.done)
	defer s.cancel()

	for alert := range s.queue {
		if err := s.Deliver(s.ctx, alert); err != nil {
			s.failed.Add(1)
			s.logger.Warn("alert delivery failed",
				zap.String("id", alert.ID),
				zap.String("kind", string(alert.Kind)),
				zap.Error(err),
			)
			continue
		}
		s.delivered.Add(1)
	}
}

// Deliver POSTs one alert synchronously through the limiter, retries and breaker
func (s *WebhookSink) Deliver(ctx context.Context, alert types.RiskAlert) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return utils.Retry(ctx, s.retry, func() (interface{}, error) {
			return nil, s.post(ctx, body)
		})
	})
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	return nil
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
