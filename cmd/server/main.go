// Package main provides the entry point for the screener backend server:
// - Portfolio risk metrics and assessment
// - Market environment classification
// - Regime-adaptive factor weights and stock ranking
// - Trailing stop-loss monitoring
// - Threshold alerts over log, metrics, WebSocket and webhook sinks
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/screener-backend/internal/alerts"
	"github.com/atlas-desktop/screener-backend/internal/api"
	"github.com/atlas-desktop/screener-backend/internal/config"
	"github.com/atlas-desktop/screener-backend/internal/data"
	"github.com/atlas-desktop/screener-backend/internal/engine"
	"github.com/atlas-desktop/screener-backend/internal/metrics"
	"github.com/atlas-desktop/screener-backend/internal/monitor"
	"github.com/atlas-desktop/screener-backend/internal/regime"
	"github.com/atlas-desktop/screener-backend/internal/risk"
	"github.com/atlas-desktop/screener-backend/internal/scoring"
	"github.com/atlas-desktop/screener-backend/internal/stoploss"
	"github.com/atlas-desktop/screener-backend/internal/storage"
	"github.com/atlas-desktop/screener-backend/internal/weights"
	"github.com/atlas-desktop/screener-backend/internal/workers"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Config file (default: screener.yaml in ./configs or .)")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	runOnce := flag.Bool("once", false, "Run a single cycle, print the report and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting Screener Backend",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("dataDir", cfg.DataDir),
		zap.String("storage", cfg.Storage.Backend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	store, err := storage.New(logger, cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	// Market data
	provider, err := data.NewFileProvider(logger, cfg.DataDir)
	if err != nil {
		logger.Fatal("Failed to initialize market data provider", zap.Error(err))
	}

	pool := workers.NewPool(logger, &cfg.Workers)
	pool.Start()

	reg := metrics.New()
	hub := api.NewHub(logger)
	go hub.Run(ctx)

	alertManager := alerts.NewManager(logger, &cfg.Alerts,
		alerts.NewLogSink(logger),
		reg.AlertSink(),
		hub,
	)
	var webhook *alerts.WebhookSink
	if cfg.Webhook.URL != "" {
		webhook, err = alerts.NewWebhookSink(logger, &cfg.Webhook)
		if err != nil {
			logger.Fatal("Failed to initialize webhook sink", zap.Error(err))
		}
		alertManager.AddSink(webhook)
	}
	closeWebhook := func() {
		if webhook == nil {
			return
		}
		if err := webhook.Close(); err != nil {
			logger.Warn("Webhook queue not drained", zap.Error(err))
		}
	}

	controller, err := weights.NewController(logger, &cfg.Weights, store)
	if err != nil {
		logger.Fatal("Failed to initialize weight controller", zap.Error(err))
	}

	stops := stoploss.NewEngine(logger, &cfg.StopLoss, store)
	stops.SetPool(pool)

	eng, err := engine.New(logger, &cfg.Engine, provider, engine.Components{
		Calculator: risk.NewCalculator(logger, &cfg.Risk),
		Tracker:    regime.NewTracker(logger, regime.NewClassifier(logger, &cfg.Regime), store),
		Weights:    controller,
		Scoring:    scoring.NewEngine(logger, &cfg.Scoring, pool),
		Alerts:     alertManager,
		Stops:      stops,
		Metrics:    reg,

		Performance: scoring.NewPerformanceTracker(),
	})
	if err != nil {
		logger.Fatal("Failed to initialize engine", zap.Error(err))
	}
	if err := eng.Restore(ctx); err != nil {
		logger.Warn("Failed to restore persisted state", zap.Error(err))
	}

	if *runOnce {
		code := runSingle(ctx, logger, eng, pool)
		closeWebhook()
		store.Close()
		logger.Sync()
		os.Exit(code)
	}

	scheduler, err := monitor.NewScheduler(logger, &cfg.Monitor, eng)
	if err != nil {
		logger.Fatal("Failed to initialize scheduler", zap.Error(err))
	}
	scheduler.SetMetrics(reg)
	scheduler.OnCycle(hub.PublishCycle)

	server := api.NewServer(logger, &cfg.Server, eng, scheduler, hub, reg)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("Failed to start monitoring", zap.Error(err))
	}

	// Start server
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
			sigChan <- syscall.SIGTERM
		}
	}()

	logger.Info("Server started successfully",
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.Duration("interval", cfg.Monitor.Interval),
	)

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Shutdown signal received")

	scheduler.Stop()

	// Graceful server shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	cancel()

	if err := pool.Stop(); err != nil {
		logger.Error("Error stopping worker pool", zap.Error(err))
	}
	closeWebhook()

	logger.Info("Server stopped", zap.Any("session", scheduler.Stats()))
}

// runSingle runs one cycle and logs its outcome, returning the exit code
func runSingle(ctx context.Context, logger *zap.Logger, eng *engine.Engine, pool *workers.Pool) int {
	defer pool.Stop()

	report, err := eng.RunCycle(ctx)
	if err != nil {
		logger.Error("Cycle failed", zap.Error(err))
		return 1
	}

	fields := []zap.Field{
		zap.String("cycle", report.ID),
		zap.String("environment", string(report.Environment.Kind)),
		zap.Float64("confidence", report.Environment.Confidence),
		zap.Int("weightVersion", report.Weights.Version),
		zap.Int("ranked", len(report.Ranking)),
		zap.Int("alerts", len(report.Alerts)),
		zap.Any("errors", report.Errors),
	}
	if report.Assessment != nil {
		fields = append(fields,
			zap.String("riskLevel", string(report.Assessment.Level)),
			zap.Int("riskScore", report.Assessment.Score),
			zap.String("action", string(report.Assessment.Action)),
		)
	}
	logger.Info("Cycle complete", fields...)

	for _, rec := range report.Recommendations {
		logger.Info("Recommendation", zap.String("text", rec))
	}
	return 0
}

func setupLogger(level string) *zap.Logger {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
