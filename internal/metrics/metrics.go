// Package metrics exposes the engine's Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all screener metrics on a private registry
type Registry struct {
	registry *prometheus.Registry

	// Cycle metrics
	StageDuration *prometheus.HistogramVec
	Cycles        *prometheus.CounterVec
	BatchOutcomes *prometheus.CounterVec

	// Risk and regime
	RiskMetric  *prometheus.GaugeVec
	Environment *prometheus.GaugeVec
	Confidence  prometheus.Gauge

	// Weights, stops, alerts
	WeightVersion prometheus.Gauge
	ActiveStops   prometheus.Gauge
	StopTriggers  prometheus.Counter
	Alerts        *prometheus.CounterVec
}

// New creates a registry with every metric registered
func New() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "screener_stage_duration_seconds",
				Help:    "Duration of each assessment cycle stage in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"stage"},
		),

		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screener_cycles_total",
				Help: "Assessment cycles by result",
			},
			[]string{"result"},
		),

		BatchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screener_batch_items_total",
				Help: "Per-item batch outcomes by component and status",
			},
			[]string{"component", "status"},
		),

		RiskMetric: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "screener_risk_metric",
				Help: "Latest portfolio risk metric values",
			},
			[]string{"metric"},
		),

		Environment: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "screener_market_environment",
				Help: "Current market environment (1 for the active kind)",
			},
			[]string{"kind"},
		),

		Confidence: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "screener_environment_confidence",
				Help: "Confidence of the current environment classification",
			},
		),

		WeightVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "screener_weight_version",
				Help: "Version of the active factor weight set",
			},
		),

		ActiveStops: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "screener_active_stops",
				Help: "Number of tracked stop-loss positions",
			},
		),

		StopTriggers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "screener_stop_triggers_total",
				Help: "Stop-loss SELL decisions emitted",
			},
		),

		Alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screener_alerts_total",
				Help: "Alerts delivered by kind and severity",
			},
			[]string{"kind", "severity"},
		),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.StageDuration,
		r.Cycles,
		r.BatchOutcomes,
		r.RiskMetric,
		r.Environment,
		r.Confidence,
		r.WeightVersion,
		r.ActiveStops,
		r.StopTriggers,
		r.Alerts,
	)

	return r
}

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// ObserveStage records how long one cycle stage took
func (r *Registry) ObserveStage(stage string, d time.Duration) {
	r.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordCycle counts a finished, failed or skipped cycle
func (r *Registry) RecordCycle(result string) {
	r.Cycles.WithLabelValues(result).Inc()
}

// RecordBatch adds a component's batch report to the outcome counters
func (r *Registry) RecordBatch(component string, report *types.BatchReport) {
	if report == nil {
		return
	}
	r.BatchOutcomes.WithLabelValues(component, "succeeded").Add(float64(len(report.Succeeded)))
	r.BatchOutcomes.WithLabelValues(component, "degraded").Add(float64(len(report.Degraded)))
	r.BatchOutcomes.WithLabelValues(component, "skipped").Add(float64(len(report.Skipped)))
}

// RecordRisk publishes the defined risk metrics
func (r *Registry) RecordRisk(m *types.RiskMetrics) {
	if m == nil {
		return
	}
	set := func(metric string, value float64) {
		if m.IsDefined(metric) {
			r.RiskMetric.WithLabelValues(metric).Set(value)
		}
	}
	set(types.MetricVaR, m.VaR95)
	set(types.MetricDrawdown, m.MaxDrawdown)
	set(types.MetricVolatility, m.Volatility)
	set(types.MetricSharpe, m.SharpeRatio)
	set(types.MetricConcentration, m.ConcentrationIndex)
	set(types.MetricLiquidity, m.LiquidityScore)
}

// RecordEnvironment marks the current environment kind
func (r *Registry) RecordEnvironment(env types.MarketEnvironment) {
	for _, kind := range []types.EnvironmentKind{
		types.EnvironmentBull, types.EnvironmentBear, types.EnvironmentSideways, types.EnvironmentUndefined,
	} {
		v := 0.0
		if kind == env.Kind {
			v = 1
		}
		r.Environment.WithLabelValues(string(kind)).Set(v)
	}
	r.Confidence.Set(env.Confidence)
}

// RecordStops publishes the stop-loss position count and triggered sells
func (r *Registry) RecordStops(active int, decisions []types.StopDecision) {
	r.ActiveStops.Set(float64(active))
	for _, d := range decisions {
		if d.Action == types.ActionSell {
			r.StopTriggers.Inc()
		}
	}
}

// AlertSink counts delivered alerts
type AlertSink struct {
	registry *Registry
}

// AlertSink returns a sink for the alert manager
func (r *Registry) AlertSink() *AlertSink {
	return &AlertSink{registry: r}
}

func (s *AlertSink) Name() string { return "metrics" }

func (s *AlertSink) Send(_ context.Context, alert types.RiskAlert) error {
	s.registry.Alerts.WithLabelValues(string(alert.Kind), string(alert.Severity)).Inc()
	return nil
}
