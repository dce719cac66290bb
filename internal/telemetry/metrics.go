package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every Prometheus collector the orchestrator and sandbox
// emit. It is built on a custom registry — never the global
// prometheus.DefaultRegisterer — so multiple instances in tests never
// collide.
type Metrics struct {
	Registry *prometheus.Registry

	IntentsTotal       *prometheus.CounterVec
	IntentDuration      *prometheus.HistogramVec
	TokensEstimated    *prometheus.CounterVec

	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	CacheOperationsTotal *prometheus.CounterVec
	CacheEntriesGauge    prometheus.Gauge

	AuditDroppedTotal prometheus.Counter

	ActiveSessionsGauge   prometheus.Gauge
	ActiveContainersGauge prometheus.Gauge
}

// NewMetrics builds a Metrics instance registered on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		IntentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentsbx",
			Subsystem: "orchestrator",
			Name:      "intents_total",
			Help:      "Total execute_intent calls by intent and outcome.",
		}, []string{"intent", "mode", "outcome"}),

		IntentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "intentsbx",
			Subsystem: "orchestrator",
			Name:      "intent_duration_seconds",
			Help:      "Wall-clock duration of execute_intent calls.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"intent", "mode"}),

		TokensEstimated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentsbx",
			Subsystem: "orchestrator",
			Name:      "tokens_estimated_total",
			Help:      "Estimated tokens consumed by execute_intent calls.",
		}, []string{"intent"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentsbx",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions by backend and status.",
		}, []string{"backend", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "intentsbx",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution wall-clock duration.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"backend"}),

		CacheOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentsbx",
			Subsystem: "context_store",
			Name:      "operations_total",
			Help:      "Context store operations by kind and result.",
		}, []string{"op", "result"}),

		CacheEntriesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "intentsbx",
			Subsystem: "context_store",
			Name:      "entries",
			Help:      "Current number of context store entries, including expired entries not yet removed.",
		}),

		AuditDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "intentsbx",
			Subsystem: "telemetry",
			Name:      "audit_dropped_total",
			Help:      "Audit events dropped because the sink buffer was saturated.",
		}),

		ActiveSessionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "intentsbx",
			Name:      "active_sessions",
			Help:      "Number of sessions written to and not yet closed.",
		}),

		ActiveContainersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "intentsbx",
			Name:      "active_containers",
			Help:      "Number of pre-warmed pool containers currently alive.",
		}),
	}

	reg.MustRegister(
		m.IntentsTotal,
		m.IntentDuration,
		m.TokensEstimated,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.CacheOperationsTotal,
		m.CacheEntriesGauge,
		m.AuditDroppedTotal,
		m.ActiveSessionsGauge,
		m.ActiveContainersGauge,
	)

	return m
}
