// Package metrics exposes internal Prometheus collectors for the Queue
// Engine, Worker Runtime, and Resilience Layer. No HTTP scrape endpoint
// is mounted here — wiring the registry to an exporter is left to the
// embedding binary, consistent with the observability scrape endpoint
// being out of scope.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AureaMetrics wraps the Prometheus collectors exercised by the orchestrator.
type AureaMetrics struct {
	registry *prometheus.Registry

	// Queue Engine
	queueDepth     prometheus.Gauge
	dlqDepth       prometheus.Gauge
	pendingCount   prometheus.Gauge
	activeLeases   prometheus.Gauge
	enqueuedTotal  *prometheus.CounterVec
	dequeuedTotal  *prometheus.CounterVec
	ackedTotal     prometheus.Counter
	nackedTotal    *prometheus.CounterVec
	dlqedTotal     prometheus.Counter
	reclaimedTotal prometheus.Counter

	// Worker Runtime
	dispatchDuration *prometheus.HistogramVec
	inflightTasks    prometheus.Gauge

	// Resilience Layer
	circuitBreakerState     *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
	budgetSpentUSD          *prometheus.GaugeVec
	budgetRejectedTotal     *prometheus.CounterVec
	failoverAttemptsTotal   *prometheus.CounterVec
}

var defaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var m *AureaMetrics

// InitPrometheus initializes and registers the orchestrator's collectors.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	am := &AureaMetrics{
		registry: registry,

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth", Help: "Number of messages in the main stream.",
		}),
		dlqDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dlq_depth", Help: "Number of messages in the dead-letter stream.",
		}),
		pendingCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_count", Help: "Messages delivered but not yet acked.",
		}),
		activeLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_leases", Help: "Number of live visibility-timeout leases.",
		}),
		enqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "enqueued_total", Help: "Total enqueue calls by outcome.",
		}, []string{"outcome"}), // "appended" | "idempotent_hit"
		dequeuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dequeued_total", Help: "Total messages dequeued by consumer.",
		}, []string{"consumer"}),
		ackedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "acked_total", Help: "Total messages acknowledged.",
		}),
		nackedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "nacked_total", Help: "Total messages nacked by outcome.",
		}, []string{"outcome"}), // "retried" | "dlq"
		dlqedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dlqed_total", Help: "Total messages moved to the DLQ.",
		}),
		reclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reclaimed_total", Help: "Total messages reclaimed from expired leases.",
		}),

		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "dispatch_duration_milliseconds", Help: "Handler dispatch duration.", Buckets: buckets,
		}, []string{"handler_type", "outcome"}),
		inflightTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "inflight_tasks", Help: "Tasks currently dispatched in this worker process.",
		}),

		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state", Help: "0=CLOSED 1=OPEN 2=HALF_OPEN.",
		}, []string{"service"}),
		circuitBreakerTripsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "circuit_breaker_trips_total", Help: "Total transitions into OPEN.",
		}, []string{"service"}),
		budgetSpentUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "budget_spent_usd", Help: "Spend recorded today per provider.",
		}, []string{"provider"}),
		budgetRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "budget_rejected_total", Help: "check_budget calls that raised BudgetExceeded.",
		}, []string{"provider"}),
		failoverAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "failover_attempts_total", Help: "Per-provider failover attempts by outcome.",
		}, []string{"provider", "outcome"}), // "success" | "budget_skip" | "breaker_skip" | "error_skip"
	}

	registry.MustRegister(
		am.queueDepth, am.dlqDepth, am.pendingCount, am.activeLeases,
		am.enqueuedTotal, am.dequeuedTotal, am.ackedTotal, am.nackedTotal, am.dlqedTotal, am.reclaimedTotal,
		am.dispatchDuration, am.inflightTasks,
		am.circuitBreakerState, am.circuitBreakerTripsTotal,
		am.budgetSpentUSD, am.budgetRejectedTotal, am.failoverAttemptsTotal,
	)

	m = am
}

func ready() bool { return m != nil }

func SetQueueDepth(v int64) {
	if ready() {
		m.queueDepth.Set(float64(v))
	}
}

func SetDLQDepth(v int64) {
	if ready() {
		m.dlqDepth.Set(float64(v))
	}
}

func SetPendingCount(v int64) {
	if ready() {
		m.pendingCount.Set(float64(v))
	}
}

func SetActiveLeases(v int64) {
	if ready() {
		m.activeLeases.Set(float64(v))
	}
}

func RecordEnqueue(outcome string) {
	if ready() {
		m.enqueuedTotal.WithLabelValues(outcome).Inc()
	}
}

func RecordDequeue(consumer string) {
	if ready() {
		m.dequeuedTotal.WithLabelValues(consumer).Inc()
	}
}

func RecordAck() {
	if ready() {
		m.ackedTotal.Inc()
	}
}

func RecordNack(outcome string) {
	if ready() {
		m.nackedTotal.WithLabelValues(outcome).Inc()
	}
	if outcome == "dlq" && ready() {
		m.dlqedTotal.Inc()
	}
}

func RecordReclaimed(n int) {
	if ready() && n > 0 {
		m.reclaimedTotal.Add(float64(n))
	}
}

func RecordDispatch(handlerType, outcome string, durationMs int64) {
	if ready() {
		m.dispatchDuration.WithLabelValues(handlerType, outcome).Observe(float64(durationMs))
	}
}

func SetInflightTasks(n int) {
	if ready() {
		m.inflightTasks.Set(float64(n))
	}
}

// CircuitBreaker state codes match SetCircuitBreakerState's comment: 0/1/2.
func SetCircuitBreakerState(service string, state int) {
	if ready() {
		m.circuitBreakerState.WithLabelValues(service).Set(float64(state))
	}
}

func RecordCircuitBreakerTrip(service string) {
	if ready() {
		m.circuitBreakerTripsTotal.WithLabelValues(service).Inc()
	}
}

func SetBudgetSpent(provider string, usd float64) {
	if ready() {
		m.budgetSpentUSD.WithLabelValues(provider).Set(usd)
	}
}

func RecordBudgetRejected(provider string) {
	if ready() {
		m.budgetRejectedTotal.WithLabelValues(provider).Inc()
	}
}

func RecordFailoverAttempt(provider, outcome string) {
	if ready() {
		m.failoverAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	}
}

// Registry returns the orchestrator's Prometheus registry, nil until
// InitPrometheus has run. An embedder may mount promhttp.HandlerFor(...)
// against it if it wants a scrape endpoint; this package does not do so.
func Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
