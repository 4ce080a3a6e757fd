// Package metrics collects and exposes scheduler observability data via a
// Prometheus registry, mirroring PrometheusMetrics's wrap-and-register shape
// in the teacher, scaled down to the scheduler's own hot paths: decisions,
// dispatch, executor claims/reaps, and migrations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultDecisionBuckets covers DecisionEngine.Decide latency in
// milliseconds, from sub-millisecond local-only packing up to remote
// RPC-bound decisions.
var defaultDecisionBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000}

// Metrics wraps the Prometheus collectors for one scheduler process.
type Metrics struct {
	registry *prometheus.Registry

	decisionsTotal   *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec

	dispatchTotal    *prometheus.CounterVec
	dispatchForwards prometheus.Counter

	executorsClaimedTotal prometheus.Counter
	executorsCreatedTotal prometheus.Counter
	executorsReapedTotal  prometheus.Counter
	oversubscribedTotal   prometheus.Counter

	migrationsDetectedTotal prometheus.Counter
	migrationsSentTotal     prometheus.Counter

	thisHostUsedSlots prometheus.GaugeFunc
	queueDepth        *prometheus.GaugeVec
}

// New creates and registers a fresh Metrics instance under namespace.
// usedSlotsFn is polled on scrape to populate thisHostUsedSlots.
func New(namespace string, usedSlotsFn func() float64) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of scheduling decisions made, by topology hint",
			},
			[]string{"hint"},
		),

		decisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_duration_milliseconds",
				Help:      "Duration of DecisionEngine.Decide calls in milliseconds",
				Buckets:   defaultDecisionBuckets,
			},
			[]string{"hint"},
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Total number of batches dispatched, by outcome",
			},
			[]string{"outcome"},
		),

		dispatchForwards: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_forwards_total",
				Help:      "Total number of batches forwarded to a master host",
			},
		),

		executorsClaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executors_claimed_total",
				Help:      "Total number of warm executor claims",
			},
		),

		executorsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executors_created_total",
				Help:      "Total number of cold-started executors",
			},
		),

		executorsReapedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executors_reaped_total",
				Help:      "Total number of executors reaped for idling past boundTimeout",
			},
		),

		oversubscribedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executors_oversubscribed_total",
				Help:      "Total number of claims that queued onto an existing executor under oversubscription",
			},
		),

		migrationsDetectedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migrations_detected_total",
				Help:      "Total number of migrations recorded by the BIN_PACK pass",
			},
		),

		migrationsSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migrations_sent_total",
				Help:      "Total number of sendPendingMigrations RPCs issued",
			},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executor_queue_depth",
				Help:      "Current task queue depth, by function key",
			},
			[]string{"function_key"},
		),
	}

	if usedSlotsFn != nil {
		m.thisHostUsedSlots = prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "this_host_used_slots",
				Help:      "Current value of thisHostUsedSlots on this host",
			},
			usedSlotsFn,
		)
		registry.MustRegister(m.thisHostUsedSlots)
	}

	registry.MustRegister(
		m.decisionsTotal,
		m.decisionDuration,
		m.dispatchTotal,
		m.dispatchForwards,
		m.executorsClaimedTotal,
		m.executorsCreatedTotal,
		m.executorsReapedTotal,
		m.oversubscribedTotal,
		m.migrationsDetectedTotal,
		m.migrationsSentTotal,
		m.queueDepth,
	)

	return m
}

// Handler returns the http.Handler that serves this registry's scrape
// endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordDecision records one DecisionEngine.Decide call.
func (m *Metrics) RecordDecision(hint string, durationMs float64) {
	m.decisionsTotal.WithLabelValues(hint).Inc()
	m.decisionDuration.WithLabelValues(hint).Observe(durationMs)
}

// RecordDispatch records one Dispatcher.CallFunctions outcome ("local",
// "forwarded", "error").
func (m *Metrics) RecordDispatch(outcome string) {
	m.dispatchTotal.WithLabelValues(outcome).Inc()
	if outcome == "forwarded" {
		m.dispatchForwards.Inc()
	}
}

// RecordExecutorClaim records a warm claim.
func (m *Metrics) RecordExecutorClaim() { m.executorsClaimedTotal.Inc() }

// RecordExecutorCreate records a cold-start creation.
func (m *Metrics) RecordExecutorCreate() { m.executorsCreatedTotal.Inc() }

// RecordExecutorReap records one executor removed by the reaper.
func (m *Metrics) RecordExecutorReap() { m.executorsReapedTotal.Inc() }

// RecordOversubscribed records a claim that queued under oversubscription.
func (m *Metrics) RecordOversubscribed() { m.oversubscribedTotal.Inc() }

// RecordMigrationDetected records one migration recorded by a BIN_PACK tick.
func (m *Metrics) RecordMigrationDetected(n int) {
	for i := 0; i < n; i++ {
		m.migrationsDetectedTotal.Inc()
	}
}

// RecordMigrationSent records one sendPendingMigrations RPC.
func (m *Metrics) RecordMigrationSent() { m.migrationsSentTotal.Inc() }

// SetQueueDepth sets the observed queue depth for a function key.
func (m *Metrics) SetQueueDepth(functionKey string, depth float64) {
	m.queueDepth.WithLabelValues(functionKey).Set(depth)
}
