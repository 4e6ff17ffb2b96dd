package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the process registry and the scheduler/storage instruments.
type Metrics struct {
	registry *prometheus.Registry

	TasksDispatched prometheus.Counter
	TasksCompleted  prometheus.Counter
	TasksFailed     prometheus.Counter
	TasksDeferred   *prometheus.CounterVec // reason: resource_busy, owner_cap, backoff
	InFlight        prometheus.Gauge

	DegradedOps     *prometheus.CounterVec // op: read, write
	EndpointHealthy *prometheus.GaugeVec   // endpoint name
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.TasksDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warmq", Subsystem: "scheduler", Name: "tasks_dispatched_total",
		Help: "Tasks admitted into the worker pool.",
	})
	m.TasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warmq", Subsystem: "scheduler", Name: "tasks_completed_total",
		Help: "Tasks that finished successfully.",
	})
	m.TasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warmq", Subsystem: "scheduler", Name: "tasks_failed_total",
		Help: "Tasks that ended in FAILED.",
	})
	m.TasksDeferred = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warmq", Subsystem: "scheduler", Name: "tasks_deferred_total",
		Help: "Admission deferrals by reason.",
	}, []string{"reason"})
	m.InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "warmq", Subsystem: "scheduler", Name: "tasks_in_flight",
		Help: "Tasks currently executing.",
	})
	m.DegradedOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warmq", Subsystem: "storage", Name: "degraded_ops_total",
		Help: "Operations routed to a non-preferred endpoint.",
	}, []string{"op"})
	m.EndpointHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "warmq", Subsystem: "storage", Name: "endpoint_healthy",
		Help: "1 when the endpoint's cached verdict is healthy.",
	}, []string{"endpoint"})

	m.registry.MustRegister(
		m.TasksDispatched, m.TasksCompleted, m.TasksFailed, m.TasksDeferred,
		m.InFlight, m.DegradedOps, m.EndpointHealthy,
	)
	return m
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Global holder so deep call sites (store routing) can record without
// threading the struct everywhere; nil-safe via Default.
var (
	globalMu sync.RWMutex
	global   *Metrics
)

func RegisterGlobal(m *Metrics) {
	globalMu.Lock()
	global = m
	globalMu.Unlock()
}

// C returns the global metrics, or nil when none registered.
func C() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}
