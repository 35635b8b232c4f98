// Package metrics registers the Prometheus instrumentation shared across the
// server: ingest volume, bus drops, guardrail triggers, retention deletions
// and live SSE subscriptions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentlens/agentlens/pkg/events"
)

// Metrics owns the registry and the collectors. All observation methods are
// nil-safe so components can run unmetered in tests.
type Metrics struct {
	registry *prometheus.Registry

	eventsIngested    *prometheus.CounterVec
	ingestRejected    *prometheus.CounterVec
	guardrailTriggers *prometheus.CounterVec
	retentionDeleted  prometheus.Counter
	sseClients        prometheus.Gauge
}

// New builds and registers the collector set. A non-nil bus contributes a
// dropped-deliveries gauge.
func New(bus *events.Bus) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentlens_events_ingested_total",
			Help: "Events appended to the log, by tenant.",
		}, []string{"tenant"}),
		ingestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentlens_ingest_rejected_total",
			Help: "Rejected ingest batches, by reason.",
		}, []string{"reason"}),
		guardrailTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentlens_guardrail_triggers_total",
			Help: "Guardrail rule triggers, by tenant and action.",
		}, []string{"tenant", "action"}),
		retentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentlens_retention_deleted_events_total",
			Help: "Events removed by the retention purger.",
		}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentlens_sse_clients",
			Help: "Currently connected SSE subscribers.",
		}),
	}
	reg.MustRegister(m.eventsIngested, m.ingestRejected, m.guardrailTriggers, m.retentionDeleted, m.sseClients)

	if bus != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agentlens_bus_dropped_total",
			Help: "Lifetime bus deliveries dropped on full subscriber buffers.",
		}, func() float64 { return float64(bus.DroppedTotal()) }))
	}
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventsIngested(tenant string, n int) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(tenant).Add(float64(n))
}

func (m *Metrics) IngestRejected(reason string) {
	if m == nil {
		return
	}
	m.ingestRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) GuardrailTriggered(tenant, action string) {
	if m == nil {
		return
	}
	m.guardrailTriggers.WithLabelValues(tenant, action).Inc()
}

func (m *Metrics) RetentionDeleted(n int64) {
	if m == nil {
		return
	}
	m.retentionDeleted.Add(float64(n))
}

func (m *Metrics) SSEConnected() {
	if m != nil {
		m.sseClients.Inc()
	}
}

func (m *Metrics) SSEDisconnected() {
	if m != nil {
		m.sseClients.Dec()
	}
}
