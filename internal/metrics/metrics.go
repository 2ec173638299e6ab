// Package metrics exposes Prometheus instrumentation for the streaming server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive *prometheus.GaugeVec
	eventsSent     *prometheus.CounterVec
	outputBytes    prometheus.Counter
	buildsFinished *prometheus.CounterVec
	statusUpdates  prometheus.Counter
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "woodhouse",
			Name:      "stream_sessions_active",
			Help:      "Number of open stream sessions.",
		}, []string{"kind"}),
		eventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "woodhouse",
			Name:      "stream_events_total",
			Help:      "Events written to stream sessions.",
		}, []string{"type"}),
		outputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "woodhouse",
			Name:      "output_bytes_total",
			Help:      "Bytes appended to build output buffers.",
		}),
		buildsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "woodhouse",
			Name:      "builds_finished_total",
			Help:      "Builds that reached a terminal status.",
		}, []string{"status"}),
		statusUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "woodhouse",
			Name:      "status_updates_total",
			Help:      "Effective job status changes.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsActive,
		m.eventsSent,
		m.outputBytes,
		m.buildsFinished,
		m.statusUpdates,
	)
	return m
}

// Handler serves the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionOpened(kind string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionClosed(kind string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(kind).Dec()
}

func (m *Metrics) EventSent(eventType string) {
	if m == nil {
		return
	}
	m.eventsSent.WithLabelValues(eventType).Inc()
}

func (m *Metrics) OutputAppended(n int) {
	if m == nil {
		return
	}
	m.outputBytes.Add(float64(n))
}

func (m *Metrics) BuildFinished(status string) {
	if m == nil {
		return
	}
	m.buildsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) StatusUpdated() {
	if m == nil {
		return
	}
	m.statusUpdates.Inc()
}
