// Package metrics holds the Prometheus collectors. Every method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat"

type Metrics struct {
	registry *prometheus.Registry

	chatRequests        *prometheus.CounterVec
	streamDuration      prometheus.Histogram
	tokensRecorded      *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec
	usageEvents         *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		chatRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Chat completion requests by outcome",
		}, []string{"outcome"}),
		streamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Time from provider call to end of stream",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		tokensRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_recorded_total",
			Help:      "Tokens written to the usage ledger",
		}, []string{"kind", "source"}),
		persistenceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Store failures by operation and policy",
		}, []string{"operation", "policy"}),
		usageEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_events_total",
			Help:      "Token usage events published to the broker",
		}, []string{"outcome"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ChatRequest(outcome string) {
	if m == nil {
		return
	}
	m.chatRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StreamFinished(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.streamDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) TokensRecorded(prompt, completion int64, estimated bool) {
	if m == nil {
		return
	}
	source := "reported"
	if estimated {
		source = "estimated"
	}
	m.tokensRecorded.WithLabelValues("prompt", source).Add(float64(prompt))
	m.tokensRecorded.WithLabelValues("completion", source).Add(float64(completion))
}

func (m *Metrics) PersistenceFailure(operation, policy string) {
	if m == nil {
		return
	}
	m.persistenceFailures.WithLabelValues(operation, policy).Inc()
}

func (m *Metrics) UsageEvent(outcome string) {
	if m == nil {
		return
	}
	m.usageEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
