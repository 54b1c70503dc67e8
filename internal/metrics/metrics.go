// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llama-gateway/internal/engine"
	"llama-gateway/internal/models"
	"llama-gateway/internal/scheduler"
)

const namespace = "llama_gateway"

// Metrics owns a private registry with the gateway collectors.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	queueWait    prometheus.Histogram
	generations  *prometheus.CounterVec
	genDuration  *prometheus.HistogramVec
	tokens       *prometheus.CounterVec
}

// New registers the collectors. stats, when non-nil, backs the queue gauges.
func New(stats func() scheduler.Stats) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, including streamed bodies.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"method", "route"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time spent waiting for the engine.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Finished generations by mode and outcome.",
		}, []string{"mode", "outcome"}),
		genDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Time the engine spent on one generation.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"mode"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens processed by kind.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.queueWait,
		m.generations,
		m.genDuration,
		m.tokens,
	)

	if stats != nil {
		gauge := func(name, help string, read func(scheduler.Stats) int) prometheus.GaugeFunc {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      name,
				Help:      help,
			}, func() float64 { return float64(read(stats())) })
		}
		m.registry.MustRegister(
			gauge("engine_active_sessions", "Sessions holding an engine slot.", func(s scheduler.Stats) int { return s.Active }),
			gauge("engine_waiting_requests", "Requests queued for the engine.", func(s scheduler.Stats) int { return s.Waiting }),
			gauge("engine_slots", "Configured engine slots.", func(s scheduler.Stats) int { return s.Capacity }),
		)
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// QueueWait records the time a request waited for the engine.
func (m *Metrics) QueueWait(d time.Duration) {
	m.queueWait.Observe(d.Seconds())
}

// Generation records a finished generation. The outcome is the finish
// reason, or an error class when err is non-nil.
func (m *Metrics) Generation(mode string, reason models.FinishReason, d time.Duration, err error) {
	m.generations.WithLabelValues(mode, outcome(reason, err)).Inc()
	m.genDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// Tokens adds reported usage to the token counters.
func (m *Metrics) Tokens(u models.Usage) {
	m.tokens.WithLabelValues("prompt").Add(float64(u.PromptTokens))
	m.tokens.WithLabelValues("completion").Add(float64(u.CompletionTokens))
}

func outcome(reason models.FinishReason, err error) string {
	switch {
	case err == nil:
		return string(reason)
	case errors.Is(err, engine.ErrGenerationTimeout):
		return "timeout"
	case engine.IsEngineError(err):
		return "engine_error"
	default:
		return "cancelled"
	}
}
