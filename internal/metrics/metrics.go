// Package metrics exposes Prometheus metrics for the answer engine.
// Every method is safe on a nil *Metrics so components can run unmetered.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	AnswersTotal       *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	CompletionDuration *prometheus.HistogramVec
	CacheRequestsTotal *prometheus.CounterVec
	CorpusRefreshTotal *prometheus.CounterVec
	IndexDocuments     prometheus.Gauge
	KeywordEntries     prometheus.Gauge
	StartTime          time.Time
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{registry: reg, StartTime: time.Now()}

	m.AnswersTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orgbot_answers_total",
			Help: "Answers produced, by the stage that produced them",
		},
		[]string{"source"},
	)

	m.ErrorsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orgbot_errors_total",
			Help: "Failed requests by error kind",
		},
		[]string{"kind"},
	)

	m.CompletionDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orgbot_completion_duration_seconds",
			Help:    "Completion service call latency in seconds",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "status"},
	)

	m.CacheRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orgbot_content_cache_requests_total",
			Help: "Content cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	m.CorpusRefreshTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orgbot_corpus_refresh_total",
			Help: "Corpus refreshes by status",
		},
		[]string{"status"},
	)

	m.IndexDocuments = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "orgbot_index_documents",
			Help: "Documents in the current content index",
		},
	)

	m.KeywordEntries = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "orgbot_keyword_entries",
			Help: "Entries in the current keyword table",
		},
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveAnswer(source string) {
	if m == nil {
		return
	}
	m.AnswersTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveCompletion(provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CompletionDuration.WithLabelValues(provider, status).Observe(d.Seconds())
}

// ObserveCache records a cache lookup result: "hit", "miss" or "error".
func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.CacheRequestsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRefresh(err error, documents int) {
	if m == nil {
		return
	}
	if err != nil {
		m.CorpusRefreshTotal.WithLabelValues("error").Inc()
		return
	}
	m.CorpusRefreshTotal.WithLabelValues("ok").Inc()
	m.IndexDocuments.Set(float64(documents))
}

func (m *Metrics) SetKeywordEntries(n int) {
	if m == nil {
		return
	}
	m.KeywordEntries.Set(float64(n))
}
