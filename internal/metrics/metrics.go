package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics — счётчики сервиса в собственном реестре.
type Metrics struct {
	Registry *prometheus.Registry

	Queries          *prometheus.CounterVec   // по исходу: done, error, cancelled
	QueryDuration    prometheus.Histogram     // от запроса до терминального события
	RetrievalLatency prometheus.Histogram
	TokensStreamed   prometheus.Counter
	PersistFailures  prometheus.Counter
	Conflicts        prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
	ChunksIngested   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ragchat_queries_total",
			Help: "Queries by terminal outcome.",
		}, []string{"outcome"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ragchat_query_duration_seconds",
			Help:    "Time from request to terminal event.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		RetrievalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ragchat_retrieval_duration_seconds",
			Help:    "Embedding plus vector search latency.",
			Buckets: prometheus.DefBuckets,
		}),
		TokensStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragchat_tokens_streamed_total",
			Help: "Tokens forwarded to clients.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragchat_history_persist_failures_total",
			Help: "Answers that streamed but could not be written to history.",
		}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragchat_session_conflicts_total",
			Help: "Requests rejected because the session was busy.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ragchat_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		ChunksIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragchat_chunks_ingested_total",
			Help: "Chunks written to the passage store.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Queries, m.QueryDuration, m.RetrievalLatency, m.TokensStreamed,
		m.PersistFailures, m.Conflicts, m.HTTPRequests, m.ChunksIngested,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Методы ниже допускают nil-получатель, чтобы компоненты работали без метрик.

func (m *Metrics) ObserveQuery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Queries.WithLabelValues(outcome).Inc()
	m.QueryDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveRetrieval(d time.Duration) {
	if m == nil {
		return
	}
	m.RetrievalLatency.Observe(d.Seconds())
}

func (m *Metrics) TokenStreamed() {
	if m == nil {
		return
	}
	m.TokensStreamed.Inc()
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

func (m *Metrics) Ingested(chunks int) {
	if m == nil {
		return
	}
	m.ChunksIngested.Add(float64(chunks))
}

func (m *Metrics) HTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
