package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cimillas/stockroom/internal/domain"
)

const namespace = "stockroom"

// Registry owns the service's Prometheus collectors.
type Registry struct {
	reg         *prometheus.Registry
	operations  *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	lines       *prometheus.CounterVec
	messages    *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_operations_total",
			Help:      "Stock mutations by operation and outcome code.",
		}, []string{"operation", "outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_conflict_retries_total",
			Help:      "Optimistic conflicts that triggered a retry.",
		}, []string{"operation"}),
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_lines_total",
			Help:      "Order lines reconciled by event and outcome.",
		}, []string{"event", "outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_messages_total",
			Help:      "Consumed messages by topic and outcome.",
		}, []string{"topic", "outcome"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.operations,
		r.conflicts,
		r.lines,
		r.messages,
		r.httpLatency,
	)
	return r
}

func (r *Registry) ObserveOperation(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = domain.Code(err)
	}
	r.operations.WithLabelValues(op, outcome).Inc()
}

func (r *Registry) ObserveConflict(op string) {
	r.conflicts.WithLabelValues(op).Inc()
}

func (r *Registry) ObserveReconcileLine(event domain.OrderEventType, outcome string) {
	r.lines.WithLabelValues(string(event), outcome).Inc()
}

func (r *Registry) ObserveMessage(topic, outcome string) {
	r.messages.WithLabelValues(topic, outcome).Inc()
}

func (r *Registry) ObserveHTTP(method, status string, seconds float64) {
	r.httpLatency.WithLabelValues(method, status).Observe(seconds)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
