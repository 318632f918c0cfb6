package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry          *prometheus.Registry
	operationsTotal   *prometheus.CounterVec
	proofRejections   *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rejectionLogDepth prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rampledger_operations_total",
		Help: "Ledger operations by outcome",
	}, []string{"op", "status"})

	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rampledger_proof_rejections_total",
		Help: "Payment proofs rejected by a processor",
	}, []string{"reason"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rampledger_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rampledger_rejection_log_depth",
		Help: "Number of entries in the rejected proof log",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(ops, rejections, duration, depth)

	return &metricsRegistry{
		registry:          r,
		operationsTotal:   ops,
		proofRejections:   rejections,
		requestDuration:   duration,
		rejectionLogDepth: depth,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incOp(op, status string) {
	m.operationsTotal.WithLabelValues(op, status).Inc()
}

func (m *metricsRegistry) incRejection(reason string) {
	m.proofRejections.WithLabelValues(reason).Inc()
}

func (m *metricsRegistry) observe(route, method string, seconds float64) {
	m.requestDuration.WithLabelValues(route, method).Observe(seconds)
}

func (m *metricsRegistry) setRejectionLogDepth(depth int) {
	m.rejectionLogDepth.Set(float64(depth))
}
