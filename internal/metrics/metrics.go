// Package metrics exposes the indexer's runtime counters as Prometheus
// collectors. It backs both rpc.Metrics (per-endpoint RPC call latency and
// RPS ceilings) and orchestrator.Metrics (handler duration and batch size)
// with one registry so a single /metrics endpoint covers the whole
// pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus-backed sink satisfying rpc.Metrics and
// orchestrator.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	rpcCallLatency   *prometheus.HistogramVec
	rpcCallErrors    *prometheus.CounterVec
	endpointRPSLimit *prometheus.GaugeVec

	handlerDuration *prometheus.HistogramVec
	handlerErrors   *prometheus.CounterVec
	batchSize       *prometheus.HistogramVec
}

// New registers and returns a Metrics sink on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		rpcCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "starkindex",
			Subsystem: "rpc",
			Name:      "call_latency_seconds",
			Help:      "RPC call latency by endpoint and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "method"}),
		rpcCallErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "starkindex",
			Subsystem: "rpc",
			Name:      "call_errors_total",
			Help:      "RPC call failures by endpoint and method.",
		}, []string{"endpoint", "method"}),
		endpointRPSLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "starkindex",
			Subsystem: "rpc",
			Name:      "endpoint_rps_limit",
			Help:      "Current adaptive RPS ceiling per endpoint.",
		}, []string{"endpoint"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "starkindex",
			Subsystem: "handler",
			Name:      "duration_seconds",
			Help:      "Handler invocation duration by chain and source.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain", "source"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "starkindex",
			Subsystem: "handler",
			Name:      "errors_total",
			Help:      "Handler invocations that failed after retries.",
		}, []string{"chain", "source"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "starkindex",
			Subsystem: "orchestrator",
			Name:      "batch_size",
			Help:      "Number of events delivered per realtime batch.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}, []string{"chain"}),
	}
	reg.MustRegister(
		m.rpcCallLatency, m.rpcCallErrors, m.endpointRPSLimit,
		m.handlerDuration, m.handlerErrors, m.batchSize,
	)
	return m
}

// Handler returns the http.Handler serving this registry's metrics page.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRPCCall implements rpc.Metrics.
func (m *Metrics) ObserveRPCCall(endpoint, method string, latency time.Duration, err error) {
	m.rpcCallLatency.WithLabelValues(endpoint, method).Observe(latency.Seconds())
	if err != nil {
		m.rpcCallErrors.WithLabelValues(endpoint, method).Inc()
	}
}

// ObserveEndpointRPS implements rpc.Metrics.
func (m *Metrics) ObserveEndpointRPS(endpoint string, limit int) {
	m.endpointRPSLimit.WithLabelValues(endpoint).Set(float64(limit))
}

// ObserveHandlerDuration implements orchestrator.Metrics.
func (m *Metrics) ObserveHandlerDuration(chainID, sourceName string, d time.Duration, err error) {
	m.handlerDuration.WithLabelValues(chainID, sourceName).Observe(d.Seconds())
	if err != nil {
		m.handlerErrors.WithLabelValues(chainID, sourceName).Inc()
	}
}

// ObserveBatchSize implements orchestrator.Metrics.
func (m *Metrics) ObserveBatchSize(chainID string, n int) {
	m.batchSize.WithLabelValues(chainID).Observe(float64(n))
}
