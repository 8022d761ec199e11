// Package metrics owns the Prometheus collectors for the bus, the
// service runtime and the updater pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics aggregates every collector behind one registry so binaries
// can expose exactly what they use.
type Metrics struct {
	registry *prometheus.Registry

	// Bus
	BusPublishes  prometheus.Counter
	BusReconnects prometheus.Counter
	BusQueuedSize prometheus.Gauge

	// Service runtime
	RequestsHandled *prometheus.CounterVec // label: result=success|error
	RequestsSent    *prometheus.CounterVec // label: result=ok|unavailable|timeout
	OpenRequests    prometheus.Gauge

	// Updater
	RowsFetched   *prometheus.CounterVec // label: table
	RowsWritten   *prometheus.CounterVec // label: table
	RowsDeleted   *prometheus.CounterVec // label: table
	StageDuration *prometheus.HistogramVec // labels: table, stage
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.BusPublishes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_publishes_total",
		Help: "Envelopes published on the broker",
	})
	m.BusReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_reconnects_total",
		Help: "Broker reconnection attempts",
	})
	m.BusQueuedSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bus_queued_publishes",
		Help: "Publishes waiting for the connection to come back",
	})

	m.RequestsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "service_requests_handled_total",
		Help: "Inbound requests by result",
	}, []string{"result"})
	m.RequestsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "service_requests_sent_total",
		Help: "Outbound requests by result",
	}, []string{"result"})
	m.OpenRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_open_requests",
		Help: "Requests currently being handled",
	})

	m.RowsFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "updater_rows_fetched_total",
		Help: "Rows read from the source database",
	}, []string{"table"})
	m.RowsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "updater_rows_written_total",
		Help: "Rows written to the destination database",
	}, []string{"table"})
	m.RowsDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "updater_rows_deleted_total",
		Help: "Rows deleted from the destination database",
	}, []string{"table"})
	m.StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "updater_stage_duration_seconds",
		Help:    "Wall time per pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"table", "stage"})

	m.registry.MustRegister(
		m.BusPublishes, m.BusReconnects, m.BusQueuedSize,
		m.RequestsHandled, m.RequestsSent, m.OpenRequests,
		m.RowsFetched, m.RowsWritten, m.RowsDeleted, m.StageDuration,
	)
	return m
}

// ObserveStage records a stage duration from its start time.
func (m *Metrics) ObserveStage(table, stage string, start time.Time) {
	m.StageDuration.WithLabelValues(table, stage).Observe(time.Since(start).Seconds())
}

// Serve exposes /metrics on addr. Blocking; run in a goroutine.
func (m *Metrics) Serve(addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	logger.Info().Str("addr", addr).Msg("Serving metrics")
	return http.ListenAndServe(addr, mux)
}
