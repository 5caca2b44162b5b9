package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Step and compensation outcomes.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// Metrics wraps Prometheus metrics for the upload saga. All methods are safe on a nil receiver.
type Metrics struct {
	registry      *prometheus.Registry
	sagaStarted   *prometheus.CounterVec
	sagaFinished  *prometheus.CounterVec
	stepTotal     *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	compensations *prometheus.CounterVec
	activeSagas   prometheus.Gauge
	uploadBytes   prometheus.Histogram
	recoveryRuns  *prometheus.CounterVec

	streamPending *prometheus.GaugeVec
	streamErrors  *prometheus.CounterVec
	streamDLQ     *prometheus.CounterVec
}

// New creates a metrics registry and registers saga metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	sagaStarted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_started_total",
		Help: "Total number of started sagas.",
	}, []string{"type"})

	sagaFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_finished_total",
		Help: "Total number of sagas reaching a terminal or failed status.",
	}, []string{"type", "status"})

	stepTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_step_total",
		Help: "Total number of executed saga steps by result.",
	}, []string{"step", "result"})

	stepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_step_duration_seconds",
		Help:    "Saga step side effect latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"step"})

	compensations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensation_total",
		Help: "Total number of executed compensation actions by result.",
	}, []string{"action", "result"})

	activeSagas := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "saga_active",
		Help: "Active sagas seen by the last recovery sweep.",
	})

	uploadBytes := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "file_upload_bytes",
		Help:    "Size of accepted uploads in bytes.",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
	})

	recoveryRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_recovery_total",
		Help: "Sagas handled by the recovery sweep by outcome.",
	}, []string{"outcome"})

	streamPending := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "redis_stream_pending",
		Help: "Number of pending messages in Redis Streams consumer groups.",
	}, []string{"stream", "group"})

	streamErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_stream_handler_errors_total",
		Help: "Total number of stream handler errors.",
	}, []string{"stream", "group"})

	streamDLQ := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_stream_dlq_total",
		Help: "Total number of messages moved to Redis Stream DLQ.",
	}, []string{"stream", "group"})

	registry.MustRegister(sagaStarted, sagaFinished, stepTotal, stepDuration, compensations,
		activeSagas, uploadBytes, recoveryRuns, streamPending, streamErrors, streamDLQ)

	return &Metrics{
		registry:      registry,
		sagaStarted:   sagaStarted,
		sagaFinished:  sagaFinished,
		stepTotal:     stepTotal,
		stepDuration:  stepDuration,
		compensations: compensations,
		activeSagas:   activeSagas,
		uploadBytes:   uploadBytes,
		recoveryRuns:  recoveryRuns,
		streamPending: streamPending,
		streamErrors:  streamErrors,
		streamDLQ:     streamDLQ,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncSagaStarted(sagaType string) {
	if m == nil {
		return
	}
	m.sagaStarted.WithLabelValues(sagaType).Inc()
}

func (m *Metrics) IncSagaFinished(sagaType, status string) {
	if m == nil {
		return
	}
	m.sagaFinished.WithLabelValues(sagaType, status).Inc()
}

// ObserveStep records one step attempt outcome and its latency.
func (m *Metrics) ObserveStep(step, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepTotal.WithLabelValues(step, result).Inc()
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) IncCompensation(action, result string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(action, result).Inc()
}

func (m *Metrics) SetActiveSagas(count int) {
	if m == nil {
		return
	}
	m.activeSagas.Set(float64(count))
}

func (m *Metrics) ObserveUploadBytes(n int64) {
	if m == nil {
		return
	}
	m.uploadBytes.Observe(float64(n))
}

func (m *Metrics) IncRecovery(outcome string) {
	if m == nil {
		return
	}
	m.recoveryRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetStreamPending(stream, group string, pending int64) {
	if m == nil {
		return
	}
	m.streamPending.WithLabelValues(stream, group).Set(float64(pending))
}

func (m *Metrics) IncStreamError(stream, group string) {
	if m == nil {
		return
	}
	m.streamErrors.WithLabelValues(stream, group).Inc()
}

func (m *Metrics) IncStreamDLQ(stream, group string) {
	if m == nil {
		return
	}
	m.streamDLQ.WithLabelValues(stream, group).Inc()
}
