package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/changelab/changelab/internal/models"
	"github.com/changelab/changelab/internal/netlab"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters and histograms for changelabd.
type Metrics struct {
	registry             *prometheus.Registry
	jobsCreatedTotal     prometheus.Counter
	jobOutcomeTotal      *prometheus.CounterVec
	jobsRunning          prometheus.Gauge
	stageDurationSeconds *prometheus.HistogramVec
	stageFailuresTotal   *prometheus.CounterVec
	rollbackTotal        *prometheus.CounterVec
	deviceCommandsTotal  *prometheus.CounterVec
	deviceErrorsTotal    prometheus.Counter
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	jobsCreatedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "changelab",
			Subsystem: "job",
			Name:      "created_total",
			Help:      "Total number of jobs accepted.",
		},
	)
	jobOutcomeTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "changelab",
			Subsystem: "job",
			Name:      "outcome_total",
			Help:      "Total jobs reaching a terminal status.",
		},
		[]string{"status"},
	)
	jobsRunning := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "changelab",
			Subsystem: "job",
			Name:      "running",
			Help:      "Number of jobs currently executing stages.",
		},
	)
	stageDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "changelab",
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Stage handler runtime by stage.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)
	stageFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "changelab",
			Subsystem: "stage",
			Name:      "failures_total",
			Help:      "Total stage handler failures by stage.",
		},
		[]string{"stage"},
	)
	rollbackTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "changelab",
			Subsystem: "rollback",
			Name:      "total",
			Help:      "Total post-hoc rollback executions.",
		},
		[]string{"result"},
	)
	deviceCommandsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "changelab",
			Subsystem: "device",
			Name:      "commands_total",
			Help:      "Total device calls by operation.",
		},
		[]string{"op"},
	)
	deviceErrorsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "changelab",
			Subsystem: "device",
			Name:      "errors_total",
			Help:      "Total failed device calls.",
		},
	)

	registry.MustRegister(
		jobsCreatedTotal,
		jobOutcomeTotal,
		jobsRunning,
		stageDurationSeconds,
		stageFailuresTotal,
		rollbackTotal,
		deviceCommandsTotal,
		deviceErrorsTotal,
	)

	return &Metrics{
		registry:             registry,
		jobsCreatedTotal:     jobsCreatedTotal,
		jobOutcomeTotal:      jobOutcomeTotal,
		jobsRunning:          jobsRunning,
		stageDurationSeconds: stageDurationSeconds,
		stageFailuresTotal:   stageFailuresTotal,
		rollbackTotal:        rollbackTotal,
		deviceCommandsTotal:  deviceCommandsTotal,
		deviceErrorsTotal:    deviceErrorsTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncJobCreated() {
	if m == nil {
		return
	}
	m.jobsCreatedTotal.Inc()
}

func (m *Metrics) IncJobOutcome(status models.JobStatus) {
	if m == nil {
		return
	}
	m.jobOutcomeTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsRunning.Inc()
}

func (m *Metrics) JobStopped() {
	if m == nil {
		return
	}
	m.jobsRunning.Dec()
}

func (m *Metrics) ObserveStageDuration(stage models.Stage, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.stageDurationSeconds.WithLabelValues(string(stage)).Observe(seconds)
}

func (m *Metrics) IncStageFailure(stage models.Stage) {
	if m == nil {
		return
	}
	m.stageFailuresTotal.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) IncRollback(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.rollbackTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncDeviceCommand(op string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.deviceCommandsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) IncDeviceError() {
	if m == nil {
		return
	}
	m.deviceErrorsTotal.Inc()
}

// InstrumentBackend wraps a lab backend so every device call is counted.
// Returns inner unchanged when either argument is nil.
func InstrumentBackend(inner netlab.Backend, m *Metrics) netlab.Backend {
	if inner == nil || m == nil {
		return inner
	}
	return &instrumentedBackend{inner: inner, metrics: m}
}

type instrumentedBackend struct {
	inner   netlab.Backend
	metrics *Metrics
}

func (b *instrumentedBackend) ListDevices(ctx context.Context) ([]netlab.Device, error) {
	devices, err := b.inner.ListDevices(ctx)
	b.metrics.IncDeviceCommand("list_devices")
	if err != nil {
		b.metrics.IncDeviceError()
	}
	return devices, err
}

func (b *instrumentedBackend) RunCommand(ctx context.Context, device, command string) (string, error) {
	out, err := b.inner.RunCommand(ctx, device, command)
	b.metrics.IncDeviceCommand("run_command")
	if err != nil {
		b.metrics.IncDeviceError()
	}
	return out, err
}

func (b *instrumentedBackend) ApplyConfig(ctx context.Context, device, config string, save bool) (string, error) {
	out, err := b.inner.ApplyConfig(ctx, device, config, save)
	b.metrics.IncDeviceCommand("apply_config")
	if err != nil {
		b.metrics.IncDeviceError()
	}
	return out, err
}
