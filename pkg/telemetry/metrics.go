package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for the runtime. Every recording
// method is safe to call on a nil *Metrics or on a disabled instance.
type Metrics struct {
	config MetricsConfig

	// Executor metrics
	poolQueueDepth *prometheus.GaugeVec
	tasks          *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec

	// Event bus metrics
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	listenerFailures *prometheus.CounterVec

	// Registry metrics
	registryOps *prometheus.CounterVec

	// Mod lifecycle metrics
	modsLoaded         prometheus.Gauge
	resolutions        *prometheus.CounterVec
	resolutionDuration prometheus.Histogram
	modLoads           *prometheus.CounterVec
	modLoadDuration    *prometheus.HistogramVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		poolQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "queue_depth",
				Help:      "Number of tasks waiting in a worker pool",
			},
			[]string{"pool"},
		),
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "tasks_total",
				Help:      "Total number of tasks run by a worker pool",
			},
			[]string{"pool", "outcome"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds",
				Buckets:   buckets,
			},
			[]string{"pool"},
		),

		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "dispatches_total",
				Help:      "Total number of event dispatches",
			},
			[]string{"event", "mode", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of delivering an event to every listener",
				Buckets:   buckets,
			},
			[]string{"event", "mode"},
		),
		listenerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "listener_failures_total",
				Help:      "Total number of listener errors and panics",
			},
			[]string{"event", "mod"},
		),

		registryOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "operations_total",
				Help:      "Total number of registry mutations",
			},
			[]string{"registry", "op", "outcome"},
		),

		modsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mods_loaded",
				Help:      "Current number of loaded mods",
			},
		),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Total number of load order resolutions",
			},
			[]string{"outcome"},
		),
		resolutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolution_duration_seconds",
				Help:      "Duration of load order resolution in seconds",
				Buckets:   buckets,
			},
		),
		modLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mod_loads_total",
				Help:      "Total number of mod entrypoint loads",
			},
			[]string{"kind", "outcome"},
		),
		modLoadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "mod_load_duration_seconds",
				Help:      "Duration of instantiating a mod entrypoint",
				Buckets:   buckets,
			},
			[]string{"mod", "kind"},
		),
	}

	registry.MustRegister(
		m.poolQueueDepth,
		m.tasks,
		m.taskDuration,
		m.dispatches,
		m.dispatchDuration,
		m.listenerFailures,
		m.registryOps,
		m.modsLoaded,
		m.resolutions,
		m.resolutionDuration,
		m.modLoads,
		m.modLoadDuration,
	)

	return m, nil
}

// Enabled reports whether metrics are being collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the underlying Prometheus registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Executor Metrics

// SetPoolQueueDepth records the number of queued tasks for a pool.
func (m *Metrics) SetPoolQueueDepth(pool string, depth int) {
	if m == nil || m.poolQueueDepth == nil {
		return
	}
	m.poolQueueDepth.WithLabelValues(pool).Set(float64(depth))
}

// RecordTask records a finished task with its outcome (success, error, panic).
func (m *Metrics) RecordTask(pool, outcome string, duration time.Duration) {
	if m == nil || m.tasks == nil {
		return
	}
	m.tasks.WithLabelValues(pool, outcome).Inc()
	m.taskDuration.WithLabelValues(pool).Observe(duration.Seconds())
}

// Event Bus Metrics

// RecordDispatch records one event delivery. Mode is sync, async or main.
func (m *Metrics) RecordDispatch(eventType, mode, outcome string, duration time.Duration) {
	if m == nil || m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(eventType, mode, outcome).Inc()
	m.dispatchDuration.WithLabelValues(eventType, mode).Observe(duration.Seconds())
}

// RecordListenerFailure records a listener that returned an error or panicked.
func (m *Metrics) RecordListenerFailure(eventType, modID string) {
	if m == nil || m.listenerFailures == nil {
		return
	}
	m.listenerFailures.WithLabelValues(eventType, modID).Inc()
}

// Registry Metrics

// RecordRegistryOp records a registry mutation.
func (m *Metrics) RecordRegistryOp(registry, op, outcome string) {
	if m == nil || m.registryOps == nil {
		return
	}
	m.registryOps.WithLabelValues(registry, op, outcome).Inc()
}

// Mod Metrics

// SetModsLoaded sets the number of currently loaded mods.
func (m *Metrics) SetModsLoaded(n int) {
	if m == nil || m.modsLoaded == nil {
		return
	}
	m.modsLoaded.Set(float64(n))
}

// RecordResolution records a load order resolution.
func (m *Metrics) RecordResolution(outcome string, duration time.Duration) {
	if m == nil || m.resolutions == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
	m.resolutionDuration.Observe(duration.Seconds())
}

// RecordModLoad records the instantiation of a mod entrypoint.
func (m *Metrics) RecordModLoad(modID, kind, outcome string, duration time.Duration) {
	if m == nil || m.modLoads == nil {
		return
	}
	m.modLoads.WithLabelValues(kind, outcome).Inc()
	m.modLoadDuration.WithLabelValues(modID, kind).Observe(duration.Seconds())
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics endpoint.
// It is a no-op when metrics or the listen address are not configured.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if !m.Enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	logger.Info().
		Str("address", m.config.ListenAddress).
		Str("path", m.config.Path).
		Msg("Metrics server started")

	return nil
}

// StopMetricsServer shuts the metrics endpoint down if it was started.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
