package telemetry

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Telemetry bundles the logger, tracer and metrics handed to the runtime.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that discards logs, records no spans and collects no metrics.
func Nop() *Telemetry {
	return &Telemetry{
		Logger: zerolog.Nop(),
		Tracer: NoopTracer(),
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromContext retrieves the telemetry instance from the context, or Nop.
func FromContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return Nop()
}

// StartMetricsServer starts the metrics HTTP endpoint if configured.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(ComponentLogger(t.Logger, "metrics"))
}

// Shutdown flushes traces and stops the metrics endpoint.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Tracer.Shutdown(ctx),
		t.Metrics.StopMetricsServer(ctx),
	)
}
