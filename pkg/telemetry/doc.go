// Package telemetry provides logging, tracing and metrics for the mod runtime.
//
// Logging uses zerolog. Components receive a zerolog.Logger and derive a
// child with ComponentLogger; mod-scoped output adds a "mod" field via
// ModLogger.
//
// Metrics are collected in a private Prometheus registry. A *Metrics may be
// nil or disabled; every Record/Set method is then a no-op, so callers never
// branch on configuration:
//
//	m, _ := telemetry.NewMetrics(cfg.Metrics)
//	m.RecordTask("general", "success", time.Since(start))
//
// Tracing uses the OpenTelemetry SDK with stdout or OTLP/gRPC exporters.
// Boot, resolution and per-mod loads each open a span:
//
//	ctx, span := tel.Tracer.StartModSpan(ctx, "load", mod.ID(), "starlark")
//	defer telemetry.EndSpan(span, err)
//
// Telemetry bundles all three and can travel in a context.Context.
package telemetry
