package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tessera/modrt/pkg/engine"
)

// Span attributes recorded by the runtime.
var (
	AttrModsDir  = attribute.Key("mods.dir")
	AttrModCount = attribute.Key("mods.count")
	AttrModID    = attribute.Key("mod.id")
	AttrModKind  = attribute.Key("mod.kind")
	AttrStage    = attribute.Key("mod.stage")

	AttrErrorClass = attribute.Key("error.class")
	AttrErrorCode  = attribute.Key("error.code")
)

// Tracer starts the spans that cover boot, resolution and per-mod work.
// A nil *Tracer is valid and records nothing.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer for cfg. A disabled config yields NoopTracer.
// The provider is installed as the global otel provider.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return NoopTracer(), nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", cfg.Exporter, err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SamplingRate)),
	}
	// "none" keeps sampling decisions and trace ids for log correlation
	// without shipping spans anywhere.
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
	}, nil
}

// NoopTracer returns a tracer whose spans are never recorded.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("modrt")}
}

func newExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
	}
}

func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// StartSpan starts a span with the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartBootSpan starts the span covering a runtime boot.
func (t *Tracer) StartBootSpan(ctx context.Context, modsDir string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "runtime.boot", AttrModsDir.String(modsDir))
}

// StartResolveSpan starts the span for one load order resolution.
func (t *Tracer) StartResolveSpan(ctx context.Context, mods int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "mods.resolve", AttrModCount.Int(mods))
}

// StartModSpan starts a span named mod.<stage> for one mod, e.g. mod.init.
func (t *Tracer) StartModSpan(ctx context.Context, stage, modID, kind string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "mod."+stage,
		AttrModID.String(modID),
		AttrModKind.String(kind),
		AttrStage.String(stage),
	)
}

// RecordError marks span failed. Classified runtime errors also tag the
// span with their class and code.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	var rerr *engine.Error
	if errors.As(err, &rerr) {
		span.SetAttributes(AttrErrorClass.String(string(rerr.Class)))
		if rerr.Code != "" {
			span.SetAttributes(AttrErrorCode.String(rerr.Code))
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// EndSpan ends span, recording err when set.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// TraceID returns the id of the trace active in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
