package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "rillcast"

// Version is reported as service.version on every span.
var Version = "dev"

// TracerProvider owns the exporter pipeline. The zero value is a no-op,
// returned when tracing is disabled.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	// SampleRate is the fraction of root spans kept; children follow their parent.
	SampleRate float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "rillcast",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Init installs the global tracer provider and propagator.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = tracerName
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(Version),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := NewProvider(tracesdk.WithBatcher(exp), tracesdk.WithResource(res), tracesdk.WithSampler(sampler(cfg.SampleRate)))
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// NewProvider installs a provider built from opts as the global one. Init
// uses it with the Jaeger batcher; tests pass a span recorder.
func NewProvider(opts ...tracesdk.TracerProviderOption) *TracerProvider {
	tp := tracesdk.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return &TracerProvider{tp: tp}
}

func sampler(rate float64) tracesdk.Sampler {
	switch {
	case rate >= 1:
		return tracesdk.ParentBased(tracesdk.AlwaysSample())
	case rate <= 0:
		return tracesdk.ParentBased(tracesdk.NeverSample())
	default:
		return tracesdk.ParentBased(tracesdk.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.tp == nil {
		return nil
	}
	return tp.tp.Shutdown(ctx)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// AddSpanAttributes annotates the span carried by ctx, if it is recording.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span carried by ctx as failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

var (
	RoomIDKey        = attribute.Key("room.id")
	SessionIDKey     = attribute.Key("session.id")
	ParticipantIDKey = attribute.Key("participant.id")
	LayoutKey        = attribute.Key("composition.layout")
	TrackCountKey    = attribute.Key("composition.tracks")
)

// TraceHTTPRequest starts a server span named after the route template.
func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("http.%s", method),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

// TraceStreamOperation spans a composition lifecycle step of one room:
// stream.start, stream.stop or stream.refresh.
func TraceStreamOperation(ctx context.Context, operation, roomID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "stream."+operation,
		trace.WithAttributes(RoomIDKey.String(roomID)),
	)
}

// TracePublisher spans publisher negotiation in the real-time layer.
func TracePublisher(ctx context.Context, operation, roomID, participantID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "publisher."+operation,
		trace.WithAttributes(
			RoomIDKey.String(roomID),
			ParticipantIDKey.String(participantID),
		),
	)
}
