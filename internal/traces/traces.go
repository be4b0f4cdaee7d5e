// Package traces wires OpenTelemetry tracing for payment and payout
// operations and the processor calls beneath them.
package traces

import (
	"context"
	"log/slog"

	"github.com/localmarket/paycore/internal/apperr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/localmarket/paycore"

// Config selects where spans go. An empty Endpoint disables export.
type Config struct {
	Endpoint string
	Service  string
	Version  string
	// SampleRatio applies to root spans; children follow their parent.
	// Zero or above one means sample everything.
	SampleRatio float64
}

// Init installs the global tracer provider and returns its shutdown func.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled, OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	tp := NewProvider(cfg, sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// NewProvider builds a tracer provider for cfg around the given span
// processors or exporters.
func NewProvider(cfg Config, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	if cfg.Service == "" {
		cfg.Service = "paycore"
	}
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	res := resource.NewSchemaless(
		semconv.ServiceName(cfg.Service),
		semconv.ServiceVersion(cfg.Version),
	)
	opts = append(opts,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	return sdktrace.NewTracerProvider(opts...)
}

// StartSpan starts a span on the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail marks span as failed with err's error kind. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	kind := string(apperr.KindOf(err))
	span.RecordError(err)
	span.SetAttributes(attribute.String("error.kind", kind))
	span.SetStatus(codes.Error, kind)
}

func Op(op string) attribute.KeyValue { return attribute.String("processor.op", op) }

func IntentID(id string) attribute.KeyValue { return attribute.String("payment_intent.id", id) }

func BusinessID(id string) attribute.KeyValue { return attribute.String("business.id", id) }

func PayoutID(id string) attribute.KeyValue { return attribute.String("payout.id", id) }

func Amount(amount int64) attribute.KeyValue { return attribute.Int64("amount", amount) }

func Attempts(n int) attribute.KeyValue { return attribute.Int("processor.attempts", n) }
