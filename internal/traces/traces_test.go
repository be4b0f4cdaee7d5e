package traces

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/localmarket/paycore/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpanAndFail(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := NewProvider(Config{Version: "test"}, sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, parent := StartSpan(context.Background(), "payments.Refund", IntentID("pay_1"), Amount(2500))
	_, child := StartSpan(ctx, "processor.refund", Op("refund"))
	Fail(child, apperr.New(apperr.KindRefundExceeds, "too much"))
	child.End()
	Fail(parent, nil)
	parent.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "processor.refund", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "refund_exceeds_original", spans[0].Status().Description)
	assert.Contains(t, spans[0].Attributes(), attribute.String("error.kind", "refund_exceeds_original"))
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())

	assert.Equal(t, codes.Unset, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attribute.Int64("amount", 2500))
}

func TestFail_UnclassifiedError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := NewProvider(Config{}, sdktrace.WithSpanProcessor(rec))

	_, span := tp.Tracer("test").Start(context.Background(), "payouts.sweepOne")
	Fail(span, errors.New("boom"))
	span.End()

	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, codes.Error, rec.Ended()[0].Status().Code)
	assert.Len(t, rec.Ended()[0].Events(), 1, "error recorded as an event")
}

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
