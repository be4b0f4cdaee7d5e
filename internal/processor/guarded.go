package processor

import (
	"context"
	"time"

	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/circuitbreaker"
	"github.com/localmarket/paycore/internal/metrics"
	"github.com/localmarket/paycore/internal/retry"
	"github.com/localmarket/paycore/internal/traces"
)

// retriedOps are safe to repeat under the same idempotency key without
// consulting local state first.
var retriedOps = map[string]bool{
	OpCreateIntent:  true,
	OpConfirmIntent: true,
	OpGetIntent:     true,
	OpBalance:       true,
}

// Guarded wraps a Gateway with a per-call timeout, a per-operation circuit
// breaker and bounded retries, and records metrics and spans for each call.
type Guarded struct {
	next      Gateway
	breaker   *circuitbreaker.Breaker
	timeout   time.Duration
	attempts  int
	baseDelay time.Duration
}

var _ Gateway = (*Guarded)(nil)

// NewGuarded wraps next. retries is the number of extra attempts for
// retryable failures on idempotent operations. breaker may be nil.
func NewGuarded(next Gateway, timeout time.Duration, retries int, breaker *circuitbreaker.Breaker) *Guarded {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Guarded{
		next:      next,
		breaker:   breaker,
		timeout:   timeout,
		attempts:  retries + 1,
		baseDelay: 200 * time.Millisecond,
	}
}

func guard[T any](ctx context.Context, g *Guarded, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	ctx, span := traces.StartSpan(ctx, "processor."+op, traces.Op(op))
	defer span.End()

	if !g.breaker.Allow(op) {
		metrics.ProcessorCallsTotal.WithLabelValues(op, "circuit_open").Inc()
		err := apperr.Processor("payment processor temporarily unavailable", true, ErrCircuitOpen)
		traces.Fail(span, err)
		return zero, err
	}

	attempts := 1
	if retriedOps[op] {
		attempts = g.attempts
	}

	start := time.Now()
	var out T
	tries := 0
	err := retry.Do(ctx, attempts, g.baseDelay, func() error {
		tries++
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		res, err := fn(callCtx)
		if err != nil {
			if _, ok := apperr.As(err); !ok {
				err = apperr.Processor("payment processor request failed", true, err)
			}
			if !apperr.IsRetryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	})
	metrics.ProcessorCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	span.SetAttributes(traces.Attempts(tries))

	if err != nil {
		// Declines and validation failures say nothing about processor health.
		if apperr.IsRetryable(err) {
			g.breaker.RecordFailure(op)
			metrics.ProcessorCallsTotal.WithLabelValues(op, "retryable").Inc()
		} else {
			g.breaker.RecordSuccess(op)
			metrics.ProcessorCallsTotal.WithLabelValues(op, "error").Inc()
		}
		traces.Fail(span, err)
		return zero, err
	}

	g.breaker.RecordSuccess(op)
	metrics.ProcessorCallsTotal.WithLabelValues(op, "ok").Inc()
	return out, nil
}

func (g *Guarded) CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error) {
	return guard(ctx, g, OpCreateIntent, func(ctx context.Context) (*Intent, error) {
		return g.next.CreateIntent(ctx, p)
	})
}

func (g *Guarded) ConfirmIntent(ctx context.Context, p ConfirmParams) (*Intent, error) {
	return guard(ctx, g, OpConfirmIntent, func(ctx context.Context) (*Intent, error) {
		return g.next.ConfirmIntent(ctx, p)
	})
}

func (g *Guarded) CaptureIntent(ctx context.Context, p CaptureParams) (*Intent, error) {
	return guard(ctx, g, OpCaptureIntent, func(ctx context.Context) (*Intent, error) {
		return g.next.CaptureIntent(ctx, p)
	})
}

func (g *Guarded) CancelIntent(ctx context.Context, p CancelParams) (*Intent, error) {
	return guard(ctx, g, OpCancelIntent, func(ctx context.Context) (*Intent, error) {
		return g.next.CancelIntent(ctx, p)
	})
}

func (g *Guarded) GetIntent(ctx context.Context, id string) (*Intent, error) {
	return guard(ctx, g, OpGetIntent, func(ctx context.Context) (*Intent, error) {
		return g.next.GetIntent(ctx, id)
	})
}

func (g *Guarded) Refund(ctx context.Context, p RefundParams) (*Refund, error) {
	return guard(ctx, g, OpRefund, func(ctx context.Context) (*Refund, error) {
		return g.next.Refund(ctx, p)
	})
}

func (g *Guarded) CreatePayout(ctx context.Context, p PayoutParams) (*Payout, error) {
	return guard(ctx, g, OpCreatePayout, func(ctx context.Context) (*Payout, error) {
		return g.next.CreatePayout(ctx, p)
	})
}

func (g *Guarded) Balance(ctx context.Context, account string) (*Balance, error) {
	return guard(ctx, g, OpBalance, func(ctx context.Context) (*Balance, error) {
		return g.next.Balance(ctx, account)
	})
}

// ParseWebhook is local verification and is not guarded.
func (g *Guarded) ParseWebhook(payload []byte, signatureHeader string) (*Event, error) {
	return g.next.ParseWebhook(payload, signatureHeader)
}
