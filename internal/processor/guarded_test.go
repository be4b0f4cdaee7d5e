package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuarded(f *Fake, retries int, breaker *circuitbreaker.Breaker) *Guarded {
	g := NewGuarded(f, time.Second, retries, breaker)
	g.baseDelay = time.Millisecond
	return g
}

func TestGuarded_RetriesIdempotentOps(t *testing.T) {
	f := NewFake("whsec_test")
	f.FailNext(OpCreateIntent, apperr.Processor("unavailable", true, nil))
	f.FailNext(OpCreateIntent, apperr.Processor("unavailable", true, nil))
	g := newTestGuarded(f, 2, nil)

	pi, err := g.CreateIntent(context.Background(), CreateIntentParams{Amount: 1000, Currency: "USD", IdempotencyKey: "create:g1"})
	require.NoError(t, err)
	assert.NotEmpty(t, pi.ID)
	assert.Equal(t, 1, f.Calls(OpCreateIntent))
}

func TestGuarded_DoesNotRetryCapture(t *testing.T) {
	f := NewFake("whsec_test")
	f.FailNext(OpCaptureIntent, apperr.Processor("unavailable", true, nil))
	g := newTestGuarded(f, 3, nil)

	_, err := g.CaptureIntent(context.Background(), CaptureParams{IntentID: "pi_missing", Amount: 100})
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))

	// The queued failure was consumed by the single attempt; the next call
	// reaches the fake and fails on the unknown intent.
	_, err = g.CaptureIntent(context.Background(), CaptureParams{IntentID: "pi_missing", Amount: 100})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestGuarded_PermanentErrorsNotRetried(t *testing.T) {
	f := NewFake("whsec_test")
	f.FailNext(OpConfirmIntent, apperr.Processor("card declined", false, nil))
	f.FailNext(OpConfirmIntent, apperr.Processor("should not be reached", false, nil))
	g := newTestGuarded(f, 3, nil)

	_, err := g.ConfirmIntent(context.Background(), ConfirmParams{IntentID: "pi_x", PaymentMethod: FakeCardSuccess})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "card declined")
	assert.False(t, apperr.IsRetryable(err))
}

func TestGuarded_WrapsUnclassifiedErrors(t *testing.T) {
	f := NewFake("whsec_test")
	f.FailNext(OpBalance, errors.New("connection reset"))
	g := newTestGuarded(f, 0, nil)

	_, err := g.Balance(context.Background(), "acct")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindProcessor))
	assert.True(t, apperr.IsRetryable(err))
}

func TestGuarded_CircuitOpens(t *testing.T) {
	f := NewFake("whsec_test")
	breaker := circuitbreaker.New(2, time.Minute)
	g := newTestGuarded(f, 0, breaker)

	for i := 0; i < 2; i++ {
		f.FailNext(OpBalance, apperr.Processor("unavailable", true, nil))
		_, err := g.Balance(context.Background(), "acct")
		require.Error(t, err)
	}

	_, err := g.Balance(context.Background(), "acct")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State(OpBalance))

	// Other operations keep their own circuit.
	_, err = g.CreateIntent(context.Background(), CreateIntentParams{Amount: 100, Currency: "USD"})
	assert.NoError(t, err)
}

func TestGuarded_DeclineKeepsCircuitClosed(t *testing.T) {
	f := NewFake("whsec_test")
	breaker := circuitbreaker.New(1, time.Minute)
	g := newTestGuarded(f, 0, breaker)

	f.FailNext(OpRefund, apperr.Processor("charge already refunded", false, nil))
	_, err := g.Refund(context.Background(), RefundParams{IntentID: "pi_x", Amount: 1})
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State(OpRefund))
}
