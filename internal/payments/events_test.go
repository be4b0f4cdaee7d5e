package payments

import (
	"context"
	"testing"
	"time"

	"github.com/localmarket/paycore/internal/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) deliver(t *testing.T, eventType, ref string, extra map[string]any) {
	t.Helper()
	payload, header, err := f.fake.Event(eventType, ref, extra)
	require.NoError(t, err)
	ev, err := f.fake.ParseWebhook(payload, header)
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleEvent(context.Background(), ev))
}

func TestHandleEvent_CanceledAtProcessor(t *testing.T) {
	f := newFixture(t)
	id := f.held(t, 5000)
	ref := f.processorRef(t, id)

	_, err := f.fake.CancelIntent(context.Background(), processor.CancelParams{IntentID: ref, IdempotencyKey: "dashboard-cancel"})
	require.NoError(t, err)
	f.deliver(t, processor.EventIntentCanceled, ref, nil)

	d, err := f.svc.Get(owner(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, d.Intent.Status)
	assert.Equal(t, EscrowCancelled, d.Escrow.Status)

	// A second delivery finds nothing to change.
	f.deliver(t, processor.EventIntentCanceled, ref, nil)
	pi, err := f.store.GetIntent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, d.Intent.Version, pi.Version)
}

func TestHandleEvent_SucceededAfterLocalCapture(t *testing.T) {
	f := newFixture(t)
	id := f.held(t, 10000)
	_, err := f.svc.Capture(owner(), CaptureRequest{IntentID: id})
	require.NoError(t, err)

	f.deliver(t, processor.EventIntentSucceeded, f.processorRef(t, id), nil)
	assert.Equal(t, int64(9710), f.unsettled(t), "late webhook does not add a second earning")
}

func TestHandleEvent_CapturedAtProcessor(t *testing.T) {
	f := newFixture(t)
	id := f.held(t, 10000)
	ref := f.processorRef(t, id)

	_, err := f.fake.CaptureIntent(context.Background(), processor.CaptureParams{IntentID: ref, Amount: 10000, IdempotencyKey: "dashboard-capture"})
	require.NoError(t, err)
	f.deliver(t, processor.EventIntentSucceeded, ref, nil)

	d, err := f.svc.Get(owner(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, d.Intent.Status)
	assert.Equal(t, EscrowReleased, d.Escrow.Status)
	assert.Equal(t, int64(9710), f.unsettled(t))
}

func TestHandleEvent_RefundIssuedAtProcessor(t *testing.T) {
	f := newFixture(t)
	id := f.held(t, 10000)
	_, err := f.svc.Capture(owner(), CaptureRequest{IntentID: id})
	require.NoError(t, err)
	ref := f.processorRef(t, id)

	_, err = f.fake.Refund(context.Background(), processor.RefundParams{IntentID: ref, Amount: 3000, IdempotencyKey: "dashboard-refund"})
	require.NoError(t, err)
	f.deliver(t, processor.EventChargeRefunded, ref, nil)

	d, err := f.svc.Get(owner(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyRefunded, d.Intent.Status)
	assert.Equal(t, int64(3000), d.Intent.RefundedAmount)
	assert.Equal(t, int64(87), d.Intent.RefundedFee)
	require.Len(t, d.Refunds, 1)
	assert.Equal(t, int64(9710-2913), f.unsettled(t))

	// The refund made through this service is already counted.
	r, err := f.svc.Refund(owner(), RefundRequest{IntentID: id, Amount: 1000})
	require.NoError(t, err)
	f.deliver(t, processor.EventChargeRefunded, ref, nil)
	d, err = f.svc.Get(owner(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), d.Intent.RefundedAmount)
	assert.Equal(t, int64(6000), r.RemainingRefundable)
}

func TestHandleEvent_DisputeOnHeldFunds(t *testing.T) {
	f := newFixture(t)
	id := f.held(t, 8000)
	ref := f.processorRef(t, id)

	f.deliver(t, processor.EventDisputeCreated, ref, nil)
	d, err := f.svc.Get(owner(), id)
	require.NoError(t, err)
	assert.Equal(t, EscrowDisputed, d.Escrow.Status)
	assert.Equal(t, "fraudulent", d.Escrow.DisputeReason)

	_, err = f.svc.Capture(owner(), CaptureRequest{IntentID: id})
	assert.ErrorIs(t, err, ErrInvalidStateTransition, "disputed funds cannot be captured")

	f.deliver(t, processor.EventDisputeClosed, ref, map[string]any{"status": DisputeWon})
	d, err = f.svc.Get(owner(), id)
	require.NoError(t, err)
	assert.Equal(t, EscrowHeld, d.Escrow.Status)

	f.deliver(t, processor.EventDisputeCreated, ref, nil)
	f.deliver(t, processor.EventDisputeClosed, ref, map[string]any{"status": DisputeLost})
	d, err = f.svc.Get(owner(), id)
	require.NoError(t, err)
	assert.Equal(t, EscrowCancelled, d.Escrow.Status)
	assert.Equal(t, StatusCancelled, d.Intent.Status)
}

func TestHandleEvent_CapturedAtProcessorWhileDisputed(t *testing.T) {
	for _, outcome := range []string{DisputeWon, DisputeLost} {
		t.Run(outcome, func(t *testing.T) {
			f := newFixture(t)
			id := f.held(t, 10000)
			ref := f.processorRef(t, id)
			f.deliver(t, processor.EventDisputeCreated, ref, nil)

			_, err := f.fake.CaptureIntent(context.Background(), processor.CaptureParams{IntentID: ref, Amount: 10000, IdempotencyKey: "dashboard-capture"})
			require.NoError(t, err)
			f.deliver(t, processor.EventIntentSucceeded, ref, nil)

			d, err := f.svc.Get(owner(), id)
			require.NoError(t, err)
			assert.Equal(t, StatusSucceeded, d.Intent.Status)
			assert.True(t, d.Intent.Disputed)
			assert.Equal(t, EscrowDisputed, d.Escrow.Status, "a frozen hold is not released by the capture")
			assert.Nil(t, d.Escrow.ReleasedAt)
			assert.Zero(t, f.unsettled(t))

			f.deliver(t, processor.EventDisputeClosed, ref, map[string]any{"status": outcome})
			d, err = f.svc.Get(owner(), id)
			require.NoError(t, err)
			assert.Equal(t, StatusSucceeded, d.Intent.Status)
			if outcome == DisputeWon {
				assert.Equal(t, EscrowReleased, d.Escrow.Status)
				assert.NotNil(t, d.Escrow.ReleasedAt)
				assert.False(t, d.Intent.Disputed)
				assert.Equal(t, int64(9710), f.unsettled(t))
			} else {
				assert.Equal(t, EscrowCancelled, d.Escrow.Status)
				assert.Zero(t, f.unsettled(t))
			}
		})
	}
}

func TestHandleEvent_DisputeOnCapturedFundsFlagsIntent(t *testing.T) {
	f := newFixture(t)
	id := f.held(t, 8000)
	_, err := f.svc.Capture(owner(), CaptureRequest{IntentID: id})
	require.NoError(t, err)

	f.deliver(t, processor.EventDisputeCreated, f.processorRef(t, id), nil)
	d, err := f.svc.Get(owner(), id)
	require.NoError(t, err)
	assert.True(t, d.Intent.Disputed)
	assert.Equal(t, EscrowReleased, d.Escrow.Status)
}

func TestHandleEvent_IgnoresUnknownAndForeignEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.NoError(t, f.svc.HandleEvent(ctx, &processor.Event{ID: "evt_1", Type: processor.EventIntentSucceeded, IntentID: "pi_unknown"}))
	assert.NoError(t, f.svc.HandleEvent(ctx, &processor.Event{ID: "evt_2", Type: processor.EventPayoutPaid, PayoutID: "po_1"}))
	assert.NoError(t, f.svc.HandleEvent(ctx, &processor.Event{ID: "evt_3", Type: "customer.created"}))
}

func TestConverge_FreshIntentAwaitingMethod(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	pi := &PaymentIntent{ID: "pay_1", Status: StatusRequiresConfirmation}

	tr, err := f.svc.converge(pi, nil, &processor.Intent{Status: processor.IntentRequiresPaymentMethod}, now)
	require.NoError(t, err)
	assert.Nil(t, tr)

	tr, err = f.svc.converge(pi, nil, &processor.Intent{Status: processor.IntentRequiresPaymentMethod, LastError: "declined"}, now)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, StatusRequiresPaymentMethod, tr.Intent.Status)
	assert.Equal(t, "declined", tr.Intent.LastError)
}
