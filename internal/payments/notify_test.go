package payments

import (
	"context"
	"sync"
	"testing"

	"github.com/localmarket/paycore/internal/notify"
	"github.com/localmarket/paycore/internal/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	businessID string
	typ        notify.EventType
	data       map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (r *recordingNotifier) Notify(_ context.Context, businessID string, typ notify.EventType, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentEvent{businessID: businessID, typ: typ, data: data})
}

func (r *recordingNotifier) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.EventType
	for _, e := range r.sent {
		out = append(out, e.typ)
	}
	return out
}

func TestNotifier_LifecycleEvents(t *testing.T) {
	f := newFixture(t)
	rec := &recordingNotifier{}
	f.svc.WithNotifier(rec)

	id := f.held(t, 10000)
	_, err := f.svc.Capture(owner(), CaptureRequest{IntentID: id})
	require.NoError(t, err)
	_, err = f.svc.Refund(owner(), RefundRequest{IntentID: id, Amount: 2500})
	require.NoError(t, err)

	assert.Equal(t, []notify.EventType{
		notify.EventPaymentAuthorized,
		notify.EventPaymentCaptured,
		notify.EventPaymentRefunded,
	}, rec.types(), "creation itself is not announced")

	last := rec.sent[2]
	assert.Equal(t, "biz_1", last.businessID)
	assert.Equal(t, id, last.data["paymentIntentId"])
	assert.Equal(t, int64(2500), last.data["refundAmount"])
	assert.Equal(t, int64(2500), last.data["refundedAmount"])
}

func TestNotifier_CancelAndFailure(t *testing.T) {
	f := newFixture(t)
	rec := &recordingNotifier{}
	f.svc.WithNotifier(rec)

	id := f.held(t, 5000)
	_, err := f.svc.Cancel(owner(), CancelRequest{IntentID: id})
	require.NoError(t, err)

	declined := f.create(t, CreateIntentRequest{Amount: 5000})
	conf, err := f.svc.Confirm(customer(), ConfirmRequest{IntentID: declined.PaymentIntentID, PaymentMethodID: processor.FakeCardDeclined})
	require.NoError(t, err)
	require.Equal(t, StatusRequiresPaymentMethod, conf.Status)

	assert.Equal(t, []notify.EventType{
		notify.EventPaymentAuthorized,
		notify.EventPaymentCanceled,
		notify.EventPaymentFailed,
	}, rec.types())
}

func TestNotifier_Disputes(t *testing.T) {
	f := newFixture(t)
	rec := &recordingNotifier{}
	f.svc.WithNotifier(rec)

	held := f.held(t, 8000)
	f.deliver(t, processor.EventDisputeCreated, f.processorRef(t, held), nil)

	captured := f.held(t, 6000)
	_, err := f.svc.Capture(owner(), CaptureRequest{IntentID: captured})
	require.NoError(t, err)
	f.deliver(t, processor.EventDisputeCreated, f.processorRef(t, captured), nil)

	var disputed []string
	for _, e := range rec.sent {
		if e.typ == notify.EventPaymentDisputed {
			disputed = append(disputed, e.data["paymentIntentId"].(string))
		}
	}
	assert.Equal(t, []string{held, captured}, disputed)
}

func TestEventFor_NoChangeIsSilent(t *testing.T) {
	pi := &PaymentIntent{ID: "pay_1", Status: StatusRequiresCapture}
	_, ok := eventFor(Transition{Intent: pi, ExpectedStatus: StatusRequiresCapture})
	assert.False(t, ok)

	typ, ok := eventFor(Transition{Intent: &PaymentIntent{Status: StatusRequiresPaymentMethod}, ExpectedStatus: StatusProcessing})
	assert.True(t, ok)
	assert.Equal(t, notify.EventPaymentFailed, typ)
}
