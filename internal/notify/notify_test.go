package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receiver struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func (r *receiver) handler(status func(n int) int) http.HandlerFunc {
	var calls atomic.Int32
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.headers = append(r.headers, req.Header.Clone())
		r.mu.Unlock()
		w.WriteHeader(status(int(calls.Add(1))))
	}
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func testConfig() Config {
	return Config{Timeout: time.Second, Attempts: 3, Backoff: time.Millisecond, DisableAfter: 2}
}

func subscribe(t *testing.T, store Store, id, url string, events ...EventType) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID: id, BusinessID: "biz_1", URL: url, Secret: "whsec_test",
		Events: events, Active: true, CreatedAt: time.Now(),
	}))
}

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	var rec receiver
	srv := httptest.NewServer(rec.handler(func(int) int { return http.StatusOK }))
	defer srv.Close()

	store := NewMemoryStore()
	subscribe(t, store, "wh_1", srv.URL, EventPaymentCaptured)
	subscribe(t, store, "wh_2", srv.URL, EventPayoutPaid)

	d := NewDispatcher(store, testConfig())
	d.Notify(context.Background(), "biz_1", EventPaymentCaptured, map[string]any{"paymentIntentId": "pay_1", "amount": 10000})
	d.Wait()

	require.Equal(t, 1, rec.count(), "only the subscription that wants the event is called")
	var ev Event
	require.NoError(t, json.Unmarshal(rec.bodies[0], &ev))
	assert.Equal(t, EventPaymentCaptured, ev.Type)
	assert.Equal(t, "biz_1", ev.BusinessID)
	assert.Equal(t, "pay_1", ev.Data["paymentIntentId"])
	assert.Equal(t, string(EventPaymentCaptured), rec.headers[0].Get("Paycore-Event"))
	assert.Equal(t, ev.ID, rec.headers[0].Get("Paycore-Event-Id"))
	assert.True(t, Verify("whsec_test", rec.bodies[0], rec.headers[0].Get(SignatureHeader), time.Now(), 5*time.Minute))
	assert.False(t, Verify("whsec_other", rec.bodies[0], rec.headers[0].Get(SignatureHeader), time.Now(), 5*time.Minute))

	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.NotNil(t, sub.LastSuccess)
	assert.Zero(t, sub.ConsecutiveFailures)
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	var rec receiver
	srv := httptest.NewServer(rec.handler(func(n int) int {
		if n < 3 {
			return http.StatusServiceUnavailable
		}
		return http.StatusNoContent
	}))
	defer srv.Close()

	store := NewMemoryStore()
	subscribe(t, store, "wh_1", srv.URL, EventPaymentRefunded)

	d := NewDispatcher(store, testConfig())
	d.Notify(context.Background(), "biz_1", EventPaymentRefunded, nil)
	d.Wait()

	assert.Equal(t, 3, rec.count())
	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.Empty(t, sub.LastError)
	assert.True(t, sub.Active)
}

func TestDispatcher_ClientErrorIsNotRetriedAndDisablesAfterRepeatedFailures(t *testing.T) {
	var rec receiver
	srv := httptest.NewServer(rec.handler(func(int) int { return http.StatusGone }))
	defer srv.Close()

	store := NewMemoryStore()
	subscribe(t, store, "wh_1", srv.URL, EventPayoutFailed)

	d := NewDispatcher(store, testConfig())
	d.Notify(context.Background(), "biz_1", EventPayoutFailed, nil)
	d.Wait()
	assert.Equal(t, 1, rec.count())

	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.ConsecutiveFailures)
	assert.Equal(t, "endpoint returned 410", sub.LastError)
	assert.True(t, sub.Active)

	d.Notify(context.Background(), "biz_1", EventPayoutFailed, nil)
	d.Wait()
	sub, err = store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.False(t, sub.Active)

	d.Notify(context.Background(), "biz_1", EventPayoutFailed, nil)
	d.Wait()
	assert.Equal(t, 2, rec.count(), "inactive subscriptions receive nothing")
}

func TestDispatcher_DeliveryOutlivesRequestContext(t *testing.T) {
	release := make(chan struct{})
	var rec receiver
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-release
		rec.handler(func(int) int { return http.StatusOK })(w, req)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	subscribe(t, store, "wh_1", srv.URL, EventPaymentCanceled)

	d := NewDispatcher(store, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	d.Notify(ctx, "biz_1", EventPaymentCanceled, nil)
	cancel()
	close(release)
	d.Wait()

	assert.Equal(t, 1, rec.count())
}

func TestNilDispatcherIsNoop(t *testing.T) {
	var d *Dispatcher
	assert.NotPanics(t, func() {
		d.Notify(context.Background(), "biz_1", EventPaymentCaptured, nil)
	})
}

func TestVerifyRejectsStaleAndMalformed(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	at := time.Unix(1_700_000_000, 0)
	header := Sign("s", payload, at)

	assert.True(t, Verify("s", payload, header, at.Add(time.Minute), 5*time.Minute))
	assert.False(t, Verify("s", payload, header, at.Add(10*time.Minute), 5*time.Minute))
	assert.False(t, Verify("s", []byte(`{"id":"evt_2"}`), header, at, 5*time.Minute))
	assert.False(t, Verify("s", payload, "v1=abc", at, 5*time.Minute))
	assert.False(t, Verify("s", payload, "t=notanumber,v1=abc", at, 5*time.Minute))
}

func TestMemoryStore_CapAndOwnership(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < MaxSubscriptions; i++ {
		require.NoError(t, store.Create(ctx, &Subscription{
			ID: "wh_" + string(rune('a'+i)), BusinessID: "biz_1", URL: "https://example.com",
			Events: AllEvents, Active: true, CreatedAt: time.Now(),
		}))
	}
	err := store.Create(ctx, &Subscription{ID: "wh_over", BusinessID: "biz_1", Active: true})
	assert.ErrorIs(t, err, ErrTooManySubscriptions)

	assert.ErrorIs(t, store.Delete(ctx, "biz_2", "wh_a"), ErrSubscriptionNotFound)
	require.NoError(t, store.Delete(ctx, "biz_1", "wh_a"))

	subs, err := store.ListByBusiness(ctx, "biz_1")
	require.NoError(t, err)
	assert.Len(t, subs, MaxSubscriptions-1)
}
