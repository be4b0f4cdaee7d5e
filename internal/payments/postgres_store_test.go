//go:build integration

package payments

import (
	"context"
	"testing"
	"time"

	"github.com/localmarket/paycore/internal/payouts"
	"github.com/localmarket/paycore/internal/processor"
	"github.com/localmarket/paycore/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	f := newFixture(t)
	store := NewPostgresStore(db)
	earnings := payouts.NewPostgresStore(db)
	f.svc = f.newService(store)
	ctx := context.Background()

	res, err := f.svc.CreateIntent(owner(), CreateIntentRequest{
		BusinessID: "biz_1", Amount: 10000, Currency: "usd", CustomerID: "usr_cust", IdempotencyKey: "pg-order-1",
	})
	require.NoError(t, err)

	replay, err := f.svc.CreateIntent(owner(), CreateIntentRequest{
		BusinessID: "biz_1", Amount: 10000, Currency: "usd", CustomerID: "usr_cust", IdempotencyKey: "pg-order-1",
	})
	require.NoError(t, err)
	assert.Equal(t, res.PaymentIntentID, replay.PaymentIntentID)

	pi, err := store.GetIntent(ctx, res.PaymentIntentID)
	require.NoError(t, err)
	assert.True(t, pi.FeePercent.Equal(decimal.RequireFromString("2.9")))
	assert.Equal(t, StatusRequiresConfirmation, pi.Status)

	_, err = f.svc.Confirm(customer(), ConfirmRequest{IntentID: res.PaymentIntentID, PaymentMethodID: processor.FakeCardSuccess})
	require.NoError(t, err)
	esc, err := store.GetEscrow(ctx, res.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, EscrowHeld, esc.Status)
	require.NotNil(t, esc.ScheduledReleaseAt)

	_, err = f.svc.Capture(owner(), CaptureRequest{IntentID: res.PaymentIntentID})
	require.NoError(t, err)
	n, err := earnings.Unsettled(ctx, "biz_1", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(9710), n)

	r, err := f.svc.Refund(owner(), RefundRequest{IntentID: res.PaymentIntentID, Amount: 5000, Reason: "requested_by_customer"})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), r.RemainingRefundable)

	refunds, err := store.ListRefunds(ctx, res.PaymentIntentID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, int64(145), refunds[0].PlatformFeeRefund)
	assert.Equal(t, int64(4855), refunds[0].BusinessAdjustment)

	n, err = earnings.Unsettled(ctx, "biz_1", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(4855), n)

	pi, err = store.GetIntent(ctx, res.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyRefunded, pi.Status)
	assert.Equal(t, 1, pi.RefundCount)
}

func TestPostgresStore_TransitionRejectsStaleVersion(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	f := newFixture(t)
	store := NewPostgresStore(db)
	f.svc = f.newService(store)
	ctx := context.Background()

	res, err := f.svc.CreateIntent(owner(), CreateIntentRequest{BusinessID: "biz_1", Amount: 4000, Currency: "usd", CustomerID: "usr_cust"})
	require.NoError(t, err)

	a, err := store.GetIntent(ctx, res.PaymentIntentID)
	require.NoError(t, err)
	b, err := store.GetIntent(ctx, res.PaymentIntentID)
	require.NoError(t, err)

	a.LastError = "first writer"
	a.UpdatedAt = time.Now()
	require.NoError(t, store.Transition(ctx, Transition{Intent: a, ExpectedStatus: a.Status}))

	b.LastError = "second writer"
	err = store.Transition(ctx, Transition{Intent: b, ExpectedStatus: b.Status})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	got, err := store.GetIntent(ctx, res.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, "first writer", got.LastError)
	assert.Equal(t, a.Version, got.Version)
}

func TestPostgresStore_WebhookEvents(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	first, err := store.MarkEventProcessed(ctx, "evt_pg_1", processor.EventIntentSucceeded)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := store.MarkEventProcessed(ctx, "evt_pg_1", processor.EventIntentSucceeded)
	require.NoError(t, err)
	assert.False(t, again)

	seen, err := store.EventProcessed(ctx, "evt_pg_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestPostgresStore_ListStaleAndExpiredHolds(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	f := newFixture(t)
	store := NewPostgresStore(db)
	f.svc = f.newService(store)
	ctx := context.Background()

	res, err := f.svc.CreateIntent(owner(), CreateIntentRequest{BusinessID: "biz_1", Amount: 3000, Currency: "usd", CustomerID: "usr_cust"})
	require.NoError(t, err)
	_, err = f.svc.Confirm(customer(), ConfirmRequest{IntentID: res.PaymentIntentID, PaymentMethodID: processor.FakeCardSuccess})
	require.NoError(t, err)

	stale, err := store.ListStale(ctx, []Status{StatusRequiresCapture}, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, res.PaymentIntentID, stale[0].ID)

	holds, err := store.ListExpiredHolds(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, holds)

	holds, err = store.ListExpiredHolds(ctx, time.Now().Add(8*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, holds, 1)
}
