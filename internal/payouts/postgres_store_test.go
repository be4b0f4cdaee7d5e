//go:build integration

package payouts

import (
	"context"
	"testing"
	"time"

	"github.com/localmarket/paycore/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_RecordSettlesAndFailureReleases(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	base := time.Now().Add(-time.Hour).UTC().Truncate(time.Microsecond)

	require.NoError(t, s.AddEarning(ctx, &Earning{ID: "ern_a", BusinessID: "biz_1", IntentID: "pay_a", Amount: 3000, Currency: "usd", CreatedAt: base}))
	require.NoError(t, s.AddEarning(ctx, &Earning{ID: "ern_b", BusinessID: "biz_1", IntentID: "pay_b", Amount: 4000, Currency: "USD", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, s.AddEarning(ctx, &Earning{ID: "ern_c", BusinessID: "biz_2", IntentID: "pay_c", Amount: 900, Currency: "USD", CreatedAt: base}))

	n, err := s.Unsettled(ctx, "biz_1", "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(7000), n)

	po := &Payout{
		ID: "pout_1", BusinessID: "biz_1", ProcessorRef: "po_1", Amount: 5000, Currency: "USD",
		Status: StatusInTransit, Trigger: TriggerManual, IdempotencyKey: "payout:biz_1:USD:5000:7000",
		CreatedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour),
	}
	require.NoError(t, s.Record(ctx, po))

	n, err = s.Unsettled(ctx, "biz_1", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), n)

	other, err := s.Unsettled(ctx, "biz_2", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(900), other)

	got, err := s.GetByProcessorRef(ctx, "po_1")
	require.NoError(t, err)
	assert.Equal(t, "pout_1", got.ID)
	assert.Equal(t, TriggerManual, got.Trigger)

	got.Status = StatusFailed
	got.FailureCode = "account_closed"
	got.UpdatedAt = time.Now()
	require.NoError(t, s.UpdateStatus(ctx, got))

	n, err = s.Unsettled(ctx, "biz_1", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(7000), n)

	got, err = s.Get(ctx, "pout_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "account_closed", got.FailureCode)

	failed, err := s.FailedCount(ctx, "biz_1", "usd")
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	replay := *po
	replay.ID = "pout_2"
	assert.ErrorIs(t, s.Record(ctx, &replay), ErrPayoutRefRecorded)
	n, err = s.Unsettled(ctx, "biz_1", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(7000), n, "a replayed processor payout settles nothing")

	_, err = s.Get(ctx, "pout_missing")
	assert.ErrorIs(t, err, ErrPayoutNotFound)
}

func TestPostgresStore_ListByBusinessPages(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, id := range []string{"pout_1", "pout_2", "pout_3"} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Record(ctx, &Payout{
			ID: id, BusinessID: "biz_1", Amount: 100, Currency: "USD",
			Status: StatusFailed, Trigger: TriggerScheduled, CreatedAt: at, UpdatedAt: at,
		}))
	}

	page, err := s.ListByBusiness(ctx, "biz_1", 2, nil)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "pout_3", page[0].ID)
	assert.Equal(t, "pout_2", page[1].ID)
}

func TestPostgresStore_Schedules(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)

	_, err := s.GetSchedule(ctx, "biz_1")
	assert.ErrorIs(t, err, ErrScheduleNotFound)

	require.NoError(t, s.PutSchedule(ctx, &Schedule{
		BusinessID: "biz_1", Interval: IntervalWeekly, WeeklyAnchor: "friday",
		MinimumAmount: 2500, Currency: "USD", Active: true, UpdatedAt: time.Now(),
	}))
	require.NoError(t, s.PutSchedule(ctx, &Schedule{
		BusinessID: "biz_2", Interval: IntervalManual, Currency: "USD", Active: true, UpdatedAt: time.Now(),
	}))

	due, err := s.ListDueCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "biz_1", due[0].BusinessID)
	assert.Equal(t, "friday", due[0].WeeklyAnchor)

	at := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.MarkScheduleRun(ctx, "biz_1", at))

	// An update without LastRunAt keeps the recorded run.
	require.NoError(t, s.PutSchedule(ctx, &Schedule{
		BusinessID: "biz_1", Interval: IntervalDaily, MinimumAmount: 1000, Currency: "USD", Active: true, UpdatedAt: time.Now(),
	}))
	sc, err := s.GetSchedule(ctx, "biz_1")
	require.NoError(t, err)
	assert.Equal(t, IntervalDaily, sc.Interval)
	require.NotNil(t, sc.LastRunAt)
	assert.True(t, sc.LastRunAt.Equal(at))

	assert.ErrorIs(t, s.MarkScheduleRun(ctx, "biz_missing", at), ErrScheduleNotFound)
}
