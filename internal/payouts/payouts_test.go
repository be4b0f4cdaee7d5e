package payouts

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func earning(id string, amount int64) *Earning {
	return &Earning{ID: id, BusinessID: "biz_1", Amount: amount, Currency: "USD", Status: EarningScheduled}
}

func TestSettle_ExactAndSplit(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seq := 0
	newID := func() string { seq++; return fmt.Sprintf("ern_split_%d", seq) }

	open := []*Earning{earning("e1", 3000), earning("e2", 4000), earning("e3", 5000)}
	settled, rest := settle(open, 5000, "pout_1", at, newID)

	require.Len(t, settled, 2)
	assert.Equal(t, "e1", settled[0].ID)
	assert.Equal(t, int64(3000), settled[0].Amount)
	assert.Equal(t, "e2", settled[1].ID)
	assert.Equal(t, int64(2000), settled[1].Amount)
	for _, e := range settled {
		assert.Equal(t, EarningSettled, e.Status)
		assert.Equal(t, "pout_1", e.PayoutID)
		require.NotNil(t, e.SettledAt)
	}

	require.NotNil(t, rest)
	assert.Equal(t, "ern_split_1", rest.ID)
	assert.Equal(t, int64(2000), rest.Amount)
	assert.Equal(t, EarningScheduled, rest.Status)
	assert.Equal(t, EarningScheduled, open[2].Status)
}

func TestSettle_NegativeEarningsNetOut(t *testing.T) {
	open := []*Earning{earning("e1", 10000), earning("e2", -5000), earning("e3", 2000)}
	settled, rest := settle(open, 7000, "pout_1", time.Now(), func() string { return "x" })

	require.Len(t, settled, 1)
	assert.Equal(t, int64(7000), settled[0].Amount)
	require.NotNil(t, rest)
	// What stays open nets to zero.
	assert.Zero(t, rest.Amount+open[1].Amount+open[2].Amount)
}

func TestMemoryStore_RecordSettlesAndFailureReleases(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now()

	require.NoError(t, m.AddEarning(ctx, &Earning{ID: "e1", BusinessID: "biz_1", Amount: 9710, Currency: "usd", CreatedAt: now}))
	require.NoError(t, m.AddEarning(ctx, &Earning{ID: "e2", BusinessID: "biz_1", Amount: 4000, Currency: "USD", CreatedAt: now}))
	require.NoError(t, m.AddEarning(ctx, &Earning{ID: "e3", BusinessID: "biz_2", Amount: 500, Currency: "USD", CreatedAt: now}))

	total, err := m.Unsettled(ctx, "biz_1", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(13710), total)

	p := &Payout{ID: "pout_1", BusinessID: "biz_1", Amount: 10000, Currency: "USD", Status: StatusInTransit, CreatedAt: now}
	require.NoError(t, m.Record(ctx, p))

	total, err = m.Unsettled(ctx, "biz_1", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(3710), total)
	assert.Len(t, m.Earnings("biz_1"), 3)

	p.Status = StatusFailed
	require.NoError(t, m.UpdateStatus(ctx, p))
	total, err = m.Unsettled(ctx, "biz_1", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(13710), total)

	other, err := m.Unsettled(ctx, "biz_2", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(500), other)
}

func TestMemoryStore_PutScheduleKeepsLastRun(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	ran := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.PutSchedule(ctx, &Schedule{BusinessID: "biz_1", Interval: IntervalDaily, Active: true}))
	require.NoError(t, m.MarkScheduleRun(ctx, "biz_1", ran))
	require.NoError(t, m.PutSchedule(ctx, &Schedule{BusinessID: "biz_1", Interval: IntervalWeekly, WeeklyAnchor: "monday", Active: true}))

	got, err := m.GetSchedule(ctx, "biz_1")
	require.NoError(t, err)
	assert.Equal(t, IntervalWeekly, got.Interval)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, got.LastRunAt.Equal(ran))

	require.NoError(t, m.PutSchedule(ctx, &Schedule{BusinessID: "biz_2", Interval: IntervalManual, Active: true}))
	due, err := m.ListDueCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "biz_1", due[0].BusinessID)

	_, err = m.GetSchedule(ctx, "biz_missing")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}
