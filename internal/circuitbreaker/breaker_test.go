package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *clock) {
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := New(threshold, time.Minute)
	b.now = clk.now
	return b, clk
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	assert.True(t, b.Allow("capture"))
	b.RecordFailure("capture")
	b.RecordFailure("capture")
	assert.True(t, b.Allow("capture"))
	assert.Equal(t, StateClosed, b.State("capture"))

	b.RecordFailure("capture")
	assert.False(t, b.Allow("capture"))
	assert.Equal(t, StateOpen, b.State("capture"))
	assert.Equal(t, []string{"capture"}, b.OpenKeys())

	assert.True(t, b.Allow("refund"), "other operations are unaffected")
}

func TestBreaker_SuccessClearsFailures(t *testing.T) {
	b, _ := newTestBreaker(2)
	b.RecordFailure("refund")
	b.RecordSuccess("refund")
	b.RecordFailure("refund")
	assert.Equal(t, StateClosed, b.State("refund"))
}

func TestBreaker_SingleProbeAfterCooldown(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure("payout")

	clk.advance(59 * time.Second)
	assert.False(t, b.Allow("payout"))

	clk.advance(time.Second)
	assert.True(t, b.Allow("payout"), "probe")
	assert.Equal(t, StateHalfOpen, b.State("payout"))
	assert.False(t, b.Allow("payout"), "only one probe at a time")
	assert.Empty(t, b.OpenKeys())

	b.RecordSuccess("payout")
	assert.Equal(t, StateClosed, b.State("payout"))
	assert.True(t, b.Allow("payout"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure("balance")
	clk.advance(time.Minute)
	require.True(t, b.Allow("balance"))

	b.RecordFailure("balance")
	assert.Equal(t, StateOpen, b.State("balance"))
	assert.False(t, b.Allow("balance"))
}

func TestBreaker_LostProbeIsReplaced(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure("confirm")
	clk.advance(time.Minute)
	require.True(t, b.Allow("confirm"))

	clk.advance(30 * time.Second)
	assert.False(t, b.Allow("confirm"))
	clk.advance(30 * time.Second)
	assert.True(t, b.Allow("confirm"))
}

func TestBreaker_NotifiesTransitions(t *testing.T) {
	b, clk := newTestBreaker(1)
	type change struct{ from, to State }
	got := make(chan change, 4)
	b.OnTransition(func(key string, from, to State) {
		assert.Equal(t, "cancel", key)
		got <- change{from, to}
	})

	b.RecordFailure("cancel")
	clk.advance(time.Minute)
	b.Allow("cancel")
	b.RecordSuccess("cancel")

	var seen []change
	for i := 0; i < 3; i++ {
		select {
		case c := <-got:
			seen = append(seen, c)
		case <-time.After(time.Second):
			t.Fatal("transition not reported")
		}
	}
	assert.ElementsMatch(t, []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, seen)
}

func TestNew_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.cooldown)
	assert.Equal(t, "half_open", StateHalfOpen.String())
}
