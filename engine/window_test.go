package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Richardson2512/drason/events"
)

func TestCountersApplySent(t *testing.T) {
	c := Counters{}.Apply(events.OutcomeSent)
	assert.Equal(t, Counters{Sent: 1, Bounced: 0}, c)
}

func TestCountersApplyBounceNeverExceedsSent(t *testing.T) {
	// A burst of bounces with no send reports still keeps the invariant.
	c := Counters{}
	for i := 0; i < 10; i++ {
		c = c.Apply(events.OutcomeBounce)
		assert.LessOrEqual(t, c.Bounced, c.Sent)
	}
	assert.Equal(t, 10, c.Bounced)
	assert.Equal(t, 10, c.Sent)
}

func TestCountersInvariantUnderMixedSequence(t *testing.T) {
	seq := []events.Outcome{
		events.OutcomeSent, events.OutcomeBounce, events.OutcomeFailure,
		events.OutcomeSent, events.OutcomeSent, events.OutcomeBounce,
		events.OutcomeEngagement, events.OutcomeBounce, events.OutcomeSent,
	}
	c := Counters{}
	for _, o := range seq {
		c = c.Apply(o)
		assert.LessOrEqual(t, c.Bounced, c.Sent)
	}
}

func TestCountersFailureDoesNotTouchWindow(t *testing.T) {
	c := Counters{Sent: 10, Bounced: 2}
	assert.Equal(t, c, c.Apply(events.OutcomeFailure))
	assert.Equal(t, c, c.Apply(events.OutcomeEngagement))
}

func TestRolloverHalvesAtCeiling(t *testing.T) {
	c := Counters{Sent: 100, Bounced: 6}.Rollover(100)
	assert.Equal(t, Counters{Sent: 50, Bounced: 3}, c)
}

func TestRolloverFloorsOddCounts(t *testing.T) {
	c := Counters{Sent: 101, Bounced: 7}.Rollover(100)
	assert.Equal(t, Counters{Sent: 50, Bounced: 3}, c)
}

func TestRolloverBelowCeilingIsNoop(t *testing.T) {
	c := Counters{Sent: 99, Bounced: 6}
	assert.Equal(t, c, c.Rollover(100))
}

func TestRolloverNeverResetsToZero(t *testing.T) {
	c := Counters{Sent: 100, Bounced: 6}
	for i := 0; i < 5; i++ {
		c = c.Rollover(100)
		if c.Sent == 0 {
			break
		}
	}
	// Halving preserves history; only repeated halving of a tiny window
	// reaches zero, never a single rollover of a full one.
	first := Counters{Sent: 100, Bounced: 6}.Rollover(100)
	assert.NotEqual(t, Counters{}, first)
}
