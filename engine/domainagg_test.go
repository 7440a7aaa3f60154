package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func statuses(unhealthy, total int) []Status {
	out := make([]Status, 0, total)
	for i := 0; i < unhealthy; i++ {
		out = append(out, StatusPaused)
	}
	for i := unhealthy; i < total; i++ {
		out = append(out, StatusHealthy)
	}
	return out
}

func TestUnhealthyRatioScenarios(t *testing.T) {
	assert.InDelta(t, 1.0/3.0, UnhealthyRatio(statuses(1, 3)), 0.001)
	assert.InDelta(t, 0.2, UnhealthyRatio(statuses(2, 10)), 0.001)
	assert.InDelta(t, 0.5, UnhealthyRatio(statuses(5, 10)), 0.001)
	assert.InDelta(t, 0.55, UnhealthyRatio(statuses(110, 200)), 0.001)
	assert.Zero(t, UnhealthyRatio(nil))
}

func TestUnhealthyRatioExcludesRecovering(t *testing.T) {
	// Warning and paused count; recovering does not, so a domain whose
	// children are all mid-recovery reads as fully healthy and the paused
	// domain can step down while they prove their clean windows.
	mixed := []Status{StatusHealthy, StatusWarning, StatusRecovering, StatusPaused}
	assert.InDelta(t, 0.5, UnhealthyRatio(mixed), 0.001)

	allRecovering := []Status{StatusRecovering, StatusRecovering, StatusRecovering}
	assert.Zero(t, UnhealthyRatio(allRecovering))
	v := EvaluateDomain(DomainPaused, UnhealthyRatio(allRecovering), testThresholds())
	assert.True(t, v.Changed)
	assert.Equal(t, DomainHealthy, v.Status)
}

func TestDomainBucketScenarios(t *testing.T) {
	th := testThresholds()

	// 3 mailboxes, 1 unhealthy: 33% flags the domain.
	v := EvaluateDomain(DomainHealthy, 1.0/3.0, th)
	assert.True(t, v.Changed)
	assert.Equal(t, DomainWarning, v.Status)
	assert.False(t, v.Cascade)

	// 10 mailboxes, 2 unhealthy: 20% stays healthy.
	v = EvaluateDomain(DomainHealthy, 0.2, th)
	assert.False(t, v.Changed)
	assert.Equal(t, DomainHealthy, v.Status)

	// 10 mailboxes, 5 unhealthy: 50% pauses and cascades.
	v = EvaluateDomain(DomainHealthy, 0.5, th)
	assert.True(t, v.Changed)
	assert.Equal(t, DomainPaused, v.Status)
	assert.True(t, v.Cascade)

	// 200 mailboxes, 110 unhealthy: same verdict at agency scale.
	v = EvaluateDomain(DomainHealthy, 0.55, th)
	assert.True(t, v.Changed)
	assert.Equal(t, DomainPaused, v.Status)
}

func TestDomainRecomputeIdempotent(t *testing.T) {
	// An unchanged bucket reports Changed=false so no duplicate audit
	// records are written.
	th := testThresholds()
	v := EvaluateDomain(DomainWarning, 0.4, th)
	assert.False(t, v.Changed)
}

func TestDomainHysteresisBlocksEarlyRecovery(t *testing.T) {
	th := testThresholds()

	// 20% is below the warning ratio but above the recovery ratio: a
	// degraded domain stays degraded.
	v := EvaluateDomain(DomainWarning, 0.2, th)
	assert.False(t, v.Changed)
	assert.Equal(t, DomainWarning, v.Status)

	// Below the recovery ratio the domain heals.
	v = EvaluateDomain(DomainWarning, 0.1, th)
	assert.True(t, v.Changed)
	assert.Equal(t, DomainHealthy, v.Status)
}

func TestPausedDomainStepsDownThroughWarning(t *testing.T) {
	th := testThresholds()

	// Dropping below the pause ratio lifts the cascade but not the flag.
	v := EvaluateDomain(DomainPaused, 0.2, th)
	assert.True(t, v.Changed)
	assert.Equal(t, DomainWarning, v.Status)
	assert.False(t, v.Cascade)

	v = EvaluateDomain(DomainPaused, 0.4, th)
	assert.True(t, v.Changed)
	assert.Equal(t, DomainWarning, v.Status)

	v = EvaluateDomain(DomainPaused, 0.1, th)
	assert.True(t, v.Changed)
	assert.Equal(t, DomainHealthy, v.Status)
}
