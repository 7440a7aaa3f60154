package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Richardson2512/drason/events"
)

func testThresholds() Thresholds {
	return Thresholds{
		WindowCeiling:          100,
		PauseBounceThreshold:   5,
		PauseSendFloor:         100,
		WarningBounceThreshold: 3,
		WarningSendFloor:       60,
		RecoveryCleanSends:     25,
		CooldownBase:           time.Hour,
		CooldownCap:            16 * time.Hour,
		PauseStreakResetAfter:  24 * time.Hour,
		HardRiskCritical:       60,
		HardRiskWarning:        40,
		SoftRiskHigh:           75,
		DomainPauseRatio:       0.5,
		DomainWarningRatio:     0.3,
		DomainRecoveryRatio:    0.15,
		WarmupInitialDaily:     10,
		WarmupDailyStep:        5,
		WarmupTargetDaily:      50,
		Mode:                   ModeEnforce,
	}
}

func TestHealthyToPausedAtThreshold(t *testing.T) {
	trans := Evaluate(EvalInput{
		Status:   StatusHealthy,
		Counters: Counters{Sent: 100, Bounced: 5},
		Outcome:  events.OutcomeBounce,
		Now:      time.Now(),
	}, testThresholds())

	require.NotNil(t, trans)
	assert.Equal(t, StatusPaused, trans.To)
	assert.Equal(t, "bounce_threshold", trans.TriggeredBy)
}

func TestWarningToPausedAtThreshold(t *testing.T) {
	trans := Evaluate(EvalInput{
		Status:   StatusWarning,
		Counters: Counters{Sent: 120, Bounced: 6},
		Outcome:  events.OutcomeBounce,
		Now:      time.Now(),
	}, testThresholds())

	require.NotNil(t, trans)
	assert.Equal(t, StatusPaused, trans.To)
}

func TestPauseNotRetriggeredWhilePaused(t *testing.T) {
	// Bounce #6 right after the pause: the mailbox is already paused and the
	// machine decides nothing, so no duplicate transition and no doubled
	// cooldown.
	trans := Evaluate(EvalInput{
		Status:   StatusPaused,
		Counters: Counters{Sent: 100, Bounced: 6},
		Outcome:  events.OutcomeBounce,
		Now:      time.Now(),
	}, testThresholds())

	assert.Nil(t, trans)
}

func TestHealthyToWarningEarlyTripwire(t *testing.T) {
	trans := Evaluate(EvalInput{
		Status:   StatusHealthy,
		Counters: Counters{Sent: 60, Bounced: 3},
		Outcome:  events.OutcomeBounce,
		Now:      time.Now(),
	}, testThresholds())

	require.NotNil(t, trans)
	assert.Equal(t, StatusWarning, trans.To)
	assert.Equal(t, "warning_threshold", trans.TriggeredBy)
}

func TestWarningNotBelowSendFloor(t *testing.T) {
	// Same bounce count but the sample is too small to judge.
	trans := Evaluate(EvalInput{
		Status:   StatusHealthy,
		Counters: Counters{Sent: 40, Bounced: 3},
		Outcome:  events.OutcomeBounce,
		Now:      time.Now(),
	}, testThresholds())

	assert.Nil(t, trans)
}

func TestPauseTakesPriorityOverWarning(t *testing.T) {
	trans := Evaluate(EvalInput{
		Status:   StatusHealthy,
		Counters: Counters{Sent: 100, Bounced: 5},
		Outcome:  events.OutcomeBounce,
		Now:      time.Now(),
	}, testThresholds())

	require.NotNil(t, trans)
	assert.Equal(t, StatusPaused, trans.To)
}

func TestPausedToRecoveringOnCooldownExpiry(t *testing.T) {
	now := time.Now()
	expired := now.Add(-time.Minute)
	trans := Evaluate(EvalInput{
		Status:            StatusPaused,
		Counters:          Counters{Sent: 50, Bounced: 3},
		CooldownExpiresAt: &expired,
		Now:               now,
	}, testThresholds())

	require.NotNil(t, trans)
	assert.Equal(t, StatusRecovering, trans.To)
	assert.Equal(t, "cooldown_expired", trans.TriggeredBy)
}

func TestPausedStaysWhileCooldownRunning(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	trans := Evaluate(EvalInput{
		Status:            StatusPaused,
		Counters:          Counters{Sent: 50, Bounced: 3},
		CooldownExpiresAt: &future,
		Now:               now,
	}, testThresholds())

	assert.Nil(t, trans)
}

func TestRecoveringToHealthyAfterCleanWindow(t *testing.T) {
	trans := Evaluate(EvalInput{
		Status:             StatusRecovering,
		Counters:           Counters{Sent: 75, Bounced: 2},
		Outcome:            events.OutcomeSent,
		RecoveryCleanSends: 25,
		Now:                time.Now(),
	}, testThresholds())

	require.NotNil(t, trans)
	assert.Equal(t, StatusHealthy, trans.To)
	assert.Equal(t, "clean_window", trans.TriggeredBy)
}

func TestRecoveringNotHealedWhileWarningRuleHolds(t *testing.T) {
	// The clean window completed but the window counters still satisfy the
	// warning rule; recovery does not complete.
	trans := Evaluate(EvalInput{
		Status:             StatusRecovering,
		Counters:           Counters{Sent: 80, Bounced: 4},
		Outcome:            events.OutcomeSent,
		RecoveryCleanSends: 25,
		Now:                time.Now(),
	}, testThresholds())

	assert.Nil(t, trans)
}

func TestRecoveringToPausedOnBounce(t *testing.T) {
	// No threshold leniency during recovery.
	trans := Evaluate(EvalInput{
		Status:   StatusRecovering,
		Counters: Counters{Sent: 100, Bounced: 5},
		Outcome:  events.OutcomeBounce,
		Now:      time.Now(),
	}, testThresholds())

	require.NotNil(t, trans)
	assert.Equal(t, StatusPaused, trans.To)
}

func TestRecoveringBounceBelowThresholdStays(t *testing.T) {
	trans := Evaluate(EvalInput{
		Status:             StatusRecovering,
		Counters:           Counters{Sent: 50, Bounced: 2},
		Outcome:            events.OutcomeBounce,
		RecoveryCleanSends: 0,
		Now:                time.Now(),
	}, testThresholds())

	assert.Nil(t, trans)
}

func TestWarmingToHealthyAfterRamp(t *testing.T) {
	th := testThresholds()
	now := time.Now()
	started := now.Add(-th.WarmupRampDuration() - time.Hour)
	trans := Evaluate(EvalInput{
		Status:          StatusWarming,
		Counters:        Counters{Sent: 30, Bounced: 0},
		WarmupStartedAt: &started,
		Now:             now,
	}, th)

	require.NotNil(t, trans)
	assert.Equal(t, StatusHealthy, trans.To)
	assert.Equal(t, "warmup_complete", trans.TriggeredBy)
}

func TestWarmingHeldBackByThresholdBreach(t *testing.T) {
	th := testThresholds()
	now := time.Now()
	started := now.Add(-th.WarmupRampDuration() - time.Hour)
	trans := Evaluate(EvalInput{
		Status:          StatusWarming,
		Counters:        Counters{Sent: 60, Bounced: 3},
		WarmupStartedAt: &started,
		Now:             now,
	}, th)

	assert.Nil(t, trans)
}

func TestEvaluateIsIdempotentPerState(t *testing.T) {
	// Re-running the same input yields the same decision, which is what
	// makes replaying a recorded event stream deterministic.
	in := EvalInput{
		Status:   StatusHealthy,
		Counters: Counters{Sent: 100, Bounced: 5},
		Outcome:  events.OutcomeBounce,
		Now:      time.Now(),
	}
	first := Evaluate(in, testThresholds())
	second := Evaluate(in, testThresholds())
	assert.Equal(t, first, second)
}

func TestSendableStates(t *testing.T) {
	assert.True(t, StatusHealthy.Sendable())
	assert.True(t, StatusWarning.Sendable())
	assert.True(t, StatusRecovering.Sendable())
	assert.False(t, StatusPaused.Sendable())
	assert.False(t, StatusWarming.Sendable())
}
