package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Richardson2512/drason/engine"
)

func testThresholds() engine.Thresholds {
	return engine.Thresholds{
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
		Mode:                   engine.ModeEnforce,
	}
}

func healthySnapshot() *Snapshot {
	return &Snapshot{
		CampaignID: 1,
		Found:      true,
		Configured: true,
		Active:     true,
		Mailboxes: []MailboxSnapshot{
			{ID: 1, DomainID: 1, Status: "healthy", HardScore: 10},
			{ID: 2, DomainID: 1, Status: "healthy", HardScore: 20},
		},
		DomainStatuses: map[int64]string{1: "healthy"},
		TakenAt:        time.Now(),
	}
}

func TestAllChecksPass(t *testing.T) {
	g := &Gate{defaults: testThresholds()}
	d := g.decide(healthySnapshot(), testThresholds())
	assert.True(t, d.Allowed)
	assert.Empty(t, string(d.FailureType))
}

func TestMissingCampaignIsSyncIssue(t *testing.T) {
	g := &Gate{defaults: testThresholds()}
	d := g.decide(&Snapshot{CampaignID: 42}, testThresholds())
	assert.False(t, d.Allowed)
	assert.Equal(t, SyncIssue, d.FailureType)
	assert.False(t, d.Retryable)
	assert.True(t, d.Deferrable)
}

func TestUnsyncedCampaignIsSyncIssue(t *testing.T) {
	snap := healthySnapshot()
	snap.Configured = false
	g := &Gate{defaults: testThresholds()}
	d := g.decide(snap, testThresholds())
	assert.False(t, d.Allowed)
	assert.Equal(t, SyncIssue, d.FailureType)
}

func TestInactiveCampaignBlocks(t *testing.T) {
	snap := healthySnapshot()
	snap.Active = false
	g := &Gate{defaults: testThresholds()}
	d := g.decide(snap, testThresholds())
	assert.False(t, d.Allowed)
	assert.Equal(t, SyncIssue, d.FailureType)
}

func TestNoSendableMailboxIsHealthIssue(t *testing.T) {
	snap := healthySnapshot()
	snap.Mailboxes = []MailboxSnapshot{
		{ID: 1, DomainID: 1, Status: "paused"},
		{ID: 2, DomainID: 1, Status: "warming"},
	}
	g := &Gate{defaults: testThresholds()}
	d := g.decide(snap, testThresholds())
	assert.False(t, d.Allowed)
	assert.Equal(t, HealthIssue, d.FailureType)
	assert.False(t, d.Retryable)
	assert.False(t, d.Deferrable)
}

func TestPausedDomainBlocks(t *testing.T) {
	snap := healthySnapshot()
	snap.DomainStatuses[1] = "paused"
	g := &Gate{defaults: testThresholds()}
	d := g.decide(snap, testThresholds())
	assert.False(t, d.Allowed)
	assert.Equal(t, HealthIssue, d.FailureType)
}

func TestHighMeanHardScoreBlocks(t *testing.T) {
	snap := healthySnapshot()
	snap.Mailboxes[0].HardScore = 65
	snap.Mailboxes[1].HardScore = 65
	g := &Gate{defaults: testThresholds()}
	d := g.decide(snap, testThresholds())
	assert.False(t, d.Allowed)
	assert.Equal(t, HealthIssue, d.FailureType)
}

func TestPausedMailboxExcludedFromMean(t *testing.T) {
	// One eligible mailbox at 30 and a paused one at 90: mean is 30, not 60.
	snap := healthySnapshot()
	snap.Mailboxes = []MailboxSnapshot{
		{ID: 1, DomainID: 1, Status: "healthy", HardScore: 30},
		{ID: 2, DomainID: 1, Status: "paused", HardScore: 90},
	}
	g := &Gate{defaults: testThresholds()}
	d := g.decide(snap, testThresholds())
	assert.True(t, d.Allowed)
}

func TestSoftScoreNeverBlocks(t *testing.T) {
	// A clean fast sender: zero hard score, soft score 80. Allowed, with the
	// advisory surfaced.
	snap := healthySnapshot()
	snap.Mailboxes = []MailboxSnapshot{
		{ID: 1, DomainID: 1, Status: "healthy", HardScore: 0, SoftScore: 80},
	}
	g := &Gate{defaults: testThresholds()}
	d := g.decide(snap, testThresholds())
	assert.True(t, d.Allowed)
	assert.Equal(t, SoftWarning, d.FailureType)
	assert.NotEmpty(t, d.Recommendation)
}

func TestWarningHardScoreFlagsWithoutBlocking(t *testing.T) {
	// Hard score between the warning and critical thresholds: the send goes
	// out, with the warning carried as a recommendation.
	snap := healthySnapshot()
	snap.Mailboxes = []MailboxSnapshot{
		{ID: 1, DomainID: 1, Status: "healthy", HardScore: 45},
	}
	g := &Gate{defaults: testThresholds()}
	d := g.decide(snap, testThresholds())
	assert.True(t, d.Allowed)
	assert.Equal(t, SoftWarning, d.FailureType)
	assert.Contains(t, d.Recommendation, "hard score")
}

func TestHardScoreBlocksRegardlessOfSoft(t *testing.T) {
	snap := healthySnapshot()
	snap.Mailboxes = []MailboxSnapshot{
		{ID: 1, DomainID: 1, Status: "healthy", HardScore: 65, SoftScore: 0},
	}
	g := &Gate{defaults: testThresholds()}
	d := g.decide(snap, testThresholds())
	assert.False(t, d.Allowed)
	assert.Equal(t, HealthIssue, d.FailureType)
}

func TestObserveModeAllowsButKeepsReason(t *testing.T) {
	snap := healthySnapshot()
	snap.Active = false
	g := &Gate{defaults: testThresholds()}

	enforced := g.applyMode(g.decide(snap, testThresholds()), engine.ModeEnforce)
	observed := g.applyMode(g.decide(snap, testThresholds()), engine.ModeObserve)

	assert.False(t, enforced.Allowed)
	assert.True(t, observed.Allowed)
	// Identical classification either way; only the allowed bit moves.
	assert.Equal(t, enforced.FailureType, observed.FailureType)
	assert.Equal(t, enforced.Reason, observed.Reason)
}

func TestSuggestModeSurfacesRecommendation(t *testing.T) {
	snap := healthySnapshot()
	snap.Mailboxes[0].HardScore = 90
	snap.Mailboxes[1].HardScore = 90
	g := &Gate{defaults: testThresholds()}

	d := g.applyMode(g.decide(snap, testThresholds()), engine.ModeSuggest)
	assert.True(t, d.Allowed)
	assert.Equal(t, d.Reason, d.Recommendation)
	assert.Equal(t, HealthIssue, d.FailureType)
}

func TestEnforceModeReturnsRealVerdict(t *testing.T) {
	snap := healthySnapshot()
	g := &Gate{defaults: testThresholds()}
	d := g.applyMode(g.decide(snap, testThresholds()), engine.ModeEnforce)
	assert.True(t, d.Allowed)
}

func TestChecksShortCircuitInOrder(t *testing.T) {
	// Both the campaign sync and the mailbox health are broken; the sync
	// check fires first.
	snap := healthySnapshot()
	snap.Configured = false
	snap.Mailboxes[0].Status = "paused"
	snap.Mailboxes[1].Status = "paused"
	g := &Gate{defaults: testThresholds()}
	d := g.decide(snap, testThresholds())
	assert.Equal(t, SyncIssue, d.FailureType)
}

func TestLeadStateMapping(t *testing.T) {
	status, class := leadStateFor(&Decision{Allowed: true})
	assert.Equal(t, "active", status)
	assert.Equal(t, "green", class)

	status, class = leadStateFor(&Decision{Allowed: true, FailureType: SoftWarning, Recommendation: "fast"})
	assert.Equal(t, "active", status)
	assert.Equal(t, "yellow", class)

	status, class = leadStateFor(&Decision{Allowed: false, FailureType: SyncIssue})
	assert.Equal(t, "held", status)
	assert.Equal(t, "yellow", class)

	status, class = leadStateFor(&Decision{Allowed: false, FailureType: HealthIssue})
	assert.Equal(t, "paused", status)
	assert.Equal(t, "red", class)
}
