package engine

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Richardson2512/drason/consts"
	"github.com/Richardson2512/drason/db"
	"github.com/Richardson2512/drason/events"
)

// fakeStore is an in-memory Store. It mirrors the row semantics the engine
// relies on: reads return copies, updates write back, and the delivery event
// dedup key is unique.
type fakeStore struct {
	mailboxes   map[int64]*db.Mailbox
	domains     map[int64]*db.Domain
	orgs        map[int64]*db.Organization
	events      []storedEvent
	eventKeys   map[string]bool
	transitions []db.StateTransition
}

type storedEvent struct {
	mailboxID  int64
	outcome    string
	occurredAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		mailboxes: map[int64]*db.Mailbox{},
		domains:   map[int64]*db.Domain{},
		orgs:      map[int64]*db.Organization{},
		eventKeys: map[string]bool{},
	}
}

func (f *fakeStore) RunInWriteTx(ctx context.Context, fn db.TxFunc) error {
	return fn(nil)
}

func (f *fakeStore) GetMailboxByID(_ context.Context, id int64) (*db.Mailbox, error) {
	m, ok := f.mailboxes[id]
	if !ok {
		return nil, db.ErrMailboxNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) GetMailboxForUpdate(ctx context.Context, _ pgx.Tx, id int64) (*db.Mailbox, error) {
	return f.GetMailboxByID(ctx, id)
}

func (f *fakeStore) UpdateMailboxEvaluation(_ context.Context, _ pgx.Tx, m *db.Mailbox) error {
	cp := *m
	f.mailboxes[m.ID] = &cp
	return nil
}

func (f *fakeStore) GetExpiredCooldownMailboxIDs(_ context.Context, _ pgx.Tx, limit int) ([]int64, error) {
	var ids []int64
	now := time.Now()
	for id, m := range f.mailboxes {
		if m.Status == string(StatusPaused) && m.CooldownExpiresAt != nil && !m.CooldownExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeStore) GetRampCompletedMailboxIDs(_ context.Context, _ pgx.Tx, cutoff time.Time, limit int) ([]int64, error) {
	var ids []int64
	for id, m := range f.mailboxes {
		if m.Status == string(StatusWarming) && m.WarmupStartedAt != nil && !m.WarmupStartedAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeStore) GetPauseStreakResetCandidateIDs(_ context.Context, _ pgx.Tx, cutoff time.Time, limit int) ([]int64, error) {
	var ids []int64
	for id, m := range f.mailboxes {
		if m.Status == string(StatusHealthy) && m.ConsecutivePauseCount > 0 &&
			m.HealthySince != nil && !m.HealthySince.After(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeStore) CountPausedMailboxes(_ context.Context) (int64, error) {
	var n int64
	for _, m := range f.mailboxes {
		if m.Status == string(StatusPaused) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetDomainByID(_ context.Context, id int64) (*db.Domain, error) {
	d, ok := f.domains[id]
	if !ok {
		return nil, db.ErrDomainNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) GetDomainForUpdate(ctx context.Context, _ pgx.Tx, id int64) (*db.Domain, error) {
	return f.GetDomainByID(ctx, id)
}

func (f *fakeStore) UpdateDomainStatus(_ context.Context, _ pgx.Tx, id int64, status string, pausedReason *string, warningCount int, bounceRateTrend float64) error {
	d, ok := f.domains[id]
	if !ok {
		return db.ErrDomainNotFound
	}
	d.Status = status
	d.PausedReason = pausedReason
	d.WarningCount = warningCount
	d.BounceRateTrend = bounceRateTrend
	return nil
}

func (f *fakeStore) ListDomainMailboxStatuses(_ context.Context, _ pgx.Tx, domainID int64) ([]string, error) {
	var out []string
	for _, m := range f.mailboxes {
		if m.DomainID == domainID && m.Active {
			out = append(out, m.Status)
		}
	}
	return out, nil
}

func (f *fakeStore) CascadeDomainPause(_ context.Context, _ pgx.Tx, domainID int64, cooldownBase, cooldownCap time.Duration) ([]db.CascadedMailbox, error) {
	var ids []int64
	for id, m := range f.mailboxes {
		if m.DomainID == domainID && m.Active && m.Status != string(StatusPaused) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	now := time.Now()
	var cascaded []db.CascadedMailbox
	for _, id := range ids {
		m := f.mailboxes[id]
		cascaded = append(cascaded, db.CascadedMailbox{ID: id, PreviousStatus: m.Status})
		m.ConsecutivePauseCount++
		expires := now.Add(CooldownDuration(m.ConsecutivePauseCount, cooldownBase, cooldownCap))
		m.CooldownExpiresAt = &expires
		m.HealthySince = nil
		m.Status = string(StatusPaused)
	}
	return cascaded, nil
}

func (f *fakeStore) GetOrganizationByID(_ context.Context, id int64) (*db.Organization, error) {
	o, ok := f.orgs[id]
	if !ok {
		return nil, db.ErrOrganizationNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeStore) InsertDeliveryEvent(_ context.Context, _ pgx.Tx, _, dedupKey string, mailboxID int64, _, outcome string, occurredAt time.Time, _ map[string]string) error {
	if f.eventKeys[dedupKey] {
		return db.ErrDuplicateEvent
	}
	f.eventKeys[dedupKey] = true
	f.events = append(f.events, storedEvent{mailboxID: mailboxID, outcome: outcome, occurredAt: occurredAt})
	return nil
}

func (f *fakeStore) CountRecentOutcomes(_ context.Context, _ pgx.Tx, mailboxID int64, outcome string, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window)
	n := 0
	for _, e := range f.events {
		if e.mailboxID == mailboxID && e.outcome == outcome && e.occurredAt.After(cutoff) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) InsertStateTransition(_ context.Context, _ pgx.Tx, t *db.StateTransition) error {
	f.transitions = append(f.transitions, *t)
	return nil
}

func (f *fakeStore) transition(entityType string, entityID int64, to string) *db.StateTransition {
	for i := range f.transitions {
		t := &f.transitions[i]
		if t.EntityType == entityType && t.EntityID == entityID && t.ToState == to {
			return t
		}
	}
	return nil
}

type recordingNotifier struct {
	seen []db.StateTransition
}

func (n *recordingNotifier) NotifyTransition(t db.StateTransition) {
	n.seen = append(n.seen, t)
}

func seedOrgDomain(f *fakeStore) {
	f.orgs[1] = &db.Organization{ID: 1, Name: "acme", Mode: "enforce"}
	f.domains[1] = &db.Domain{ID: 1, OrganizationID: 1, Name: "acme.example", Status: string(DomainHealthy)}
}

func seedMailbox(f *fakeStore, id int64, status string, sent, bounced int) *db.Mailbox {
	m := &db.Mailbox{
		ID:                id,
		DomainID:          1,
		Address:           "out@acme.example",
		Status:            status,
		WindowSentCount:   sent,
		WindowBounceCount: bounced,
		Active:            true,
	}
	f.mailboxes[id] = m
	return m
}

func bounceEvent(mailboxID int64, providerID string) *events.DeliveryEvent {
	return &events.DeliveryEvent{
		MailboxID:  mailboxID,
		Provider:   "smartlead",
		Outcome:    events.OutcomeBounce,
		OccurredAt: time.Now(),
		ProviderID: providerID,
	}
}

func TestProcessEventPauseSchedulesCooldown(t *testing.T) {
	f := newFakeStore()
	seedOrgDomain(f)
	seedMailbox(f, 1, string(StatusHealthy), 100, 4)
	notifier := &recordingNotifier{}
	eng := New(f, testThresholds(), notifier)

	eval, err := eng.ProcessEvent(context.Background(), bounceEvent(1, "evt-1"))
	require.NoError(t, err)
	require.NotNil(t, eval.Transition)
	assert.Equal(t, StatusPaused, eval.Transition.To)

	m := f.mailboxes[1]
	assert.Equal(t, string(StatusPaused), m.Status)
	assert.Equal(t, 1, m.ConsecutivePauseCount)
	require.NotNil(t, m.CooldownExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *m.CooldownExpiresAt, time.Minute)

	// Post-increment window (100 sent, 5 bounced) hit the ceiling and halved.
	assert.Equal(t, 50, m.WindowSentCount)
	assert.Equal(t, 2, m.WindowBounceCount)

	// The single-mailbox domain went fully unhealthy and paused with it.
	require.NotNil(t, f.transition("mailbox", 1, string(StatusPaused)))
	require.NotNil(t, f.transition("domain", 1, string(DomainPaused)))
	assert.Equal(t, string(DomainPaused), f.domains[1].Status)

	require.NotEmpty(t, notifier.seen)
	assert.Equal(t, string(StatusPaused), notifier.seen[0].ToState)
}

func TestProcessEventDuplicateIsRejected(t *testing.T) {
	f := newFakeStore()
	seedOrgDomain(f)
	seedMailbox(f, 1, string(StatusHealthy), 10, 0)
	eng := New(f, testThresholds(), nil)

	ev := bounceEvent(1, "evt-dup")
	_, err := eng.ProcessEvent(context.Background(), ev)
	require.NoError(t, err)
	before := *f.mailboxes[1]

	_, err = eng.ProcessEvent(context.Background(), ev)
	assert.True(t, errors.Is(err, consts.ErrDuplicateEvent))
	assert.True(t, errors.Is(err, db.ErrDuplicateEvent))
	assert.Equal(t, before, *f.mailboxes[1])
}

func TestProcessEventUnknownMailbox(t *testing.T) {
	f := newFakeStore()
	seedOrgDomain(f)
	eng := New(f, testThresholds(), nil)

	_, err := eng.ProcessEvent(context.Background(), bounceEvent(99, "evt-2"))
	assert.True(t, errors.Is(err, consts.ErrMailboxNotFound))
}

func TestDomainPauseCascadesWithCooldown(t *testing.T) {
	// Two mailboxes; one pause tips the ratio to 0.5 and the cascade must
	// leave the sibling with a scheduled cooldown, not a dead-end pause.
	f := newFakeStore()
	seedOrgDomain(f)
	seedMailbox(f, 1, string(StatusHealthy), 100, 4)
	seedMailbox(f, 2, string(StatusHealthy), 50, 0)
	eng := New(f, testThresholds(), nil)

	_, err := eng.ProcessEvent(context.Background(), bounceEvent(1, "evt-3"))
	require.NoError(t, err)

	assert.Equal(t, string(DomainPaused), f.domains[1].Status)
	sibling := f.mailboxes[2]
	assert.Equal(t, string(StatusPaused), sibling.Status)
	assert.Equal(t, 1, sibling.ConsecutivePauseCount)
	require.NotNil(t, sibling.CooldownExpiresAt)

	cascade := f.transition("mailbox", 2, string(StatusPaused))
	require.NotNil(t, cascade)
	assert.Equal(t, "domain_cascade", cascade.TriggeredBy)
}

func TestRecoverExpiredHealsDomain(t *testing.T) {
	// The full back half of the cycle: expired cooldowns move every child to
	// recovering, the aggregate is recomputed in the same pass, and the
	// domain steps out of paused so recovery sends can flow.
	f := newFakeStore()
	seedOrgDomain(f)
	f.domains[1].Status = string(DomainPaused)
	expired := time.Now().Add(-time.Minute)
	for id := int64(1); id <= 2; id++ {
		m := seedMailbox(f, id, string(StatusPaused), 0, 0)
		m.ConsecutivePauseCount = 1
		m.CooldownExpiresAt = &expired
	}
	eng := New(f, testThresholds(), nil)

	recovered, err := eng.RecoverExpired(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	for id := int64(1); id <= 2; id++ {
		m := f.mailboxes[id]
		assert.Equal(t, string(StatusRecovering), m.Status)
		assert.Nil(t, m.CooldownExpiresAt)
	}
	assert.Equal(t, string(DomainHealthy), f.domains[1].Status)
	require.NotNil(t, f.transition("domain", 1, string(DomainHealthy)))
}

func TestCompleteWarmupsPromotes(t *testing.T) {
	f := newFakeStore()
	seedOrgDomain(f)
	started := time.Now().Add(-9 * 24 * time.Hour)
	m := seedMailbox(f, 1, string(StatusWarming), 30, 0)
	m.WarmupStartedAt = &started
	eng := New(f, testThresholds(), nil)

	promoted, err := eng.CompleteWarmups(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
	assert.Equal(t, string(StatusHealthy), f.mailboxes[1].Status)
	assert.NotNil(t, f.mailboxes[1].HealthySince)
}

func TestOverrideDomainPauseCascades(t *testing.T) {
	f := newFakeStore()
	seedOrgDomain(f)
	seedMailbox(f, 1, string(StatusHealthy), 10, 0)
	eng := New(f, testThresholds(), nil)

	err := eng.OverrideDomainStatus(context.Background(), 1, DomainPaused, "provider incident", "ops")
	require.NoError(t, err)

	assert.Equal(t, string(DomainPaused), f.domains[1].Status)
	m := f.mailboxes[1]
	assert.Equal(t, string(StatusPaused), m.Status)
	require.NotNil(t, m.CooldownExpiresAt)

	rec := f.transition("domain", 1, string(DomainPaused))
	require.NotNil(t, rec)
	assert.Equal(t, "admin_override", rec.TriggeredBy)
	assert.Contains(t, rec.Reason, "ops")
}

func TestReplayReproducesFinalState(t *testing.T) {
	// The event log is the source of truth: replaying the same sequence into
	// a fresh store lands every mailbox in the same state.
	sequence := make([]*events.DeliveryEvent, 0, 8)
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		sequence = append(sequence, &events.DeliveryEvent{
			MailboxID: 1, Provider: "smartlead", Outcome: events.OutcomeSent,
			OccurredAt: base.Add(time.Duration(i) * time.Second),
			ProviderID: string(rune('a' + i)),
		})
	}
	sequence = append(sequence, bounceEvent(1, "evt-b1"), bounceEvent(1, "evt-b2"))

	run := func() db.Mailbox {
		f := newFakeStore()
		seedOrgDomain(f)
		seedMailbox(f, 1, string(StatusHealthy), 0, 0)
		eng := New(f, testThresholds(), nil)
		for _, ev := range sequence {
			_, err := eng.ProcessEvent(context.Background(), ev)
			require.NoError(t, err)
		}
		return *f.mailboxes[1]
	}

	first, second := run(), run()
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.WindowSentCount, second.WindowSentCount)
	assert.Equal(t, first.WindowBounceCount, second.WindowBounceCount)
	assert.Equal(t, first.ConsecutivePauseCount, second.ConsecutivePauseCount)
	assert.Equal(t, first.HardBounceCount, second.HardBounceCount)
}
