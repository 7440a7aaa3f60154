package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Richardson2512/drason/db"
)

// fakeGateStore is an in-memory Store for driving Check and AuthorizeLead
// end to end, audit appends included.
type fakeGateStore struct {
	campaigns map[int64]*db.Campaign
	orgs      map[int64]*db.Organization
	mailboxes map[int64][]*db.Mailbox
	domains   map[int64]*db.Domain
	leads     map[int64]*db.Lead
	audit     []db.StateTransition
}

func newFakeGateStore() *fakeGateStore {
	return &fakeGateStore{
		campaigns: map[int64]*db.Campaign{},
		orgs:      map[int64]*db.Organization{},
		mailboxes: map[int64][]*db.Mailbox{},
		domains:   map[int64]*db.Domain{},
		leads:     map[int64]*db.Lead{},
	}
}

func (f *fakeGateStore) GetCampaignByID(_ context.Context, id int64) (*db.Campaign, error) {
	c, ok := f.campaigns[id]
	if !ok {
		return nil, db.ErrCampaignNotFound
	}
	return c, nil
}

func (f *fakeGateStore) GetOrganizationByID(_ context.Context, id int64) (*db.Organization, error) {
	o, ok := f.orgs[id]
	if !ok {
		return nil, db.ErrOrganizationNotFound
	}
	return o, nil
}

func (f *fakeGateStore) ListCampaignMailboxes(_ context.Context, campaignID int64) ([]*db.Mailbox, error) {
	return f.mailboxes[campaignID], nil
}

func (f *fakeGateStore) GetDomainByID(_ context.Context, id int64) (*db.Domain, error) {
	d, ok := f.domains[id]
	if !ok {
		return nil, db.ErrDomainNotFound
	}
	return d, nil
}

func (f *fakeGateStore) CountRecentOutcomesRead(_ context.Context, _ int64, _ string, _ time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeGateStore) GetLeadByID(_ context.Context, id int64) (*db.Lead, error) {
	l, ok := f.leads[id]
	if !ok {
		return nil, db.ErrLeadNotFound
	}
	cp := *l
	return &cp, nil
}

func (f *fakeGateStore) UpdateLeadDispatchState(_ context.Context, id int64, status, healthClassification string) error {
	l, ok := f.leads[id]
	if !ok {
		return db.ErrLeadNotFound
	}
	l.Status = status
	l.HealthClassification = healthClassification
	return nil
}

func (f *fakeGateStore) AppendTransition(_ context.Context, t *db.StateTransition) error {
	f.audit = append(f.audit, *t)
	return nil
}

func seedCampaign(f *fakeGateStore, id int64) {
	synced := time.Now().Add(-time.Hour)
	f.campaigns[id] = &db.Campaign{ID: id, OrganizationID: 1, Name: "outreach", Status: "active", ConfigSyncedAt: &synced}
	f.orgs[1] = &db.Organization{ID: 1, Name: "acme", Mode: "enforce"}
	f.domains[1] = &db.Domain{ID: 1, OrganizationID: 1, Name: "acme.example", Status: "healthy"}
	f.mailboxes[id] = []*db.Mailbox{
		{ID: 1, DomainID: 1, Status: "healthy", Active: true},
		{ID: 2, DomainID: 1, Status: "healthy", Active: true},
	}
}

func TestCheckMissingCampaign(t *testing.T) {
	// A campaign id the store has never seen is a blocked dispatch with a
	// deferrable verdict, not an internal error.
	f := newFakeGateStore()
	g := New(f, testThresholds(), nil)

	d, err := g.Check(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, SyncIssue, d.FailureType)
	assert.True(t, d.Deferrable)
	assert.False(t, d.Retryable)

	require.Len(t, f.audit, 1)
	assert.Equal(t, "gate_decision", f.audit[0].EntityType)
	assert.Equal(t, int64(42), f.audit[0].EntityID)
	assert.Equal(t, "blocked", f.audit[0].ToState)
	assert.Equal(t, string(SyncIssue), f.audit[0].TriggeredBy)
}

func TestCheckHealthyCampaignAllowsAndAudits(t *testing.T) {
	f := newFakeGateStore()
	seedCampaign(f, 7)
	g := New(f, testThresholds(), nil)

	d, err := g.Check(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Degraded)

	require.Len(t, f.audit, 1)
	assert.Equal(t, "allowed", f.audit[0].ToState)
}

func TestAuthorizeLeadHeldOnMissingCampaign(t *testing.T) {
	f := newFakeGateStore()
	campaignID := int64(42)
	f.leads[5] = &db.Lead{ID: 5, CampaignID: &campaignID, Email: "lead@example.org", Status: "active", HealthClassification: "green"}
	g := New(f, testThresholds(), nil)

	d, err := g.AuthorizeLead(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, SyncIssue, d.FailureType)

	lead := f.leads[5]
	assert.Equal(t, "held", lead.Status)
	assert.Equal(t, "yellow", lead.HealthClassification)
}
