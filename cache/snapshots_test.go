package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Richardson2512/drason/gate"
)

func newTestCache(t *testing.T) *SnapshotCache {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSnapshotRoundTrip(t *testing.T) {
	c := newTestCache(t)

	snap := &gate.Snapshot{
		CampaignID: 7,
		Found:      true,
		Configured: true,
		Active:     true,
		Mailboxes: []gate.MailboxSnapshot{
			{ID: 1, DomainID: 3, Status: "healthy", HardScore: 12.5},
		},
		DomainStatuses: map[int64]string{3: "healthy"},
		TakenAt:        time.Now().Truncate(time.Second),
	}
	require.NoError(t, c.Put(7, snap))

	got, err := c.Get(7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.Mailboxes, got.Mailboxes)
	assert.Equal(t, snap.DomainStatuses, got.DomainStatuses)
	assert.True(t, got.Active)
}

func TestGetMissingReturnsNil(t *testing.T) {
	c := newTestCache(t)
	got, err := c.Get(99)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutReplacesExisting(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put(1, &gate.Snapshot{CampaignID: 1, Active: true, TakenAt: time.Now()}))
	require.NoError(t, c.Put(1, &gate.Snapshot{CampaignID: 1, Active: false, TakenAt: time.Now()}))

	got, err := c.Get(1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Active)
}

func TestPruneDropsStaleSnapshots(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put(1, &gate.Snapshot{CampaignID: 1, TakenAt: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, c.Put(2, &gate.Snapshot{CampaignID: 2, TakenAt: time.Now()}))

	n, err := c.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := c.Get(2)
	require.NoError(t, err)
	assert.NotNil(t, got)
}
