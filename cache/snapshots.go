// Package cache keeps last-known-good gate snapshots in a local sqlite file.
// When the primary store is unreachable the gate decides from here instead
// of hard-failing dispatch, so the cache must survive process restarts.
package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Richardson2512/drason/gate"
	"github.com/Richardson2512/drason/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS gate_snapshots (
	campaign_id INTEGER PRIMARY KEY,
	payload     BLOB NOT NULL,
	taken_at    INTEGER NOT NULL
);`

// SnapshotCache is a file-backed gate.SnapshotStore.
type SnapshotCache struct {
	db *sql.DB
}

// New opens or creates the cache file. The parent directory is created if
// missing.
func New(path string) (*SnapshotCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot cache: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize snapshot cache: %w", err)
	}
	logger.Infof("[CACHE] snapshot cache ready at %s", path)
	return &SnapshotCache{db: db}, nil
}

// Put stores the latest snapshot for a campaign, replacing any older one.
func (c *SnapshotCache) Put(campaignID int64, s *gate.Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = c.db.Exec(`
		INSERT INTO gate_snapshots (campaign_id, payload, taken_at)
		VALUES (?, ?, ?)
		ON CONFLICT(campaign_id) DO UPDATE SET payload = excluded.payload, taken_at = excluded.taken_at`,
		campaignID, payload, s.TakenAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to store snapshot for campaign %d: %w", campaignID, err)
	}
	return nil
}

// Get returns the cached snapshot for a campaign, or (nil, nil) when none
// exists.
func (c *SnapshotCache) Get(campaignID int64) (*gate.Snapshot, error) {
	var payload []byte
	err := c.db.QueryRow(
		`SELECT payload FROM gate_snapshots WHERE campaign_id = ?`, campaignID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot for campaign %d: %w", campaignID, err)
	}
	var s gate.Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for campaign %d: %w", campaignID, err)
	}
	return &s, nil
}

// Prune drops snapshots older than maxAge. A stale snapshot is worse than
// none once the world has had time to change under it.
func (c *SnapshotCache) Prune(maxAge time.Duration) (int64, error) {
	res, err := c.db.Exec(`DELETE FROM gate_snapshots WHERE taken_at < ?`,
		time.Now().Add(-maxAge).Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshot cache: %w", err)
	}
	return res.RowsAffected()
}

func (c *SnapshotCache) Close() error {
	return c.db.Close()
}
