package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// HealthStatusRecord is a persisted component health snapshot.
type HealthStatusRecord struct {
	Component string          `json:"component"`
	Status    string          `json:"status"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CheckedAt time.Time       `json:"checked_at"`
}

// StoreHealthStatus upserts the latest health snapshot for one component.
func (db *Database) StoreHealthStatus(ctx context.Context, rec *HealthStatusRecord) error {
	_, err := db.WritePool.Exec(ctx, `
		INSERT INTO health_statuses (component, status, detail, checked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (component) DO UPDATE SET
			status = EXCLUDED.status,
			detail = EXCLUDED.detail,
			checked_at = EXCLUDED.checked_at`,
		rec.Component, rec.Status, rec.Detail, rec.CheckedAt)
	if err != nil {
		return fmt.Errorf("failed to store health status for %s: %w", rec.Component, err)
	}
	return nil
}

// ListHealthStatuses returns the latest snapshot per component.
func (db *Database) ListHealthStatuses(ctx context.Context) ([]HealthStatusRecord, error) {
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, `
		SELECT component, status, detail, checked_at
		FROM health_statuses ORDER BY component`)
	if err != nil {
		return nil, fmt.Errorf("failed to list health statuses: %w", err)
	}
	defer rows.Close()

	var out []HealthStatusRecord
	for rows.Next() {
		var r HealthStatusRecord
		if err := rows.Scan(&r.Component, &r.Status, &r.Detail, &r.CheckedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CleanupStaleHealthStatuses drops snapshots that have not been refreshed
// within maxAge, so dead components disappear from status views.
func (db *Database) CleanupStaleHealthStatuses(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	tag, err := db.WritePool.Exec(ctx,
		`DELETE FROM health_statuses WHERE checked_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up stale health statuses: %w", err)
	}
	return tag.RowsAffected(), nil
}
