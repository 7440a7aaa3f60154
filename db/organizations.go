package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Organization holds per-tenant enforcement settings. Mode and threshold
// overrides are resolved against the configured defaults at evaluation time;
// the row never stores a full threshold set.
type Organization struct {
	ID                 int64              `json:"id"`
	Name               string             `json:"name"`
	Mode               string             `json:"mode"`
	ThresholdOverrides map[string]float64 `json:"threshold_overrides,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

func scanOrganization(row pgx.Row) (*Organization, error) {
	var o Organization
	err := row.Scan(&o.ID, &o.Name, &o.Mode, &o.ThresholdOverrides, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrganizationNotFound
		}
		return nil, err
	}
	if o.ThresholdOverrides == nil {
		o.ThresholdOverrides = map[string]float64{}
	}
	return &o, nil
}

// CreateOrganization registers a tenant with the default enforcement mode.
func (db *Database) CreateOrganization(ctx context.Context, name, mode string) (*Organization, error) {
	query := `
		INSERT INTO organizations (name, mode)
		VALUES ($1, $2)
		RETURNING id, name, mode, threshold_overrides, created_at, updated_at`
	o, err := scanOrganization(db.WritePool.QueryRow(ctx, query, name, mode))
	if err != nil {
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}
	return o, nil
}

// GetOrganizationByID fetches a tenant's enforcement settings.
func (db *Database) GetOrganizationByID(ctx context.Context, id int64) (*Organization, error) {
	query := `SELECT id, name, mode, threshold_overrides, created_at, updated_at FROM organizations WHERE id = $1`
	return scanOrganization(db.GetReadPoolWithContext(ctx).QueryRow(ctx, query, id))
}

// UpdateOrganizationMode switches a tenant between observe, suggest and
// enforce.
func (db *Database) UpdateOrganizationMode(ctx context.Context, id int64, mode string) error {
	tag, err := db.WritePool.Exec(ctx,
		`UPDATE organizations SET mode = $2, updated_at = now() WHERE id = $1`, id, mode)
	if err != nil {
		return fmt.Errorf("failed to update organization %d mode: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrganizationNotFound
	}
	return nil
}

// UpdateOrganizationThresholds replaces a tenant's threshold overrides.
func (db *Database) UpdateOrganizationThresholds(ctx context.Context, id int64, overrides map[string]float64) error {
	tag, err := db.WritePool.Exec(ctx,
		`UPDATE organizations SET threshold_overrides = $2, updated_at = now() WHERE id = $1`, id, overrides)
	if err != nil {
		return fmt.Errorf("failed to update organization %d thresholds: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrganizationNotFound
	}
	return nil
}
