package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Domain represents the database structure of a sending domain.
type Domain struct {
	ID              int64     `json:"id"`
	OrganizationID  int64     `json:"organization_id"`
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	WarningCount    int       `json:"warning_count"`
	PausedReason    *string   `json:"paused_reason,omitempty"`
	BounceRateTrend float64   `json:"bounce_rate_trend"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

const domainColumns = `
	id, organization_id, name, status, warning_count,
	paused_reason, bounce_rate_trend, created_at, updated_at`

func scanDomain(row pgx.Row) (*Domain, error) {
	var d Domain
	err := row.Scan(
		&d.ID, &d.OrganizationID, &d.Name, &d.Status, &d.WarningCount,
		&d.PausedReason, &d.BounceRateTrend, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDomainNotFound
		}
		return nil, err
	}
	return &d, nil
}

// CreateDomain registers a sending domain for an organization.
func (db *Database) CreateDomain(ctx context.Context, organizationID int64, name string) (*Domain, error) {
	query := `
		INSERT INTO domains (organization_id, name)
		VALUES ($1, $2)
		RETURNING ` + domainColumns
	d, err := scanDomain(db.WritePool.QueryRow(ctx, query, organizationID, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create domain: %w", err)
	}
	return d, nil
}

// GetDomainByID fetches a domain without locking it.
func (db *Database) GetDomainByID(ctx context.Context, id int64) (*Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE id = $1`
	return scanDomain(db.GetReadPoolWithContext(ctx).QueryRow(ctx, query, id))
}

// GetDomainForUpdate fetches a domain inside tx with a row lock. The domain
// aggregation runs under this lock, in the same transaction as the mailbox
// transition that triggered it, so it always sees a consistent set of
// children.
func (db *Database) GetDomainForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE id = $1 FOR UPDATE`
	return scanDomain(tx.QueryRow(ctx, query, id))
}

// UpdateDomainStatus persists a domain aggregation result.
func (db *Database) UpdateDomainStatus(ctx context.Context, tx pgx.Tx, id int64, status string, pausedReason *string, warningCount int, bounceRateTrend float64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE domains SET
			status = $2,
			paused_reason = $3,
			warning_count = $4,
			bounce_rate_trend = $5,
			updated_at = now()
		WHERE id = $1`,
		id, status, pausedReason, warningCount, bounceRateTrend)
	if err != nil {
		return fmt.Errorf("failed to update domain %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDomainNotFound
	}
	return nil
}

// CascadeDomainPause blocks every mailbox under a paused domain regardless of
// individual state. Each cascaded mailbox gets a cooldown scheduled from its
// own pause streak, mirroring engine.CooldownDuration: base doubled per prior
// consecutive pause, capped. Without it a cascaded mailbox would sit in
// paused with no expiry and the sweep could never recover it.
func (db *Database) CascadeDomainPause(ctx context.Context, tx pgx.Tx, domainID int64, cooldownBase, cooldownCap time.Duration) ([]CascadedMailbox, error) {
	rows, err := tx.Query(ctx, `
		UPDATE mailboxes m
		SET status = 'paused',
			consecutive_pause_count = prev.consecutive_pause_count + 1,
			cooldown_expires_at = now() + make_interval(secs =>
				LEAST($2 * POWER(2, LEAST(prev.consecutive_pause_count, 16)), $3)),
			healthy_since = NULL,
			updated_at = now()
		FROM (
			SELECT id, status, consecutive_pause_count FROM mailboxes
			WHERE domain_id = $1 AND active AND status != 'paused'
			FOR UPDATE
		) prev
		WHERE m.id = prev.id
		RETURNING m.id, prev.status`, domainID, cooldownBase.Seconds(), cooldownCap.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to cascade domain pause for domain %d: %w", domainID, err)
	}
	defer rows.Close()

	var cascaded []CascadedMailbox
	for rows.Next() {
		var c CascadedMailbox
		if err := rows.Scan(&c.ID, &c.PreviousStatus); err != nil {
			return nil, err
		}
		cascaded = append(cascaded, c)
	}
	return cascaded, rows.Err()
}

// CascadedMailbox records one mailbox swept up by a domain-wide pause.
type CascadedMailbox struct {
	ID             int64
	PreviousStatus string
}

// ListDomainsByOrganization returns all domains for an organization.
func (db *Database) ListDomainsByOrganization(ctx context.Context, organizationID int64) ([]*Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE organization_id = $1 ORDER BY id`
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	defer rows.Close()

	var domains []*Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}
