package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Mailbox represents the database structure of a sending mailbox.
type Mailbox struct {
	ID                    int64      `json:"id"`
	DomainID              int64      `json:"domain_id"`
	Address               string     `json:"address"`
	Status                string     `json:"status"`
	WindowSentCount       int        `json:"window_sent_count"`
	WindowBounceCount     int        `json:"window_bounce_count"`
	HardBounceCount       int64      `json:"hard_bounce_count"`
	DeliveryFailureCount  int64      `json:"delivery_failure_count"`
	ConsecutivePauseCount int        `json:"consecutive_pause_count"`
	RecoveryCleanSends    int        `json:"recovery_clean_sends"`
	CooldownExpiresAt     *time.Time `json:"cooldown_expires_at,omitempty"`
	HealthySince          *time.Time `json:"healthy_since,omitempty"`
	WarmupStartedAt       *time.Time `json:"warmup_started_at,omitempty"`
	Velocity              float64    `json:"velocity"`
	LastActivityAt        *time.Time `json:"last_activity_at,omitempty"`
	Active                bool       `json:"active"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

const mailboxColumns = `
	id, domain_id, address, status,
	window_sent_count, window_bounce_count,
	hard_bounce_count, delivery_failure_count,
	consecutive_pause_count, recovery_clean_sends,
	cooldown_expires_at, healthy_since, warmup_started_at,
	velocity, last_activity_at, active, created_at, updated_at`

func scanMailbox(row pgx.Row) (*Mailbox, error) {
	var m Mailbox
	err := row.Scan(
		&m.ID, &m.DomainID, &m.Address, &m.Status,
		&m.WindowSentCount, &m.WindowBounceCount,
		&m.HardBounceCount, &m.DeliveryFailureCount,
		&m.ConsecutivePauseCount, &m.RecoveryCleanSends,
		&m.CooldownExpiresAt, &m.HealthySince, &m.WarmupStartedAt,
		&m.Velocity, &m.LastActivityAt, &m.Active, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMailboxNotFound
		}
		return nil, err
	}
	return &m, nil
}

// CreateMailbox registers a sending identity synced from a provider. New
// mailboxes start in 'warming'; pre-existing imports start in 'healthy'.
func (db *Database) CreateMailbox(ctx context.Context, domainID int64, address, status string) (*Mailbox, error) {
	query := `
		INSERT INTO mailboxes (domain_id, address, status, warmup_started_at)
		VALUES ($1, $2, $3, CASE WHEN $3 = 'warming' THEN now() ELSE NULL END)
		RETURNING ` + mailboxColumns

	m, err := scanMailbox(db.WritePool.QueryRow(ctx, query, domainID, address, status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateMailbox
		}
		return nil, fmt.Errorf("failed to create mailbox: %w", err)
	}
	return m, nil
}

// GetMailboxByID fetches a mailbox without locking it.
func (db *Database) GetMailboxByID(ctx context.Context, id int64) (*Mailbox, error) {
	query := `SELECT ` + mailboxColumns + ` FROM mailboxes WHERE id = $1`
	return scanMailbox(db.GetReadPoolWithContext(ctx).QueryRow(ctx, query, id))
}

// GetMailboxByAddress fetches a mailbox by its sending address.
func (db *Database) GetMailboxByAddress(ctx context.Context, address string) (*Mailbox, error) {
	query := `SELECT ` + mailboxColumns + ` FROM mailboxes WHERE address = $1`
	return scanMailbox(db.GetReadPoolWithContext(ctx).QueryRow(ctx, query, address))
}

// GetMailboxForUpdate fetches a mailbox inside tx with a row lock. Every
// counter update and state evaluation for a mailbox happens under this lock,
// which is what serializes concurrent events for the same mailbox.
func (db *Database) GetMailboxForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*Mailbox, error) {
	query := `SELECT ` + mailboxColumns + ` FROM mailboxes WHERE id = $1 FOR UPDATE`
	return scanMailbox(tx.QueryRow(ctx, query, id))
}

// UpdateMailboxEvaluation persists the mutable outcome of one engine
// evaluation pass: counters, status, cooldown bookkeeping and velocity.
func (db *Database) UpdateMailboxEvaluation(ctx context.Context, tx pgx.Tx, m *Mailbox) error {
	query := `
		UPDATE mailboxes SET
			status = $2,
			window_sent_count = $3,
			window_bounce_count = $4,
			hard_bounce_count = $5,
			delivery_failure_count = $6,
			consecutive_pause_count = $7,
			recovery_clean_sends = $8,
			cooldown_expires_at = $9,
			healthy_since = $10,
			warmup_started_at = $11,
			velocity = $12,
			last_activity_at = $13,
			updated_at = now()
		WHERE id = $1`

	tag, err := tx.Exec(ctx, query,
		m.ID, m.Status,
		m.WindowSentCount, m.WindowBounceCount,
		m.HardBounceCount, m.DeliveryFailureCount,
		m.ConsecutivePauseCount, m.RecoveryCleanSends,
		m.CooldownExpiresAt, m.HealthySince, m.WarmupStartedAt,
		m.Velocity, m.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update mailbox %d: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMailboxNotFound
	}
	return nil
}

// DeactivateMailbox marks a mailbox inactive. Mailboxes are never hard-deleted.
func (db *Database) DeactivateMailbox(ctx context.Context, id int64) error {
	tag, err := db.WritePool.Exec(ctx,
		`UPDATE mailboxes SET active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate mailbox %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMailboxNotFound
	}
	return nil
}

// ListDomainMailboxStatuses returns the status of every active mailbox under
// a domain, read inside tx so the domain aggregation sees a consistent
// snapshot of its children.
func (db *Database) ListDomainMailboxStatuses(ctx context.Context, tx pgx.Tx, domainID int64) ([]string, error) {
	rows, err := tx.Query(ctx,
		`SELECT status FROM mailboxes WHERE domain_id = $1 AND active`, domainID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailbox statuses for domain %d: %w", domainID, err)
	}
	defer rows.Close()

	var statuses []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}
	return statuses, rows.Err()
}

// ListDomainMailboxes returns every active mailbox under a domain.
func (db *Database) ListDomainMailboxes(ctx context.Context, domainID int64) ([]*Mailbox, error) {
	query := `SELECT ` + mailboxColumns + ` FROM mailboxes WHERE domain_id = $1 AND active ORDER BY id`
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, query, domainID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes for domain %d: %w", domainID, err)
	}
	defer rows.Close()
	return collectMailboxes(rows)
}

// ListCampaignMailboxes returns every active mailbox attached to a campaign.
func (db *Database) ListCampaignMailboxes(ctx context.Context, campaignID int64) ([]*Mailbox, error) {
	query := `
		SELECT ` + mailboxColumns + `
		FROM mailboxes m
		JOIN campaign_mailboxes cm ON cm.mailbox_id = m.id
		WHERE cm.campaign_id = $1 AND m.active
		ORDER BY m.id`
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes for campaign %d: %w", campaignID, err)
	}
	defer rows.Close()
	return collectMailboxes(rows)
}

func collectMailboxes(rows pgx.Rows) ([]*Mailbox, error) {
	var mailboxes []*Mailbox
	for rows.Next() {
		m, err := scanMailbox(rows)
		if err != nil {
			return nil, err
		}
		mailboxes = append(mailboxes, m)
	}
	return mailboxes, rows.Err()
}

// GetExpiredCooldownMailboxIDs returns paused mailboxes whose cooldown has
// lapsed, for the periodic sweep. SKIP LOCKED keeps the sweep from stalling
// behind an in-flight event evaluation on the same mailbox.
func (db *Database) GetExpiredCooldownMailboxIDs(ctx context.Context, tx pgx.Tx, limit int) ([]int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT id FROM mailboxes
		WHERE status = 'paused' AND cooldown_expires_at IS NOT NULL AND cooldown_expires_at <= now()
		ORDER BY cooldown_expires_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired cooldowns: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// GetRampCompletedMailboxIDs returns warming mailboxes whose warm-up started
// before the cutoff, meaning the volume ramp has had time to reach its target.
func (db *Database) GetRampCompletedMailboxIDs(ctx context.Context, tx pgx.Tx, cutoff time.Time, limit int) ([]int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT id FROM mailboxes
		WHERE status = 'warming' AND warmup_started_at IS NOT NULL AND warmup_started_at <= $1 AND active
		ORDER BY warmup_started_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select ramp-completed mailboxes: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// GetPauseStreakResetCandidateIDs returns healthy mailboxes that have dwelled
// healthy past the cutoff while still carrying a pause streak. The sweep
// resets their consecutive pause counts so the next pause starts the backoff
// from the base duration again.
func (db *Database) GetPauseStreakResetCandidateIDs(ctx context.Context, tx pgx.Tx, cutoff time.Time, limit int) ([]int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT id FROM mailboxes
		WHERE status = 'healthy' AND consecutive_pause_count > 0
		AND healthy_since IS NOT NULL AND healthy_since <= $1
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select pause streak reset candidates: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountPausedMailboxes returns the number of currently paused mailboxes.
func (db *Database) CountPausedMailboxes(ctx context.Context) (int64, error) {
	var n int64
	err := db.GetReadPool().QueryRow(ctx,
		`SELECT COUNT(*) FROM mailboxes WHERE status = 'paused' AND active`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count paused mailboxes: %w", err)
	}
	return n, nil
}
