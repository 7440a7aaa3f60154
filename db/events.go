package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertDeliveryEvent records a normalized delivery event inside tx. The
// unique dedup key makes redelivered provider events idempotent: a duplicate
// returns ErrDuplicateEvent and the caller skips evaluation entirely.
func (db *Database) InsertDeliveryEvent(ctx context.Context, tx pgx.Tx, id, dedupKey string, mailboxID int64, provider, outcome string, occurredAt time.Time, metadata map[string]string) error {
	if metadata == nil {
		metadata = map[string]string{}
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO delivery_events (id, dedup_key, mailbox_id, provider, outcome, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dedup_key) DO NOTHING`,
		id, dedupKey, mailboxID, provider, outcome, occurredAt, metadata)
	if err != nil {
		return fmt.Errorf("failed to insert delivery event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

// CountRecentOutcomes counts a mailbox's events of one outcome within the
// trailing window, inside the evaluation transaction. The risk scorer's
// 24-hour rates come from here.
func (db *Database) CountRecentOutcomes(ctx context.Context, tx pgx.Tx, mailboxID int64, outcome string, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window)
	var count int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM delivery_events
		WHERE mailbox_id = $1 AND outcome = $2 AND occurred_at > $3`,
		mailboxID, outcome, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s events for mailbox %d: %w", outcome, mailboxID, err)
	}
	return count, nil
}

// CountRecentOutcomesRead is the read-pool variant used by the gate, which
// evaluates without holding mailbox locks.
func (db *Database) CountRecentOutcomesRead(ctx context.Context, mailboxID int64, outcome string, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window)
	var count int
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM delivery_events
		WHERE mailbox_id = $1 AND outcome = $2 AND occurred_at > $3`,
		mailboxID, outcome, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s events for mailbox %d: %w", outcome, mailboxID, err)
	}
	return count, nil
}

// StoredDeliveryEvent is a recorded event row, used by replay.
type StoredDeliveryEvent struct {
	ID         string    `json:"id"`
	DedupKey   string    `json:"dedup_key"`
	MailboxID  int64     `json:"mailbox_id"`
	Provider   string    `json:"provider"`
	Outcome    string    `json:"outcome"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ListDeliveryEvents returns events for a mailbox in occurrence order.
// Replaying them against a fresh engine reproduces the same final state.
func (db *Database) ListDeliveryEvents(ctx context.Context, mailboxID int64, limit int) ([]StoredDeliveryEvent, error) {
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, `
		SELECT id, dedup_key, mailbox_id, provider, outcome, occurred_at
		FROM delivery_events
		WHERE mailbox_id = $1
		ORDER BY occurred_at, id
		LIMIT $2`, mailboxID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery events for mailbox %d: %w", mailboxID, err)
	}
	defer rows.Close()

	var events []StoredDeliveryEvent
	for rows.Next() {
		var e StoredDeliveryEvent
		if err := rows.Scan(&e.ID, &e.DedupKey, &e.MailboxID, &e.Provider, &e.Outcome, &e.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CleanupOldDeliveryEvents removes raw events past the retention horizon.
// The audit trail in state_transitions is unaffected.
func (db *Database) CleanupOldDeliveryEvents(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	tag, err := db.WritePool.Exec(ctx,
		`DELETE FROM delivery_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old delivery events: %w", err)
	}
	return tag.RowsAffected(), nil
}
