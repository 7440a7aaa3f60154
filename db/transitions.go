package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// StateTransition is one append-only audit record. Transitions are never
// updated or deleted by the engine; the archiver prunes exported rows past
// retention.
type StateTransition struct {
	ID          int64     `json:"id"`
	EntityType  string    `json:"entity_type"`
	EntityID    int64     `json:"entity_id"`
	FromState   string    `json:"from_state"`
	ToState     string    `json:"to_state"`
	Reason      string    `json:"reason"`
	TriggeredBy string    `json:"triggered_by"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// InsertStateTransition appends an audit record inside the transaction that
// performed the transition, so the record commits atomically with the state
// change itself.
func (db *Database) InsertStateTransition(ctx context.Context, tx pgx.Tx, t *StateTransition) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO state_transitions (entity_type, entity_id, from_state, to_state, reason, triggered_by, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		t.EntityType, t.EntityID, t.FromState, t.ToState, t.Reason, t.TriggeredBy, t.OccurredAt).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to insert state transition: %w", err)
	}
	return nil
}

// AppendTransition writes an audit record outside any caller transaction.
// Gate decisions use this: the gate itself has no state to commit, only the
// record of what it decided.
func (db *Database) AppendTransition(ctx context.Context, t *StateTransition) error {
	err := db.WritePool.QueryRow(ctx, `
		INSERT INTO state_transitions (entity_type, entity_id, from_state, to_state, reason, triggered_by, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		t.EntityType, t.EntityID, t.FromState, t.ToState, t.Reason, t.TriggeredBy, t.OccurredAt).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// TransitionFilter narrows ListStateTransitions. Zero values mean "no filter".
type TransitionFilter struct {
	EntityType string
	EntityID   int64
	Since      time.Time
	Until      time.Time
	Limit      int
}

// ListStateTransitions returns audit records newest-first.
func (db *Database) ListStateTransitions(ctx context.Context, f TransitionFilter) ([]StateTransition, error) {
	query := `
		SELECT id, entity_type, entity_id, from_state, to_state, reason, triggered_by, occurred_at
		FROM state_transitions WHERE 1=1`
	args := []interface{}{}
	n := 0
	if f.EntityType != "" {
		n++
		query += fmt.Sprintf(" AND entity_type = $%d", n)
		args = append(args, f.EntityType)
	}
	if f.EntityID != 0 {
		n++
		query += fmt.Sprintf(" AND entity_id = $%d", n)
		args = append(args, f.EntityID)
	}
	if !f.Since.IsZero() {
		n++
		query += fmt.Sprintf(" AND occurred_at >= $%d", n)
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		n++
		query += fmt.Sprintf(" AND occurred_at < $%d", n)
		args = append(args, f.Until)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	n++
	query += fmt.Sprintf(" ORDER BY occurred_at DESC, id DESC LIMIT $%d", n)
	args = append(args, limit)

	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list state transitions: %w", err)
	}
	defer rows.Close()
	return scanTransitions(rows)
}

// GetTransitionsForExport returns the oldest unarchived transitions up to
// the cutoff, for the S3 archiver. Ordered oldest-first so export batches
// form contiguous time ranges.
func (db *Database) GetTransitionsForExport(ctx context.Context, cutoff time.Time, limit int) ([]StateTransition, error) {
	rows, err := db.WritePool.Query(ctx, `
		SELECT id, entity_type, entity_id, from_state, to_state, reason, triggered_by, occurred_at
		FROM state_transitions
		WHERE occurred_at < $1
		ORDER BY occurred_at, id
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transitions for export: %w", err)
	}
	defer rows.Close()
	return scanTransitions(rows)
}

// DeleteExportedTransitions removes transitions already uploaded to the
// archive. Called only after the archiver confirms the upload.
func (db *Database) DeleteExportedTransitions(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.WritePool.Exec(ctx,
		`DELETE FROM state_transitions WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete exported transitions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanTransitions(rows pgx.Rows) ([]StateTransition, error) {
	var out []StateTransition
	for rows.Next() {
		var t StateTransition
		if err := rows.Scan(&t.ID, &t.EntityType, &t.EntityID, &t.FromState, &t.ToState, &t.Reason, &t.TriggeredBy, &t.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
