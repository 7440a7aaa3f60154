package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Lead represents a unit of outbound work. Its status and health
// classification are driven exclusively by the execution gate and the
// upstream health gate; the UI never writes these columns.
type Lead struct {
	ID                   int64     `json:"id"`
	CampaignID           *int64    `json:"campaign_id,omitempty"`
	Email                string    `json:"email"`
	Persona              *string   `json:"persona,omitempty"`
	Score                float64   `json:"score"`
	Status               string    `json:"status"`
	HealthClassification string    `json:"health_classification"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

const leadColumns = `id, campaign_id, email, persona, score, status, health_classification, created_at, updated_at`

func scanLead(row pgx.Row) (*Lead, error) {
	var l Lead
	err := row.Scan(&l.ID, &l.CampaignID, &l.Email, &l.Persona, &l.Score,
		&l.Status, &l.HealthClassification, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLeadNotFound
		}
		return nil, err
	}
	return &l, nil
}

// CreateLead stores an ingested lead in held status.
func (db *Database) CreateLead(ctx context.Context, campaignID *int64, email string, persona *string, score float64) (*Lead, error) {
	query := `
		INSERT INTO leads (campaign_id, email, persona, score)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + leadColumns
	l, err := scanLead(db.WritePool.QueryRow(ctx, query, campaignID, email, persona, score))
	if err != nil {
		return nil, fmt.Errorf("failed to create lead: %w", err)
	}
	return l, nil
}

// GetLeadByID fetches a lead.
func (db *Database) GetLeadByID(ctx context.Context, id int64) (*Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`
	return scanLead(db.GetReadPoolWithContext(ctx).QueryRow(ctx, query, id))
}

// UpdateLeadDispatchState records the gate's effect on a lead: activation on
// allow, hold on a deferrable block, pause plus classification on a health
// block.
func (db *Database) UpdateLeadDispatchState(ctx context.Context, id int64, status, healthClassification string) error {
	tag, err := db.WritePool.Exec(ctx, `
		UPDATE leads SET status = $2, health_classification = $3, updated_at = now()
		WHERE id = $1`, id, status, healthClassification)
	if err != nil {
		return fmt.Errorf("failed to update lead %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeadNotFound
	}
	return nil
}
