package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Campaign represents an outbound campaign the gate authorizes dispatch into.
type Campaign struct {
	ID             int64
	OrganizationID int64
	Name           string
	Status         string
	ConfigSyncedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsConfigured reports whether the campaign's configuration has been synced
// from the provider. An unsynced campaign is a SYNC_ISSUE at the gate, not an
// error.
func (c *Campaign) IsConfigured() bool {
	return c.ConfigSyncedAt != nil
}

const campaignColumns = `id, organization_id, name, status, config_synced_at, created_at, updated_at`

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	err := row.Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Status, &c.ConfigSyncedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCampaignNotFound
		}
		return nil, err
	}
	return &c, nil
}

// CreateCampaign registers a campaign for an organization.
func (db *Database) CreateCampaign(ctx context.Context, organizationID int64, name, status string) (*Campaign, error) {
	query := `
		INSERT INTO campaigns (organization_id, name, status)
		VALUES ($1, $2, $3)
		RETURNING ` + campaignColumns
	c, err := scanCampaign(db.WritePool.QueryRow(ctx, query, organizationID, name, status))
	if err != nil {
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}
	return c, nil
}

// GetCampaignByID fetches a campaign.
func (db *Database) GetCampaignByID(ctx context.Context, id int64) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	return scanCampaign(db.GetReadPoolWithContext(ctx).QueryRow(ctx, query, id))
}

// MarkCampaignSynced records that the campaign's configuration arrived from
// the provider sync.
func (db *Database) MarkCampaignSynced(ctx context.Context, id int64) error {
	tag, err := db.WritePool.Exec(ctx,
		`UPDATE campaigns SET config_synced_at = now(), updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark campaign %d synced: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// UpdateCampaignStatus moves a campaign between draft, active and paused.
func (db *Database) UpdateCampaignStatus(ctx context.Context, id int64, status string) error {
	tag, err := db.WritePool.Exec(ctx,
		`UPDATE campaigns SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update campaign %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// AttachMailboxToCampaign binds a sending mailbox to a campaign.
func (db *Database) AttachMailboxToCampaign(ctx context.Context, campaignID, mailboxID int64) error {
	_, err := db.WritePool.Exec(ctx, `
		INSERT INTO campaign_mailboxes (campaign_id, mailbox_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, campaignID, mailboxID)
	if err != nil {
		return fmt.Errorf("failed to attach mailbox %d to campaign %d: %w", mailboxID, campaignID, err)
	}
	return nil
}
