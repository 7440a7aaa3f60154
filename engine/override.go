package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Richardson2512/drason/db"
)

// OverrideDomainStatus is the one path that sets a domain's status outside
// the aggregator: an explicit administrative override. It is always written
// to the audit log with the operator recorded, and a pause override cascades
// exactly like an aggregated pause would.
func (e *Engine) OverrideDomainStatus(ctx context.Context, domainID int64, status DomainStatus, reason, operator string) error {
	switch status {
	case DomainHealthy, DomainWarning, DomainPaused:
	default:
		return fmt.Errorf("invalid domain status %q", status)
	}
	if reason == "" {
		return fmt.Errorf("an override requires a reason")
	}

	var committed []db.StateTransition
	err := e.store.RunInWriteTx(ctx, func(tx pgx.Tx) error {
		committed = committed[:0]
		now := time.Now()

		dom, err := e.store.GetDomainForUpdate(ctx, tx, domainID)
		if err != nil {
			return err
		}
		if dom.Status == string(status) {
			return nil
		}

		var pausedReason *string
		if status == DomainPaused {
			pausedReason = &reason
		}
		if err := e.store.UpdateDomainStatus(ctx, tx, domainID, string(status), pausedReason, dom.WarningCount, dom.BounceRateTrend); err != nil {
			return err
		}
		committed = append(committed, db.StateTransition{
			EntityType:  "domain",
			EntityID:    domainID,
			FromState:   dom.Status,
			ToState:     string(status),
			Reason:      fmt.Sprintf("%s (override by %s)", reason, operator),
			TriggeredBy: "admin_override",
			OccurredAt:  now,
		})

		if status == DomainPaused {
			cascaded, err := e.store.CascadeDomainPause(ctx, tx, domainID, e.defaults.CooldownBase, e.defaults.CooldownCap)
			if err != nil {
				return err
			}
			for _, c := range cascaded {
				committed = append(committed, db.StateTransition{
					EntityType:  "mailbox",
					EntityID:    c.ID,
					FromState:   c.PreviousStatus,
					ToState:     string(StatusPaused),
					Reason:      fmt.Sprintf("domain %s paused by override", dom.Name),
					TriggeredBy: "domain_cascade",
					OccurredAt:  now,
				})
			}
		}
		for i := range committed {
			if err := e.store.InsertStateTransition(ctx, tx, &committed[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := range committed {
		e.afterCommit(&committed[i])
	}
	return nil
}
