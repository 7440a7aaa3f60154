// Package gate implements the execution gate: the synchronous checkpoint
// consulted before a lead is dispatched to a campaign. The gate reads, it
// never mutates engine state; its only write is the audit record of each
// verdict.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/Richardson2512/drason/consts"
	"github.com/Richardson2512/drason/db"
	"github.com/Richardson2512/drason/engine"
	"github.com/Richardson2512/drason/events"
	"github.com/Richardson2512/drason/logger"
	"github.com/Richardson2512/drason/pkg/metrics"
	"github.com/Richardson2512/drason/pkg/resilient"
)

// SnapshotStore holds last-known-good snapshots for degraded mode. Both
// methods are best-effort from the gate's point of view.
type SnapshotStore interface {
	Put(campaignID int64, s *Snapshot) error
	Get(campaignID int64) (*Snapshot, error)
}

// Store is the persistence surface the gate reads, plus the audit append.
// *resilient.ResilientDatabase satisfies it in production.
type Store interface {
	GetCampaignByID(ctx context.Context, id int64) (*db.Campaign, error)
	GetOrganizationByID(ctx context.Context, id int64) (*db.Organization, error)
	ListCampaignMailboxes(ctx context.Context, campaignID int64) ([]*db.Mailbox, error)
	GetDomainByID(ctx context.Context, id int64) (*db.Domain, error)
	CountRecentOutcomesRead(ctx context.Context, mailboxID int64, outcome string, window time.Duration) (int, error)
	GetLeadByID(ctx context.Context, id int64) (*db.Lead, error)
	UpdateLeadDispatchState(ctx context.Context, id int64, status, healthClassification string) error
	AppendTransition(ctx context.Context, t *db.StateTransition) error
}

// Decision is the gate's verdict for one dispatch.
type Decision struct {
	Allowed     bool        `json:"allowed"`
	FailureType FailureType `json:"failure_type,omitempty"` // empty when all checks passed cleanly
	Reason      string      `json:"reason,omitempty"`
	Retryable   bool        `json:"retryable"`
	Deferrable  bool        `json:"deferrable"`
	// Recommendation carries the would-have-blocked reason in suggest mode
	// and the advisory text for soft warnings.
	Recommendation string      `json:"recommendation,omitempty"`
	Mode           engine.Mode `json:"mode"`
	Degraded       bool        `json:"degraded"` // decided from a cached snapshot
}

// Gate evaluates dispatch eligibility for campaigns and leads.
type Gate struct {
	store     Store
	defaults  engine.Thresholds
	snapshots SnapshotStore
}

func New(store Store, defaults engine.Thresholds, snapshots SnapshotStore) *Gate {
	return &Gate{store: store, defaults: defaults, snapshots: snapshots}
}

// Check runs the ordered check sequence for a campaign and returns the
// mode-adjusted verdict. State reads are pinned to the primary: the gate
// must not allow a send based on a replica that has not seen the pause
// committed a moment ago.
func (g *Gate) Check(ctx context.Context, campaignID int64) (*Decision, error) {
	start := time.Now()
	ctx = context.WithValue(ctx, consts.UseMasterDBKey, true)

	t := g.defaults
	snap, err := g.buildSnapshot(ctx, campaignID, &t)
	degraded := false
	if err != nil {
		if !resilient.IsTransient(err) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		// Persistence is unreachable. Fall back to the last-known-good
		// snapshot rather than hard-failing dispatch.
		cached := g.cachedSnapshot(campaignID)
		if cached == nil {
			d := g.applyMode(&Decision{
				Allowed:     false,
				FailureType: InfraIssue,
				Reason:      "state store unavailable and no cached snapshot exists",
				Retryable:   true,
			}, t.Mode)
			g.finish(ctx, campaignID, d, start)
			return d, nil
		}
		snap = cached
		degraded = true
		metrics.GateDegradedDecisionsTotal.Inc()
	} else if g.snapshots != nil {
		if err := g.snapshots.Put(campaignID, snap); err != nil {
			logger.Debugf("[GATE] snapshot cache write failed for campaign %d: %v", campaignID, err)
		}
	}

	d := g.decide(snap, t)
	d.Degraded = degraded
	d = g.applyMode(d, t.Mode)
	g.finish(ctx, campaignID, d, start)
	return d, nil
}

// decide runs the checks in order, short-circuiting on the first failure,
// then attaches any soft advisory. This is the enforce-mode truth before the
// mode posture is applied.
func (g *Gate) decide(snap *Snapshot, t engine.Thresholds) *Decision {
	for _, c := range orderedChecks {
		if res := c(snap, t); res != nil {
			return &Decision{
				Allowed:     false,
				FailureType: res.FailureType,
				Reason:      res.Reason,
				Retryable:   res.FailureType.Retryable(),
				Deferrable:  res.FailureType.Deferrable(),
			}
		}
	}
	d := &Decision{Allowed: true}
	if advisory := softAdvisory(snap, t); advisory != "" {
		d.FailureType = SoftWarning
		d.Recommendation = advisory
	}
	return d
}

// applyMode maps the real verdict through the organization's enforcement
// posture. The checks themselves never branch on mode; only the returned
// allowed bit and the packaging change.
func (g *Gate) applyMode(d *Decision, mode engine.Mode) *Decision {
	d.Mode = mode
	if d.Allowed {
		return d
	}
	switch mode {
	case engine.ModeObserve:
		logger.Infof("[GATE] observe: would block (%s: %s)", d.FailureType, d.Reason)
		d.Allowed = true
	case engine.ModeSuggest:
		d.Recommendation = d.Reason
		d.Allowed = true
	}
	return d
}

func (g *Gate) buildSnapshot(ctx context.Context, campaignID int64, t *engine.Thresholds) (*Snapshot, error) {
	snap := &Snapshot{
		CampaignID:     campaignID,
		DomainStatuses: map[int64]string{},
		TakenAt:        time.Now(),
	}

	campaign, err := g.store.GetCampaignByID(ctx, campaignID)
	if err != nil {
		if errors.Is(err, consts.ErrCampaignNotFound) {
			return snap, nil
		}
		return nil, err
	}
	snap.Found = true
	snap.Configured = campaign.IsConfigured()
	snap.Active = campaign.Status == "active"

	org, err := g.store.GetOrganizationByID(ctx, campaign.OrganizationID)
	if err == nil {
		*t = g.defaults.WithOrganization(org.Mode, org.ThresholdOverrides)
	} else if !errors.Is(err, consts.ErrOrganizationNotFound) {
		return nil, err
	}

	mailboxes, err := g.store.ListCampaignMailboxes(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	domains := map[int64]*db.Domain{}
	for _, m := range mailboxes {
		dom, ok := domains[m.DomainID]
		if !ok {
			dom, err = g.store.GetDomainByID(ctx, m.DomainID)
			if err != nil {
				return nil, err
			}
			domains[m.DomainID] = dom
			snap.DomainStatuses[m.DomainID] = dom.Status
		}

		ms := MailboxSnapshot{
			ID:        m.ID,
			DomainID:  m.DomainID,
			Status:    m.Status,
			SoftScore: engine.SoftScore(m.Velocity, dom.WarningCount),
		}
		if engine.Status(m.Status).Sendable() {
			sample, err := g.rateSample(ctx, m.ID)
			if err != nil {
				return nil, err
			}
			ms.HardScore = engine.HardScore(sample)
		}
		snap.Mailboxes = append(snap.Mailboxes, ms)
	}
	return snap, nil
}

func (g *Gate) rateSample(ctx context.Context, mailboxID int64) (engine.RateSample, error) {
	var s engine.RateSample
	var err error
	if s.Sent, err = g.store.CountRecentOutcomesRead(ctx, mailboxID, string(events.OutcomeSent), 24*time.Hour); err != nil {
		return s, err
	}
	if s.Bounces, err = g.store.CountRecentOutcomesRead(ctx, mailboxID, string(events.OutcomeBounce), 24*time.Hour); err != nil {
		return s, err
	}
	if s.Failures, err = g.store.CountRecentOutcomesRead(ctx, mailboxID, string(events.OutcomeFailure), 24*time.Hour); err != nil {
		return s, err
	}
	return s, nil
}

func (g *Gate) cachedSnapshot(campaignID int64) *Snapshot {
	if g.snapshots == nil {
		return nil
	}
	snap, err := g.snapshots.Get(campaignID)
	if err != nil {
		logger.Warnf("[GATE] snapshot cache read failed for campaign %d: %v", campaignID, err)
		return nil
	}
	return snap
}

// finish records the verdict: metrics, log line and the audit append. An
// audit write failure is logged, never surfaced; blocking dispatch because
// the audit insert hiccuped would invert the gate's priorities.
func (g *Gate) finish(ctx context.Context, campaignID int64, d *Decision, start time.Time) {
	verdict := "blocked"
	if d.Allowed {
		verdict = "allowed"
	}
	failure := string(d.FailureType)
	if failure == "" {
		failure = "none"
	}
	metrics.GateDecisionsTotal.WithLabelValues(string(d.Mode), verdict, failure).Inc()
	metrics.GateDecisionDuration.WithLabelValues(string(d.Mode)).Observe(time.Since(start).Seconds())

	reason := d.Reason
	if reason == "" {
		reason = "all checks passed"
		if d.Recommendation != "" {
			reason = d.Recommendation
		}
	}
	rec := db.StateTransition{
		EntityType:  "gate_decision",
		EntityID:    campaignID,
		FromState:   string(d.Mode),
		ToState:     verdict,
		Reason:      reason,
		TriggeredBy: failure,
		OccurredAt:  time.Now(),
	}
	if err := g.store.AppendTransition(ctx, &rec); err != nil {
		logger.Errorf("[GATE] failed to append audit record for campaign %d: %v", campaignID, err)
	}
}

// AuthorizeLead runs the gate for a lead's campaign and applies the verdict
// to the lead's dispatch state.
func (g *Gate) AuthorizeLead(ctx context.Context, leadID int64) (*Decision, error) {
	lead, err := g.store.GetLeadByID(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead.CampaignID == nil {
		return &Decision{
			Allowed:     false,
			FailureType: SyncIssue,
			Reason:      "lead is not assigned to a campaign",
			Deferrable:  true,
			Mode:        g.defaults.Mode,
		}, nil
	}

	d, err := g.Check(ctx, *lead.CampaignID)
	if err != nil {
		return nil, err
	}

	status, classification := leadStateFor(d)
	if status != lead.Status || classification != lead.HealthClassification {
		if err := g.store.UpdateLeadDispatchState(ctx, leadID, status, classification); err != nil {
			return nil, err
		}
		rec := db.StateTransition{
			EntityType:  "lead",
			EntityID:    leadID,
			FromState:   lead.Status,
			ToState:     status,
			Reason:      d.Reason,
			TriggeredBy: "gate_decision",
			OccurredAt:  time.Now(),
		}
		if rec.Reason == "" {
			rec.Reason = "dispatch authorized"
		}
		if err := g.store.AppendTransition(ctx, &rec); err != nil {
			logger.Errorf("[GATE] failed to append lead audit record %d: %v", leadID, err)
		}
	}
	return d, nil
}

// leadStateFor maps a gate verdict onto the lead lifecycle.
func leadStateFor(d *Decision) (status, classification string) {
	if d.Allowed {
		if d.FailureType == SoftWarning || d.Recommendation != "" {
			return "active", "yellow"
		}
		return "active", "green"
	}
	switch d.FailureType {
	case SyncIssue:
		return "held", "yellow"
	case InfraIssue:
		return "held", "yellow"
	default:
		return "paused", "red"
	}
}
