// Package engine implements the infrastructure protection core: sliding
// window counters, the mailbox state machine, the domain aggregator, risk
// scoring and the cooldown scheduler. All evaluation rules are pure
// functions; this file wires them to storage under a single-writer-per-
// mailbox discipline using row locks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Richardson2512/drason/consts"
	"github.com/Richardson2512/drason/db"
	"github.com/Richardson2512/drason/events"
	"github.com/Richardson2512/drason/logger"
	"github.com/Richardson2512/drason/pkg/metrics"
)

// Notifier receives critical transitions after they commit. Implementations
// must not block; delivery is best-effort.
type Notifier interface {
	NotifyTransition(t db.StateTransition)
}

// Store is the persistence surface the engine drives.
// *resilient.ResilientDatabase satisfies it in production.
type Store interface {
	RunInWriteTx(ctx context.Context, fn db.TxFunc) error

	GetMailboxByID(ctx context.Context, id int64) (*db.Mailbox, error)
	GetMailboxForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*db.Mailbox, error)
	UpdateMailboxEvaluation(ctx context.Context, tx pgx.Tx, m *db.Mailbox) error
	GetExpiredCooldownMailboxIDs(ctx context.Context, tx pgx.Tx, limit int) ([]int64, error)
	GetRampCompletedMailboxIDs(ctx context.Context, tx pgx.Tx, cutoff time.Time, limit int) ([]int64, error)
	GetPauseStreakResetCandidateIDs(ctx context.Context, tx pgx.Tx, cutoff time.Time, limit int) ([]int64, error)
	CountPausedMailboxes(ctx context.Context) (int64, error)

	GetDomainByID(ctx context.Context, id int64) (*db.Domain, error)
	GetDomainForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*db.Domain, error)
	UpdateDomainStatus(ctx context.Context, tx pgx.Tx, id int64, status string, pausedReason *string, warningCount int, bounceRateTrend float64) error
	ListDomainMailboxStatuses(ctx context.Context, tx pgx.Tx, domainID int64) ([]string, error)
	CascadeDomainPause(ctx context.Context, tx pgx.Tx, domainID int64, cooldownBase, cooldownCap time.Duration) ([]db.CascadedMailbox, error)

	GetOrganizationByID(ctx context.Context, id int64) (*db.Organization, error)

	InsertDeliveryEvent(ctx context.Context, tx pgx.Tx, id, dedupKey string, mailboxID int64, provider, outcome string, occurredAt time.Time, metadata map[string]string) error
	CountRecentOutcomes(ctx context.Context, tx pgx.Tx, mailboxID int64, outcome string, window time.Duration) (int, error)
	InsertStateTransition(ctx context.Context, tx pgx.Tx, t *db.StateTransition) error
}

// Engine evaluates delivery events and maintains mailbox and domain state.
type Engine struct {
	store    Store
	defaults Thresholds
	notifier Notifier
}

func New(store Store, defaults Thresholds, notifier Notifier) *Engine {
	return &Engine{store: store, defaults: defaults, notifier: notifier}
}

// Evaluation is the outcome of processing one event, returned so ingestion
// can log and count it.
type Evaluation struct {
	MailboxStatus Status
	HardScore     float64
	SoftScore     float64
	Transition    *Transition
}

// ThresholdsFor resolves the effective tunables for an organization.
func (e *Engine) ThresholdsFor(ctx context.Context, organizationID int64) (Thresholds, error) {
	org, err := e.store.GetOrganizationByID(ctx, organizationID)
	if err != nil {
		return Thresholds{}, err
	}
	return e.defaults.WithOrganization(org.Mode, org.ThresholdOverrides), nil
}

// ProcessEvent runs one event through the full evaluation chain: record the
// event, update the window, recompute scores, evaluate the state machine,
// recompute the domain aggregate and schedule cooldowns. Everything happens
// inside one transaction holding the mailbox row lock, so two concurrent
// bounces cannot double-trigger a pause.
//
// Returns consts.ErrDuplicateEvent for provider redeliveries and
// consts.ErrMailboxNotFound for unknown mailboxes; neither is logged as a
// processing failure by this method.
func (e *Engine) ProcessEvent(ctx context.Context, ev *events.DeliveryEvent) (*Evaluation, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	// Resolve the owning organization's settings outside the lock scope.
	// Threshold changes are rare and administrative; racing one is fine.
	mb, err := e.store.GetMailboxByID(ctx, ev.MailboxID)
	if err != nil {
		return nil, err
	}
	dom, err := e.store.GetDomainByID(ctx, mb.DomainID)
	if err != nil {
		return nil, err
	}
	t, err := e.ThresholdsFor(ctx, dom.OrganizationID)
	if err != nil {
		return nil, err
	}

	var eval *Evaluation
	var committed []db.StateTransition
	err = e.store.RunInWriteTx(ctx, func(tx pgx.Tx) error {
		committed = committed[:0]
		var txErr error
		eval, committed, txErr = e.evaluateInTx(ctx, tx, ev, t)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	for i := range committed {
		e.afterCommit(&committed[i])
	}
	metrics.EventProcessingDuration.WithLabelValues(string(ev.Outcome)).Observe(time.Since(start).Seconds())
	return eval, nil
}

func (e *Engine) evaluateInTx(ctx context.Context, tx pgx.Tx, ev *events.DeliveryEvent, t Thresholds) (*Evaluation, []db.StateTransition, error) {
	now := time.Now()

	m, err := e.store.GetMailboxForUpdate(ctx, tx, ev.MailboxID)
	if err != nil {
		return nil, nil, err
	}

	err = e.store.InsertDeliveryEvent(ctx, tx, uuid.NewString(), ev.DedupKey(),
		ev.MailboxID, ev.Provider, string(ev.Outcome), ev.OccurredAt, ev.Metadata)
	if err != nil {
		return nil, nil, err
	}

	counters := Counters{Sent: m.WindowSentCount, Bounced: m.WindowBounceCount}.Apply(ev.Outcome)

	switch ev.Outcome {
	case events.OutcomeBounce:
		m.HardBounceCount++
		if m.Status == string(StatusRecovering) {
			m.RecoveryCleanSends = 0
		}
	case events.OutcomeFailure:
		m.DeliveryFailureCount++
	case events.OutcomeSent:
		if m.Status == string(StatusRecovering) {
			m.RecoveryCleanSends++
		}
	}
	m.LastActivityAt = &now

	sentHour, err := e.store.CountRecentOutcomes(ctx, tx, m.ID, string(events.OutcomeSent), time.Hour)
	if err != nil {
		return nil, nil, err
	}
	m.Velocity = Velocity(sentHour)

	sample, err := e.rateSample(ctx, tx, m.ID)
	if err != nil {
		return nil, nil, err
	}
	hard := HardScore(sample)
	soft := SoftScore(m.Velocity, e.domainWarningCount(ctx, m.DomainID))
	metrics.HardScoreObserved.Observe(hard)
	if hard >= t.HardRiskWarning && hard < t.HardRiskCritical {
		// Warning level flags, it never blocks; blocking stays with the gate's
		// critical threshold.
		metrics.HardRiskWarningsTotal.Inc()
		logger.Warnf("[ENGINE] mailbox %d hard score %.0f at warning level (critical %.0f)", m.ID, hard, t.HardRiskCritical)
	}
	if soft >= t.SoftRiskHigh {
		logger.Infof("[ENGINE] mailbox %d soft score %.0f above advisory threshold (velocity=%.1f)", m.ID, soft, m.Velocity)
	}

	trans := Evaluate(EvalInput{
		Status:             Status(m.Status),
		Counters:           counters,
		Outcome:            ev.Outcome,
		RecoveryCleanSends: m.RecoveryCleanSends,
		CooldownExpiresAt:  m.CooldownExpiresAt,
		WarmupStartedAt:    m.WarmupStartedAt,
		Now:                now,
	}, t)

	var records []db.StateTransition
	if trans != nil {
		e.applyMailboxTransition(m, trans, now, t)
		records = append(records, db.StateTransition{
			EntityType:  "mailbox",
			EntityID:    m.ID,
			FromState:   string(trans.From),
			ToState:     string(trans.To),
			Reason:      trans.Reason,
			TriggeredBy: trans.TriggeredBy,
			OccurredAt:  now,
		})
	}

	// Streak reset is dwell-driven, evaluated opportunistically here and by
	// the periodic sweep for idle mailboxes.
	if m.Status == string(StatusHealthy) && m.ConsecutivePauseCount > 0 &&
		PauseStreakExpired(m.HealthySince, now, t.PauseStreakResetAfter) {
		m.ConsecutivePauseCount = 0
	}

	counters = counters.Rollover(t.WindowCeiling)
	m.WindowSentCount = counters.Sent
	m.WindowBounceCount = counters.Bounced

	if err := e.store.UpdateMailboxEvaluation(ctx, tx, m); err != nil {
		return nil, nil, err
	}

	if trans != nil {
		domainRecords, err := e.recomputeDomain(ctx, tx, m.DomainID, t, now)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, domainRecords...)
		for i := range records {
			if err := e.store.InsertStateTransition(ctx, tx, &records[i]); err != nil {
				return nil, nil, err
			}
		}
	}

	return &Evaluation{
		MailboxStatus: Status(m.Status),
		HardScore:     hard,
		SoftScore:     soft,
		Transition:    trans,
	}, records, nil
}

func (e *Engine) applyMailboxTransition(m *db.Mailbox, trans *Transition, now time.Time, t Thresholds) {
	m.Status = string(trans.To)
	switch trans.To {
	case StatusPaused:
		m.ConsecutivePauseCount++
		expires := now.Add(CooldownDuration(m.ConsecutivePauseCount, t.CooldownBase, t.CooldownCap))
		m.CooldownExpiresAt = &expires
		m.HealthySince = nil
	case StatusRecovering:
		m.RecoveryCleanSends = 0
		m.CooldownExpiresAt = nil
	case StatusHealthy:
		m.HealthySince = &now
		m.WarmupStartedAt = nil
	}
}

// recomputeDomain rederives the domain status from a consistent snapshot of
// its children, taken inside the same transaction as the triggering mailbox
// update. Idempotent: an unchanged ratio bucket writes nothing.
func (e *Engine) recomputeDomain(ctx context.Context, tx pgx.Tx, domainID int64, t Thresholds, now time.Time) ([]db.StateTransition, error) {
	dom, err := e.store.GetDomainForUpdate(ctx, tx, domainID)
	if err != nil {
		return nil, err
	}
	raw, err := e.store.ListDomainMailboxStatuses(ctx, tx, domainID)
	if err != nil {
		return nil, err
	}
	statuses := make([]Status, len(raw))
	for i, s := range raw {
		statuses[i] = Status(s)
	}

	ratio := UnhealthyRatio(statuses)
	verdict := EvaluateDomain(DomainStatus(dom.Status), ratio, t)
	if !verdict.Changed {
		return nil, nil
	}

	warningCount := dom.WarningCount
	var pausedReason *string
	switch verdict.Status {
	case DomainWarning:
		warningCount++
	case DomainPaused:
		reason := verdict.Reason
		pausedReason = &reason
	}
	if err := e.store.UpdateDomainStatus(ctx, tx, domainID, string(verdict.Status), pausedReason, warningCount, ratio); err != nil {
		return nil, err
	}

	records := []db.StateTransition{{
		EntityType:  "domain",
		EntityID:    domainID,
		FromState:   dom.Status,
		ToState:     string(verdict.Status),
		Reason:      verdict.Reason,
		TriggeredBy: "unhealthy_ratio",
		OccurredAt:  now,
	}}

	if verdict.Cascade {
		cascaded, err := e.store.CascadeDomainPause(ctx, tx, domainID, t.CooldownBase, t.CooldownCap)
		if err != nil {
			return nil, err
		}
		for _, c := range cascaded {
			records = append(records, db.StateTransition{
				EntityType:  "mailbox",
				EntityID:    c.ID,
				FromState:   c.PreviousStatus,
				ToState:     string(StatusPaused),
				Reason:      fmt.Sprintf("domain %s paused (%s)", dom.Name, verdict.Reason),
				TriggeredBy: "domain_cascade",
				OccurredAt:  now,
			})
		}
	}
	return records, nil
}

// afterCommit handles the fire-and-forget side of a committed transition:
// metrics and critical notifications. Nothing here can fail the evaluation.
func (e *Engine) afterCommit(t *db.StateTransition) {
	switch t.EntityType {
	case "mailbox":
		metrics.MailboxTransitionsTotal.WithLabelValues(t.FromState, t.ToState, t.TriggeredBy).Inc()
	case "domain":
		metrics.DomainTransitionsTotal.WithLabelValues(t.FromState, t.ToState, t.TriggeredBy).Inc()
	}
	logger.Infof("[ENGINE] %s %d: %s -> %s (%s)", t.EntityType, t.EntityID, t.FromState, t.ToState, t.TriggeredBy)

	if e.notifier != nil && t.ToState == string(StatusPaused) {
		e.notifier.NotifyTransition(*t)
	}
}

func (e *Engine) rateSample(ctx context.Context, tx pgx.Tx, mailboxID int64) (RateSample, error) {
	var s RateSample
	var err error
	if s.Sent, err = e.store.CountRecentOutcomes(ctx, tx, mailboxID, string(events.OutcomeSent), 24*time.Hour); err != nil {
		return s, err
	}
	if s.Bounces, err = e.store.CountRecentOutcomes(ctx, tx, mailboxID, string(events.OutcomeBounce), 24*time.Hour); err != nil {
		return s, err
	}
	if s.Failures, err = e.store.CountRecentOutcomes(ctx, tx, mailboxID, string(events.OutcomeFailure), 24*time.Hour); err != nil {
		return s, err
	}
	return s, nil
}

func (e *Engine) domainWarningCount(ctx context.Context, domainID int64) int {
	dom, err := e.store.GetDomainByID(ctx, domainID)
	if err != nil {
		return 0
	}
	return dom.WarningCount
}

// RecoverExpired moves paused mailboxes whose cooldown has lapsed into
// recovering. Called by the periodic sweep; time-driven transitions cannot
// wait for the next event because a paused mailbox receives none. Affected
// domains are recomputed in the same transaction, so a domain whose children
// all enter recovery steps down without waiting for a delivery event.
func (e *Engine) RecoverExpired(ctx context.Context, batchSize int) (int, error) {
	recovered := 0
	err := e.store.RunInWriteTx(ctx, func(tx pgx.Tx) error {
		recovered = 0
		ids, err := e.store.GetExpiredCooldownMailboxIDs(ctx, tx, batchSize)
		if err != nil {
			return err
		}
		now := time.Now()
		touched := map[int64]bool{}
		for _, id := range ids {
			m, err := e.store.GetMailboxForUpdate(ctx, tx, id)
			if err != nil {
				if errors.Is(err, consts.ErrMailboxNotFound) {
					continue
				}
				return err
			}
			trans := Evaluate(EvalInput{
				Status:            Status(m.Status),
				Counters:          Counters{Sent: m.WindowSentCount, Bounced: m.WindowBounceCount},
				CooldownExpiresAt: m.CooldownExpiresAt,
				WarmupStartedAt:   m.WarmupStartedAt,
				Now:               now,
			}, e.defaults)
			if trans == nil || trans.To != StatusRecovering {
				continue
			}
			e.applyMailboxTransition(m, trans, now, e.defaults)
			if err := e.store.UpdateMailboxEvaluation(ctx, tx, m); err != nil {
				return err
			}
			rec := db.StateTransition{
				EntityType:  "mailbox",
				EntityID:    m.ID,
				FromState:   string(trans.From),
				ToState:     string(trans.To),
				Reason:      trans.Reason,
				TriggeredBy: trans.TriggeredBy,
				OccurredAt:  now,
			}
			if err := e.store.InsertStateTransition(ctx, tx, &rec); err != nil {
				return err
			}
			touched[m.DomainID] = true
			recovered++
		}
		return e.recomputeDomains(ctx, tx, touched, now)
	})
	if err != nil {
		return 0, err
	}
	return recovered, nil
}

// recomputeDomains rederives the aggregate for each touched domain after a
// sweep batch, inside the batch transaction.
func (e *Engine) recomputeDomains(ctx context.Context, tx pgx.Tx, touched map[int64]bool, now time.Time) error {
	for domainID := range touched {
		records, err := e.recomputeDomain(ctx, tx, domainID, e.defaults, now)
		if err != nil {
			return err
		}
		for i := range records {
			if err := e.store.InsertStateTransition(ctx, tx, &records[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// CompleteWarmups promotes warming mailboxes whose volume ramp has run its
// course. Also sweep-driven: warm-up completion is a schedule signal, not an
// event.
func (e *Engine) CompleteWarmups(ctx context.Context, batchSize int) (int, error) {
	promoted := 0
	err := e.store.RunInWriteTx(ctx, func(tx pgx.Tx) error {
		promoted = 0
		cutoff := time.Now().Add(-e.defaults.WarmupRampDuration())
		ids, err := e.store.GetRampCompletedMailboxIDs(ctx, tx, cutoff, batchSize)
		if err != nil {
			return err
		}
		now := time.Now()
		touched := map[int64]bool{}
		for _, id := range ids {
			m, err := e.store.GetMailboxForUpdate(ctx, tx, id)
			if err != nil {
				if errors.Is(err, consts.ErrMailboxNotFound) {
					continue
				}
				return err
			}
			trans := Evaluate(EvalInput{
				Status:          Status(m.Status),
				Counters:        Counters{Sent: m.WindowSentCount, Bounced: m.WindowBounceCount},
				WarmupStartedAt: m.WarmupStartedAt,
				Now:             now,
			}, e.defaults)
			if trans == nil || trans.To != StatusHealthy {
				continue
			}
			e.applyMailboxTransition(m, trans, now, e.defaults)
			if err := e.store.UpdateMailboxEvaluation(ctx, tx, m); err != nil {
				return err
			}
			rec := db.StateTransition{
				EntityType:  "mailbox",
				EntityID:    m.ID,
				FromState:   string(trans.From),
				ToState:     string(trans.To),
				Reason:      trans.Reason,
				TriggeredBy: trans.TriggeredBy,
				OccurredAt:  now,
			}
			if err := e.store.InsertStateTransition(ctx, tx, &rec); err != nil {
				return err
			}
			touched[m.DomainID] = true
			promoted++
		}
		return e.recomputeDomains(ctx, tx, touched, now)
	})
	if err != nil {
		return 0, err
	}
	return promoted, nil
}

// ResetPauseStreaks clears the consecutive pause count on mailboxes that
// completed their healthy dwell without traffic.
func (e *Engine) ResetPauseStreaks(ctx context.Context, batchSize int) (int, error) {
	reset := 0
	err := e.store.RunInWriteTx(ctx, func(tx pgx.Tx) error {
		reset = 0
		cutoff := time.Now().Add(-e.defaults.PauseStreakResetAfter)
		ids, err := e.store.GetPauseStreakResetCandidateIDs(ctx, tx, cutoff, batchSize)
		if err != nil {
			return err
		}
		for _, id := range ids {
			m, err := e.store.GetMailboxForUpdate(ctx, tx, id)
			if err != nil {
				if errors.Is(err, consts.ErrMailboxNotFound) {
					continue
				}
				return err
			}
			if m.Status != string(StatusHealthy) || m.ConsecutivePauseCount == 0 {
				continue
			}
			m.ConsecutivePauseCount = 0
			if err := e.store.UpdateMailboxEvaluation(ctx, tx, m); err != nil {
				return err
			}
			reset++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reset, nil
}

// RefreshPausedGauge recounts paused mailboxes for the dashboard gauge.
func (e *Engine) RefreshPausedGauge(ctx context.Context) {
	n, err := e.store.CountPausedMailboxes(ctx)
	if err != nil {
		logger.Debugf("[ENGINE] paused gauge refresh failed: %v", err)
		return
	}
	metrics.MailboxesPausedCurrent.Set(float64(n))
}
