package engine

import (
	"fmt"
	"time"

	"github.com/Richardson2512/drason/events"
)

// Status is a mailbox lifecycle state. The graph is cyclic:
// warming -> healthy <-> warning -> paused -> recovering -> healthy.
type Status string

const (
	StatusWarming    Status = "warming"
	StatusHealthy    Status = "healthy"
	StatusWarning    Status = "warning"
	StatusPaused     Status = "paused"
	StatusRecovering Status = "recovering"
)

// Sendable reports whether a mailbox in this state may carry outbound
// traffic. Recovering mailboxes send; that is how they prove a clean window.
func (s Status) Sendable() bool {
	switch s {
	case StatusHealthy, StatusWarning, StatusRecovering:
		return true
	}
	return false
}

// Unhealthy reports whether this state counts against its domain's ratio.
// Recovering does not count: recovery needs clean sends, and counting those
// mailboxes as unhealthy would hold the domain paused and block the very
// sends that prove the recovery.
func (s Status) Unhealthy() bool {
	switch s {
	case StatusWarning, StatusPaused:
		return true
	}
	return false
}

// Transition is one state change decided by the machine, before side effects
// are applied.
type Transition struct {
	From        Status
	To          Status
	Reason      string
	TriggeredBy string
}

// EvalInput is everything one machine evaluation looks at. Counters are the
// post-increment, pre-rollover window values so the pause rule can observe a
// full window.
type EvalInput struct {
	Status             Status
	Counters           Counters
	Outcome            events.Outcome // empty for time-driven evaluations
	RecoveryCleanSends int            // bounce-free sends since entering recovering
	CooldownExpiresAt  *time.Time
	WarmupStartedAt    *time.Time
	Now                time.Time
}

// Evaluate decides at most one transition for a mailbox. Rules run in
// priority order and the first match wins; a nil result means the mailbox
// stays where it is, which is what makes repeated evaluation of the same
// state idempotent.
func Evaluate(in EvalInput, t Thresholds) *Transition {
	pauseRule := in.Counters.Bounced >= t.PauseBounceThreshold && in.Counters.Sent >= t.PauseSendFloor
	warningRule := in.Counters.Bounced >= t.WarningBounceThreshold && in.Counters.Sent >= t.WarningSendFloor

	switch in.Status {
	case StatusHealthy, StatusWarning:
		if pauseRule {
			return &Transition{
				From:        in.Status,
				To:          StatusPaused,
				Reason:      fmt.Sprintf("%d bounces in %d sends crossed the pause threshold", in.Counters.Bounced, in.Counters.Sent),
				TriggeredBy: "bounce_threshold",
			}
		}
		if in.Status == StatusHealthy && warningRule {
			return &Transition{
				From:        StatusHealthy,
				To:          StatusWarning,
				Reason:      fmt.Sprintf("%d bounces in %d sends crossed the warning threshold", in.Counters.Bounced, in.Counters.Sent),
				TriggeredBy: "warning_threshold",
			}
		}

	case StatusRecovering:
		// Recovery grants no threshold leniency.
		if in.Outcome == events.OutcomeBounce && pauseRule {
			return &Transition{
				From:        StatusRecovering,
				To:          StatusPaused,
				Reason:      fmt.Sprintf("bounce during recovery with %d bounces in %d sends", in.Counters.Bounced, in.Counters.Sent),
				TriggeredBy: "bounce_threshold",
			}
		}
		if in.RecoveryCleanSends >= t.RecoveryCleanSends && !warningRule {
			return &Transition{
				From:        StatusRecovering,
				To:          StatusHealthy,
				Reason:      fmt.Sprintf("%d bounce-free sends completed the recovery window", in.RecoveryCleanSends),
				TriggeredBy: "clean_window",
			}
		}

	case StatusPaused:
		if in.CooldownExpiresAt != nil && !in.Now.Before(*in.CooldownExpiresAt) {
			return &Transition{
				From:        StatusPaused,
				To:          StatusRecovering,
				Reason:      "cooldown elapsed",
				TriggeredBy: "cooldown_expired",
			}
		}

	case StatusWarming:
		if in.WarmupStartedAt != nil && !warningRule &&
			in.Now.Sub(*in.WarmupStartedAt) >= t.WarmupRampDuration() {
			return &Transition{
				From:        StatusWarming,
				To:          StatusHealthy,
				Reason:      "volume ramp completed without a threshold breach",
				TriggeredBy: "warmup_complete",
			}
		}
	}
	return nil
}
