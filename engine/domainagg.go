package engine

import "fmt"

// DomainStatus is the derived health of a domain. It is never independently
// settable; the aggregator recomputes it from the children on every child
// transition, inside the same transaction.
type DomainStatus string

const (
	DomainHealthy DomainStatus = "healthy"
	DomainWarning DomainStatus = "warning"
	DomainPaused  DomainStatus = "paused"
)

// UnhealthyRatio returns the fraction of mailboxes in unhealthy states.
// Ratios, not raw counts: losing 1 of 3 mailboxes is proportionally worse
// than losing 2 of 30, and the policy has to scale across both.
func UnhealthyRatio(statuses []Status) float64 {
	if len(statuses) == 0 {
		return 0
	}
	unhealthy := 0
	for _, s := range statuses {
		if s.Unhealthy() {
			unhealthy++
		}
	}
	return float64(unhealthy) / float64(len(statuses))
}

// DomainVerdict is the aggregator's decision for one recompute.
type DomainVerdict struct {
	Status  DomainStatus
	Changed bool
	Reason  string
	Cascade bool // pause every child mailbox regardless of individual state
}

// EvaluateDomain maps an unhealthy ratio to a domain status with hysteresis:
// once a domain has degraded, it only returns to healthy after the ratio
// drops below the recovery ratio, not merely below the warning ratio. That
// gap is what stops flapping at the boundary.
func EvaluateDomain(current DomainStatus, ratio float64, t Thresholds) DomainVerdict {
	var next DomainStatus
	switch {
	case ratio >= t.DomainPauseRatio:
		next = DomainPaused
	case ratio >= t.DomainWarningRatio:
		next = DomainWarning
	default:
		next = DomainHealthy
		if current != DomainHealthy && ratio >= t.DomainRecoveryRatio {
			next = current
			if current == DomainPaused {
				// Below the pause ratio the cascade no longer applies, but
				// the domain has not earned healthy either.
				next = DomainWarning
			}
		}
	}

	if next == current {
		return DomainVerdict{Status: current, Changed: false}
	}
	return DomainVerdict{
		Status:  next,
		Changed: true,
		Reason:  fmt.Sprintf("unhealthy mailbox ratio %.0f%%", ratio*100),
		Cascade: next == DomainPaused,
	}
}
