package gate

import (
	"fmt"
	"time"

	"github.com/Richardson2512/drason/engine"
)

// FailureType classifies why a dispatch was blocked. The types are mutually
// exclusive; every blocked decision carries exactly one.
type FailureType string

const (
	// HealthIssue means bounce or failure thresholds are breached. Not
	// retryable, not deferrable: it takes recovery or intervention to clear.
	HealthIssue FailureType = "HEALTH_ISSUE"
	// SyncIssue means configuration is missing or stale. Hold the lead and
	// re-check later.
	SyncIssue FailureType = "SYNC_ISSUE"
	// InfraIssue means a transient failure talking to a collaborator. Retry
	// with backoff.
	InfraIssue FailureType = "INFRA_ISSUE"
	// SoftWarning is a non-blocking advisory. The send is allowed.
	SoftWarning FailureType = "SOFT_WARNING"
)

// Retryable reports whether the caller should retry the same dispatch.
func (f FailureType) Retryable() bool { return f == InfraIssue }

// Deferrable reports whether the caller should hold the lead and re-check.
func (f FailureType) Deferrable() bool { return f == SyncIssue }

// MailboxSnapshot is one mailbox's state as the gate saw it.
type MailboxSnapshot struct {
	ID        int64   `json:"id"`
	DomainID  int64   `json:"domain_id"`
	Status    string  `json:"status"`
	HardScore float64 `json:"hard_score"`
	SoftScore float64 `json:"soft_score"`
}

// Snapshot is everything one gate evaluation reads, captured as a value so
// the same checks run identically against live state and against the
// last-known-good copy in degraded mode.
type Snapshot struct {
	CampaignID     int64             `json:"campaign_id"`
	Found          bool              `json:"found"`
	Configured     bool              `json:"configured"`
	Active         bool              `json:"active"`
	Mailboxes      []MailboxSnapshot `json:"mailboxes"`
	DomainStatuses map[int64]string  `json:"domain_statuses"`
	TakenAt        time.Time         `json:"taken_at"`
}

// eligible returns the mailboxes that count toward the mean hard score:
// sendable mailboxes under domains that are not paused.
func (s *Snapshot) eligible() []MailboxSnapshot {
	var out []MailboxSnapshot
	for _, m := range s.Mailboxes {
		if !engine.Status(m.Status).Sendable() {
			continue
		}
		if s.DomainStatuses[m.DomainID] == string(engine.DomainPaused) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// CheckResult is one check's verdict. A nil result from a check means pass.
type CheckResult struct {
	FailureType FailureType
	Reason      string
}

type check func(s *Snapshot, t engine.Thresholds) *CheckResult

// orderedChecks is the gate's decision sequence. Evaluation short-circuits
// on the first failure.
var orderedChecks = []check{
	checkCampaignConfigured,
	checkCampaignActive,
	checkSendableMailbox,
	checkDomainNotPaused,
	checkHardRisk,
}

func checkCampaignConfigured(s *Snapshot, _ engine.Thresholds) *CheckResult {
	if !s.Found {
		return &CheckResult{SyncIssue, fmt.Sprintf("campaign %d does not exist", s.CampaignID)}
	}
	if !s.Configured {
		return &CheckResult{SyncIssue, fmt.Sprintf("campaign %d has not completed configuration sync", s.CampaignID)}
	}
	return nil
}

func checkCampaignActive(s *Snapshot, _ engine.Thresholds) *CheckResult {
	if !s.Active {
		return &CheckResult{SyncIssue, fmt.Sprintf("campaign %d is not active", s.CampaignID)}
	}
	return nil
}

func checkSendableMailbox(s *Snapshot, _ engine.Thresholds) *CheckResult {
	for _, m := range s.Mailboxes {
		if engine.Status(m.Status).Sendable() {
			return nil
		}
	}
	return &CheckResult{HealthIssue, "no mailbox on the campaign is in a sendable state"}
}

func checkDomainNotPaused(s *Snapshot, _ engine.Thresholds) *CheckResult {
	if len(s.DomainStatuses) == 0 {
		return nil
	}
	pausedAll := true
	for _, status := range s.DomainStatuses {
		if status != string(engine.DomainPaused) {
			pausedAll = false
			break
		}
	}
	if pausedAll {
		return &CheckResult{HealthIssue, "every domain on the campaign is paused"}
	}
	if len(s.eligible()) == 0 {
		return &CheckResult{HealthIssue, "all sendable mailboxes sit under paused domains"}
	}
	return nil
}

func checkHardRisk(s *Snapshot, t engine.Thresholds) *CheckResult {
	eligible := s.eligible()
	scores := make([]float64, 0, len(eligible))
	for _, m := range eligible {
		scores = append(scores, m.HardScore)
	}
	mean := engine.MeanHardScore(scores)
	if mean >= t.HardRiskCritical {
		return &CheckResult{HealthIssue,
			fmt.Sprintf("mean hard risk score %.0f across %d eligible mailboxes is at or above the critical threshold %.0f", mean, len(eligible), t.HardRiskCritical)}
	}
	return nil
}

// softAdvisory surfaces a non-blocking warning when an eligible mailbox
// carries a hard score at the warning level or a high soft score. Runs only
// after every blocking check passed, so a warning-level hard score flags the
// send without blocking it.
func softAdvisory(s *Snapshot, t engine.Thresholds) string {
	for _, m := range s.eligible() {
		if m.HardScore >= t.HardRiskWarning {
			return fmt.Sprintf("mailbox %d hard score %.0f is at or above the warning threshold %.0f", m.ID, m.HardScore, t.HardRiskWarning)
		}
	}
	for _, m := range s.eligible() {
		if m.SoftScore >= t.SoftRiskHigh {
			return fmt.Sprintf("mailbox %d soft score %.0f is at or above the advisory threshold %.0f", m.ID, m.SoftScore, t.SoftRiskHigh)
		}
	}
	return ""
}
