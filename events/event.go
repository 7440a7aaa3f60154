package events

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/Richardson2512/drason/consts"
	"lukechampine.com/blake3"
)

// Outcome classifies what happened to a delivered message.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeBounce     Outcome = "bounce"
	OutcomeFailure    Outcome = "failure"
	OutcomeEngagement Outcome = "engagement"
)

// ValidOutcome reports whether s is a recognized outcome.
func ValidOutcome(s string) bool {
	switch Outcome(s) {
	case OutcomeSent, OutcomeBounce, OutcomeFailure, OutcomeEngagement:
		return true
	}
	return false
}

// DeliveryEvent is the canonical event shape every provider integration is
// normalized into before it reaches the engine.
type DeliveryEvent struct {
	MailboxID  int64
	Provider   string
	Outcome    Outcome
	OccurredAt time.Time
	ProviderID string // provider's own event identifier, when it sends one
	Metadata   map[string]string
}

// Validate rejects events the engine cannot evaluate. Malformed events are
// an input error; they are logged and counted, never silently dropped.
func (e *DeliveryEvent) Validate() error {
	if e.MailboxID <= 0 {
		return fmt.Errorf("%w: missing mailbox id", consts.ErrMalformedEvent)
	}
	if e.Provider == "" {
		return fmt.Errorf("%w: missing provider", consts.ErrMalformedEvent)
	}
	if !ValidOutcome(string(e.Outcome)) {
		return fmt.Errorf("%w: unknown outcome %q", consts.ErrMalformedEvent, e.Outcome)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing timestamp", consts.ErrMalformedEvent)
	}
	return nil
}

// DedupKey derives a stable identifier for the event so provider redelivery
// is idempotent. When the provider supplies its own event id that is the
// natural key; otherwise the key is content-derived.
func (e *DeliveryEvent) DedupKey() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteByte(0)
	if e.ProviderID != "" {
		b.WriteString(e.ProviderID)
	} else {
		fmt.Fprintf(&b, "%d\x00%s\x00%d", e.MailboxID, e.Outcome, e.OccurredAt.UnixNano())
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
