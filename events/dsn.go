package events

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

// DSNReport holds the per-recipient fields of a delivery status notification.
type DSNReport struct {
	Action         string // "failed", "delayed", "delivered", ...
	Status         string // RFC 3464 status code, e.g. "5.1.1"
	FinalRecipient string
	Diagnostic     string
}

// ParseDSN extracts the first per-recipient block from a bounce message's
// message/delivery-status part. Providers that only relay raw bounces instead
// of classified events go through this path before normalization.
func ParseDSN(r io.Reader) (*DSNReport, error) {
	entity, err := message.Read(r)
	if message.IsUnknownCharset(err) {
		// Charset only affects text parts, not the machine-readable DSN block.
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse bounce message: %w", err)
	}

	part, err := findDeliveryStatus(entity)
	if err != nil {
		return nil, err
	}
	if part == nil {
		return nil, fmt.Errorf("no message/delivery-status part found")
	}

	br := bufio.NewReader(part.Body)
	// First block is per-message fields; skip it.
	if _, err := textproto.ReadHeader(br); err != nil {
		return nil, fmt.Errorf("failed to read per-message DSN fields: %w", err)
	}
	fields, err := textproto.ReadHeader(br)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read per-recipient DSN fields: %w", err)
	}

	report := &DSNReport{
		Action:     strings.ToLower(strings.TrimSpace(fields.Get("Action"))),
		Status:     strings.TrimSpace(fields.Get("Status")),
		Diagnostic: strings.TrimSpace(fields.Get("Diagnostic-Code")),
	}
	if rcpt := fields.Get("Final-Recipient"); rcpt != "" {
		// Format is "rfc822; user@example.com".
		if i := strings.IndexByte(rcpt, ';'); i >= 0 {
			rcpt = rcpt[i+1:]
		}
		report.FinalRecipient = strings.TrimSpace(rcpt)
	}
	if report.Status == "" {
		return nil, fmt.Errorf("delivery-status part has no Status field")
	}
	return report, nil
}

func findDeliveryStatus(entity *message.Entity) (*message.Entity, error) {
	mr := entity.MultipartReader()
	if mr == nil {
		t, _, _ := entity.Header.ContentType()
		if t == "message/delivery-status" {
			return entity, nil
		}
		return nil, nil
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to walk bounce message parts: %w", err)
		}
		t, _, _ := part.Header.ContentType()
		if t == "message/delivery-status" {
			return part, nil
		}
		if found, err := findDeliveryStatus(part); err != nil || found != nil {
			return found, err
		}
	}
}

// EventFromDSN converts a parsed DSN into a canonical delivery event.
// Permanent failures (5.x.x) are bounces; transient ones (4.x.x) are
// delivery failures.
func EventFromDSN(report *DSNReport, mailboxID int64, provider string, occurredAt time.Time) (*DeliveryEvent, error) {
	var outcome Outcome
	switch {
	case strings.HasPrefix(report.Status, "5"):
		outcome = OutcomeBounce
	case strings.HasPrefix(report.Status, "4"):
		outcome = OutcomeFailure
	default:
		return nil, fmt.Errorf("DSN status %q is not a failure class", report.Status)
	}
	ev := &DeliveryEvent{
		MailboxID:  mailboxID,
		Provider:   provider,
		Outcome:    outcome,
		OccurredAt: occurredAt,
		Metadata: map[string]string{
			"dsn_status": report.Status,
			"dsn_action": report.Action,
		},
	}
	if report.Diagnostic != "" {
		ev.Metadata["diagnostic"] = report.Diagnostic
	}
	return ev, nil
}
