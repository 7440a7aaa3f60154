package engine

import "github.com/Richardson2512/drason/events"

// Counters is a mailbox's rolling window of recent sends and bounces.
type Counters struct {
	Sent    int
	Bounced int
}

// Apply increments the window for one outcome. A bounce that arrives without
// a matching send report still counts the underlying send, which keeps the
// bounce count from ever exceeding the sent count. Failures and engagement
// events do not touch the window; they feed the lifetime counters and the
// 24-hour rates instead.
func (c Counters) Apply(outcome events.Outcome) Counters {
	switch outcome {
	case events.OutcomeSent:
		c.Sent++
	case events.OutcomeBounce:
		c.Bounced++
		if c.Bounced > c.Sent {
			c.Sent = c.Bounced
		}
	}
	return c
}

// Rollover halves both counters once the window is full. Halving instead of
// resetting keeps a damped memory of recent behavior: a mailbox that just
// had a bad streak does not come out of rollover looking clean.
func (c Counters) Rollover(ceiling int) Counters {
	if ceiling > 0 && c.Sent >= ceiling {
		c.Sent /= 2
		c.Bounced /= 2
	}
	return c
}
