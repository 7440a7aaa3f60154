package engine

// RateSample is a mailbox's trailing 24-hour event counts, the input to the
// hard score.
type RateSample struct {
	Sent     int
	Bounces  int
	Failures int
}

// BounceRate returns the 24-hour bounce rate as a percentage.
func (s RateSample) BounceRate() float64 {
	if s.Sent == 0 {
		return 0
	}
	return float64(s.Bounces) / float64(s.Sent) * 100
}

// FailureRate returns the 24-hour delivery failure rate as a percentage.
func (s RateSample) FailureRate() float64 {
	if s.Sent == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Sent) * 100
}

// HardScore computes the blocking risk score from delivery-harm evidence
// alone. Bounces weigh heavier than transient failures. Capped at 100.
func HardScore(s RateSample) float64 {
	score := (s.BounceRate()*0.7 + s.FailureRate()*0.3) * 10
	if score > 100 {
		return 100
	}
	return score
}

// SoftScore computes the advisory score from behavioral signals. It is never
// combined with the hard score and never blocks: a clean high-volume mailbox
// must not be stopped for sending fast.
func SoftScore(velocity float64, domainWarningCount int) float64 {
	score := velocity*20 + float64(domainWarningCount)*10
	if score > 100 {
		return 100
	}
	return score
}

// MeanHardScore averages hard scores across eligible mailboxes for a
// campaign-level check. Paused mailboxes are excluded from the average
// entirely, not counted as zero.
func MeanHardScore(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// velocityScale is the hourly send volume that corresponds to the top of the
// normalized 0-5 velocity range.
const velocityScale = 20.0

// Velocity normalizes an hourly send count into the 0-5 behavioral range.
func Velocity(sentLastHour int) float64 {
	v := float64(sentLastHour) / velocityScale
	if v > 5 {
		return 5
	}
	return v
}
