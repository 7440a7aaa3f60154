package engine

import "time"

// CooldownDuration returns the enforced wait before a paused mailbox becomes
// eligible for recovery: the base duration doubled for every consecutive
// pause, capped. Exponential backoff makes flapping progressively expensive.
func CooldownDuration(consecutivePauses int, base, cap time.Duration) time.Duration {
	if consecutivePauses < 1 {
		consecutivePauses = 1
	}
	d := base
	for i := 1; i < consecutivePauses; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// PauseStreakExpired reports whether a mailbox has dwelled healthy long
// enough for its consecutive pause count to reset. Reaching 'recovering' or
// even 'healthy' alone is not enough; the dwell period has to complete.
func PauseStreakExpired(healthySince *time.Time, now time.Time, dwell time.Duration) bool {
	if healthySince == nil {
		return false
	}
	return now.Sub(*healthySince) >= dwell
}
