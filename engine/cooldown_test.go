package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCooldownSequence(t *testing.T) {
	base := time.Hour
	cap := 16 * time.Hour
	expected := []time.Duration{
		time.Hour, 2 * time.Hour, 4 * time.Hour, 8 * time.Hour,
		16 * time.Hour, 16 * time.Hour, 16 * time.Hour,
	}
	for i, want := range expected {
		got := CooldownDuration(i+1, base, cap)
		assert.Equal(t, want, got, "pause #%d", i+1)
	}
}

func TestCooldownZeroPausesTreatedAsFirst(t *testing.T) {
	assert.Equal(t, time.Hour, CooldownDuration(0, time.Hour, 16*time.Hour))
}

func TestCooldownLargeStreakStaysAtCap(t *testing.T) {
	// Doubling stops at the cap instead of overflowing.
	assert.Equal(t, 16*time.Hour, CooldownDuration(100, time.Hour, 16*time.Hour))
}

func TestPauseStreakExpired(t *testing.T) {
	now := time.Now()
	dwell := 24 * time.Hour

	assert.False(t, PauseStreakExpired(nil, now, dwell))

	recent := now.Add(-time.Hour)
	assert.False(t, PauseStreakExpired(&recent, now, dwell))

	old := now.Add(-25 * time.Hour)
	assert.True(t, PauseStreakExpired(&old, now, dwell))
}
