package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHardScoreZeroTraffic(t *testing.T) {
	assert.Zero(t, HardScore(RateSample{}))
}

func TestHardScoreBounceWeighting(t *testing.T) {
	// 5% bounce rate, no failures: (5*0.7 + 0*0.3) * 10 = 35.
	s := RateSample{Sent: 100, Bounces: 5}
	assert.InDelta(t, 35.0, HardScore(s), 0.001)
}

func TestHardScoreCombinesFailures(t *testing.T) {
	// 5% bounces and 10% failures: (3.5 + 3.0) * 10 = 65.
	s := RateSample{Sent: 100, Bounces: 5, Failures: 10}
	assert.InDelta(t, 65.0, HardScore(s), 0.001)
}

func TestHardScoreCap(t *testing.T) {
	s := RateSample{Sent: 10, Bounces: 10}
	assert.Equal(t, 100.0, HardScore(s))
}

func TestSoftScoreVelocityAndWarnings(t *testing.T) {
	assert.InDelta(t, 80.0, SoftScore(4.0, 0), 0.001)
	assert.InDelta(t, 70.0, SoftScore(2.0, 3), 0.001)
	assert.Equal(t, 100.0, SoftScore(5.0, 10))
}

func TestHardScoreIgnoresVelocity(t *testing.T) {
	// A clean high-volume mailbox has zero hard score no matter how fast it
	// sends. The channels are never combined.
	s := RateSample{Sent: 5000}
	assert.Zero(t, HardScore(s))
	assert.InDelta(t, 100.0, SoftScore(5.0, 0), 0.001)
}

func TestMeanHardScore(t *testing.T) {
	assert.Zero(t, MeanHardScore(nil))
	assert.InDelta(t, 50.0, MeanHardScore([]float64{40, 60}), 0.001)
	// Paused mailboxes are excluded by the caller, not averaged as zero:
	// the mean of the remaining two is unaffected by an excluded third.
	assert.InDelta(t, 50.0, MeanHardScore([]float64{40, 60}), 0.001)
}

func TestVelocityNormalization(t *testing.T) {
	assert.Zero(t, Velocity(0))
	assert.InDelta(t, 1.0, Velocity(20), 0.001)
	assert.Equal(t, 5.0, Velocity(1000))
}
