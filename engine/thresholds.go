package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/Richardson2512/drason/config"
)

// Mode is an organization's enforcement posture.
type Mode string

const (
	ModeObserve Mode = "observe"
	ModeSuggest Mode = "suggest"
	ModeEnforce Mode = "enforce"
)

// ParseMode normalizes a stored mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeObserve:
		return ModeObserve, nil
	case ModeSuggest:
		return ModeSuggest, nil
	case ModeEnforce:
		return ModeEnforce, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Thresholds is the complete set of tunables one evaluation runs with. It is
// an immutable value resolved per organization and passed into every
// evaluation call, never read from shared mutable state, so two concurrent
// evaluations can run with different organizations' settings.
type Thresholds struct {
	WindowCeiling int

	PauseBounceThreshold   int
	PauseSendFloor         int
	WarningBounceThreshold int
	WarningSendFloor       int
	RecoveryCleanSends     int

	CooldownBase          time.Duration
	CooldownCap           time.Duration
	PauseStreakResetAfter time.Duration

	HardRiskCritical float64
	HardRiskWarning  float64
	SoftRiskHigh     float64

	DomainPauseRatio    float64
	DomainWarningRatio  float64
	DomainRecoveryRatio float64

	WarmupInitialDaily int
	WarmupDailyStep    int
	WarmupTargetDaily  int

	Mode Mode
}

// ThresholdsFromConfig builds the process-wide defaults from configuration.
func ThresholdsFromConfig(cfg *config.EngineConfig) (Thresholds, error) {
	base, err := cfg.GetCooldownBase()
	if err != nil {
		return Thresholds{}, fmt.Errorf("cooldown_base: %w", err)
	}
	cap, err := cfg.GetCooldownCap()
	if err != nil {
		return Thresholds{}, fmt.Errorf("cooldown_cap: %w", err)
	}
	reset, err := cfg.GetPauseStreakResetAfter()
	if err != nil {
		return Thresholds{}, fmt.Errorf("pause_streak_reset_after: %w", err)
	}
	mode, err := ParseMode(cfg.DefaultMode)
	if err != nil {
		return Thresholds{}, fmt.Errorf("default_mode: %w", err)
	}
	return Thresholds{
		WindowCeiling:          cfg.WindowCeiling,
		PauseBounceThreshold:   cfg.PauseBounceThreshold,
		PauseSendFloor:         cfg.PauseSendFloor,
		WarningBounceThreshold: cfg.WarningBounceThreshold,
		WarningSendFloor:       cfg.WarningSendFloor,
		RecoveryCleanSends:     cfg.RecoveryCleanSends,
		CooldownBase:           base,
		CooldownCap:            cap,
		PauseStreakResetAfter:  reset,
		HardRiskCritical:       cfg.HardRiskCritical,
		HardRiskWarning:        cfg.HardRiskWarning,
		SoftRiskHigh:           cfg.SoftRiskHigh,
		DomainPauseRatio:       cfg.DomainPauseRatio,
		DomainWarningRatio:     cfg.DomainWarningRatio,
		DomainRecoveryRatio:    cfg.DomainRecoveryRatio,
		WarmupInitialDaily:     cfg.WarmupInitialDaily,
		WarmupDailyStep:        cfg.WarmupDailyStep,
		WarmupTargetDaily:      cfg.WarmupTargetDaily,
		Mode:                   mode,
	}, nil
}

// WithOrganization returns a copy with an organization's mode and numeric
// overrides applied. Unknown override keys are ignored; the stored defaults
// stay authoritative for everything not overridden.
func (t Thresholds) WithOrganization(mode string, overrides map[string]float64) Thresholds {
	if m, err := ParseMode(mode); err == nil {
		t.Mode = m
	}
	for key, v := range overrides {
		switch key {
		case "window_ceiling":
			t.WindowCeiling = int(v)
		case "pause_bounce_threshold":
			t.PauseBounceThreshold = int(v)
		case "pause_send_floor":
			t.PauseSendFloor = int(v)
		case "warning_bounce_threshold":
			t.WarningBounceThreshold = int(v)
		case "warning_send_floor":
			t.WarningSendFloor = int(v)
		case "recovery_clean_sends":
			t.RecoveryCleanSends = int(v)
		case "hard_risk_critical":
			t.HardRiskCritical = v
		case "hard_risk_warning":
			t.HardRiskWarning = v
		case "soft_risk_high":
			t.SoftRiskHigh = v
		case "domain_pause_ratio":
			t.DomainPauseRatio = v
		case "domain_warning_ratio":
			t.DomainWarningRatio = v
		case "domain_recovery_ratio":
			t.DomainRecoveryRatio = v
		}
	}
	return t
}

// WarmupRampDuration is how long a warming mailbox takes to reach its target
// daily allowance: the allowance starts at the initial value and grows by the
// daily step.
func (t Thresholds) WarmupRampDuration() time.Duration {
	if t.WarmupDailyStep <= 0 || t.WarmupTargetDaily <= t.WarmupInitialDaily {
		return 0
	}
	days := (t.WarmupTargetDaily - t.WarmupInitialDaily + t.WarmupDailyStep - 1) / t.WarmupDailyStep
	return time.Duration(days) * 24 * time.Hour
}

// WarmupDailyAllowance returns the send allowance for a mailbox that started
// warming at the given time.
func (t Thresholds) WarmupDailyAllowance(warmupStartedAt, now time.Time) int {
	if now.Before(warmupStartedAt) {
		return t.WarmupInitialDaily
	}
	days := int(now.Sub(warmupStartedAt) / (24 * time.Hour))
	allowance := t.WarmupInitialDaily + days*t.WarmupDailyStep
	if allowance > t.WarmupTargetDaily {
		allowance = t.WarmupTargetDaily
	}
	return allowance
}
