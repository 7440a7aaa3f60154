// Package sweeper runs the periodic reconciler for time-driven transitions.
// Cooldown expiry cannot wait for the next event: a paused mailbox receives
// no traffic, so eligibility has to be restored on a schedule.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/Richardson2512/drason/config"
	"github.com/Richardson2512/drason/engine"
	"github.com/Richardson2512/drason/logger"
	"github.com/Richardson2512/drason/pkg/metrics"
	"github.com/Richardson2512/drason/pkg/resilient"
)

// staleHealthAge is how long a component snapshot may sit unrefreshed before
// the sweep drops it. Checks refresh every minute; an hour means the
// reporting instance is gone.
const staleHealthAge = time.Hour

type Sweeper struct {
	eng       *engine.Engine
	rdb       *resilient.ResilientDatabase
	interval  time.Duration
	batchSize int
}

func New(eng *engine.Engine, rdb *resilient.ResilientDatabase, cfg *config.SweeperConfig) (*Sweeper, error) {
	interval, err := cfg.GetInterval()
	if err != nil {
		return nil, fmt.Errorf("sweeper interval: %w", err)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{eng: eng, rdb: rdb, interval: interval, batchSize: batchSize}, nil
}

// Start runs the sweep loop until the context is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		logger.Infof("[SWEEP] starting, interval %s", s.interval)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("[SWEEP] stopped")
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()
}

// runOnce performs one sweep pass under the cluster-wide advisory lock, so a
// fleet of instances reconciles each mailbox exactly once per interval.
func (s *Sweeper) runOnce(ctx context.Context) {
	start := time.Now()
	acquired, err := s.rdb.AcquireSweepLock(ctx)
	if err != nil {
		logger.Errorf("[SWEEP] failed to acquire lock: %v", err)
		return
	}
	if !acquired {
		logger.Debug("[SWEEP] another instance holds the lock, skipping pass")
		return
	}
	defer func() {
		if err := s.rdb.ReleaseSweepLock(ctx); err != nil {
			logger.Errorf("[SWEEP] failed to release lock: %v", err)
		}
	}()

	recovered, err := s.eng.RecoverExpired(ctx, s.batchSize)
	if err != nil {
		logger.Errorf("[SWEEP] cooldown recovery failed: %v", err)
	} else if recovered > 0 {
		metrics.CooldownSweepRecoveredTotal.Add(float64(recovered))
		logger.Infof("[SWEEP] moved %d mailboxes to recovering", recovered)
	}

	promoted, err := s.eng.CompleteWarmups(ctx, s.batchSize)
	if err != nil {
		logger.Errorf("[SWEEP] warmup completion failed: %v", err)
	} else if promoted > 0 {
		logger.Infof("[SWEEP] promoted %d warmed-up mailboxes", promoted)
	}

	reset, err := s.eng.ResetPauseStreaks(ctx, s.batchSize)
	if err != nil {
		logger.Errorf("[SWEEP] pause streak reset failed: %v", err)
	} else if reset > 0 {
		logger.Debugf("[SWEEP] reset pause streak on %d mailboxes", reset)
	}

	stale, err := s.rdb.CleanupStaleHealthStatuses(ctx, staleHealthAge)
	if err != nil {
		logger.Errorf("[SWEEP] stale health status cleanup failed: %v", err)
	} else if stale > 0 {
		logger.Debugf("[SWEEP] dropped %d stale health statuses", stale)
	}

	s.eng.RefreshPausedGauge(ctx)
	metrics.CooldownSweepDuration.Observe(time.Since(start).Seconds())
}
