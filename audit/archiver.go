// Package audit manages the long-term life of the transition log. Records
// are append-only and never mutated; past the retention horizon they move to
// object storage as JSONL batches and only then leave the database.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/Richardson2512/drason/config"
	"github.com/Richardson2512/drason/db"
	"github.com/Richardson2512/drason/logger"
	"github.com/Richardson2512/drason/pkg/metrics"
	"github.com/Richardson2512/drason/pkg/resilient"
)

const exportBatchSize = 500

// ObjectStore is the upload surface the archiver needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
}

// Archiver exports aged transition records to object storage on a schedule.
type Archiver struct {
	rdb       *resilient.ResilientDatabase
	store     ObjectStore
	retention time.Duration
	interval  time.Duration
}

func NewArchiver(rdb *resilient.ResilientDatabase, store ObjectStore, cfg *config.ArchiveConfig) (*Archiver, error) {
	retention, err := cfg.GetRetention()
	if err != nil {
		return nil, fmt.Errorf("archive retention: %w", err)
	}
	interval, err := cfg.GetInterval()
	if err != nil {
		return nil, fmt.Errorf("archive interval: %w", err)
	}
	return &Archiver{rdb: rdb, store: store, retention: retention, interval: interval}, nil
}

// Start runs the export loop until the context is canceled.
func (a *Archiver) Start(ctx context.Context) {
	go func() {
		logger.Infof("[ARCHIVE] starting, interval %s, retention %s", a.interval, a.retention)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("[ARCHIVE] stopped")
				return
			case <-ticker.C:
				if err := a.runOnce(ctx); err != nil {
					logger.Errorf("[ARCHIVE] export pass failed: %v", err)
				}
			}
		}
	}()
}

// runOnce exports every aged batch under the archive advisory lock. Records
// are deleted only after their batch upload succeeds; a failed upload leaves
// them in place for the next pass.
func (a *Archiver) runOnce(ctx context.Context) error {
	acquired, err := a.rdb.AcquireArchiveLock(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		logger.Debug("[ARCHIVE] another instance holds the lock, skipping pass")
		return nil
	}
	defer func() {
		if err := a.rdb.ReleaseArchiveLock(ctx); err != nil {
			logger.Errorf("[ARCHIVE] failed to release lock: %v", err)
		}
	}()

	cutoff := time.Now().Add(-a.retention)
	for {
		n, err := a.exportBatch(ctx, cutoff)
		if err != nil {
			metrics.ArchiveBatchesTotal.WithLabelValues("failed").Inc()
			return err
		}
		if n == 0 {
			break
		}
	}

	// Raw delivery events share the retention horizon. They have no archive
	// value once their transitions are exported; the audit log is the
	// forensic record, the events were only its input.
	removed, err := a.rdb.CleanupOldDeliveryEvents(ctx, a.retention)
	if err != nil {
		return err
	}
	if removed > 0 {
		logger.Debugf("[ARCHIVE] removed %d aged delivery events", removed)
	}
	return nil
}

func (a *Archiver) exportBatch(ctx context.Context, cutoff time.Time) (int, error) {
	batch, err := a.rdb.GetTransitionsForExport(ctx, cutoff, exportBatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]int64, 0, len(batch))
	for i := range batch {
		if err := enc.Encode(exportRecord(&batch[i])); err != nil {
			return 0, fmt.Errorf("failed to encode transition %d: %w", batch[i].ID, err)
		}
		ids = append(ids, batch[i].ID)
	}

	key := fmt.Sprintf("transitions/%s/%s.jsonl",
		batch[0].OccurredAt.UTC().Format("2006/01/02"), uuid.NewString())
	if err := a.store.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		return 0, err
	}

	if _, err := a.rdb.DeleteExportedTransitions(ctx, ids); err != nil {
		// The upload stands; the rows will be re-exported next pass and the
		// archive ends up with a duplicate batch, which readers tolerate.
		return 0, err
	}

	metrics.ArchiveBatchesTotal.WithLabelValues("exported").Inc()
	metrics.ArchiveRecordsExportedTotal.Add(float64(len(batch)))
	logger.Infof("[ARCHIVE] exported %d transitions to %s", len(batch), key)
	return len(batch), nil
}

type archiveLine struct {
	ID          int64     `json:"id"`
	EntityType  string    `json:"entity_type"`
	EntityID    int64     `json:"entity_id"`
	FromState   string    `json:"from_state"`
	ToState     string    `json:"to_state"`
	Reason      string    `json:"reason"`
	TriggeredBy string    `json:"triggered_by"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func exportRecord(t *db.StateTransition) archiveLine {
	return archiveLine{
		ID:          t.ID,
		EntityType:  t.EntityType,
		EntityID:    t.EntityID,
		FromState:   t.FromState,
		ToState:     t.ToState,
		Reason:      t.Reason,
		TriggeredBy: t.TriggeredBy,
		OccurredAt:  t.OccurredAt,
	}
}
