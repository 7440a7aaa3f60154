// Package notify delivers critical transition notifications to an external
// webhook. Delivery is fire-and-forget through a bounded queue: the engine's
// decision path enqueues and moves on, and overflow drops the notification
// rather than applying backpressure to evaluation.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Richardson2512/drason/config"
	"github.com/Richardson2512/drason/db"
	"github.com/Richardson2512/drason/logger"
	"github.com/Richardson2512/drason/pkg/metrics"
	"github.com/Richardson2512/drason/pkg/retry"
)

// Relay implements engine.Notifier over an HTTP webhook.
type Relay struct {
	url      string
	client   *http.Client
	queue    chan payload
	backoff  retry.BackoffConfig
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

type payload struct {
	EntityType  string    `json:"entity_type"`
	EntityID    int64     `json:"entity_id"`
	FromState   string    `json:"from_state"`
	ToState     string    `json:"to_state"`
	Reason      string    `json:"reason"`
	TriggeredBy string    `json:"triggered_by"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// New builds a relay from configuration. A nil relay (no webhook configured)
// is valid; the engine tolerates a nil Notifier.
func New(cfg *config.NotifyConfig) (*Relay, error) {
	if cfg.WebhookURL == "" {
		return nil, nil
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("notify timeout: %w", err)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 512
	}
	backoff := retry.DefaultBackoffConfig()
	if cfg.MaxAttempts > 0 {
		backoff.MaxRetries = cfg.MaxAttempts
	}
	return &Relay{
		url:     cfg.WebhookURL,
		client:  &http.Client{Timeout: timeout},
		queue:   make(chan payload, queueSize),
		backoff: backoff,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start launches the delivery worker.
func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		logger.Info("[NOTIFY] webhook relay started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case p := <-r.queue:
				r.deliver(ctx, p)
			}
		}
	}()
}

// Stop shuts the worker down without waiting for queued notifications;
// delivery is best-effort by contract.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// NotifyTransition enqueues a critical transition. Never blocks: a full
// queue drops the notification and counts the drop.
func (r *Relay) NotifyTransition(t db.StateTransition) {
	p := payload{
		EntityType:  t.EntityType,
		EntityID:    t.EntityID,
		FromState:   t.FromState,
		ToState:     t.ToState,
		Reason:      t.Reason,
		TriggeredBy: t.TriggeredBy,
		OccurredAt:  t.OccurredAt,
	}
	select {
	case r.queue <- p:
	default:
		metrics.NotificationsDroppedTotal.Inc()
		logger.Warnf("[NOTIFY] queue full, dropped %s %d notification", t.EntityType, t.EntityID)
	}
}

func (r *Relay) deliver(ctx context.Context, p payload) {
	body, err := json.Marshal(p)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		logger.Errorf("[NOTIFY] failed to encode notification: %v", err)
		return
	}

	err = retry.WithRetry(ctx, func() error {
		return r.post(ctx, body)
	}, r.backoff)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		logger.Errorf("[NOTIFY] giving up on %s %d notification: %v", p.EntityType, p.EntityID, err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
}

func (r *Relay) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return retry.Stop(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The receiver rejected the payload; retrying will not help.
		return retry.Stop(fmt.Errorf("webhook returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
}
