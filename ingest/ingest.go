// Package ingest fans delivery events from provider integrations into the
// engine. Events are partitioned by mailbox id so one mailbox's events stay
// ordered, and submission never blocks: a saturated partition rejects
// instead of stalling the provider that delivered the event.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/Richardson2512/drason/consts"
	"github.com/Richardson2512/drason/engine"
	"github.com/Richardson2512/drason/events"
	"github.com/Richardson2512/drason/logger"
	"github.com/Richardson2512/drason/pkg/metrics"
)

// ErrQueueFull is returned when a partition cannot accept more events.
// Providers should back off and redeliver; dedup makes redelivery safe.
var ErrQueueFull = errors.New("ingest queue is full")

type Pipeline struct {
	eng     *engine.Engine
	queues  []chan *events.DeliveryEvent
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

func New(eng *engine.Engine, workers, queueSize int) *Pipeline {
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	queues := make([]chan *events.DeliveryEvent, workers)
	for i := range queues {
		queues[i] = make(chan *events.DeliveryEvent, queueSize)
	}
	return &Pipeline{eng: eng, queues: queues}
}

// Start launches one worker per partition.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, i, q)
	}
	logger.Infof("[INGEST] started %d partition workers", len(p.queues))
}

// Wait blocks until all workers have drained after context cancellation.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Submit validates and enqueues one event. Malformed events are rejected
// here, before they consume a queue slot.
func (p *Pipeline) Submit(ev *events.DeliveryEvent) error {
	if err := ev.Validate(); err != nil {
		metrics.EventsMalformedTotal.WithLabelValues(ev.Provider).Inc()
		logger.Warnf("[INGEST] rejected malformed event from %q: %v", ev.Provider, err)
		return err
	}

	idx := p.partition(ev.MailboxID)
	select {
	case p.queues[idx] <- ev:
		metrics.IngestQueueDepth.WithLabelValues(strconv.Itoa(idx)).Set(float64(len(p.queues[idx])))
		return nil
	default:
		return fmt.Errorf("%w: partition %d", ErrQueueFull, idx)
	}
}

func (p *Pipeline) partition(mailboxID int64) int {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d", mailboxID)
	return int(h.Sum32() % uint32(len(p.queues)))
}

// worker drains one partition. A failing event is logged and counted, never
// allowed to block its siblings.
func (p *Pipeline) worker(ctx context.Context, idx int, queue chan *events.DeliveryEvent) {
	defer p.wg.Done()
	label := strconv.Itoa(idx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			metrics.IngestQueueDepth.WithLabelValues(label).Set(float64(len(queue)))
			p.process(ctx, ev)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, ev *events.DeliveryEvent) {
	_, err := p.eng.ProcessEvent(ctx, ev)
	switch {
	case err == nil:
		metrics.EventsProcessedTotal.WithLabelValues(ev.Provider, string(ev.Outcome), "ok").Inc()
	case errors.Is(err, consts.ErrDuplicateEvent):
		metrics.EventsDuplicateTotal.WithLabelValues(ev.Provider).Inc()
		logger.Debugf("[INGEST] duplicate event for mailbox %d from %q", ev.MailboxID, ev.Provider)
	case errors.Is(err, consts.ErrMailboxNotFound):
		metrics.EventsProcessedTotal.WithLabelValues(ev.Provider, string(ev.Outcome), "unknown_mailbox").Inc()
		logger.Warnf("[INGEST] event for unknown mailbox %d from %q", ev.MailboxID, ev.Provider)
	default:
		metrics.EventsProcessedTotal.WithLabelValues(ev.Provider, string(ev.Outcome), "error").Inc()
		logger.Errorf("[INGEST] failed to process event for mailbox %d: %v", ev.MailboxID, err)
	}
}
