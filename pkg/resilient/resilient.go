// Package resilient wraps the database layer with retry and circuit breaking
// for transient Postgres failures. Persistence errors are infrastructure
// issues: they get capped exponential backoff, and a stretch of repeated
// failures opens the breaker so callers can fall back to degraded mode
// instead of piling up on a dead database.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Richardson2512/drason/db"
	"github.com/Richardson2512/drason/pkg/circuitbreaker"
	"github.com/Richardson2512/drason/pkg/metrics"
	"github.com/Richardson2512/drason/pkg/retry"
)

// ResilientDatabase embeds the plain database so non-transactional reads pass
// straight through, and adds guarded transaction execution on top.
type ResilientDatabase struct {
	*db.Database

	writeBreaker *circuitbreaker.CircuitBreaker
	readBreaker  *circuitbreaker.CircuitBreaker
	backoff      retry.BackoffConfig
}

func New(database *db.Database) *ResilientDatabase {
	return &ResilientDatabase{
		Database:     database,
		writeBreaker: circuitbreaker.NewCircuitBreaker(DefaultSettings("db-write")),
		readBreaker:  circuitbreaker.NewCircuitBreaker(DefaultSettings("db-read")),
		backoff:      retry.DefaultBackoffConfig(),
	}
}

// DefaultSettings returns breaker settings tuned for database pools: trip
// after a run of consecutive failures, report state changes to metrics.
func DefaultSettings(name string) circuitbreaker.Settings {
	s := circuitbreaker.DefaultSettings(name)
	prev := s.OnStateChange
	s.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		if prev != nil {
			prev(name, from, to)
		}
	}
	return s
}

// RunInWriteTx executes fn inside a write transaction, retrying the whole
// transaction on transient errors. fn must be safe to re-run from scratch;
// every engine evaluation is, because the event dedup key makes replays
// idempotent.
func (r *ResilientDatabase) RunInWriteTx(ctx context.Context, fn db.TxFunc) error {
	return retry.WithRetry(ctx, func() error {
		_, err := r.writeBreaker.Execute(func() (interface{}, error) {
			return nil, r.Database.RunInTx(ctx, fn)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return err
		}
		if !IsTransient(err) {
			return retry.Stop(err)
		}
		return err
	}, r.backoff)
}

// WriteHealthy reports whether the write path breaker is closed.
func (r *ResilientDatabase) WriteHealthy() bool {
	return r.writeBreaker.State() == circuitbreaker.StateClosed
}

// HealthCheck probes both pools, for the health monitor. A probe that
// succeeds while a breaker sits open is fresher evidence than the breaker's
// timeout, so traffic resumes probing immediately.
func (r *ResilientDatabase) HealthCheck(ctx context.Context) error {
	if err := r.Database.WritePool.Ping(ctx); err != nil {
		return fmt.Errorf("write pool: %w", err)
	}
	if err := r.Database.ReadPool.Ping(ctx); err != nil {
		return fmt.Errorf("read pool: %w", err)
	}
	r.restoreBreakers()
	return nil
}

// restoreBreakers moves any open breaker to half-open after a successful
// probe. A no-op for closed breakers.
func (r *ResilientDatabase) restoreBreakers() {
	r.writeBreaker.ForceHalfOpen()
	r.readBreaker.ForceHalfOpen()
}

// IsTransient reports whether a database error is worth retrying: connection
// failures, serialization conflicts and deadlocks. Constraint violations and
// business errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001": // serialization failure
			return true
		case pgErr.Code == "40P01": // deadlock detected
			return true
		case pgErr.Code == "57P03": // cannot connect now
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
