package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Richardson2512/drason/logger"
)

type tracerStartKey struct{}

// queryTracer logs executed SQL when database.log_queries is enabled.
type queryTracer struct {
	role string
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debugf("[DB-%s] query start: %s args=%v", t.role, data.SQL, data.Args)
	return context.WithValue(ctx, tracerStartKey{}, time.Now())
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	var elapsed time.Duration
	if start, ok := ctx.Value(tracerStartKey{}).(time.Time); ok {
		elapsed = time.Since(start)
	}
	if data.Err != nil {
		logger.Debugf("[DB-%s] query failed after %v: %v", t.role, elapsed, data.Err)
		return
	}
	logger.Debugf("[DB-%s] query done in %v: %s", t.role, elapsed, data.CommandTag)
}
