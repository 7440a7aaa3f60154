// Package db implements the PostgreSQL persistence layer for the protection
// engine. It separates read and write pools so gate evaluations can run
// against replicas while the correctness-critical paths (counter updates,
// transitions) are pinned to the primary via consts.UseMasterDBKey.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Richardson2512/drason/config"
	"github.com/Richardson2512/drason/consts"
	"github.com/Richardson2512/drason/pkg/metrics"
)

//go:embed schema.sql
var schema string

type Database struct {
	WritePool *pgxpool.Pool // Write operations pool
	ReadPool  *pgxpool.Pool // Read operations pool
}

// NewDatabaseFromConfig creates a new database connection with read/write
// split configuration.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, dbConfig.LogQueries, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	var readPool *pgxpool.Pool
	if dbConfig.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, dbConfig.LogQueries, "read")
		if err != nil {
			writePool.Close() // Clean up write pool on error
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		log.Printf("[DB] no read configuration specified, using write pool for read operations")
		readPool = writePool
	}

	db := &Database{
		WritePool: writePool,
		ReadPool:  readPool,
	}

	if err := db.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// createPoolFromEndpoint creates a connection pool from an endpoint configuration
func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool, poolType string) (*pgxpool.Pool, error) {
	if len(endpoint.Hosts) == 0 {
		return nil, fmt.Errorf("at least one host must be specified")
	}

	// Randomly select one host; DNS or an external pooler provides real
	// load balancing across replicas.
	selectedHost := endpoint.Hosts[rand.Intn(len(endpoint.Hosts))]

	// Priority: 1) host:port in hosts array, 2) separate port field, 3) default 5432
	if !strings.Contains(selectedHost, ":") {
		var portStr string
		if endpoint.Port != nil {
			switch v := endpoint.Port.(type) {
			case string:
				portStr = v
			case int:
				portStr = strconv.Itoa(v)
			case int64: // TOML parsers often use int64 for numbers
				portStr = strconv.FormatInt(v, 10)
			default:
				return nil, fmt.Errorf("invalid type for port: %T", v)
			}
		}
		if portStr == "" {
			portStr = "5432"
		}

		if port, err := strconv.Atoi(portStr); err != nil {
			return nil, fmt.Errorf("invalid port value '%s': %w", portStr, err)
		} else {
			selectedHost = fmt.Sprintf("%s:%d", selectedHost, port)
		}
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, selectedHost, endpoint.Name, sslMode)

	log.Printf("[DB] connecting to %s database: postgres://%s@%s/%s?sslmode=%s",
		poolType, endpoint.User, selectedHost, endpoint.Name, sslMode)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if logQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{role: poolType}
	}

	if endpoint.MaxConns > 0 {
		poolConfig.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolConfig.MinConns = int32(endpoint.MinConns)
	}
	if lifetime, err := endpoint.GetMaxConnLifetime(); err == nil {
		poolConfig.MaxConnLifetime = lifetime
	}
	if idleTime, err := endpoint.GetMaxConnIdleTime(); err == nil {
		poolConfig.MaxConnIdleTime = idleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	return pool, nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

func (db *Database) migrate(ctx context.Context) error {
	// Serialize schema application across instances starting concurrently.
	// Session advisory locks live on one connection, so hold it explicitly.
	conn, err := db.WritePool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migration: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", consts.DrasonMigrateAdvisoryLockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	_, execErr := conn.Exec(ctx, schema)
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", consts.DrasonMigrateAdvisoryLockID); err != nil {
		log.Printf("[DB] failed to release migration lock: %v", err)
	}
	return execErr
}

// TxFunc runs inside a transaction started by RunInTx.
type TxFunc func(tx pgx.Tx) error

// RunInTx runs fn inside a write transaction, committing on nil and rolling
// back otherwise.
func (db *Database) RunInTx(ctx context.Context, fn TxFunc) error {
	tx, err := db.WritePool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetWritePool returns the pool used for writes and transactions.
func (db *Database) GetWritePool() *pgxpool.Pool {
	return db.WritePool
}

// GetReadPool returns the pool used for plain reads.
func (db *Database) GetReadPool() *pgxpool.Pool {
	return db.ReadPool
}

// GetReadPoolWithContext returns the appropriate pool for read operations,
// considering session pinning.
func (db *Database) GetReadPoolWithContext(ctx context.Context) *pgxpool.Pool {
	// Check if the context signals to use the master DB (read-after-write consistency)
	if useMaster, ok := ctx.Value(consts.UseMasterDBKey).(bool); ok && useMaster {
		return db.WritePool
	}
	return db.ReadPool
}

// StartPoolMetrics starts a goroutine that periodically collects connection pool metrics
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	if db.WritePool != nil {
		stats := db.WritePool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("write").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("write").Set(float64(stats.IdleConns()))
		metrics.DBPoolAcquiredConns.WithLabelValues("write").Set(float64(stats.AcquiredConns()))
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		stats := db.ReadPool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("read").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("read").Set(float64(stats.IdleConns()))
		metrics.DBPoolAcquiredConns.WithLabelValues("read").Set(float64(stats.AcquiredConns()))
	}
}
