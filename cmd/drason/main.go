package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Richardson2512/drason/audit"
	"github.com/Richardson2512/drason/cache"
	"github.com/Richardson2512/drason/config"
	"github.com/Richardson2512/drason/db"
	"github.com/Richardson2512/drason/engine"
	"github.com/Richardson2512/drason/gate"
	"github.com/Richardson2512/drason/ingest"
	"github.com/Richardson2512/drason/logger"
	"github.com/Richardson2512/drason/notify"
	"github.com/Richardson2512/drason/pkg/errors"
	"github.com/Richardson2512/drason/pkg/health"
	"github.com/Richardson2512/drason/pkg/resilient"
	"github.com/Richardson2512/drason/server/httpapi"
	"github.com/Richardson2512/drason/storage"
	"github.com/Richardson2512/drason/sweeper"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := errors.NewErrorHandler()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("drason version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg := loadConfig(*configPath, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DRASON: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "DRASON: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("DRASON infrastructure protection engine starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	// Database pools and resilience wrapper.
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		errorHandler.FatalError("connect to database", err)
		os.Exit(<-errorHandler.ExitChannel())
	}
	defer database.Close()
	database.StartPoolMetrics(ctx)

	rdb := resilient.New(database)

	defaults, err := engine.ThresholdsFromConfig(&cfg.Engine)
	if err != nil {
		errorHandler.FatalError("parse engine thresholds", err)
		os.Exit(<-errorHandler.ExitChannel())
	}
	logger.Infof("[ENGINE] mode=%s window_ceiling=%d pause=%d/%d warning=%d/%d",
		defaults.Mode, defaults.WindowCeiling,
		defaults.PauseBounceThreshold, defaults.PauseSendFloor,
		defaults.WarningBounceThreshold, defaults.WarningSendFloor)

	// Critical-transition webhook relay. Optional; nil when no URL is set.
	var notifier engine.Notifier
	relay, err := notify.New(&cfg.Notify)
	if err != nil {
		errorHandler.FatalError("configure notification relay", err)
		os.Exit(<-errorHandler.ExitChannel())
	}
	if relay != nil {
		relay.Start(ctx)
		notifier = relay
	}

	eng := engine.New(rdb, defaults, notifier)

	// Event ingestion pipeline.
	pipeline := ingest.New(eng, cfg.Ingest.Workers, cfg.Ingest.QueueSize)
	pipeline.Start(ctx)
	defer pipeline.Wait()

	// Cooldown-expiry and warmup reconciler.
	sw, err := sweeper.New(eng, rdb, &cfg.Sweeper)
	if err != nil {
		errorHandler.FatalError("configure sweeper", err)
		os.Exit(<-errorHandler.ExitChannel())
	}
	sw.Start(ctx)

	// Audit archive export to object storage.
	if cfg.Archive.Enabled {
		store, err := storage.New(ctx, &cfg.Archive)
		if err != nil {
			errorHandler.FatalError("initialize archive storage", err)
			os.Exit(<-errorHandler.ExitChannel())
		}
		archiver, err := audit.NewArchiver(rdb, store, &cfg.Archive)
		if err != nil {
			errorHandler.FatalError("configure archiver", err)
			os.Exit(<-errorHandler.ExitChannel())
		}
		archiver.Start(ctx)
	}

	// Local snapshot cache lets the gate degrade instead of failing closed
	// when the database is briefly unreachable.
	var snapStore gate.SnapshotStore
	if cfg.Cache.Path != "" {
		snapCache, err := cache.New(cfg.Cache.Path)
		if err != nil {
			logger.Warnf("[CACHE] snapshot cache unavailable, gate runs without fallback: %v", err)
		} else {
			defer snapCache.Close()
			snapStore = snapCache
			go pruneSnapshots(ctx, snapCache)
		}
	}

	g := gate.New(rdb, defaults, snapStore)

	monitor := startHealthMonitor(ctx, rdb, snapStore)
	defer monitor.Stop()

	errChan := make(chan error, 1)
	if cfg.HTTPAPI.Start {
		go httpapi.Start(ctx, rdb, httpapi.ServerOptions{
			Addr:         cfg.HTTPAPI.Addr,
			APIKeyHash:   cfg.HTTPAPI.APIKeyHash,
			AllowedHosts: cfg.HTTPAPI.AllowedHosts,
			Engine:       eng,
			Gate:         g,
			Pipeline:     pipeline,
			Monitor:      monitor,
			TLS:          cfg.HTTPAPI.TLS,
			TLSCertFile:  cfg.HTTPAPI.TLSCertFile,
			TLSKeyFile:   cfg.HTTPAPI.TLSKeyFile,
		}, errChan)
	} else {
		logger.Warn("[API] HTTP API disabled; engine runs ingest and sweeps only")
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down, waiting for in-flight evaluations...")
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		cancel()
		pipeline.Wait()
		os.Exit(<-errorHandler.ExitChannel())
	case code := <-errorHandler.ExitChannel():
		cancel()
		os.Exit(code)
	}
}

// loadConfig loads the TOML configuration, falling back to defaults when the
// default config file is absent.
func loadConfig(configPath string, errorHandler *errors.ErrorHandler) config.Config {
	if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) && configPath == "config.toml" {
		logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", configPath)
		return config.NewDefaultConfig()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		errorHandler.ConfigError(configPath, err)
		os.Exit(<-errorHandler.ExitChannel())
	}
	return cfg
}

// startHealthMonitor wires periodic component checks and persists status
// changes so operators can query them through the API.
func startHealthMonitor(ctx context.Context, rdb *resilient.ResilientDatabase, snapStore gate.SnapshotStore) *health.HealthMonitor {
	monitor := health.NewHealthMonitor()

	monitor.RegisterCheck(&health.HealthCheck{
		Name:     "database",
		Check:    rdb.HealthCheck,
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Critical: true,
		Enabled:  true,
	})

	if snapStore != nil {
		monitor.RegisterCheck(&health.HealthCheck{
			Name: "snapshot_cache",
			Check: func(ctx context.Context) error {
				_, err := snapStore.Get(0)
				return err
			},
			Interval: time.Minute,
			Timeout:  5 * time.Second,
			Enabled:  true,
		})
	}

	monitor.AddStatusCallback(func(name string, status health.ComponentStatus) {
		storeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rec := &db.HealthStatusRecord{
			Component: name,
			Status:    string(status),
			CheckedAt: time.Now(),
		}
		if err := rdb.StoreHealthStatus(storeCtx, rec); err != nil {
			logger.Warnf("[HEALTH] failed to persist status for %s: %v", name, err)
		}
	})

	monitor.Start(ctx)
	return monitor
}

// pruneSnapshots drops stale gate snapshots so a degraded gate never runs on
// state old enough to mislead it.
func pruneSnapshots(ctx context.Context, snapCache *cache.SnapshotCache) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := snapCache.Prune(24 * time.Hour); err != nil {
				logger.Warnf("[CACHE] snapshot prune failed: %v", err)
			} else if n > 0 {
				logger.Debugf("[CACHE] pruned %d stale gate snapshots", n)
			}
		}
	}
}
