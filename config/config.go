package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Richardson2512/drason/helpers"
)

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	// List of database hosts for runtime failover/load balancing.
	// Write hosts are usually a single entry; read hosts may list several
	// replicas for load balancing.
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int         `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string      `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string      `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// DatabaseConfig holds database configuration with separate read/write endpoints
type DatabaseConfig struct {
	LogQueries   bool                    `toml:"log_queries"`   // Enable SQL query logging
	QueryTimeout string                  `toml:"query_timeout"` // Default timeout for database queries (default: "30s")
	WriteTimeout string                  `toml:"write_timeout"` // Timeout for write transactions (default: "10s")
	Write        *DatabaseEndpointConfig `toml:"write"`         // Write database configuration
	Read         *DatabaseEndpointConfig `toml:"read"`          // Read database configuration
}

// GetQueryTimeout parses the query timeout duration
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetWriteTimeout parses the write timeout duration
func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.WriteTimeout)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// EngineConfig holds the organization-default protection thresholds. Every
// value here can be overridden per organization in the organizations table;
// these are the documented production defaults.
type EngineConfig struct {
	// Sliding window
	WindowCeiling int `toml:"window_ceiling"` // Sent count at which window counters halve (default: 100)

	// Mailbox state machine
	PauseBounceThreshold   int `toml:"pause_bounce_threshold"`   // Bounces to pause a mailbox (default: 5)
	PauseSendFloor         int `toml:"pause_send_floor"`         // Minimum window sends for the pause rule (default: 100)
	WarningBounceThreshold int `toml:"warning_bounce_threshold"` // Bounces to flag a mailbox (default: 3)
	WarningSendFloor       int `toml:"warning_send_floor"`       // Minimum window sends for the warning rule (default: 60)
	RecoveryCleanSends     int `toml:"recovery_clean_sends"`     // Bounce-free sends to complete recovery (default: 25)

	// Cooldown
	CooldownBase          string `toml:"cooldown_base"`            // First-pause cooldown (default: "1h")
	CooldownCap           string `toml:"cooldown_cap"`             // Cooldown ceiling (default: "16h")
	PauseStreakResetAfter string `toml:"pause_streak_reset_after"` // Healthy dwell before the pause streak resets (default: "24h")

	// Risk scoring
	HardRiskCritical float64 `toml:"hard_risk_critical"` // Hard score that blocks sends (default: 60)
	HardRiskWarning  float64 `toml:"hard_risk_warning"`  // Hard score that flags without blocking (default: 40)
	SoftRiskHigh     float64 `toml:"soft_risk_high"`     // Soft score that triggers an advisory (default: 75)

	// Domain aggregation
	DomainPauseRatio    float64 `toml:"domain_pause_ratio"`    // Unhealthy ratio that pauses a domain (default: 0.5)
	DomainWarningRatio  float64 `toml:"domain_warning_ratio"`  // Unhealthy ratio that flags a domain (default: 0.3)
	DomainRecoveryRatio float64 `toml:"domain_recovery_ratio"` // Ratio a domain must drop below to heal (default: 0.15)

	// Warmup ramp
	WarmupInitialDaily int `toml:"warmup_initial_daily"` // Day-one send allowance for a warming mailbox (default: 10)
	WarmupDailyStep    int `toml:"warmup_daily_step"`    // Daily allowance increase (default: 5)
	WarmupTargetDaily  int `toml:"warmup_target_daily"`  // Allowance at which warmup completes (default: 50)

	// Default enforcement posture for organizations without an explicit mode
	DefaultMode string `toml:"default_mode"` // "observe", "suggest", or "enforce"
}

// GetCooldownBase parses the base cooldown duration
func (e *EngineConfig) GetCooldownBase() (time.Duration, error) {
	if e.CooldownBase == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.CooldownBase)
}

// GetCooldownCap parses the cooldown cap duration
func (e *EngineConfig) GetCooldownCap() (time.Duration, error) {
	if e.CooldownCap == "" {
		return 16 * time.Hour, nil
	}
	return helpers.ParseDuration(e.CooldownCap)
}

// GetPauseStreakResetAfter parses the healthy dwell duration
func (e *EngineConfig) GetPauseStreakResetAfter() (time.Duration, error) {
	if e.PauseStreakResetAfter == "" {
		return 24 * time.Hour, nil
	}
	return helpers.ParseDuration(e.PauseStreakResetAfter)
}

// IngestConfig holds event ingestion pipeline configuration
type IngestConfig struct {
	Workers   int `toml:"workers"`    // Partition workers (default: 8)
	QueueSize int `toml:"queue_size"` // Per-worker queue depth (default: 256)
}

// SweeperConfig holds the cooldown-expiry reconciler configuration
type SweeperConfig struct {
	Interval  string `toml:"interval"`   // Sweep interval (default: "1m")
	BatchSize int    `toml:"batch_size"` // Mailboxes recovered per sweep pass (default: 100)
}

// GetInterval parses the sweep interval
func (s *SweeperConfig) GetInterval() (time.Duration, error) {
	if s.Interval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(s.Interval)
}

// ArchiveConfig holds audit archive export configuration
type ArchiveConfig struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`   // S3 endpoint, e.g. "s3.amazonaws.com"
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
	Trace     bool   `toml:"trace"`     // Log S3 HTTP requests
	Retention string `toml:"retention"` // Transitions older than this are exported (default: "30d")
	Interval  string `toml:"interval"`  // Export job interval (default: "1h")
}

// GetRetention parses the archive retention duration
func (a *ArchiveConfig) GetRetention() (time.Duration, error) {
	if a.Retention == "" {
		return 30 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(a.Retention)
}

// GetInterval parses the archive job interval
func (a *ArchiveConfig) GetInterval() (time.Duration, error) {
	if a.Interval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(a.Interval)
}

// NotifyConfig holds the critical-transition webhook relay configuration
type NotifyConfig struct {
	WebhookURL  string `toml:"webhook_url"`  // Destination for critical transition notifications
	QueueSize   int    `toml:"queue_size"`   // Bounded queue depth; overflow drops (default: 512)
	MaxAttempts int    `toml:"max_attempts"` // Delivery attempts per notification (default: 5)
	Timeout     string `toml:"timeout"`      // Per-request timeout (default: "10s")
}

// GetTimeout parses the notification request timeout
func (n *NotifyConfig) GetTimeout() (time.Duration, error) {
	if n.Timeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(n.Timeout)
}

// HTTPAPIConfig holds the HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`           // Listen address (default: ":8080")
	APIKeyHash   string   `toml:"api_key_hash"`   // bcrypt hash of the API key
	AllowedHosts []string `toml:"allowed_hosts"`  // Optional client allow-list (CIDR or IP)
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// CacheConfig holds the local gate snapshot cache configuration
type CacheConfig struct {
	Path string `toml:"path"` // sqlite database path (default: "/tmp/drason/snapshots.db")
}

// Config is the root configuration for the Drason engine
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	Engine   EngineConfig   `toml:"engine"`
	Ingest   IngestConfig   `toml:"ingest"`
	Sweeper  SweeperConfig  `toml:"sweeper"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	HTTPAPI  HTTPAPIConfig  `toml:"http_api"`
	Cache    CacheConfig    `toml:"cache"`
}

// NewDefaultConfig returns a configuration populated with production defaults.
// Values from the configuration file are merged on top.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			QueryTimeout: "30s",
			WriteTimeout: "10s",
		},
		Engine: EngineConfig{
			WindowCeiling:          100,
			PauseBounceThreshold:   5,
			PauseSendFloor:         100,
			WarningBounceThreshold: 3,
			WarningSendFloor:       60,
			RecoveryCleanSends:     25,
			CooldownBase:           "1h",
			CooldownCap:            "16h",
			PauseStreakResetAfter:  "24h",
			HardRiskCritical:       60,
			HardRiskWarning:        40,
			SoftRiskHigh:           75,
			DomainPauseRatio:       0.5,
			DomainWarningRatio:     0.3,
			DomainRecoveryRatio:    0.15,
			WarmupInitialDaily:     10,
			WarmupDailyStep:        5,
			WarmupTargetDaily:      50,
			DefaultMode:            "enforce",
		},
		Ingest: IngestConfig{
			Workers:   8,
			QueueSize: 256,
		},
		Sweeper: SweeperConfig{
			Interval:  "1m",
			BatchSize: 100,
		},
		Archive: ArchiveConfig{
			Retention: "30d",
			Interval:  "1h",
		},
		Notify: NotifyConfig{
			QueueSize:   512,
			MaxAttempts: 5,
			Timeout:     "10s",
		},
		HTTPAPI: HTTPAPIConfig{
			Addr: ":8080",
		},
		Cache: CacheConfig{
			Path: "/tmp/drason/snapshots.db",
		},
	}
}

// Load reads and validates a TOML configuration file, merging it over the
// defaults from NewDefaultConfig.
func Load(path string) (Config, error) {
	cfg := NewDefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the configuration for inconsistent or dangerous values.
func (c *Config) Validate() error {
	if c.Database.Write == nil || len(c.Database.Write.Hosts) == 0 {
		return fmt.Errorf("database.write.hosts is required")
	}

	e := &c.Engine
	if e.WindowCeiling <= 0 {
		return fmt.Errorf("engine.window_ceiling must be positive")
	}
	if e.PauseBounceThreshold <= 0 || e.WarningBounceThreshold <= 0 {
		return fmt.Errorf("engine bounce thresholds must be positive")
	}
	if e.WarningSendFloor > e.PauseSendFloor {
		return fmt.Errorf("engine.warning_send_floor must not exceed engine.pause_send_floor")
	}
	if e.DomainWarningRatio >= e.DomainPauseRatio {
		return fmt.Errorf("engine.domain_warning_ratio must be below engine.domain_pause_ratio")
	}
	if e.DomainRecoveryRatio >= e.DomainWarningRatio {
		return fmt.Errorf("engine.domain_recovery_ratio must be below engine.domain_warning_ratio")
	}
	if e.HardRiskWarning >= e.HardRiskCritical {
		return fmt.Errorf("engine.hard_risk_warning must be below engine.hard_risk_critical")
	}
	switch e.DefaultMode {
	case "observe", "suggest", "enforce":
	default:
		return fmt.Errorf("engine.default_mode must be one of observe, suggest, enforce")
	}

	if _, err := e.GetCooldownBase(); err != nil {
		return fmt.Errorf("engine.cooldown_base: %w", err)
	}
	if _, err := e.GetCooldownCap(); err != nil {
		return fmt.Errorf("engine.cooldown_cap: %w", err)
	}
	if _, err := e.GetPauseStreakResetAfter(); err != nil {
		return fmt.Errorf("engine.pause_streak_reset_after: %w", err)
	}

	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" || c.Archive.Bucket == "" {
			return fmt.Errorf("archive.endpoint and archive.bucket are required when archive is enabled")
		}
	}

	if c.HTTPAPI.Start && c.HTTPAPI.APIKeyHash == "" {
		return fmt.Errorf("http_api.api_key_hash is required when the HTTP API is enabled")
	}

	return nil
}
