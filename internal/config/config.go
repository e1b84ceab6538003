package config

import (
	"fmt"
	"time"

	"github.com/rezkam/fleetq/internal/env"
)

// Config holds the orchestrator configuration. All variables are optional;
// defaults match the values the protocol was tuned for (visibility timeout
// comfortably larger than the heartbeat interval so normal execution never
// trips recovery).
type Config struct {
	// Storage. An empty DB_URL selects the embedded SQLite store, which is
	// meant for single-node and development use only.
	DBURL             string        `env:"DB_URL"`
	SQLitePath        string        `env:"SQLITE_PATH" default:"./fleetq.db"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" default:"5m"`
	DBConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" default:"1m"`

	// Server.
	Addr            string        `env:"ORCHESTRATOR_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"15s"`
	MaxBodyBytes    int64         `env:"MAX_BODY_BYTES"`

	// Queue protocol timing.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	OfflineThreshold  time.Duration `env:"OFFLINE_THRESHOLD" default:"90s"`
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" default:"2m"`
	RecoveryInterval  time.Duration `env:"RECOVERY_INTERVAL" default:"10s"`

	// Retry policy.
	MaxRetriesDefault int `env:"MAX_RETRIES_DEFAULT" default:"3"`

	// Retention of terminal jobs, in days. The sweep archives before deleting.
	RetentionDays int    `env:"RETENTION_DAYS" default:"30"`
	ArchiveType   string `env:"ARCHIVE_TYPE" default:"none"` // none, fs, gcs
	ArchiveDir    string `env:"ARCHIVE_DIR" default:"./fleetq-archive"`
	ArchiveBucket string `env:"ARCHIVE_BUCKET"`

	// Observability.
	OTelEnabled bool `env:"OTEL_ENABLED"`
}

// Load parses environment variables into a Config struct and validates it.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// Validate is called by env.Load after parsing.
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.VisibilityTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("VISIBILITY_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.VisibilityTimeout, c.HeartbeatInterval)
	}
	if c.OfflineThreshold <= 0 {
		return fmt.Errorf("OFFLINE_THRESHOLD must be positive")
	}
	if c.RecoveryInterval <= 0 {
		return fmt.Errorf("RECOVERY_INTERVAL must be positive")
	}
	if c.MaxRetriesDefault < 0 {
		return fmt.Errorf("MAX_RETRIES_DEFAULT must be >= 0")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("RETENTION_DAYS must be >= 0")
	}
	switch c.ArchiveType {
	case "none", "fs":
	case "gcs":
		if c.ArchiveBucket == "" {
			return fmt.Errorf("ARCHIVE_BUCKET is required when ARCHIVE_TYPE is 'gcs'")
		}
	default:
		return fmt.Errorf("unknown ARCHIVE_TYPE: %s", c.ArchiveType)
	}
	return nil
}
