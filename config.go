package writeq

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration, read from WRITEQ_* environment
// variables.
type Config struct {
	StateDSN string `env:"WRITEQ_STATE_DSN" envDefault:"file://data/writeq_state.json"`
	BoltPath string `env:"WRITEQ_BOLT_PATH" envDefault:"data/writeq_kv.db"`

	SheetID          string `env:"WRITEQ_SHEET_ID"`
	SheetTab         string `env:"WRITEQ_SHEET_TAB" envDefault:"Sheet1"`
	SheetCredentials string `env:"WRITEQ_SHEET_CREDENTIALS"`

	APIBaseURL  string `env:"WRITEQ_API_BASE_URL" envDefault:"http://127.0.0.1:8000"`
	APIEmail    string `env:"WRITEQ_API_EMAIL"`
	APIPassword string `env:"WRITEQ_API_PASSWORD"`

	BetaUserIDs []int64 `env:"WRITEQ_BETA_USER_IDS" envSeparator:","`
	CohortFile  string  `env:"WRITEQ_COHORT_FILE"`

	DrainLimit        int           `env:"WRITEQ_DRAIN_LIMIT" envDefault:"5"`
	MaxAttempts       int           `env:"WRITEQ_MAX_ATTEMPTS" envDefault:"6"`
	InitialDelay      time.Duration `env:"WRITEQ_INITIAL_DELAY" envDefault:"30s"`
	FastPathPermanent bool          `env:"WRITEQ_FAST_PATH_PERMANENT" envDefault:"true"`
	ValidatePayloads  bool          `env:"WRITEQ_VALIDATE_PAYLOADS" envDefault:"true"`

	MaintenanceInterval time.Duration `env:"WRITEQ_MAINTENANCE_INTERVAL" envDefault:"1m"`
	MaintenanceLimit    int           `env:"WRITEQ_MAINTENANCE_LIMIT" envDefault:"20"`

	AdminAddr    string `env:"WRITEQ_ADMIN_ADDR" envDefault:":8090"`
	NATSURL      string `env:"WRITEQ_NATS_URL"`
	AuditPrefix  string `env:"WRITEQ_AUDIT_PREFIX" envDefault:"writeq.audit"`
	OTelEndpoint string `env:"WRITEQ_OTEL_ENDPOINT"`

	LogLevel  string `env:"WRITEQ_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"WRITEQ_LOG_FORMAT" envDefault:"json"`
}

// LoadConfig parses the environment and validates the result.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.StateDSN == "" {
		return fmt.Errorf("WRITEQ_STATE_DSN is required")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("WRITEQ_MAX_ATTEMPTS must be at least 1")
	}
	if c.DrainLimit < 1 {
		return fmt.Errorf("WRITEQ_DRAIN_LIMIT must be at least 1")
	}
	if c.InitialDelay < 0 {
		return fmt.Errorf("WRITEQ_INITIAL_DELAY must not be negative")
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("WRITEQ_MAINTENANCE_INTERVAL must be positive")
	}
	if (c.APIEmail == "") != (c.APIPassword == "") {
		return fmt.Errorf("WRITEQ_API_EMAIL and WRITEQ_API_PASSWORD must be set together")
	}
	return nil
}

// Cohort builds the static allowlist snapshot from BetaUserIDs.
func (c Config) Cohort() *Cohort {
	return NewCohort(c.BetaUserIDs...)
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
