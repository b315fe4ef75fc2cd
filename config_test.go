package writeq

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateDSN != "file://data/writeq_state.json" {
		t.Errorf("unexpected state dsn %s", cfg.StateDSN)
	}
	if cfg.MaxAttempts != DefaultMaxAttempts || cfg.DrainLimit != DefaultDrainLimit || cfg.InitialDelay != DefaultInitialDelay {
		t.Errorf("unexpected retry defaults %+v", cfg)
	}
	if !cfg.FastPathPermanent || !cfg.ValidatePayloads {
		t.Error("expected fast path and validation on by default")
	}
	if cfg.MaintenanceInterval != time.Minute || cfg.MaintenanceLimit != 20 {
		t.Errorf("unexpected maintenance defaults %s / %d", cfg.MaintenanceInterval, cfg.MaintenanceLimit)
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("WRITEQ_STATE_DSN", "sqlite:///tmp/state.db")
	t.Setenv("WRITEQ_BETA_USER_IDS", "11,12")
	t.Setenv("WRITEQ_INITIAL_DELAY", "5s")
	t.Setenv("WRITEQ_FAST_PATH_PERMANENT", "false")
	t.Setenv("WRITEQ_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateDSN != "sqlite:///tmp/state.db" || cfg.InitialDelay != 5*time.Second || cfg.FastPathPermanent {
		t.Errorf("env not applied: %+v", cfg)
	}
	c := cfg.Cohort()
	if !c.Contains(11) || !c.Contains(12) || c.Size() != 2 {
		t.Errorf("unexpected cohort size %d", c.Size())
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("expected debug level, got %s", cfg.SlogLevel())
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"attempts":      {"WRITEQ_MAX_ATTEMPTS": "0"},
		"drain":         {"WRITEQ_DRAIN_LIMIT": "0"},
		"delay":         {"WRITEQ_INITIAL_DELAY": "-1s"},
		"interval":      {"WRITEQ_MAINTENANCE_INTERVAL": "0s"},
		"half creds":    {"WRITEQ_API_EMAIL": "bot@example.com"},
		"bad duration":  {"WRITEQ_INITIAL_DELAY": "soon"},
		"bad user list": {"WRITEQ_BETA_USER_IDS": "1,x"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestConfig_SlogLevelFallback(t *testing.T) {
	cfg := Config{LogLevel: "loud"}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Errorf("expected info fallback, got %s", cfg.SlogLevel())
	}
	if !strings.EqualFold(Config{LogLevel: "WARN"}.SlogLevel().String(), "warn") {
		t.Error("expected case-insensitive level parsing")
	}
}
