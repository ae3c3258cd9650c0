// Package config loads the update hub's runtime configuration from the
// environment. All knobs share the UPD_ prefix; object storage keeps the
// conventional S3_ variables read by pkg/s3.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"updatehub/services/update"
)

// Config is the full runtime configuration of updhubd.
type Config struct {
	HTTP       HTTP
	Database   Database
	Bus        Bus
	Governance Governance
	Pipeline   Pipeline
	Validation Validation
	Archive    Archive
}

// HTTP configures the API listener.
type HTTP struct {
	Port int
}

// Database configures the registry and audit stores. An empty URL selects
// the in-memory stores, which lose state on restart.
type Database struct {
	URL string
}

// Bus configures NATS distribution and the watchdog bridge. An empty URL
// selects the in-memory publisher and watchdog.
type Bus struct {
	URL string
}

// Governance configures the built-in risk oracle.
type Governance struct {
	AutoApproveMax update.RiskLevel
	DenyKinds      []update.Kind
	DenyPrincipals []string
}

// Pipeline configures orchestrator budgets and windows.
type Pipeline struct {
	RetryBudget          int
	RetryInitialInterval time.Duration
	ApprovalAbandonAfter time.Duration
	ObservationWindow    time.Duration
}

// Validation configures the validator pool.
type Validation struct {
	Timeout    time.Duration
	SandboxURL string
}

// Archive configures bundle retention. An empty bucket disables archival.
type Archive struct {
	Bucket string
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{}

	cfg.HTTP.Port = getEnvInt("UPD_HTTP_PORT", 8080)
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return Config{}, fmt.Errorf("invalid UPD_HTTP_PORT: %d", cfg.HTTP.Port)
	}

	cfg.Database.URL = strings.TrimSpace(os.Getenv("UPD_DATABASE_URL"))
	cfg.Bus.URL = strings.TrimSpace(os.Getenv("UPD_NATS_URL"))

	maxRisk := getEnv("UPD_AUTO_APPROVE_MAX", "MEDIUM")
	risk, err := update.ParseRiskLevel(maxRisk)
	if err != nil {
		return Config{}, fmt.Errorf("invalid UPD_AUTO_APPROVE_MAX: %w", err)
	}
	cfg.Governance.AutoApproveMax = risk

	if raw := os.Getenv("UPD_DENY_KINDS"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			kind, err := update.ParseKind(strings.TrimSpace(part))
			if err != nil {
				return Config{}, fmt.Errorf("invalid UPD_DENY_KINDS entry: %w", err)
			}
			cfg.Governance.DenyKinds = append(cfg.Governance.DenyKinds, kind)
		}
	}
	if raw := os.Getenv("UPD_DENY_PRINCIPALS"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				cfg.Governance.DenyPrincipals = append(cfg.Governance.DenyPrincipals, p)
			}
		}
	}

	cfg.Pipeline.RetryBudget = getEnvInt("UPD_RETRY_BUDGET", 5)
	if cfg.Pipeline.RetryBudget <= 0 {
		return Config{}, fmt.Errorf("UPD_RETRY_BUDGET must be positive")
	}
	cfg.Pipeline.RetryInitialInterval, err = getEnvDuration("UPD_RETRY_INITIAL_INTERVAL", 200*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	cfg.Pipeline.ApprovalAbandonAfter, err = getEnvDuration("UPD_APPROVAL_ABANDON_AFTER", 72*time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg.Pipeline.ObservationWindow, err = getEnvDuration("UPD_OBSERVATION_WINDOW", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg.Validation.Timeout, err = getEnvDuration("UPD_VALIDATION_TIMEOUT", 2*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg.Validation.SandboxURL = strings.TrimSpace(os.Getenv("UPD_SANDBOX_URL"))

	cfg.Archive.Bucket = strings.TrimSpace(os.Getenv("UPD_ARCHIVE_BUCKET"))

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
