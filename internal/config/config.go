package config

import "context"

// Package config provides process configuration for the guardrail server.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (GUARDRAIL_* prefix, dots become underscores,
//      e.g. GUARDRAIL_DATABASE_SQLITE_PATH)
//   2. YAML config file (default: /etc/agent-guardrails/config.yaml)
//   3. Built-in defaults
//
// Sections:
//
//   1. Database
//      - sqlite_path: SQLite file (":memory:" for an ephemeral store)
//
//   2. Logging
//      - level, format (json | console)
//      - app_log_path (empty logs to stderr), audit_log_path
//      - max_size_mb, max_backups, max_age_days, compress (rotation)
//      - flush_interval_seconds: audit buffer flush period
//
//   3. Metrics
//      - enabled, listen_address
//
//   4. Rate limiter
//      - sweep_interval_seconds: eviction of expired windows
//
//   5. Approvals
//      - expiry_sweep_interval_seconds, default_timeout_minutes
//      - wait_poll_interval_ms, wait_timeout_minutes
//
//   6. Defaults
//      Seed values for the SafetyConfig created the first time a workspace
//      is seen: rate limits, budget, and escalation thresholds.

// Config struct contains all configuration fields
type Config struct {
	// Database configuration
	Database struct {
		SQLitePath string
	}

	// Logging configuration
	Logging struct {
		Level                string
		Format               string
		AppLogPath           string
		AuditLogPath         string
		MaxSizeMB            int
		MaxBackups           int
		MaxAgeDays           int
		Compress             bool
		FlushIntervalSeconds int
	}

	// Metrics configuration
	Metrics struct {
		Enabled       bool
		ListenAddress string
	}

	// Rate limiter configuration
	RateLimiter struct {
		SweepIntervalSeconds int
	}

	// Approval workflow configuration
	Approvals struct {
		ExpirySweepIntervalSeconds int
		DefaultTimeoutMinutes      int
		WaitPollIntervalMs         int
		WaitTimeoutMinutes         int
	}

	// Workspace defaults
	Defaults struct {
		Enabled                  bool
		RateLimitScope           string
		TokensPerMinute          int
		RequestsPerMinute        int
		FileWritesPerMinute      int
		NetworkRequestsPerMinute int
		CommandsPerMinute        int
		BurstAllowance           float64
		CooldownSeconds          int
		BudgetScope              string
		BudgetTotalTokens        int64
		BudgetTotalDollars       float64
		BudgetPerRequestDollars  float64
		BudgetAction             string
		AlertThresholds          []float64
		EscalationEnabled        bool
		EscalationPendingCount   int
		EscalationWaitMinutes    int
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches the config file and delivers reloaded configs.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// DefaultConfigPath is used when no path is given.
const DefaultConfigPath = "/etc/agent-guardrails/config.yaml"

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager(DefaultConfigPath)
}
