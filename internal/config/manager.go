package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GUARDRAIL"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once

	mu     sync.RWMutex
	config *Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// GUARDRAIL_DATABASE_SQLITE_PATH overrides database.sqlite_path
	m.viper.SetEnvPrefix(EnvPrefix)
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.viper.AutomaticEnv()

	m.setDefaults()

	// A missing file is fine: defaults and env vars apply.
	if err := m.readConfigFile(); err != nil {
		return err
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

func (m *viperConfigManager) readConfigFile() error {
	err := m.viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads. Invalid reloads are
// dropped and the previous config stays current.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			if err := m.unmarshalConfig(); err != nil {
				return
			}
			select {
			case m.watchChan <- *m.Get(ctx):
			default:
				// a reload is already queued
			}
		})
		m.viper.WatchConfig()
	})
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.readConfigFile(); err != nil {
		return err
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Database defaults
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.app_log_path", defaults.Logging.AppLogPath)
	m.viper.SetDefault("logging.audit_log_path", defaults.Logging.AuditLogPath)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)
	m.viper.SetDefault("logging.flush_interval_seconds", defaults.Logging.FlushIntervalSeconds)

	// Metrics defaults
	m.viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	m.viper.SetDefault("metrics.listen_address", defaults.Metrics.ListenAddress)

	// Rate limiter defaults
	m.viper.SetDefault("rate_limiter.sweep_interval_seconds", defaults.RateLimiter.SweepIntervalSeconds)

	// Approval defaults
	m.viper.SetDefault("approvals.expiry_sweep_interval_seconds", defaults.Approvals.ExpirySweepIntervalSeconds)
	m.viper.SetDefault("approvals.default_timeout_minutes", defaults.Approvals.DefaultTimeoutMinutes)
	m.viper.SetDefault("approvals.wait_poll_interval_ms", defaults.Approvals.WaitPollIntervalMs)
	m.viper.SetDefault("approvals.wait_timeout_minutes", defaults.Approvals.WaitTimeoutMinutes)

	// Workspace defaults
	m.viper.SetDefault("defaults.enabled", defaults.Defaults.Enabled)
	m.viper.SetDefault("defaults.rate_limit_scope", defaults.Defaults.RateLimitScope)
	m.viper.SetDefault("defaults.tokens_per_minute", defaults.Defaults.TokensPerMinute)
	m.viper.SetDefault("defaults.requests_per_minute", defaults.Defaults.RequestsPerMinute)
	m.viper.SetDefault("defaults.file_writes_per_minute", defaults.Defaults.FileWritesPerMinute)
	m.viper.SetDefault("defaults.network_requests_per_minute", defaults.Defaults.NetworkRequestsPerMinute)
	m.viper.SetDefault("defaults.commands_per_minute", defaults.Defaults.CommandsPerMinute)
	m.viper.SetDefault("defaults.burst_allowance", defaults.Defaults.BurstAllowance)
	m.viper.SetDefault("defaults.cooldown_seconds", defaults.Defaults.CooldownSeconds)
	m.viper.SetDefault("defaults.budget_scope", defaults.Defaults.BudgetScope)
	m.viper.SetDefault("defaults.budget_total_tokens", defaults.Defaults.BudgetTotalTokens)
	m.viper.SetDefault("defaults.budget_total_dollars", defaults.Defaults.BudgetTotalDollars)
	m.viper.SetDefault("defaults.budget_per_request_dollars", defaults.Defaults.BudgetPerRequestDollars)
	m.viper.SetDefault("defaults.budget_action", defaults.Defaults.BudgetAction)
	m.viper.SetDefault("defaults.alert_thresholds", defaults.Defaults.AlertThresholds)
	m.viper.SetDefault("defaults.escalation_enabled", defaults.Defaults.EscalationEnabled)
	m.viper.SetDefault("defaults.escalation_pending_count", defaults.Defaults.EscalationPendingCount)
	m.viper.SetDefault("defaults.escalation_wait_minutes", defaults.Defaults.EscalationWaitMinutes)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Database
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.AppLogPath = m.viper.GetString("logging.app_log_path")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")
	cfg.Logging.FlushIntervalSeconds = m.viper.GetInt("logging.flush_interval_seconds")

	// Metrics
	cfg.Metrics.Enabled = m.viper.GetBool("metrics.enabled")
	cfg.Metrics.ListenAddress = m.viper.GetString("metrics.listen_address")

	// Rate limiter
	cfg.RateLimiter.SweepIntervalSeconds = m.viper.GetInt("rate_limiter.sweep_interval_seconds")

	// Approvals
	cfg.Approvals.ExpirySweepIntervalSeconds = m.viper.GetInt("approvals.expiry_sweep_interval_seconds")
	cfg.Approvals.DefaultTimeoutMinutes = m.viper.GetInt("approvals.default_timeout_minutes")
	cfg.Approvals.WaitPollIntervalMs = m.viper.GetInt("approvals.wait_poll_interval_ms")
	cfg.Approvals.WaitTimeoutMinutes = m.viper.GetInt("approvals.wait_timeout_minutes")

	// Workspace defaults
	cfg.Defaults.Enabled = m.viper.GetBool("defaults.enabled")
	cfg.Defaults.RateLimitScope = m.viper.GetString("defaults.rate_limit_scope")
	cfg.Defaults.TokensPerMinute = m.viper.GetInt("defaults.tokens_per_minute")
	cfg.Defaults.RequestsPerMinute = m.viper.GetInt("defaults.requests_per_minute")
	cfg.Defaults.FileWritesPerMinute = m.viper.GetInt("defaults.file_writes_per_minute")
	cfg.Defaults.NetworkRequestsPerMinute = m.viper.GetInt("defaults.network_requests_per_minute")
	cfg.Defaults.CommandsPerMinute = m.viper.GetInt("defaults.commands_per_minute")
	cfg.Defaults.BurstAllowance = m.viper.GetFloat64("defaults.burst_allowance")
	cfg.Defaults.CooldownSeconds = m.viper.GetInt("defaults.cooldown_seconds")
	cfg.Defaults.BudgetScope = m.viper.GetString("defaults.budget_scope")
	cfg.Defaults.BudgetTotalTokens = m.viper.GetInt64("defaults.budget_total_tokens")
	cfg.Defaults.BudgetTotalDollars = m.viper.GetFloat64("defaults.budget_total_dollars")
	cfg.Defaults.BudgetPerRequestDollars = m.viper.GetFloat64("defaults.budget_per_request_dollars")
	cfg.Defaults.BudgetAction = m.viper.GetString("defaults.budget_action")
	// UnmarshalKey decodes YAML lists and comma-separated env values alike.
	if err := m.viper.UnmarshalKey("defaults.alert_thresholds", &cfg.Defaults.AlertThresholds); err != nil {
		return fmt.Errorf("defaults.alert_thresholds: %w", err)
	}
	cfg.Defaults.EscalationEnabled = m.viper.GetBool("defaults.escalation_enabled")
	cfg.Defaults.EscalationPendingCount = m.viper.GetInt("defaults.escalation_pending_count")
	cfg.Defaults.EscalationWaitMinutes = m.viper.GetInt("defaults.escalation_wait_minutes")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}
