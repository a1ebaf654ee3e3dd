package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/kubilitics/agent-guardrails/internal/models"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate database configuration
	if strings.TrimSpace(c.Database.SQLitePath) == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.sqlite_path",
			Message: "sqlite_path is required",
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, console", c.Logging.Format),
		})
	}

	if c.Logging.MaxSizeMB < 1 {
		errs = append(errs, &ValidationError{
			Field:   "logging.max_size_mb",
			Message: fmt.Sprintf("max_size_mb must be at least 1, got %d", c.Logging.MaxSizeMB),
		})
	}
	if c.Logging.MaxBackups < 0 {
		errs = append(errs, &ValidationError{
			Field:   "logging.max_backups",
			Message: fmt.Sprintf("max_backups cannot be negative, got %d", c.Logging.MaxBackups),
		})
	}
	if c.Logging.MaxAgeDays < 0 {
		errs = append(errs, &ValidationError{
			Field:   "logging.max_age_days",
			Message: fmt.Sprintf("max_age_days cannot be negative, got %d", c.Logging.MaxAgeDays),
		})
	}
	if c.Logging.FlushIntervalSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "logging.flush_interval_seconds",
			Message: fmt.Sprintf("flush_interval_seconds must be at least 1, got %d", c.Logging.FlushIntervalSeconds),
		})
	}

	// Validate metrics configuration
	if c.Metrics.Enabled {
		_, port, err := net.SplitHostPort(c.Metrics.ListenAddress)
		if err != nil {
			errs = append(errs, &ValidationError{
				Field:   "metrics.listen_address",
				Message: fmt.Sprintf("invalid address format (expected host:port): %v", err),
			})
		} else if port == "" {
			errs = append(errs, &ValidationError{
				Field:   "metrics.listen_address",
				Message: "metrics port cannot be empty",
			})
		}
	}

	// Validate background sweeps
	if c.RateLimiter.SweepIntervalSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "rate_limiter.sweep_interval_seconds",
			Message: fmt.Sprintf("sweep_interval_seconds must be at least 1, got %d", c.RateLimiter.SweepIntervalSeconds),
		})
	}
	if c.Approvals.ExpirySweepIntervalSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "approvals.expiry_sweep_interval_seconds",
			Message: fmt.Sprintf("expiry_sweep_interval_seconds must be at least 1, got %d", c.Approvals.ExpirySweepIntervalSeconds),
		})
	}
	if c.Approvals.DefaultTimeoutMinutes < 1 {
		errs = append(errs, &ValidationError{
			Field:   "approvals.default_timeout_minutes",
			Message: fmt.Sprintf("default_timeout_minutes must be at least 1, got %d", c.Approvals.DefaultTimeoutMinutes),
		})
	}
	if c.Approvals.WaitPollIntervalMs < 1 {
		errs = append(errs, &ValidationError{
			Field:   "approvals.wait_poll_interval_ms",
			Message: fmt.Sprintf("wait_poll_interval_ms must be at least 1, got %d", c.Approvals.WaitPollIntervalMs),
		})
	}
	if c.Approvals.WaitTimeoutMinutes < 1 {
		errs = append(errs, &ValidationError{
			Field:   "approvals.wait_timeout_minutes",
			Message: fmt.Sprintf("wait_timeout_minutes must be at least 1, got %d", c.Approvals.WaitTimeoutMinutes),
		})
	}

	errs = append(errs, c.validateDefaults()...)
	return errs
}

func (c *Config) validateDefaults() []error {
	var errs []error
	d := c.Defaults

	if !models.Scope(d.RateLimitScope).Valid() {
		errs = append(errs, &ValidationError{
			Field:   "defaults.rate_limit_scope",
			Message: fmt.Sprintf("invalid scope '%s', must be one of: agent, workspace, session", d.RateLimitScope),
		})
	}
	if !models.Scope(d.BudgetScope).Valid() {
		errs = append(errs, &ValidationError{
			Field:   "defaults.budget_scope",
			Message: fmt.Sprintf("invalid scope '%s', must be one of: agent, workspace, session", d.BudgetScope),
		})
	}
	if !models.BudgetAction(d.BudgetAction).Valid() {
		errs = append(errs, &ValidationError{
			Field:   "defaults.budget_action",
			Message: fmt.Sprintf("invalid budget action '%s', must be one of: warn, pause, terminate", d.BudgetAction),
		})
	}

	limits := []struct {
		field string
		value int
	}{
		{"defaults.tokens_per_minute", d.TokensPerMinute},
		{"defaults.requests_per_minute", d.RequestsPerMinute},
		{"defaults.file_writes_per_minute", d.FileWritesPerMinute},
		{"defaults.network_requests_per_minute", d.NetworkRequestsPerMinute},
		{"defaults.commands_per_minute", d.CommandsPerMinute},
		{"defaults.cooldown_seconds", d.CooldownSeconds},
		{"defaults.escalation_pending_count", d.EscalationPendingCount},
		{"defaults.escalation_wait_minutes", d.EscalationWaitMinutes},
	}
	for _, l := range limits {
		if l.value < 0 {
			errs = append(errs, &ValidationError{
				Field:   l.field,
				Message: fmt.Sprintf("value cannot be negative, got %d", l.value),
			})
		}
	}

	if d.BurstAllowance < 0 {
		errs = append(errs, &ValidationError{
			Field:   "defaults.burst_allowance",
			Message: fmt.Sprintf("burst_allowance cannot be negative, got %.2f", d.BurstAllowance),
		})
	}
	if d.BudgetTotalTokens < 0 {
		errs = append(errs, &ValidationError{
			Field:   "defaults.budget_total_tokens",
			Message: fmt.Sprintf("budget_total_tokens cannot be negative, got %d", d.BudgetTotalTokens),
		})
	}
	if d.BudgetTotalDollars < 0 {
		errs = append(errs, &ValidationError{
			Field:   "defaults.budget_total_dollars",
			Message: fmt.Sprintf("budget_total_dollars cannot be negative, got %.2f", d.BudgetTotalDollars),
		})
	}
	if d.BudgetPerRequestDollars < 0 {
		errs = append(errs, &ValidationError{
			Field:   "defaults.budget_per_request_dollars",
			Message: fmt.Sprintf("budget_per_request_dollars cannot be negative, got %.2f", d.BudgetPerRequestDollars),
		})
	}
	for i, th := range d.AlertThresholds {
		if th <= 0 {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("defaults.alert_thresholds[%d]", i),
				Message: fmt.Sprintf("threshold must be greater than 0, got %.2f", th),
			})
		}
	}
	return errs
}
