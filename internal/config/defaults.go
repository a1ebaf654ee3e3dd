package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Database defaults
	cfg.Database.SQLitePath = "/var/lib/agent-guardrails/guardrails.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AppLogPath = ""
	cfg.Logging.AuditLogPath = "/var/log/agent-guardrails/audit.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true
	cfg.Logging.FlushIntervalSeconds = 5

	// Metrics defaults
	cfg.Metrics.Enabled = true
	cfg.Metrics.ListenAddress = "127.0.0.1:9464"

	// Rate limiter defaults
	cfg.RateLimiter.SweepIntervalSeconds = 300

	// Approval defaults
	cfg.Approvals.ExpirySweepIntervalSeconds = 60
	cfg.Approvals.DefaultTimeoutMinutes = 30
	cfg.Approvals.WaitPollIntervalMs = 1000
	cfg.Approvals.WaitTimeoutMinutes = 30

	// Workspace defaults
	cfg.Defaults.Enabled = true
	cfg.Defaults.RateLimitScope = "agent"
	cfg.Defaults.TokensPerMinute = 100000
	cfg.Defaults.RequestsPerMinute = 60
	cfg.Defaults.FileWritesPerMinute = 30
	cfg.Defaults.NetworkRequestsPerMinute = 60
	cfg.Defaults.CommandsPerMinute = 30
	cfg.Defaults.BurstAllowance = 0.2
	cfg.Defaults.CooldownSeconds = 60
	cfg.Defaults.BudgetScope = "workspace"
	cfg.Defaults.BudgetTotalTokens = 1000000
	cfg.Defaults.BudgetTotalDollars = 100
	cfg.Defaults.BudgetPerRequestDollars = 5
	cfg.Defaults.BudgetAction = "warn"
	cfg.Defaults.AlertThresholds = []float64{0.5, 0.8, 0.95}
	cfg.Defaults.EscalationEnabled = false
	cfg.Defaults.EscalationPendingCount = 5
	cfg.Defaults.EscalationWaitMinutes = 15

	return cfg
}
