package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/agent-guardrails/internal/audit"
	"github.com/kubilitics/agent-guardrails/internal/config"
	"github.com/kubilitics/agent-guardrails/internal/db"
	"github.com/kubilitics/agent-guardrails/internal/models"
	"github.com/kubilitics/agent-guardrails/internal/safety"
)

// app bundles the collaborators every subcommand needs.
type app struct {
	cfg    *config.Config
	mgr    config.ConfigManager
	audit  audit.Logger
	logger *zap.Logger
	store  db.Store
	svc    *safety.Service
}

// loadConfig loads and validates process configuration.
func loadConfig(ctx context.Context, path string) (config.ConfigManager, error) {
	mgr, err := config.NewConfigManager(path)
	if err != nil {
		return nil, fmt.Errorf("create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, err
	}
	return mgr, nil
}

// newApp opens the audit sink and store and builds the guardrail service.
// The sweepers are not started.
func newApp(ctx context.Context, configPath string) (*app, error) {
	mgr, err := loadConfig(ctx, configPath)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get(ctx)

	auditLog, err := audit.NewLogger(auditConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create audit logger: %w", err)
	}
	logger := auditLog.AppLogger()

	if cfg.Database.SQLitePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.SQLitePath), 0o755); err != nil {
			_ = auditLog.Close()
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		_ = auditLog.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	svc := safety.New(store, logger,
		safety.WithAuditLogger(auditLog),
		safety.WithWorkspaceDefaults(workspaceDefaults(cfg)),
		safety.WithRateLimitSweepInterval(time.Duration(cfg.RateLimiter.SweepIntervalSeconds)*time.Second),
		safety.WithApprovalSweepInterval(time.Duration(cfg.Approvals.ExpirySweepIntervalSeconds)*time.Second),
		safety.WithApprovalTimeout(time.Duration(cfg.Approvals.DefaultTimeoutMinutes)*time.Minute),
	)

	return &app{
		cfg:    cfg,
		mgr:    mgr,
		audit:  auditLog,
		logger: logger,
		store:  store,
		svc:    svc,
	}, nil
}

// Close stops the service, then releases the store and flushes the audit log.
func (a *app) Close() error {
	return errors.Join(
		a.svc.Close(),
		a.store.Close(),
		a.audit.Close(),
	)
}

func auditConfig(cfg *config.Config) *audit.Config {
	return &audit.Config{
		AuditLogPath:  cfg.Logging.AuditLogPath,
		AppLogPath:    cfg.Logging.AppLogPath,
		MaxSize:       cfg.Logging.MaxSizeMB,
		MaxBackups:    cfg.Logging.MaxBackups,
		MaxAge:        cfg.Logging.MaxAgeDays,
		Compress:      cfg.Logging.Compress,
		LogLevel:      cfg.Logging.Level,
		Format:        cfg.Logging.Format,
		FlushInterval: time.Duration(cfg.Logging.FlushIntervalSeconds) * time.Second,
	}
}

// workspaceDefaults maps the defaults section onto the seed used for new
// workspace configs.
func workspaceDefaults(cfg *config.Config) safety.WorkspaceDefaults {
	d := cfg.Defaults
	return safety.WorkspaceDefaults{
		Enabled:        d.Enabled,
		RateLimitScope: models.Scope(d.RateLimitScope),
		RateLimits: models.RateLimits{
			TokensPerMinute:          d.TokensPerMinute,
			RequestsPerMinute:        d.RequestsPerMinute,
			FileWritesPerMinute:      d.FileWritesPerMinute,
			NetworkRequestsPerMinute: d.NetworkRequestsPerMinute,
			CommandsPerMinute:        d.CommandsPerMinute,
		},
		BurstAllowance:  d.BurstAllowance,
		CooldownSeconds: d.CooldownSeconds,
		Budget: models.BudgetConfig{
			Scope: models.Scope(d.BudgetScope),
			Limits: models.BudgetLimits{
				TotalTokens:       d.BudgetTotalTokens,
				TotalDollars:      d.BudgetTotalDollars,
				PerRequestDollars: d.BudgetPerRequestDollars,
			},
			AlertThresholds: append([]float64(nil), d.AlertThresholds...),
			Action:          models.BudgetAction(d.BudgetAction),
		},
		ApprovalTimeoutMinutes: cfg.Approvals.DefaultTimeoutMinutes,
		Escalation: models.EscalationConfig{
			Enabled: d.EscalationEnabled,
			Thresholds: models.EscalationThresholds{
				PendingCount:    d.EscalationPendingCount,
				WaitTimeMinutes: d.EscalationWaitMinutes,
			},
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
