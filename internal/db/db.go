package db

import (
	"context"
	"time"

	"github.com/kubilitics/agent-guardrails/internal/models"
)

// Store is the persistence interface for the guardrail layer.
type Store interface {
	ConfigStore
	ViolationStore
	ApprovalStore
	BudgetUsageStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Safety configs ───────────────────────────────────────────────────────────

// ConfigStore persists one SafetyConfig per workspace.
type ConfigStore interface {
	// GetConfig returns the workspace config, or nil, nil when none exists.
	GetConfig(ctx context.Context, workspaceID string) (*models.SafetyConfig, error)

	// CreateConfigIfAbsent inserts cfg unless the workspace already has a
	// config, and returns whichever config is stored afterwards.
	CreateConfigIfAbsent(ctx context.Context, cfg *models.SafetyConfig) (*models.SafetyConfig, error)

	// SaveConfig overwrites the workspace config.
	SaveConfig(ctx context.Context, cfg *models.SafetyConfig) error
}

// ─── Violations ───────────────────────────────────────────────────────────────

// ViolationStore is the append-only violation log.
type ViolationStore interface {
	// AppendViolations writes all records in one transaction.
	AppendViolations(ctx context.Context, recs []*models.SafetyViolation) error

	// QueryViolations returns matching records, newest first.
	QueryViolations(ctx context.Context, f models.ViolationFilter) ([]*models.SafetyViolation, error)
}

// ─── Approvals ────────────────────────────────────────────────────────────────

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	InsertApproval(ctx context.Context, req *models.ApprovalRequest) error

	// GetApproval returns models.ErrApprovalNotFound for unknown ids.
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)

	// ListApprovals returns requests matching f in no particular order.
	// f.IncludeExpired is not interpreted by the store.
	ListApprovals(ctx context.Context, f models.ApprovalFilter) ([]*models.ApprovalRequest, error)

	// TransitionApproval applies t only if the stored status equals t.From.
	// It reports whether the row was updated.
	TransitionApproval(ctx context.Context, t models.StatusTransition) (bool, error)

	// DeleteAllApprovals removes every request and returns the count.
	DeleteAllApprovals(ctx context.Context) (int64, error)
}

// ─── Budget usage ─────────────────────────────────────────────────────────────

// BudgetUsageStore accumulates usage per (scope, period).
type BudgetUsageStore interface {
	// AccumulateUsage atomically adds tokens and dollars to the record for
	// key and returns the record before and after the update.
	AccumulateUsage(ctx context.Context, key models.BudgetKey, tokens int64, dollars float64, at time.Time) (prev, next models.BudgetUsageRecord, err error)

	// GetUsage returns the record for key, or a zero-usage record.
	GetUsage(ctx context.Context, key models.BudgetKey) (models.BudgetUsageRecord, error)
}
