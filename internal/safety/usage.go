package safety

import (
	"context"
	"fmt"

	"github.com/kubilitics/agent-guardrails/internal/metrics"
	"github.com/kubilitics/agent-guardrails/internal/safety/budget"
)

// UsageRequest reports tokens and dollars spent by an agent.
type UsageRequest struct {
	WorkspaceID string  `json:"workspace_id"`
	AgentID     string  `json:"agent_id"`
	SessionID   string  `json:"session_id"`
	Tokens      int64   `json:"tokens"`
	Dollars     float64 `json:"dollars"`
}

// RecordUsage adds usage to the current budget period of the scope selected
// by the workspace budget config. Threshold crossings are logged, audited,
// counted, and passed to the threshold handler before RecordUsage returns.
func (s *Service) RecordUsage(ctx context.Context, in UsageRequest) (budget.UsageResult, error) {
	cfg, err := s.GetConfig(ctx, in.WorkspaceID)
	if err != nil {
		return budget.UsageResult{}, err
	}
	scopeID := cfg.Budget.Scope.Resolve(in.WorkspaceID, in.AgentID, in.SessionID)
	res, err := s.tracker.RecordUsage(ctx, in.WorkspaceID, cfg.Budget, scopeID, in.Tokens, in.Dollars)
	if err != nil {
		return budget.UsageResult{}, fmt.Errorf("record usage: %w", err)
	}
	metrics.BudgetDollarsRecorded.WithLabelValues(string(cfg.Budget.Scope)).Add(in.Dollars)
	metrics.BudgetTokensRecorded.WithLabelValues(string(cfg.Budget.Scope)).Add(float64(in.Tokens))
	return res, nil
}

// CheckBudget reports the current budget status of the scope an agent is
// charged against.
func (s *Service) CheckBudget(ctx context.Context, workspaceID, agentID, sessionID string) (budget.Status, error) {
	cfg, err := s.GetConfig(ctx, workspaceID)
	if err != nil {
		return budget.Status{}, err
	}
	scopeID := cfg.Budget.Scope.Resolve(workspaceID, agentID, sessionID)
	return s.tracker.CheckBudget(ctx, workspaceID, cfg.Budget, scopeID)
}
