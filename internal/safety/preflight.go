package safety

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/agent-guardrails/internal/metrics"
	"github.com/kubilitics/agent-guardrails/internal/models"
	"github.com/kubilitics/agent-guardrails/internal/safety/budget"
	"github.com/kubilitics/agent-guardrails/internal/safety/ratelimit"
)

// PreFlightRequest is one candidate agent operation.
type PreFlightRequest struct {
	WorkspaceID      string                 `json:"workspace_id"`
	AgentID          string                 `json:"agent_id"`
	SessionID        string                 `json:"session_id"`
	Operation        models.SafetyOperation `json:"operation"`
	EstimatedDollars float64                `json:"estimated_dollars,omitempty"`
	Context          map[string]string      `json:"context,omitempty"`
}

// PreFlightResult is the verdict for one operation.
type PreFlightResult struct {
	Allowed          bool                      `json:"allowed"`
	Action           models.RuleAction         `json:"action"`
	Reason           string                    `json:"reason,omitempty"`
	RequiresApproval bool                      `json:"requires_approval"`
	Warnings         []string                  `json:"warnings"`
	MatchedRules     []models.SafetyRule       `json:"matched_rules"`
	Alternatives     []string                  `json:"alternatives,omitempty"`
	Violations       []*models.SafetyViolation `json:"violations,omitempty"`
	RateLimited      bool                      `json:"rate_limited"`
	RateLimit        *ratelimit.Result         `json:"rate_limit,omitempty"`
	Budget           *budget.Status            `json:"budget,omitempty"`
	EvaluationTime   time.Duration             `json:"evaluation_time_ns"`
}

func newResult() *PreFlightResult {
	return &PreFlightResult{
		Allowed:      true,
		Action:       models.ActionAllow,
		Warnings:     []string{},
		MatchedRules: []models.SafetyRule{},
	}
}

func (r *PreFlightResult) deny(reason string) *PreFlightResult {
	r.Allowed = false
	r.Action = models.ActionDeny
	r.RequiresApproval = false
	r.Reason = reason
	return r
}

// PreFlightCheck decides whether an operation may run. On any internal error
// the returned result is a deny and the error is returned with it.
func (s *Service) PreFlightCheck(ctx context.Context, req PreFlightRequest) (*PreFlightResult, error) {
	start := s.now()
	op := req.Operation
	result := newResult()

	defer func() {
		result.EvaluationTime = s.now().Sub(start)
		metrics.PreFlightChecksTotal.WithLabelValues(string(op.Category), string(result.Action)).Inc()
		metrics.PreFlightDuration.WithLabelValues(string(op.Category)).Observe(result.EvaluationTime.Seconds())
	}()

	if req.WorkspaceID == "" {
		return result.deny("workspace id is required"), fmt.Errorf("preflight: workspace id is required")
	}
	if !op.Category.Valid() {
		return result.deny(fmt.Sprintf("unknown operation category %q", op.Category)),
			fmt.Errorf("preflight: unknown category %q", op.Category)
	}
	if op.Fields == nil {
		op.Fields = map[string]models.FieldValue{}
	}

	// 1. config
	cfg, err := s.GetConfig(ctx, req.WorkspaceID)
	if err != nil {
		return s.failClosed(result, "config", req, err)
	}
	if !cfg.Enabled {
		result.Reason = "guardrails are disabled for this workspace"
		return result, nil
	}

	// 2. rate limit
	lt := ratelimit.LimitTypeFor(op.Category)
	scopeKey := rateLimitKey(cfg, req)
	rl := s.limiter.Check(scopeKey, lt, ratelimit.BaseLimit(cfg.RateLimits.Limits, lt), cfg.RateLimits.BurstAllowance)
	result.RateLimit = &rl
	if rl.Limited {
		result.RateLimited = true
		result.deny(fmt.Sprintf("rate limit exceeded: %d %s per minute, resets at %s",
			rl.Limit, lt, rl.ResetAt.UTC().Format(time.RFC3339)))
		metrics.RateLimited.WithLabelValues(string(lt)).Inc()
		s.logger.Info("operation rate limited",
			zap.String("workspace_id", req.WorkspaceID),
			zap.String("scope_key", scopeKey),
			zap.String("limit_type", string(lt)),
			zap.Int("limit", rl.Limit),
		)
		s.auditErr("preflight blocked", s.audit.LogPreFlightBlocked(ctx, req.WorkspaceID, req.AgentID, req.SessionID, result.Reason))
		return result, nil
	}

	// 3. budget
	var budgetWarnings []string
	pauseReason := ""
	if cfg.Budget.Limits.TotalDollars > 0 {
		scopeID := cfg.Budget.Scope.Resolve(req.WorkspaceID, req.AgentID, req.SessionID)
		status, err := s.tracker.CheckBudget(ctx, req.WorkspaceID, cfg.Budget, scopeID)
		if err != nil {
			return s.failClosed(result, "budget", req, err)
		}
		result.Budget = &status
		if status.Exceeded {
			metrics.BudgetExceeded.WithLabelValues(string(status.Action)).Inc()
			summary := fmt.Sprintf("budget at %.1f%% ($%.2f of $%.2f)", status.Percentage, status.Used, status.Limit)
			switch status.Action {
			case models.BudgetActionTerminate:
				result.deny("budget exceeded: " + summary)
				s.auditErr("preflight blocked", s.audit.LogPreFlightBlocked(ctx, req.WorkspaceID, req.AgentID, req.SessionID, result.Reason))
				return result, nil
			case models.BudgetActionPause:
				pauseReason = "budget paused: " + summary
			default:
				budgetWarnings = append(budgetWarnings, summary)
			}
		}
	}
	if limit := cfg.Budget.Limits.PerRequestDollars; limit > 0 && req.EstimatedDollars > limit {
		budgetWarnings = append(budgetWarnings,
			fmt.Sprintf("estimated cost $%.2f exceeds the per-request limit of $%.2f", req.EstimatedDollars, limit))
	}

	// 4. rules of enabled categories only
	var ruleSet []models.SafetyRule
	if cc, ok := cfg.Categories[op.Category]; ok && cc != nil && cc.Enabled {
		ruleSet = cc.Rules
	}

	// 5. evaluate and persist violations
	rs := s.engine.EvaluateRuleSet(ruleSet, op)
	violations, err := s.buildViolations(req, op, rs.MatchedRules)
	if err != nil {
		return s.failClosed(result, "violations", req, err)
	}
	if len(violations) > 0 {
		if err := s.store.AppendViolations(ctx, violations); err != nil {
			return s.failClosed(result, "violations", req, err)
		}
	}

	// 6. assemble
	result.Allowed = rs.Allowed
	result.Action = rs.Action
	result.Reason = rs.Reason
	result.RequiresApproval = rs.RequiresApproval
	result.MatchedRules = rs.MatchedRules
	result.Violations = violations
	result.Warnings = append(append(result.Warnings, budgetWarnings...), rs.Warnings...)
	for _, r := range rs.MatchedRules {
		if r.Action != models.ActionAllow {
			result.Alternatives = append(result.Alternatives, r.Alternatives...)
		}
	}
	if pauseReason != "" && models.ActionApprove.Restrictiveness() > result.Action.Restrictiveness() {
		result.Allowed = false
		result.Action = models.ActionApprove
		result.RequiresApproval = true
		result.Reason = pauseReason
	}

	for _, r := range rs.MatchedRules {
		metrics.RuleMatches.WithLabelValues(string(r.Category), string(r.Action), string(r.Severity)).Inc()
	}
	for _, v := range violations {
		s.auditErr("violation", s.audit.LogViolation(ctx, v))
	}
	if result.Action == models.ActionDeny {
		s.auditErr("preflight blocked", s.audit.LogPreFlightBlocked(ctx, req.WorkspaceID, req.AgentID, req.SessionID, result.Reason))
	}
	return result, nil
}

// failClosed turns an internal error into a deny.
func (s *Service) failClosed(result *PreFlightResult, stage string, req PreFlightRequest, err error) (*PreFlightResult, error) {
	metrics.PreFlightErrors.WithLabelValues(stage).Inc()
	s.logger.Error("preflight check failed closed",
		zap.String("stage", stage),
		zap.String("workspace_id", req.WorkspaceID),
		zap.String("agent_id", req.AgentID),
		zap.Error(err),
	)
	result.Warnings = []string{}
	result.MatchedRules = []models.SafetyRule{}
	result.Violations = nil
	result.deny("guardrail check failed: " + stage + " unavailable")
	return result, fmt.Errorf("preflight %s: %w", stage, err)
}

func (s *Service) buildViolations(req PreFlightRequest, op models.SafetyOperation, matched []models.SafetyRule) ([]*models.SafetyViolation, error) {
	var out []*models.SafetyViolation
	for _, r := range matched {
		action, ok := models.ViolationActionFor(r.Action)
		if !ok {
			continue
		}
		id, err := models.GenerateID(models.PrefixViolation, models.DefaultIDLength)
		if err != nil {
			return nil, err
		}
		out = append(out, &models.SafetyViolation{
			ID:          id,
			Timestamp:   s.now().UTC(),
			AgentID:     req.AgentID,
			SessionID:   req.SessionID,
			WorkspaceID: req.WorkspaceID,
			Rule:        r.Clone(),
			Operation:   op.Clone(),
			Action:      action,
			Context:     req.Context,
		})
	}
	return out, nil
}

// rateLimitKey namespaces the scope value by workspace and scope kind so
// agents in different workspaces never share a window.
func rateLimitKey(cfg *models.SafetyConfig, req PreFlightRequest) string {
	scope := cfg.RateLimits.Scope
	if !scope.Valid() {
		scope = models.ScopeWorkspace
	}
	return req.WorkspaceID + "/" + string(scope) + "/" + scope.Resolve(req.WorkspaceID, req.AgentID, req.SessionID)
}

// ListViolations queries the violation log, newest first.
func (s *Service) ListViolations(ctx context.Context, f models.ViolationFilter) ([]*models.SafetyViolation, error) {
	return s.store.QueryViolations(ctx, f)
}
