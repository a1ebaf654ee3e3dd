package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/kubilitics/agent-guardrails/internal/metrics"
	"github.com/kubilitics/agent-guardrails/internal/models"
	"github.com/kubilitics/agent-guardrails/internal/safety/approval"
)

// ─── Approval lifecycle ───────────────────────────────────────────────────────

// CreateApprovalRequest opens a pending request. When the request does not
// set a timeout, the workspace's default approval timeout applies.
func (s *Service) CreateApprovalRequest(ctx context.Context, in approval.CreateRequest) (*models.ApprovalRequest, error) {
	if in.TimeoutMinutes <= 0 && in.WorkspaceID != "" {
		cfg, err := s.GetConfig(ctx, in.WorkspaceID)
		if err != nil {
			return nil, err
		}
		in.TimeoutMinutes = cfg.ApprovalWorkflow.DefaultTimeoutMinutes
	}
	req, err := s.workflow.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	metrics.ApprovalsTotal.WithLabelValues(string(models.StatusPending)).Inc()
	s.auditErr("approval created", s.audit.LogApprovalCreated(ctx, req))
	return req, nil
}

// DecideApproval approves or denies a pending request.
func (s *Service) DecideApproval(ctx context.Context, id string, decision models.Decision, by, reason string) (*models.ApprovalRequest, error) {
	req, err := s.workflow.Decide(ctx, id, decision, by, reason)
	if err != nil {
		return nil, err
	}
	s.recordTransition(ctx, req)
	return req, nil
}

// CancelApproval withdraws a pending request.
func (s *Service) CancelApproval(ctx context.Context, id, by, reason string) (*models.ApprovalRequest, error) {
	req, err := s.workflow.Cancel(ctx, id, by, reason)
	if err != nil {
		return nil, err
	}
	s.recordTransition(ctx, req)
	return req, nil
}

func (s *Service) recordTransition(ctx context.Context, req *models.ApprovalRequest) {
	metrics.ApprovalsTotal.WithLabelValues(string(req.Status)).Inc()
	if req.DecidedAt != nil {
		metrics.ApprovalDecisionLatency.Observe(req.DecidedAt.Sub(req.RequestedAt).Seconds())
	}
	s.auditErr("approval transition", s.audit.LogApprovalTransition(ctx, req))
}

// GetApproval returns a request by id.
func (s *Service) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return s.workflow.Get(ctx, id)
}

// ListApprovals lists requests, urgent first and newest first within a priority.
func (s *Service) ListApprovals(ctx context.Context, f models.ApprovalFilter) ([]*models.ApprovalRequest, error) {
	return s.workflow.List(ctx, f)
}

// GetPendingApprovals lists live pending requests of a workspace.
func (s *Service) GetPendingApprovals(ctx context.Context, workspaceID string) ([]*models.ApprovalRequest, error) {
	return s.workflow.GetPending(ctx, workspaceID)
}

// GetQueueDepth counts live pending requests of a workspace.
func (s *Service) GetQueueDepth(ctx context.Context, workspaceID string) (int, error) {
	return s.workflow.QueueDepth(ctx, workspaceID)
}

// GetApprovalStats summarizes requests of a workspace, or of all workspaces
// when workspaceID is empty.
func (s *Service) GetApprovalStats(ctx context.Context, workspaceID string) (approval.Stats, error) {
	return s.workflow.Stats(ctx, workspaceID)
}

// ProcessExpiredApprovals runs one expiry sweep.
func (s *Service) ProcessExpiredApprovals(ctx context.Context) (int, error) {
	return s.workflow.SweepExpired(ctx)
}

// CheckEscalation decides whether the workspace's approval backlog needs a
// human. A nil cfg uses the workspace config's escalation settings.
func (s *Service) CheckEscalation(ctx context.Context, workspaceID string, cfg *models.EscalationConfig) (approval.EscalationDecision, error) {
	if cfg == nil {
		wc, err := s.GetConfig(ctx, workspaceID)
		if err != nil {
			return approval.EscalationDecision{}, err
		}
		cfg = &wc.ApprovalWorkflow.Escalation
	}
	decision, err := s.workflow.CheckEscalation(ctx, workspaceID, *cfg)
	if err != nil {
		return decision, fmt.Errorf("check escalation: %w", err)
	}
	if decision.ShouldEscalate {
		ids := make([]string, len(decision.Requests))
		for i, r := range decision.Requests {
			ids[i] = r.ID
		}
		metrics.Escalations.Inc()
		s.auditErr("escalation", s.audit.LogEscalation(ctx, workspaceID, decision.Reason, ids))
	}
	return decision, nil
}

// WaitForApproval polls a request until it is decided or timeout elapses.
func (s *Service) WaitForApproval(ctx context.Context, id string, interval, timeout time.Duration) (*models.ApprovalRequest, error) {
	return s.workflow.WaitForApproval(ctx, id, interval, timeout)
}

// ResetApprovals deletes every approval request.
func (s *Service) ResetApprovals(ctx context.Context) (int64, error) {
	return s.workflow.Reset(ctx)
}
