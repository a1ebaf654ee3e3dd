package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/kubilitics/agent-guardrails/internal/models"
)

// EscalationDecision says whether a workspace's approval backlog warrants
// notifying someone. Delivery to NotifyEmails or WebhookURL is the caller's
// job.
type EscalationDecision struct {
	ShouldEscalate bool                      `json:"should_escalate"`
	Reason         string                    `json:"reason,omitempty"`
	Requests       []*models.ApprovalRequest `json:"requests"`
	NotifyEmails   []string                  `json:"notify_emails,omitempty"`
	WebhookURL     string                    `json:"webhook_url,omitempty"`
}

// CheckEscalation evaluates the pending-count threshold first and the
// wait-time threshold second. A non-positive threshold disables its check.
func (w *Workflow) CheckEscalation(ctx context.Context, workspaceID string, cfg models.EscalationConfig) (EscalationDecision, error) {
	decision := EscalationDecision{Requests: make([]*models.ApprovalRequest, 0)}
	if !cfg.Enabled {
		return decision, nil
	}

	pending, err := w.GetPending(ctx, workspaceID)
	if err != nil {
		return EscalationDecision{}, fmt.Errorf("check escalation: %w", err)
	}
	decision.NotifyEmails = cfg.NotifyEmails
	decision.WebhookURL = cfg.WebhookURL

	if th := cfg.Thresholds.PendingCount; th > 0 && len(pending) >= th {
		decision.ShouldEscalate = true
		decision.Reason = fmt.Sprintf("%d pending approval requests reached the threshold of %d", len(pending), th)
		decision.Requests = pending
		return decision, nil
	}

	if mins := cfg.Thresholds.WaitTimeMinutes; mins > 0 {
		maxWait := time.Duration(mins) * time.Minute
		now := w.now()
		for _, req := range pending {
			if now.Sub(req.RequestedAt) >= maxWait {
				decision.Requests = append(decision.Requests, req)
			}
		}
		if len(decision.Requests) > 0 {
			decision.ShouldEscalate = true
			decision.Reason = fmt.Sprintf("%d approval requests have waited at least %d minutes", len(decision.Requests), mins)
		}
	}
	return decision, nil
}
