package approval

import (
	"context"
	"fmt"

	"github.com/kubilitics/agent-guardrails/internal/models"
)

// Stats summarizes approval requests.
type Stats struct {
	Total                int                           `json:"total"`
	ByStatus             map[models.ApprovalStatus]int `json:"by_status"`
	ByPriority           map[models.Priority]int       `json:"by_priority"`
	ByCategory           map[models.Category]int       `json:"by_category"`
	Decided              int                           `json:"decided"`
	AvgDecisionLatencyMs float64                       `json:"avg_decision_latency_ms"`
}

// Stats counts requests for a workspace, or all workspaces when
// workspaceID is empty. Average latency covers requests with a decision
// time only.
func (w *Workflow) Stats(ctx context.Context, workspaceID string) (Stats, error) {
	all, err := w.store.ListApprovals(ctx, models.ApprovalFilter{WorkspaceID: workspaceID})
	if err != nil {
		return Stats{}, fmt.Errorf("approval stats: %w", err)
	}

	st := Stats{
		Total:      len(all),
		ByStatus:   make(map[models.ApprovalStatus]int, len(models.AllStatuses)),
		ByPriority: make(map[models.Priority]int, len(models.AllPriorities)),
		ByCategory: make(map[models.Category]int),
	}
	for _, s := range models.AllStatuses {
		st.ByStatus[s] = 0
	}
	for _, p := range models.AllPriorities {
		st.ByPriority[p] = 0
	}

	var latencyMs float64
	for _, req := range all {
		st.ByStatus[req.Status]++
		st.ByPriority[req.Priority]++
		st.ByCategory[req.Operation.Category]++
		if req.DecidedAt != nil {
			st.Decided++
			latencyMs += float64(req.DecidedAt.Sub(req.RequestedAt).Milliseconds())
		}
	}
	if st.Decided > 0 {
		st.AvgDecisionLatencyMs = latencyMs / float64(st.Decided)
	}
	return st, nil
}
