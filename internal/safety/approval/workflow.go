package approval

// Package approval manages the lifecycle of human-approval requests.
//
// State machine:
//
//	(none)  --create--> pending
//	pending --approve-> approved   (terminal)
//	pending --deny----> denied     (terminal)
//	pending --cancel--> cancelled  (terminal)
//	pending --expire--> expired    (terminal)
//
// Every transition is a conditional update in the store, so concurrent
// decisions on one request cannot both succeed. Expiry is applied lazily
// when a decision arrives after the deadline, and eagerly by the sweeper.

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/agent-guardrails/internal/db"
	"github.com/kubilitics/agent-guardrails/internal/models"
)

const (
	DefaultTimeout       = 30 * time.Minute
	DefaultSweepInterval = 60 * time.Second
	DefaultPollInterval  = time.Second
	DefaultWaitTimeout   = 30 * time.Minute
)

// systemActor is recorded as the decider of expirations.
const systemActor = "system"

// CreateRequest holds the inputs for a new approval request.
type CreateRequest struct {
	AgentID        string                 `json:"agent_id"`
	SessionID      string                 `json:"session_id"`
	WorkspaceID    string                 `json:"workspace_id"`
	Operation      models.SafetyOperation `json:"operation"`
	Rule           *models.SafetyRule     `json:"rule,omitempty"`
	Context        map[string]string      `json:"context,omitempty"`
	Priority       models.Priority        `json:"priority,omitempty"`
	TimeoutMinutes int                    `json:"timeout_minutes,omitempty"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
}

// Workflow is the approval-request service.
type Workflow struct {
	store          db.ApprovalStore
	logger         *zap.Logger
	now            func() time.Time
	defaultTimeout time.Duration
	sweepInterval  time.Duration
	onExpired      func(*models.ApprovalRequest)

	lifecycle sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(w *Workflow) { w.now = clock }
}

// WithDefaultTimeout sets the timeout used when a request does not set one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.defaultTimeout = d
		}
	}
}

// WithSweepInterval sets how often the expiry sweeper runs.
func WithSweepInterval(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.sweepInterval = d
		}
	}
}

// WithExpiryHandler registers a callback run for every request this
// workflow transitions to expired.
func WithExpiryHandler(fn func(*models.ApprovalRequest)) Option {
	return func(w *Workflow) { w.onExpired = fn }
}

// NewWorkflow creates a workflow. The sweeper is not started.
func NewWorkflow(store db.ApprovalStore, logger *zap.Logger, opts ...Option) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Workflow{
		store:          store,
		logger:         logger,
		now:            time.Now,
		defaultTimeout: DefaultTimeout,
		sweepInterval:  DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Create opens a pending request.
func (w *Workflow) Create(ctx context.Context, in CreateRequest) (*models.ApprovalRequest, error) {
	if in.WorkspaceID == "" {
		return nil, fmt.Errorf("create approval: workspace id is required")
	}
	if !in.Operation.Category.Valid() {
		return nil, fmt.Errorf("create approval: unknown category %q", in.Operation.Category)
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("create approval: unknown priority %q", priority)
	}
	timeout := w.defaultTimeout
	if in.TimeoutMinutes > 0 {
		timeout = time.Duration(in.TimeoutMinutes) * time.Minute
	}

	id, err := models.GenerateID(models.PrefixApproval, models.DefaultIDLength)
	if err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	requestedAt := w.now().UTC()
	req := &models.ApprovalRequest{
		ID:            id,
		AgentID:       in.AgentID,
		SessionID:     in.SessionID,
		WorkspaceID:   in.WorkspaceID,
		Operation:     in.Operation.Clone(),
		Context:       in.Context,
		Status:        models.StatusPending,
		Priority:      priority,
		RequestedAt:   requestedAt,
		ExpiresAt:     requestedAt.Add(timeout),
		CorrelationID: in.CorrelationID,
	}
	if in.Rule != nil {
		r := in.Rule.Clone()
		req.Rule = &r
	}

	if err := w.store.InsertApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	w.logger.Info("approval request created",
		zap.String("approval_id", req.ID),
		zap.String("workspace_id", req.WorkspaceID),
		zap.String("agent_id", req.AgentID),
		zap.String("priority", string(req.Priority)),
		zap.Time("expires_at", req.ExpiresAt),
	)
	return req, nil
}

// Get returns a request by id.
func (w *Workflow) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return w.store.GetApproval(ctx, id)
}

// Decide approves or denies a pending request. It fails with
// models.ErrApprovalNotFound, models.ErrInvalidApprovalStatus or
// models.ErrApprovalExpired; in the last case the request is now expired.
func (w *Workflow) Decide(ctx context.Context, id string, decision models.Decision, by, reason string) (*models.ApprovalRequest, error) {
	to, ok := decision.Status()
	if !ok {
		return nil, fmt.Errorf("unknown decision %q", decision)
	}
	return w.transition(ctx, id, to, by, reason)
}

// Cancel withdraws a pending request.
func (w *Workflow) Cancel(ctx context.Context, id, by, reason string) (*models.ApprovalRequest, error) {
	return w.transition(ctx, id, models.StatusCancelled, by, reason)
}

func (w *Workflow) transition(ctx context.Context, id string, to models.ApprovalStatus, by, reason string) (*models.ApprovalRequest, error) {
	req, err := w.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", models.ErrInvalidApprovalStatus, id, req.Status)
	}

	now := w.now()
	if req.IsExpiredAt(now) {
		if _, err := w.expire(ctx, req); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s expired at %s", models.ErrApprovalExpired, id, req.ExpiresAt.Format(time.RFC3339))
	}

	applied, err := w.store.TransitionApproval(ctx, models.StatusTransition{
		ID:        id,
		From:      models.StatusPending,
		To:        to,
		DecidedBy: by,
		DecidedAt: now,
		Reason:    reason,
	})
	if err != nil {
		return nil, err
	}

	current, err := w.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: %s is %s", models.ErrInvalidApprovalStatus, id, current.Status)
	}

	w.logger.Info("approval request "+string(to),
		zap.String("approval_id", id),
		zap.String("workspace_id", current.WorkspaceID),
		zap.String("decided_by", by),
	)
	return current, nil
}

// expire moves a pending request to expired. It reports whether this call
// performed the transition.
func (w *Workflow) expire(ctx context.Context, req *models.ApprovalRequest) (bool, error) {
	applied, err := w.store.TransitionApproval(ctx, models.StatusTransition{
		ID:        req.ID,
		From:      models.StatusPending,
		To:        models.StatusExpired,
		DecidedBy: systemActor,
		Reason:    "approval request timed out",
	})
	if err != nil {
		return false, fmt.Errorf("expire approval %s: %w", req.ID, err)
	}
	if !applied {
		return false, nil
	}

	w.logger.Warn("approval request expired",
		zap.String("approval_id", req.ID),
		zap.String("workspace_id", req.WorkspaceID),
		zap.Time("expires_at", req.ExpiresAt),
	)
	if w.onExpired != nil {
		expired := *req
		expired.Status = models.StatusExpired
		expired.DecidedBy = systemActor
		w.onExpired(&expired)
	}
	return true, nil
}

// SweepExpired expires every pending request past its deadline and returns
// how many this call transitioned.
func (w *Workflow) SweepExpired(ctx context.Context) (int, error) {
	pending, err := w.store.ListApprovals(ctx, models.ApprovalFilter{Status: models.StatusPending})
	if err != nil {
		return 0, fmt.Errorf("sweep expired approvals: %w", err)
	}
	now := w.now()
	count := 0
	for _, req := range pending {
		if !req.IsExpiredAt(now) {
			continue
		}
		applied, err := w.expire(ctx, req)
		if err != nil {
			return count, err
		}
		if applied {
			count++
		}
	}
	return count, nil
}

// List returns requests matching f, ordered by priority (urgent first) and
// then newest first. Pending requests past their deadline are omitted unless
// f.IncludeExpired is set.
func (w *Workflow) List(ctx context.Context, f models.ApprovalFilter) ([]*models.ApprovalRequest, error) {
	all, err := w.store.ListApprovals(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	now := w.now()
	out := make([]*models.ApprovalRequest, 0, len(all))
	for _, req := range all {
		if !f.IncludeExpired && req.IsExpiredAt(now) {
			continue
		}
		out = append(out, req)
	}
	sortRequests(out)
	return out, nil
}

func sortRequests(reqs []*models.ApprovalRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		a, b := reqs[i], reqs[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if !a.RequestedAt.Equal(b.RequestedAt) {
			return a.RequestedAt.After(b.RequestedAt)
		}
		return a.ID < b.ID
	})
}

// GetPending lists live pending requests for a workspace.
func (w *Workflow) GetPending(ctx context.Context, workspaceID string) ([]*models.ApprovalRequest, error) {
	return w.List(ctx, models.ApprovalFilter{WorkspaceID: workspaceID, Status: models.StatusPending})
}

// QueueDepth counts live pending requests for a workspace.
func (w *Workflow) QueueDepth(ctx context.Context, workspaceID string) (int, error) {
	pending, err := w.GetPending(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// WaitForApproval polls until the request reaches a terminal status, the
// timeout elapses, or ctx is done. On timeout it returns the current state
// and a nil error; callers inspect Status. Non-positive interval and timeout
// select the defaults.
func (w *Workflow) WaitForApproval(ctx context.Context, id string, interval, timeout time.Duration) (*models.ApprovalRequest, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		req, err := w.store.GetApproval(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status.Terminal() {
			return req, nil
		}
		if req.IsExpiredAt(w.now()) {
			if _, err := w.expire(ctx, req); err != nil {
				return nil, err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return req, ctx.Err()
		case <-deadline.C:
			return req, nil
		case <-ticker.C:
		}
	}
}

// Reset deletes every request and returns the count removed.
func (w *Workflow) Reset(ctx context.Context) (int64, error) {
	n, err := w.store.DeleteAllApprovals(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset approvals: %w", err)
	}
	w.logger.Info("approval requests reset", zap.Int64("count", n))
	return n, nil
}

// Start launches the periodic expiry sweeper. Calling Start on a running
// workflow is a no-op.
func (w *Workflow) Start() {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.stopCh != nil {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.sweepLoop(w.stopCh, w.doneCh)
}

// Stop halts the sweeper and waits for it to exit.
func (w *Workflow) Stop() {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.stopCh = nil
	w.doneCh = nil
}

func (w *Workflow) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := w.SweepExpired(ctx)
			if err != nil {
				w.logger.Error("approval expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				w.logger.Info("approval expiry sweep", zap.Int("expired", n))
			}
		}
	}
}
