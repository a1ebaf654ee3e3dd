package safety

// Package safety provides the guardrail service for autonomous coding agents.
//
// The Service sits between an agent and the operations it wants to run
// (file writes, git commands, shell execution, network calls, generated
// content) and decides, before anything executes, whether the operation is
// allowed, denied, allowed with warnings, or held for human approval.
//
// Pre-flight pipeline, strictly ordered:
//   1. Load the workspace SafetyConfig (created lazily with the built-in
//      rule set). A disabled config allows everything.
//   2. Rate limit: fixed 60s window per (scope, limit type). Limited
//      operations are denied without evaluating rules.
//   3. Budget: terminate denies, pause holds for approval, warn annotates.
//   4. Rule evaluation over the enabled rules of the operation's category.
//   5. Every matched non-allow rule is persisted as a SafetyViolation.
//   6. The verdict is assembled; the more restrictive of the budget pause
//      and the rule verdict wins.
//
// Any storage failure during a pre-flight check is fail-closed: the result
// is a deny and the error is returned alongside it.

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/agent-guardrails/internal/audit"
	"github.com/kubilitics/agent-guardrails/internal/db"
	"github.com/kubilitics/agent-guardrails/internal/metrics"
	"github.com/kubilitics/agent-guardrails/internal/models"
	"github.com/kubilitics/agent-guardrails/internal/safety/approval"
	"github.com/kubilitics/agent-guardrails/internal/safety/budget"
	"github.com/kubilitics/agent-guardrails/internal/safety/ratelimit"
	"github.com/kubilitics/agent-guardrails/internal/safety/rules"
)

// Service is the guardrail orchestrator. Create one per process with New and
// release it with Close.
type Service struct {
	store    db.Store
	audit    audit.Logger
	logger   *zap.Logger
	now      func() time.Time
	defaults WorkspaceDefaults

	engine   *rules.Engine
	limiter  *ratelimit.Limiter
	tracker  *budget.Tracker
	workflow *approval.Workflow

	rateLimitSweep time.Duration
	approvalSweep  time.Duration
	approvalTTL    time.Duration
	onThreshold    func(budget.ThresholdCrossing)

	// per-workspace config mutation locks
	configLocks sync.Map // string -> *sync.Mutex

	closeOnce sync.Once
}

// Option configures a Service.
type Option func(*Service)

// WithAuditLogger sets the audit sink. The default discards events.
func WithAuditLogger(l audit.Logger) Option {
	return func(s *Service) { s.audit = l }
}

// WithClock overrides the time source of the service and its components.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.now = clock }
}

// WithWorkspaceDefaults sets the defaults used for lazily created configs.
func WithWorkspaceDefaults(d WorkspaceDefaults) Option {
	return func(s *Service) { s.defaults = d }
}

// WithRateLimitSweepInterval sets how often expired rate-limit windows are evicted.
func WithRateLimitSweepInterval(d time.Duration) Option {
	return func(s *Service) { s.rateLimitSweep = d }
}

// WithApprovalSweepInterval sets how often pending approvals are checked for expiry.
func WithApprovalSweepInterval(d time.Duration) Option {
	return func(s *Service) { s.approvalSweep = d }
}

// WithApprovalTimeout sets the fallback approval timeout.
func WithApprovalTimeout(d time.Duration) Option {
	return func(s *Service) { s.approvalTTL = d }
}

// WithThresholdHandler registers a callback for budget threshold crossings.
// It runs after the crossing has been logged, audited, and counted.
func WithThresholdHandler(fn func(budget.ThresholdCrossing)) Option {
	return func(s *Service) { s.onThreshold = fn }
}

// New creates a guardrail service. Background sweepers are not started;
// call Start.
func New(store db.Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:          store,
		logger:         logger,
		now:            time.Now,
		defaults:       DefaultWorkspaceDefaults(),
		rateLimitSweep: ratelimit.DefaultSweepInterval,
		approvalSweep:  approval.DefaultSweepInterval,
		approvalTTL:    approval.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.audit == nil {
		s.audit = audit.NewNopLogger(logger)
	}

	s.engine = rules.NewEngine(logger.Named("rules"))
	s.limiter = ratelimit.NewLimiter(logger.Named("ratelimit"),
		ratelimit.WithClock(s.now),
		ratelimit.WithSweepInterval(s.rateLimitSweep),
	)
	s.tracker = budget.NewTracker(store, logger.Named("budget"),
		budget.WithClock(s.now),
		budget.WithThresholdHandler(s.thresholdCrossed),
	)
	s.workflow = approval.NewWorkflow(store, logger.Named("approval"),
		approval.WithClock(s.now),
		approval.WithDefaultTimeout(s.approvalTTL),
		approval.WithSweepInterval(s.approvalSweep),
		approval.WithExpiryHandler(s.approvalExpired),
	)
	return s
}

// Start launches the rate-limit eviction and approval expiry sweepers.
func (s *Service) Start() {
	s.limiter.Start()
	s.workflow.Start()
	s.logger.Info("guardrail sweepers started",
		zap.Duration("rate_limit_sweep", s.rateLimitSweep),
		zap.Duration("approval_sweep", s.approvalSweep),
	)
}

// Close stops both sweepers. The store and audit logger belong to the
// caller and stay open.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.limiter.Stop()
		s.workflow.Stop()
		s.logger.Info("guardrail service closed")
	})
	return nil
}

// Limiter exposes the rate limiter.
func (s *Service) Limiter() *ratelimit.Limiter { return s.limiter }

// Workflow exposes the approval workflow.
func (s *Service) Workflow() *approval.Workflow { return s.workflow }

// Engine exposes the rule engine.
func (s *Service) Engine() *rules.Engine { return s.engine }

// ─── Callbacks ────────────────────────────────────────────────────────────────

func (s *Service) thresholdCrossed(c budget.ThresholdCrossing) {
	metrics.BudgetThresholdCrossings.WithLabelValues(formatThreshold(c.Threshold)).Inc()
	s.auditErr("budget threshold", s.audit.LogBudgetThreshold(context.Background(), c.WorkspaceID, c.ScopeID, c.Threshold, c.Percentage))
	if s.onThreshold != nil {
		s.onThreshold(c)
	}
}

func (s *Service) approvalExpired(req *models.ApprovalRequest) {
	metrics.ApprovalsTotal.WithLabelValues(string(models.StatusExpired)).Inc()
	s.auditErr("approval expired", s.audit.LogApprovalTransition(context.Background(), req))
}

// auditErr logs a failed audit write. Audit failures never change a decision.
func (s *Service) auditErr(what string, err error) {
	if err != nil {
		s.logger.Warn("audit write failed", zap.String("event", what), zap.Error(err))
	}
}

func formatThreshold(t float64) string {
	return strconv.FormatFloat(t, 'g', -1, 64)
}

func (s *Service) configLock(workspaceID string) *sync.Mutex {
	mu, _ := s.configLocks.LoadOrStore(workspaceID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
