package budget

// Package budget accumulates token and dollar usage per scope and day and
// reports threshold crossings.
//
// Periods are calendar days in UTC. Usage for a (workspace, scope, scope id,
// day) key only ever grows. After each update the dollar percentage of
// limits.totalDollars is compared with the configured alert thresholds; a
// threshold is crossed when the previous percentage was below it and the new
// one is at or above it.
//
// CheckBudget is advisory. The caller decides what to do from the
// configured action (warn, pause, terminate).

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/agent-guardrails/internal/db"
	"github.com/kubilitics/agent-guardrails/internal/models"
)

// pctEpsilon absorbs float error when comparing percentages to thresholds.
const pctEpsilon = 1e-9

// ThresholdCrossing is emitted when usage passes an alert threshold.
type ThresholdCrossing struct {
	WorkspaceID  string       `json:"workspace_id"`
	Scope        models.Scope `json:"scope"`
	ScopeID      string       `json:"scope_id"`
	Threshold    float64      `json:"threshold"`
	Percentage   float64      `json:"percentage"`
	DollarsUsed  float64      `json:"dollars_used"`
	TotalDollars float64      `json:"total_dollars"`
	At           time.Time    `json:"at"`
}

// UsageResult is returned by RecordUsage.
type UsageResult struct {
	Record     models.BudgetUsageRecord `json:"record"`
	Percentage float64                  `json:"percentage"`
	Crossings  []ThresholdCrossing      `json:"crossings"`
}

// Status is the outcome of CheckBudget.
type Status struct {
	Exceeded   bool                `json:"exceeded"`
	Used       float64             `json:"used"`
	Limit      float64             `json:"limit"`
	Percentage float64             `json:"percentage"`
	TokensUsed int64               `json:"tokens_used"`
	Action     models.BudgetAction `json:"action"`
}

// Tracker records and checks budget usage. It is safe for concurrent use;
// atomicity of each update comes from the store.
type Tracker struct {
	store     db.BudgetUsageStore
	logger    *zap.Logger
	now       func() time.Time
	onCrossed func(ThresholdCrossing)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.now = clock }
}

// WithThresholdHandler registers a callback for threshold crossings. It runs
// synchronously after the update commits.
func WithThresholdHandler(fn func(ThresholdCrossing)) Option {
	return func(t *Tracker) { t.onCrossed = fn }
}

// NewTracker creates a budget tracker backed by store.
func NewTracker(store db.BudgetUsageStore, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// PeriodStart truncates t to midnight UTC.
func PeriodStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Percentage returns used as a percentage of total, or 0 when total <= 0.
func Percentage(used, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return used / total * 100
}

func reached(pct, threshold float64) bool {
	return pct+pctEpsilon >= threshold*100
}

// ExceedThreshold is the fraction at which a budget counts as exceeded: the
// largest alert threshold, or 1 when none are configured.
func ExceedThreshold(thresholds []float64) float64 {
	if len(thresholds) == 0 {
		return 1
	}
	maxT := thresholds[0]
	for _, th := range thresholds[1:] {
		if th > maxT {
			maxT = th
		}
	}
	return maxT
}

func (t *Tracker) key(workspaceID string, scope models.Scope, scopeID string) models.BudgetKey {
	return models.BudgetKey{
		WorkspaceID: workspaceID,
		Scope:       scope,
		ScopeID:     scopeID,
		PeriodStart: PeriodStart(t.now()),
	}
}

// RecordUsage adds tokens and dollars to the current period and reports any
// thresholds crossed by this update.
func (t *Tracker) RecordUsage(ctx context.Context, workspaceID string, cfg models.BudgetConfig, scopeID string, tokens int64, dollars float64) (UsageResult, error) {
	if tokens < 0 || dollars < 0 {
		return UsageResult{}, fmt.Errorf("usage must be non-negative: tokens=%d dollars=%f", tokens, dollars)
	}
	now := t.now()
	key := t.key(workspaceID, cfg.Scope, scopeID)

	prev, next, err := t.store.AccumulateUsage(ctx, key, tokens, dollars, now)
	if err != nil {
		return UsageResult{}, fmt.Errorf("record usage: %w", err)
	}

	total := cfg.Limits.TotalDollars
	prevPct := Percentage(prev.DollarsUsed, total)
	nextPct := Percentage(next.DollarsUsed, total)

	res := UsageResult{
		Record:     next,
		Percentage: nextPct,
		Crossings:  make([]ThresholdCrossing, 0),
	}
	for _, th := range cfg.AlertThresholds {
		if reached(prevPct, th) || !reached(nextPct, th) {
			continue
		}
		c := ThresholdCrossing{
			WorkspaceID:  workspaceID,
			Scope:        cfg.Scope,
			ScopeID:      scopeID,
			Threshold:    th,
			Percentage:   nextPct,
			DollarsUsed:  next.DollarsUsed,
			TotalDollars: total,
			At:           now,
		}
		res.Crossings = append(res.Crossings, c)

		t.logger.Warn("budget threshold crossed",
			zap.String("workspace_id", workspaceID),
			zap.String("scope", string(cfg.Scope)),
			zap.String("scope_id", scopeID),
			zap.Float64("threshold", th),
			zap.Float64("percentage", nextPct),
		)
		if t.onCrossed != nil {
			t.onCrossed(c)
		}
	}
	return res, nil
}

// CheckBudget reports the current period's usage against the limits.
func (t *Tracker) CheckBudget(ctx context.Context, workspaceID string, cfg models.BudgetConfig, scopeID string) (Status, error) {
	rec, err := t.store.GetUsage(ctx, t.key(workspaceID, cfg.Scope, scopeID))
	if err != nil {
		return Status{}, fmt.Errorf("check budget: %w", err)
	}
	pct := Percentage(rec.DollarsUsed, cfg.Limits.TotalDollars)
	action := cfg.Action
	if action == "" {
		action = models.BudgetActionWarn
	}
	return Status{
		Exceeded:   reached(pct, ExceedThreshold(cfg.AlertThresholds)),
		Used:       rec.DollarsUsed,
		Limit:      cfg.Limits.TotalDollars,
		Percentage: pct,
		TokensUsed: rec.TokensUsed,
		Action:     action,
	}, nil
}
