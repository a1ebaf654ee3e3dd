package safety

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/agent-guardrails/internal/db"
	"github.com/kubilitics/agent-guardrails/internal/models"
	"github.com/kubilitics/agent-guardrails/internal/safety/budget"
)

func TestPreFlight_DenyRecordsViolation(t *testing.T) {
	svc, _, rec := newTestService(t)

	res := check(t, svc, "agent-1", forcePushMain())
	assert.False(t, res.Allowed)
	assert.Equal(t, models.ActionDeny, res.Action)
	assert.Equal(t, "Force pushing to main or master is not allowed", res.Reason)
	assert.False(t, res.RequiresApproval)
	assert.Contains(t, res.Alternatives, "Push to a feature branch and open a pull request")
	require.Len(t, res.Violations, 1)

	vs, err := svc.ListViolations(context.Background(), models.ViolationFilter{WorkspaceID: "ws"})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, models.ViolationBlocked, vs[0].Action)
	assert.Equal(t, "agent-1", vs[0].AgentID)
	assert.Equal(t, "Block force push to main", vs[0].Rule.Name)
	assert.Equal(t, 1, rec.count("violation:blocked"))
	assert.Equal(t, 1, rec.count("blocked:"))
}

func TestPreFlight_ApproveRequiresApproval(t *testing.T) {
	svc, _, rec := newTestService(t)

	res := check(t, svc, "agent-1", fileDelete())
	assert.False(t, res.Allowed)
	assert.Equal(t, models.ActionApprove, res.Action)
	assert.True(t, res.RequiresApproval)
	assert.Equal(t, "Deleting files requires human approval", res.Reason)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, models.ViolationPendingApproval, res.Violations[0].Action)
	assert.Equal(t, 0, rec.count("blocked:"))
}

func TestPreFlight_WarnAllows(t *testing.T) {
	svc, _, _ := newTestService(t)

	op := models.NewOperation(models.CategoryNetwork).
		With(models.FieldURL, "http://example.com/api").
		With(models.FieldHost, "example.com")
	res := check(t, svc, "agent-1", op)
	assert.True(t, res.Allowed)
	assert.Equal(t, models.ActionAllow, res.Action)
	assert.Equal(t, []string{"Request uses unencrypted HTTP"}, res.Warnings)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, models.ViolationWarned, res.Violations[0].Action)
}

func TestPreFlight_CriticalNamespaceDeleteDenied(t *testing.T) {
	svc, _, _ := newTestService(t)

	del := models.NewOperation(models.CategoryResources).With(models.FieldOperation, "delete")

	res := check(t, svc, "agent-1", del.With(models.FieldResource, "kube-system/deployment/coredns"))
	assert.False(t, res.Allowed)
	assert.Equal(t, models.ActionDeny, res.Action)
	assert.Contains(t, res.Reason, "kube-system")

	// outside critical namespaces the deletion only needs approval
	res = check(t, svc, "agent-1", del.With(models.FieldResource, "staging/deployment/web"))
	assert.True(t, res.RequiresApproval)
	assert.Equal(t, models.ActionApprove, res.Action)
}

func TestPreFlight_BenignOperationAllowed(t *testing.T) {
	svc, _, _ := newTestService(t)

	res := check(t, svc, "agent-1", fileWrite())
	assert.True(t, res.Allowed)
	assert.Equal(t, models.ActionAllow, res.Action)
	assert.Empty(t, res.Warnings)
	assert.Empty(t, res.Violations)
	assert.NotNil(t, res.RateLimit)
	assert.False(t, res.RateLimited)

	vs, err := svc.ListViolations(context.Background(), models.ViolationFilter{WorkspaceID: "ws"})
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestPreFlight_DisabledConfigBypassesEverything(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpdateConfig(ctx, "ws", ConfigUpdate{Enabled: boolPtr(false)})
	require.NoError(t, err)

	res := check(t, svc, "agent-1", forcePushMain())
	assert.True(t, res.Allowed)
	assert.Equal(t, models.ActionAllow, res.Action)
	assert.Nil(t, res.RateLimit, "rate limiter must not run")
}

func TestPreFlight_DisabledCategorySkipsRules(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cfg, err := svc.GetConfig(ctx, "ws")
	require.NoError(t, err)
	git := cfg.Categories[models.CategoryGit]
	git.Enabled = false
	_, err = svc.UpdateConfig(ctx, "ws", ConfigUpdate{
		Categories: map[models.Category]*models.CategoryConfig{models.CategoryGit: git},
	})
	require.NoError(t, err)

	res := check(t, svc, "agent-1", forcePushMain())
	assert.True(t, res.Allowed)
	assert.Empty(t, res.Violations)
}

func TestPreFlight_RejectsBadRequest(t *testing.T) {
	svc, _, _ := newTestService(t)

	res, err := svc.PreFlightCheck(context.Background(), PreFlightRequest{
		WorkspaceID: "ws",
		Operation:   models.NewOperation("database"),
	})
	require.Error(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, models.ActionDeny, res.Action)

	res, err = svc.PreFlightCheck(context.Background(), PreFlightRequest{Operation: gitStatus()})
	require.Error(t, err)
	assert.False(t, res.Allowed)
}

// ─── Rate limiting ────────────────────────────────────────────────────────────

func TestPreFlight_RateLimitShortCircuits(t *testing.T) {
	svc, clock, rec := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpdateConfig(ctx, "ws", ConfigUpdate{RateLimits: &models.RateLimitConfig{
		Scope:  models.ScopeAgent,
		Limits: models.RateLimits{CommandsPerMinute: 2, RequestsPerMinute: 100},
	}})
	require.NoError(t, err)

	assert.True(t, check(t, svc, "agent-1", gitStatus()).Allowed)
	assert.True(t, check(t, svc, "agent-1", gitStatus()).Allowed)

	// a deny rule would match, but the limiter answers first
	res := check(t, svc, "agent-1", forcePushMain())
	assert.False(t, res.Allowed)
	assert.True(t, res.RateLimited)
	assert.Equal(t, models.ActionDeny, res.Action)
	assert.Contains(t, res.Reason, "rate limit exceeded")
	require.NotNil(t, res.RateLimit)
	assert.Equal(t, 0, res.RateLimit.Remaining)
	assert.Empty(t, res.Violations)
	assert.Equal(t, 0, rec.count("violation:"))

	// other agents have their own window
	assert.True(t, check(t, svc, "agent-2", gitStatus()).Allowed)

	clock.Advance(61 * time.Second)
	assert.True(t, check(t, svc, "agent-1", gitStatus()).Allowed)
}

// ─── Budget ───────────────────────────────────────────────────────────────────

func setBudget(t *testing.T, svc *Service, action models.BudgetAction, perRequest float64) {
	t.Helper()
	_, err := svc.UpdateConfig(context.Background(), "ws", ConfigUpdate{Budget: &models.BudgetConfig{
		Scope:           models.ScopeWorkspace,
		Limits:          models.BudgetLimits{TotalDollars: 10, PerRequestDollars: perRequest},
		AlertThresholds: []float64{0.5},
		Action:          action,
	}})
	require.NoError(t, err)
}

func spend(t *testing.T, svc *Service, dollars float64) budget.UsageResult {
	t.Helper()
	res, err := svc.RecordUsage(context.Background(), UsageRequest{WorkspaceID: "ws", AgentID: "agent-1", Dollars: dollars})
	require.NoError(t, err)
	return res
}

func TestPreFlight_BudgetTerminateDenies(t *testing.T) {
	svc, _, _ := newTestService(t)
	setBudget(t, svc, models.BudgetActionTerminate, 0)
	spend(t, svc, 6)

	res := check(t, svc, "agent-1", fileWrite())
	assert.False(t, res.Allowed)
	assert.Equal(t, models.ActionDeny, res.Action)
	assert.Contains(t, res.Reason, "budget exceeded")
	require.NotNil(t, res.Budget)
	assert.True(t, res.Budget.Exceeded)
	assert.Empty(t, res.Violations)
}

func TestPreFlight_BudgetPauseWinsOverAllow(t *testing.T) {
	svc, _, _ := newTestService(t)
	setBudget(t, svc, models.BudgetActionPause, 0)
	spend(t, svc, 6)

	res := check(t, svc, "agent-1", fileWrite())
	assert.False(t, res.Allowed)
	assert.Equal(t, models.ActionApprove, res.Action)
	assert.True(t, res.RequiresApproval)
	assert.Contains(t, res.Reason, "budget paused")
}

func TestPreFlight_BudgetPauseLosesToDeny(t *testing.T) {
	svc, _, _ := newTestService(t)
	setBudget(t, svc, models.BudgetActionPause, 0)
	spend(t, svc, 6)

	res := check(t, svc, "agent-1", forcePushMain())
	assert.Equal(t, models.ActionDeny, res.Action)
	assert.False(t, res.RequiresApproval)
	assert.Equal(t, "Force pushing to main or master is not allowed", res.Reason)
}

func TestPreFlight_BudgetWarnAnnotates(t *testing.T) {
	svc, _, _ := newTestService(t)
	setBudget(t, svc, models.BudgetActionWarn, 0)
	spend(t, svc, 6)

	res := check(t, svc, "agent-1", fileWrite())
	assert.True(t, res.Allowed)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "budget at 60.0%")
}

func TestPreFlight_PerRequestDollarWarning(t *testing.T) {
	svc, _, _ := newTestService(t)
	setBudget(t, svc, models.BudgetActionWarn, 2)

	res, err := svc.PreFlightCheck(context.Background(), PreFlightRequest{
		WorkspaceID:      "ws",
		AgentID:          "agent-1",
		Operation:        fileWrite(),
		EstimatedDollars: 3.5,
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "per-request limit")
}

func TestRecordUsage_ThresholdSignals(t *testing.T) {
	var got []budget.ThresholdCrossing
	svc, _, rec := newTestService(t, WithThresholdHandler(func(c budget.ThresholdCrossing) {
		got = append(got, c)
	}))
	setBudget(t, svc, models.BudgetActionWarn, 0)

	res := spend(t, svc, 4)
	assert.Empty(t, res.Crossings)
	res = spend(t, svc, 2)
	require.Len(t, res.Crossings, 1)
	require.Len(t, got, 1)
	assert.Equal(t, 0.5, got[0].Threshold)
	assert.Equal(t, 1, rec.count("threshold"))

	st, err := svc.CheckBudget(context.Background(), "ws", "agent-1", "")
	require.NoError(t, err)
	assert.InDelta(t, 6.0, st.Used, 1e-9)
	assert.True(t, st.Exceeded)
}

// ─── Fail-closed ──────────────────────────────────────────────────────────────

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	svc := New(db.NewSQLStore(conn), nil)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, mock
}

func TestPreFlight_FailsClosedOnViolationWrite(t *testing.T) {
	svc, mock := newMockService(t)

	cfg, err := newDefaultConfig("ws", DefaultWorkspaceDefaults(), time.Now().UTC())
	require.NoError(t, err)
	cfg.Budget.Limits.TotalDollars = 0
	blob, err := json.Marshal(cfg)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT config FROM safety_configs")).
		WithArgs("ws").
		WillReturnRows(sqlmock.NewRows([]string{"config"}).AddRow(string(blob)))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO safety_violations")).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	res, err := svc.PreFlightCheck(context.Background(), PreFlightRequest{
		WorkspaceID: "ws",
		AgentID:     "agent-1",
		Operation:   fileDelete(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	require.NotNil(t, res)
	assert.False(t, res.Allowed)
	assert.Equal(t, models.ActionDeny, res.Action)
	assert.Contains(t, res.Reason, "violations unavailable")
	assert.Empty(t, res.Violations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPreFlight_FailsClosedOnConfigRead(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT config FROM safety_configs")).
		WithArgs("ws").
		WillReturnError(assert.AnError)

	res, err := svc.PreFlightCheck(context.Background(), PreFlightRequest{
		WorkspaceID: "ws",
		Operation:   fileWrite(),
	})
	require.Error(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, models.ActionDeny, res.Action)
	assert.Contains(t, res.Reason, "config unavailable")
	assert.NoError(t, mock.ExpectationsWereMet())
}
