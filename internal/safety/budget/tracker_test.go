package budget

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/agent-guardrails/internal/db"
	"github.com/kubilitics/agent-guardrails/internal/models"
)

func newStore(t *testing.T) db.Store {
	t.Helper()
	s, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func tenDollarBudget() models.BudgetConfig {
	return models.BudgetConfig{
		Scope:           models.ScopeWorkspace,
		Limits:          models.BudgetLimits{TotalDollars: 10, TotalTokens: 1_000_000},
		AlertThresholds: []float64{0.5, 0.8, 0.95},
		Action:          models.BudgetActionWarn,
	}
}

func TestPeriodStart(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	in := time.Date(2026, 3, 2, 3, 0, 0, 0, loc) // 2026-03-01T18:00Z
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), PeriodStart(in))
}

func TestPercentageAndExceedThreshold(t *testing.T) {
	assert.Zero(t, Percentage(5, 0))
	assert.Zero(t, Percentage(5, -1))
	assert.InDelta(t, 50.0, Percentage(5, 10), 1e-9)

	assert.Equal(t, 1.0, ExceedThreshold(nil))
	assert.Equal(t, 0.95, ExceedThreshold([]float64{0.5, 0.95, 0.8}))
}

func TestCheckBudget_ExceededAtHighestThreshold(t *testing.T) {
	tr := NewTracker(newStore(t), nil)
	ctx := context.Background()
	cfg := tenDollarBudget()

	_, err := tr.RecordUsage(ctx, "ws", cfg, "ws", 100, 9.4)
	require.NoError(t, err)
	st, err := tr.CheckBudget(ctx, "ws", cfg, "ws")
	require.NoError(t, err)
	assert.False(t, st.Exceeded)

	_, err = tr.RecordUsage(ctx, "ws", cfg, "ws", 100, 0.1)
	require.NoError(t, err)
	st, err = tr.CheckBudget(ctx, "ws", cfg, "ws")
	require.NoError(t, err)
	assert.True(t, st.Exceeded)
	assert.InDelta(t, 9.5, st.Used, 1e-9)
	assert.Equal(t, 10.0, st.Limit)
	assert.InDelta(t, 95.0, st.Percentage, 1e-6)
	assert.Equal(t, int64(200), st.TokensUsed)
	assert.Equal(t, models.BudgetActionWarn, st.Action)
}

func TestCheckBudget_NoThresholdsMeansHundredPercent(t *testing.T) {
	tr := NewTracker(newStore(t), nil)
	ctx := context.Background()
	cfg := tenDollarBudget()
	cfg.AlertThresholds = nil
	cfg.Action = ""

	_, err := tr.RecordUsage(ctx, "ws", cfg, "ws", 0, 9.99)
	require.NoError(t, err)
	st, err := tr.CheckBudget(ctx, "ws", cfg, "ws")
	require.NoError(t, err)
	assert.False(t, st.Exceeded)
	assert.Equal(t, models.BudgetActionWarn, st.Action)

	_, err = tr.RecordUsage(ctx, "ws", cfg, "ws", 0, 0.01)
	require.NoError(t, err)
	st, err = tr.CheckBudget(ctx, "ws", cfg, "ws")
	require.NoError(t, err)
	assert.True(t, st.Exceeded)
}

func TestRecordUsage_ThresholdCrossings(t *testing.T) {
	var seen []ThresholdCrossing
	tr := NewTracker(newStore(t), nil, WithThresholdHandler(func(c ThresholdCrossing) {
		seen = append(seen, c)
	}))
	ctx := context.Background()
	cfg := tenDollarBudget()

	res, err := tr.RecordUsage(ctx, "ws", cfg, "ws", 10, 4)
	require.NoError(t, err)
	assert.Empty(t, res.Crossings)

	res, err = tr.RecordUsage(ctx, "ws", cfg, "ws", 10, 4.5)
	require.NoError(t, err)
	require.Len(t, res.Crossings, 2, "one update may cross several thresholds")
	assert.Equal(t, 0.5, res.Crossings[0].Threshold)
	assert.Equal(t, 0.8, res.Crossings[1].Threshold)
	assert.InDelta(t, 85.0, res.Percentage, 1e-9)

	res, err = tr.RecordUsage(ctx, "ws", cfg, "ws", 10, 0.1)
	require.NoError(t, err)
	assert.Empty(t, res.Crossings, "already-crossed thresholds do not fire again")

	res, err = tr.RecordUsage(ctx, "ws", cfg, "ws", 10, 0.9)
	require.NoError(t, err)
	require.Len(t, res.Crossings, 1)
	assert.Equal(t, 0.95, res.Crossings[0].Threshold)

	assert.Len(t, seen, 3)
	assert.Equal(t, "ws", seen[0].WorkspaceID)
	assert.Equal(t, 10.0, seen[0].TotalDollars)
}

func TestRecordUsage_NewDayStartsFresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	tr := NewTracker(newStore(t), nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	cfg := tenDollarBudget()

	_, err := tr.RecordUsage(ctx, "ws", cfg, "ws", 0, 9.9)
	require.NoError(t, err)
	st, _ := tr.CheckBudget(ctx, "ws", cfg, "ws")
	assert.True(t, st.Exceeded)

	now = now.Add(2 * time.Minute)
	st, err = tr.CheckBudget(ctx, "ws", cfg, "ws")
	require.NoError(t, err)
	assert.False(t, st.Exceeded)
	assert.Zero(t, st.Used)
}

func TestRecordUsage_ScopesAreIndependent(t *testing.T) {
	tr := NewTracker(newStore(t), nil)
	ctx := context.Background()
	cfg := tenDollarBudget()
	cfg.Scope = models.ScopeAgent

	_, err := tr.RecordUsage(ctx, "ws", cfg, "agent-1", 0, 9.9)
	require.NoError(t, err)

	st, err := tr.CheckBudget(ctx, "ws", cfg, "agent-2")
	require.NoError(t, err)
	assert.False(t, st.Exceeded)
}

func TestRecordUsage_ZeroTotalNeverCrosses(t *testing.T) {
	tr := NewTracker(newStore(t), nil)
	cfg := tenDollarBudget()
	cfg.Limits.TotalDollars = 0

	res, err := tr.RecordUsage(context.Background(), "ws", cfg, "ws", 0, 1000)
	require.NoError(t, err)
	assert.Zero(t, res.Percentage)
	assert.Empty(t, res.Crossings)
}

func TestRecordUsage_RejectsNegative(t *testing.T) {
	tr := NewTracker(newStore(t), nil)
	_, err := tr.RecordUsage(context.Background(), "ws", tenDollarBudget(), "ws", -1, 0)
	assert.Error(t, err)
}

func TestRecordUsage_StoreFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT tokens_used")).WillReturnError(errors.New("database is locked"))

	tr := NewTracker(db.NewSQLStore(sqlDB), nil)
	_, err = tr.RecordUsage(context.Background(), "ws", tenDollarBudget(), "ws", 1, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record usage")

	_, err = tr.CheckBudget(context.Background(), "ws", tenDollarBudget(), "ws")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check budget")
}
