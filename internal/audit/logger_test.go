package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/agent-guardrails/internal/models"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	tmpDir := t.TempDir()
	return &Config{
		AuditLogPath:  filepath.Join(tmpDir, "audit.log"),
		AppLogPath:    filepath.Join(tmpDir, "app.log"),
		MaxSize:       10,
		MaxBackups:    3,
		MaxAge:        7,
		LogLevel:      "info",
		FlushInterval: time.Hour,
	}
}

func newTestLogger(t *testing.T) (Logger, *Config) {
	t.Helper()
	cfg := testConfig(t)
	logger, err := NewLogger(cfg)
	require.NoError(t, err, "NewLogger")
	t.Cleanup(func() { _ = logger.Close() })
	return logger, cfg
}

func readAudit(t *testing.T, cfg *Config) string {
	t.Helper()
	content, err := os.ReadFile(cfg.AuditLogPath)
	require.NoError(t, err)
	return string(content)
}

func TestNewLogger_InvalidSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogLevel = "loud"
	_, err := NewLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")

	cfg = testConfig(t)
	cfg.Format = "xml"
	_, err = NewLogger(cfg)
	assert.ErrorContains(t, err, "invalid log format")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "logs/audit.log", cfg.AuditLogPath)
	assert.Equal(t, "logs/app.log", cfg.AppLogPath)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 10, cfg.MaxBackups)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.Format)
}

func TestLogEvent_UsesContextCorrelationID(t *testing.T) {
	logger, cfg := newTestLogger(t)
	ctx := WithCorrelationID(context.Background(), "corr-123")

	event := NewEvent(EventConfigChanged).
		WithUser("alice").
		WithResource("rule_abc", "rule").
		WithResult(ResultSuccess)
	require.NoError(t, logger.Log(ctx, event))
	require.NoError(t, logger.Sync())

	content := readAudit(t, cfg)
	assert.Contains(t, content, "corr-123")
	assert.Contains(t, content, "config.changed")
	assert.Contains(t, content, "alice")
}

func TestLogViolation(t *testing.T) {
	logger, cfg := newTestLogger(t)
	v := &models.SafetyViolation{
		ID:          "svio_1",
		WorkspaceID: "ws-1",
		AgentID:     "agent-7",
		Rule:        models.SafetyRule{ID: "rule_rmrf", Name: "Block rm -rf", Message: "destructive delete", Severity: models.SeverityCritical},
		Operation:   models.NewOperation(models.CategoryExecution),
		Action:      models.ViolationBlocked,
	}
	require.NoError(t, logger.LogViolation(context.Background(), v))
	require.NoError(t, logger.Sync())

	content := readAudit(t, cfg)
	assert.Contains(t, content, "preflight.violation")
	assert.Contains(t, content, "rule_rmrf")
	assert.Contains(t, content, "agent-7")
	assert.Contains(t, content, "critical")
}

func TestLogApprovalLifecycle(t *testing.T) {
	logger, cfg := newTestLogger(t)
	ctx := context.Background()

	requested := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	decided := requested.Add(90 * time.Second)
	req := &models.ApprovalRequest{
		ID:            "appr_1",
		WorkspaceID:   "ws-1",
		Operation:     models.NewOperation(models.CategoryGit),
		Status:        models.StatusPending,
		Priority:      models.PriorityHigh,
		RequestedAt:   requested,
		ExpiresAt:     requested.Add(30 * time.Minute),
		CorrelationID: "corr-appr",
	}
	require.NoError(t, logger.LogApprovalCreated(ctx, req))

	req.Status = models.StatusApproved
	req.DecidedBy = "bob"
	req.DecidedAt = &decided
	require.NoError(t, logger.LogApprovalTransition(ctx, req))

	req.Status = models.StatusPending
	assert.Error(t, logger.LogApprovalTransition(ctx, req))

	require.NoError(t, logger.Sync())
	content := readAudit(t, cfg)
	assert.Contains(t, content, "approval.created")
	assert.Contains(t, content, "approval.approved")
	assert.Contains(t, content, "corr-appr")
	assert.Contains(t, content, "bob")
}

func TestLogOperationalEvents(t *testing.T) {
	logger, cfg := newTestLogger(t)
	ctx := context.Background()

	require.NoError(t, logger.LogPreFlightBlocked(ctx, "ws-1", "agent-1", "sess-1", "rate limit exceeded"))
	require.NoError(t, logger.LogEscalation(ctx, "ws-1", "5 pending approval requests", []string{"appr_1"}))
	require.NoError(t, logger.LogBudgetThreshold(ctx, "ws-1", "ws-1", 0.8, 81.5))
	require.NoError(t, logger.LogEmergencyStop(ctx, "ws-1", "runaway agent", "oncall"))
	require.NoError(t, logger.LogEmergencyStopCleared(ctx, "ws-1", "oncall", 6))
	require.NoError(t, logger.Sync())

	content := readAudit(t, cfg)
	for _, want := range []string{
		"preflight.blocked", "approval.escalation", "budget.threshold_crossed",
		"config.emergency_stop", "config.emergency_stop_cleared", "runaway agent",
	} {
		assert.Contains(t, content, want)
	}
}

func TestBufferAutoFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.FlushInterval = 10 * time.Millisecond
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.Log(context.Background(), NewEvent(EventServerStarted).WithResult(ResultSuccess)))

	assert.Eventually(t, func() bool {
		content, err := os.ReadFile(cfg.AuditLogPath)
		return err == nil && strings.Contains(string(content), "system.server_started")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBufferFullFlush(t *testing.T) {
	logger, cfg := newTestLogger(t)
	ctx := context.Background()

	for i := 0; i < bufferSize; i++ {
		require.NoError(t, logger.Log(ctx, NewEvent(EventConfigChanged).WithResult(ResultSuccess)))
	}

	content := readAudit(t, cfg)
	assert.Equal(t, bufferSize, strings.Count(content, "\n"), "buffer flushes once full")
}

func TestCloseIsIdempotent(t *testing.T) {
	logger, err := NewLogger(testConfig(t))
	require.NoError(t, err)
	assert.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())
}

func TestCorrelationID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, CorrelationIDFrom(ctx))

	id := GenerateCorrelationID()
	assert.Len(t, id, 36)
	assert.NotEqual(t, id, GenerateCorrelationID())
	assert.Equal(t, id, CorrelationIDFrom(WithCorrelationID(ctx, id)))
}

func TestEventBuilderChain(t *testing.T) {
	err := errors.New("store unavailable")
	event := NewEvent(EventPreFlightBlocked).
		WithCorrelationID("c-1").
		WithAgent("ws", "agent", "sess").
		WithAction("deny").
		WithError(err, "storage_error").
		WithDuration(1500 * time.Millisecond).
		WithMetadata("category", "git")

	assert.Equal(t, ResultFailure, event.Result)
	assert.Equal(t, "store unavailable", event.Error)
	assert.Equal(t, int64(1500), event.DurationMs)
	assert.Equal(t, "agent", event.AgentID)

	data, jerr := json.Marshal(event)
	require.NoError(t, jerr)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "preflight.blocked", decoded["event_type"])
	assert.Equal(t, "ws", decoded["workspace_id"])
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger(nil)
	ctx := context.Background()
	assert.NoError(t, l.Log(ctx, NewEvent(EventServerStarted)))
	assert.NoError(t, l.LogEmergencyStop(ctx, "ws", "r", "me"))
	assert.NotNil(t, l.AppLogger())
	assert.NoError(t, l.Close())
}
