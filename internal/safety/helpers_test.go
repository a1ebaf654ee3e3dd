package safety

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kubilitics/agent-guardrails/internal/audit"
	"github.com/kubilitics/agent-guardrails/internal/db"
	"github.com/kubilitics/agent-guardrails/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingAudit keeps a tag per audit call.
type recordingAudit struct {
	audit.Logger

	mu     sync.Mutex
	events []string
}

func newRecordingAudit() *recordingAudit {
	return &recordingAudit{Logger: audit.NewNopLogger(nil)}
}

func (r *recordingAudit) record(tag string) error {
	r.mu.Lock()
	r.events = append(r.events, tag)
	r.mu.Unlock()
	return nil
}

func (r *recordingAudit) count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func (r *recordingAudit) LogPreFlightBlocked(_ context.Context, _, _, _, reason string) error {
	return r.record("blocked:" + reason)
}

func (r *recordingAudit) LogViolation(_ context.Context, v *models.SafetyViolation) error {
	return r.record("violation:" + string(v.Action))
}

func (r *recordingAudit) LogApprovalCreated(context.Context, *models.ApprovalRequest) error {
	return r.record("approval:created")
}

func (r *recordingAudit) LogApprovalTransition(_ context.Context, req *models.ApprovalRequest) error {
	return r.record("approval:" + string(req.Status))
}

func (r *recordingAudit) LogEscalation(context.Context, string, string, []string) error {
	return r.record("escalation")
}

func (r *recordingAudit) LogBudgetThreshold(context.Context, string, string, float64, float64) error {
	return r.record("threshold")
}

func (r *recordingAudit) LogConfigChanged(_ context.Context, _, change, _ string) error {
	return r.record("config:" + change)
}

func (r *recordingAudit) LogEmergencyStop(context.Context, string, string, string) error {
	return r.record("emergency:set")
}

func (r *recordingAudit) LogEmergencyStopCleared(context.Context, string, string, int) error {
	return r.record("emergency:cleared")
}

func newTestService(t *testing.T, opts ...Option) (*Service, *fakeClock, *recordingAudit) {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	rec := newRecordingAudit()
	opts = append([]Option{WithClock(clock.Now), WithAuditLogger(rec)}, opts...)
	svc := New(store, nil, opts...)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, clock, rec
}

func check(t *testing.T, svc *Service, agent string, op models.SafetyOperation) *PreFlightResult {
	t.Helper()
	res, err := svc.PreFlightCheck(context.Background(), PreFlightRequest{
		WorkspaceID: "ws",
		AgentID:     agent,
		SessionID:   "sess-1",
		Operation:   op,
	})
	require.NoError(t, err)
	return res
}

func forcePushMain() models.SafetyOperation {
	return models.NewOperation(models.CategoryGit).
		With(models.FieldOperation, "push").
		With(models.FieldArgs, "origin", "--force").
		With(models.FieldBranch, "main")
}

func gitStatus() models.SafetyOperation {
	return models.NewOperation(models.CategoryGit).With(models.FieldOperation, "status")
}

func fileDelete() models.SafetyOperation {
	return models.NewOperation(models.CategoryFilesystem).
		With(models.FieldOperation, "delete").
		With(models.FieldPath, "src/old.go")
}

func fileWrite() models.SafetyOperation {
	return models.NewOperation(models.CategoryFilesystem).
		With(models.FieldOperation, "write").
		With(models.FieldPath, "src/main.go")
}

func boolPtr(b bool) *bool { return &b }
