package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/agent-guardrails/internal/config"
	"github.com/kubilitics/agent-guardrails/internal/models"
)

// writeTestConfig points the store and logs at a temp dir.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
database:
  sqlite_path: %q
logging:
  level: "error"
  audit_log_path: %q
metrics:
  enabled: false
`, filepath.Join(dir, "guardrails.db"), filepath.Join(dir, "audit.log"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

type verdict struct {
	Result struct {
		Allowed          bool     `json:"allowed"`
		Action           string   `json:"action"`
		Reason           string   `json:"reason"`
		RequiresApproval bool     `json:"requires_approval"`
		Alternatives     []string `json:"alternatives"`
	} `json:"result"`
	Approval *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"approval"`
}

func decodeVerdict(t *testing.T, out string) verdict {
	t.Helper()
	var v verdict
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestParseFields(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    map[string]models.FieldValue
		wantErr bool
	}{
		{
			name: "single values",
			in:   []string{"operation=push", "branch=main"},
			want: map[string]models.FieldValue{"operation": {"push"}, "branch": {"main"}},
		},
		{
			name: "repeated key collects values",
			in:   []string{"args=--force", "args=origin"},
			want: map[string]models.FieldValue{"args": {"--force", "origin"}},
		},
		{
			name: "value may contain equals",
			in:   []string{"command=FOO=bar make"},
			want: map[string]models.FieldValue{"command": {"FOO=bar make"}},
		},
		{
			name:    "missing separator",
			in:      []string{"branch"},
			wantErr: true,
		},
		{
			name:    "empty key",
			in:      []string{"=main"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFields(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildPreFlightRequest(t *testing.T) {
	t.Run("from flags", func(t *testing.T) {
		req, err := buildPreFlightRequest(nil, &checkOptions{
			workspace: "ws",
			agent:     "a1",
			category:  "git",
			fields:    []string{"operation=push"},
		})
		require.NoError(t, err)
		assert.Equal(t, "ws", req.WorkspaceID)
		assert.Equal(t, models.CategoryGit, req.Operation.Category)
		assert.Equal(t, models.FieldValue{"push"}, req.Operation.Fields["operation"])
	})

	t.Run("from stdin with flag override", func(t *testing.T) {
		in := `{"workspace_id":"ws","agent_id":"a1","operation":{"category":"filesystem","fields":{"path":".env"}}}`
		req, err := buildPreFlightRequest(strings.NewReader(in), &checkOptions{input: "-", agent: "a2"})
		require.NoError(t, err)
		assert.Equal(t, "a2", req.AgentID)
		assert.Equal(t, models.FieldValue{".env"}, req.Operation.Fields["path"])
	})

	t.Run("requires workspace", func(t *testing.T) {
		_, err := buildPreFlightRequest(nil, &checkOptions{category: "git"})
		assert.ErrorContains(t, err, "workspace is required")
	})

	t.Run("rejects unknown category", func(t *testing.T) {
		_, err := buildPreFlightRequest(nil, &checkOptions{workspace: "ws", category: "database"})
		assert.ErrorContains(t, err, "invalid category")
	})
}

func TestWorkspaceDefaultsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Defaults.RateLimitScope = "session"
	cfg.Defaults.CommandsPerMinute = 3
	cfg.Defaults.BudgetAction = "terminate"
	cfg.Approvals.DefaultTimeoutMinutes = 12

	d := workspaceDefaults(cfg)
	assert.Equal(t, models.ScopeSession, d.RateLimitScope)
	assert.Equal(t, 3, d.RateLimits.CommandsPerMinute)
	assert.Equal(t, models.BudgetActionTerminate, d.Budget.Action)
	assert.Equal(t, 12, d.ApprovalTimeoutMinutes)

	d.Budget.AlertThresholds[0] = 0.01
	assert.Equal(t, 0.5, cfg.Defaults.AlertThresholds[0])
}

func TestCheckCommand_ForcePushDenied(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := run(t, "", "--config", cfgPath, "check", "-w", "ws", "--agent", "a1",
		"--category", "git", "--field", "operation=push", "--field", "branch=main", "--field", "args=--force")
	require.NoError(t, err)

	v := decodeVerdict(t, out)
	assert.False(t, v.Result.Allowed)
	assert.Equal(t, "deny", v.Result.Action)
	assert.Contains(t, v.Result.Reason, "Force pushing")
	assert.NotEmpty(t, v.Result.Alternatives)

	_, err = run(t, "", "--config", cfgPath, "check", "-w", "ws", "--fail-on-deny",
		"--category", "git", "--field", "operation=push", "--field", "branch=main", "--field", "args=--force")
	assert.ErrorIs(t, err, errDenied)
}

func TestCheckCommand_ApprovalRoundTrip(t *testing.T) {
	cfgPath := writeTestConfig(t)

	in := `{"workspace_id":"ws","agent_id":"a1","operation":{"category":"filesystem","fields":{"operation":"delete","path":"src/main.go"}}}`
	out, err := run(t, in, "--config", cfgPath, "check", "-f", "-", "--request-approval")
	require.NoError(t, err)

	v := decodeVerdict(t, out)
	assert.True(t, v.Result.RequiresApproval)
	require.NotNil(t, v.Approval)
	assert.Equal(t, "pending", v.Approval.Status)

	out, err = run(t, "", "--config", cfgPath, "approvals", "decide", v.Approval.ID, "--approve", "--by", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, `"approved"`)

	_, err = run(t, "", "--config", cfgPath, "approvals", "decide", v.Approval.ID, "--deny", "--by", "bob")
	assert.ErrorIs(t, err, models.ErrInvalidApprovalStatus)

	_, err = run(t, "", "--config", cfgPath, "approvals", "decide", v.Approval.ID, "--by", "bob")
	assert.ErrorContains(t, err, "exactly one of")
}

func TestEmergencyCommand_BlocksUntilCleared(t *testing.T) {
	cfgPath := writeTestConfig(t)
	gitStatus := []string{"--config", cfgPath, "check", "-w", "ws", "--category", "git", "--field", "operation=status"}

	out, err := run(t, "", gitStatus...)
	require.NoError(t, err)
	assert.True(t, decodeVerdict(t, out).Result.Allowed)

	out, err = run(t, "", "--config", cfgPath, "emergency", "stop", "-w", "ws", "--reason", "incident", "--by", "oncall")
	require.NoError(t, err)
	assert.Contains(t, out, "emergency stop active")

	out, err = run(t, "", gitStatus...)
	require.NoError(t, err)
	v := decodeVerdict(t, out)
	assert.False(t, v.Result.Allowed)
	assert.Contains(t, v.Result.Reason, "incident")

	out, err = run(t, "", "--config", cfgPath, "emergency", "status", "-w", "ws")
	require.NoError(t, err)
	assert.Contains(t, out, "emergency stop active")

	out, err = run(t, "", "--config", cfgPath, "emergency", "clear", "-w", "ws", "--by", "oncall")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 6 emergency rules")

	out, err = run(t, "", gitStatus...)
	require.NoError(t, err)
	assert.True(t, decodeVerdict(t, out).Result.Allowed)
}

func TestViolationsCommand_ListsBlockedOperations(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := run(t, "", "--config", cfgPath, "check", "-w", "ws", "--agent", "a1",
		"--category", "filesystem", "--field", "path=.env")
	require.NoError(t, err)

	out, err := run(t, "", "--config", cfgPath, "violations", "-w", "ws", "--action", "blocked")
	require.NoError(t, err)

	var vs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &vs), out)
	require.NotEmpty(t, vs)
	assert.Equal(t, "a1", vs[0]["agent_id"])

	_, err = run(t, "", "--config", cfgPath, "violations")
	assert.ErrorContains(t, err, "--workspace is required")
}

func TestRootCommand_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("defaults:\n  budget_action: explode\n"), 0644))

	_, err := run(t, "", "--config", path, "emergency", "status", "-w", "ws")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defaults.budget_action")
}
