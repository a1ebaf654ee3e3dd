package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/agent-guardrails/internal/models"
	"github.com/kubilitics/agent-guardrails/internal/safety/rules"
)

func TestLoadDefaultRules(t *testing.T) {
	rs, err := LoadDefaultRules()
	require.NoError(t, err)
	require.NotEmpty(t, rs)

	ids := map[string]bool{}
	cats := map[models.Category]bool{}
	for _, r := range rs {
		assert.Empty(t, rules.ValidateRule(r), r.Name)
		assert.True(t, r.Enabled, r.Name)
		assert.Regexp(t, `^rule_[a-z0-9]{16}$`, r.ID)
		assert.False(t, ids[r.ID], "duplicate id %s", r.ID)
		ids[r.ID] = true
		cats[r.Category] = true
	}
	for _, cat := range models.AllCategories {
		assert.True(t, cats[cat], "no default rule for %s", cat)
	}
}

func TestNewDefaultConfig_UsesWorkspaceDefaults(t *testing.T) {
	d := DefaultWorkspaceDefaults()
	d.RateLimits.CommandsPerMinute = 7
	d.Budget.Action = models.BudgetActionPause
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	cfg, err := newDefaultConfig("ws", d, now)
	require.NoError(t, err)
	assert.Equal(t, "ws", cfg.WorkspaceID)
	assert.Equal(t, 7, cfg.RateLimits.Limits.CommandsPerMinute)
	assert.Equal(t, models.BudgetActionPause, cfg.Budget.Action)
	assert.Equal(t, now, cfg.CreatedAt)
	assert.Equal(t, 30, cfg.ApprovalWorkflow.DefaultTimeoutMinutes)

	// the config must not alias the defaults
	cfg.Budget.AlertThresholds[0] = 0.1
	assert.Equal(t, 0.5, d.Budget.AlertThresholds[0])
}
