package safety

import (
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kubilitics/agent-guardrails/internal/models"
	"github.com/kubilitics/agent-guardrails/internal/safety/rules"
)

//go:embed defaults.yaml
var defaultRulesYAML []byte

type defaultRuleFile struct {
	Rules []models.SafetyRule `yaml:"rules"`
}

// WorkspaceDefaults seeds the SafetyConfig created for a workspace on first
// access. Only the rule set is fixed; everything else comes from process
// configuration.
type WorkspaceDefaults struct {
	Enabled                bool
	RateLimitScope         models.Scope
	RateLimits             models.RateLimits
	BurstAllowance         float64
	CooldownSeconds        int
	Budget                 models.BudgetConfig
	ApprovalTimeoutMinutes int
	Escalation             models.EscalationConfig
}

// DefaultWorkspaceDefaults returns the built-in workspace defaults.
func DefaultWorkspaceDefaults() WorkspaceDefaults {
	return WorkspaceDefaults{
		Enabled:        true,
		RateLimitScope: models.ScopeAgent,
		RateLimits: models.RateLimits{
			TokensPerMinute:          100000,
			RequestsPerMinute:        60,
			FileWritesPerMinute:      30,
			NetworkRequestsPerMinute: 60,
			CommandsPerMinute:        30,
		},
		BurstAllowance:  0.2,
		CooldownSeconds: 60,
		Budget: models.BudgetConfig{
			Scope: models.ScopeWorkspace,
			Limits: models.BudgetLimits{
				TotalTokens:       1000000,
				TotalDollars:      100,
				PerRequestDollars: 5,
			},
			AlertThresholds: []float64{0.5, 0.8, 0.95},
			Action:          models.BudgetActionWarn,
		},
		ApprovalTimeoutMinutes: 30,
		Escalation: models.EscalationConfig{
			Enabled: false,
			Thresholds: models.EscalationThresholds{
				PendingCount:    5,
				WaitTimeMinutes: 15,
			},
		},
	}
}

// LoadDefaultRules parses the embedded rule set. Every rule is enabled,
// normalized, validated, and given a fresh id.
func LoadDefaultRules() ([]models.SafetyRule, error) {
	var file defaultRuleFile
	if err := yaml.Unmarshal(defaultRulesYAML, &file); err != nil {
		return nil, fmt.Errorf("parse default rules: %w", err)
	}
	out := make([]models.SafetyRule, 0, len(file.Rules))
	for _, r := range file.Rules {
		rules.Normalize(&r)
		r.Enabled = true
		if errs := rules.ValidateRule(r); len(errs) > 0 {
			return nil, fmt.Errorf("default rule %q: %w", r.Name, &rules.RuleValidationError{Errors: errs})
		}
		id, err := models.GenerateID(models.PrefixRule, models.DefaultIDLength)
		if err != nil {
			return nil, err
		}
		r.ID = id
		out = append(out, r)
	}
	return out, nil
}

// newDefaultConfig builds the lazily created config for a workspace.
func newDefaultConfig(workspaceID string, d WorkspaceDefaults, now time.Time) (*models.SafetyConfig, error) {
	defaults, err := LoadDefaultRules()
	if err != nil {
		return nil, err
	}
	id, err := models.GenerateID(models.PrefixConfig, models.DefaultIDLength)
	if err != nil {
		return nil, err
	}

	cfg := &models.SafetyConfig{
		ID:          id,
		WorkspaceID: workspaceID,
		Enabled:     d.Enabled,
		Categories:  make(map[models.Category]*models.CategoryConfig, len(models.AllCategories)),
		RateLimits: models.RateLimitConfig{
			Scope:           d.RateLimitScope,
			Limits:          d.RateLimits,
			BurstAllowance:  d.BurstAllowance,
			CooldownSeconds: d.CooldownSeconds,
		},
		Budget: d.Budget,
		ApprovalWorkflow: models.ApprovalWorkflowConfig{
			Enabled:               true,
			DefaultTimeoutMinutes: d.ApprovalTimeoutMinutes,
			Escalation:            d.Escalation,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, cat := range models.AllCategories {
		cfg.Categories[cat] = &models.CategoryConfig{Enabled: true, Rules: []models.SafetyRule{}}
	}
	for _, r := range defaults {
		cc := cfg.Category(r.Category)
		cc.Rules = append(cc.Rules, r)
	}
	// detach slices shared with d
	return cfg.Clone(), nil
}
