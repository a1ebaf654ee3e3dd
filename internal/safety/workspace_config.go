package safety

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kubilitics/agent-guardrails/internal/models"
	"github.com/kubilitics/agent-guardrails/internal/safety/rules"
)

var (
	// ErrRuleNotFound is returned when a rule id is not in the workspace config.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrDuplicateRule is returned when an added rule reuses an existing id.
	ErrDuplicateRule = errors.New("rule id already exists")
)

// ConfigError reports an invalid non-rule config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Message)
}

// ConfigUpdate is a partial config change. Nil fields are left unchanged.
// Categories replaces the listed categories wholesale.
type ConfigUpdate struct {
	Enabled          *bool                                      `json:"enabled,omitempty"`
	Categories       map[models.Category]*models.CategoryConfig `json:"categories,omitempty"`
	RateLimits       *models.RateLimitConfig                    `json:"rate_limits,omitempty"`
	Budget           *models.BudgetConfig                       `json:"budget,omitempty"`
	ApprovalWorkflow *models.ApprovalWorkflowConfig             `json:"approval_workflow,omitempty"`
}

// GetConfig returns the workspace config, creating it with the default rule
// set on first access.
func (s *Service) GetConfig(ctx context.Context, workspaceID string) (*models.SafetyConfig, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("get config: workspace id is required")
	}
	cfg, err := s.store.GetConfig(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	if cfg != nil {
		return cfg, nil
	}

	fresh, err := newDefaultConfig(workspaceID, s.defaults, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("build default config: %w", err)
	}
	cfg, err = s.store.CreateConfigIfAbsent(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("create default config: %w", err)
	}
	if cfg.ID == fresh.ID {
		s.logger.Info("created default safety config",
			zap.String("workspace_id", workspaceID),
			zap.String("config_id", cfg.ID),
		)
	}
	return cfg, nil
}

// mutateConfig applies fn to a copy of the workspace config under the
// workspace lock and saves it only if fn succeeds.
func (s *Service) mutateConfig(ctx context.Context, workspaceID, change, resource string, fn func(cfg *models.SafetyConfig) error) (*models.SafetyConfig, error) {
	mu := s.configLock(workspaceID)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.GetConfig(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now().UTC()
	if err := s.store.SaveConfig(ctx, next); err != nil {
		return nil, fmt.Errorf("save config: %w", err)
	}
	s.auditErr("config changed", s.audit.LogConfigChanged(ctx, workspaceID, change, resource))
	return next, nil
}

// UpdateConfig applies a partial update after validating every field it
// touches. Nothing is saved if any part is invalid.
func (s *Service) UpdateConfig(ctx context.Context, workspaceID string, u ConfigUpdate) (*models.SafetyConfig, error) {
	return s.mutateConfig(ctx, workspaceID, "update_config", "config", func(cfg *models.SafetyConfig) error {
		if u.RateLimits != nil {
			if err := validateRateLimits(*u.RateLimits); err != nil {
				return err
			}
		}
		if u.Budget != nil {
			if err := validateBudget(*u.Budget); err != nil {
				return err
			}
		}
		if u.ApprovalWorkflow != nil && u.ApprovalWorkflow.DefaultTimeoutMinutes < 0 {
			return &ConfigError{Field: "approval_workflow.default_timeout_minutes", Message: "must not be negative"}
		}
		categories := make(map[models.Category]*models.CategoryConfig, len(u.Categories))
		for cat, cc := range u.Categories {
			if !cat.Valid() {
				return &ConfigError{Field: "categories", Message: fmt.Sprintf("unknown category %q", cat)}
			}
			if cc == nil {
				return &ConfigError{Field: "categories." + string(cat), Message: "category config is required"}
			}
			prepared := &models.CategoryConfig{Enabled: cc.Enabled, Rules: make([]models.SafetyRule, len(cc.Rules))}
			for i, r := range cc.Rules {
				r = r.Clone()
				if err := s.prepareRule(&r, cat); err != nil {
					return err
				}
				prepared.Rules[i] = r
			}
			categories[cat] = prepared
		}

		if u.Enabled != nil {
			cfg.Enabled = *u.Enabled || emergencyActive(cfg)
		}
		for cat, cc := range categories {
			keepEmergencyRules(cfg.Categories[cat], cc)
			cfg.Categories[cat] = cc
		}
		if u.RateLimits != nil {
			cfg.RateLimits = *u.RateLimits
		}
		if u.Budget != nil {
			cfg.Budget = *u.Budget
			cfg.Budget.AlertThresholds = append([]float64(nil), u.Budget.AlertThresholds...)
		}
		if u.ApprovalWorkflow != nil {
			cfg.ApprovalWorkflow = *u.ApprovalWorkflow
			cfg.ApprovalWorkflow.Escalation.NotifyEmails = append([]string(nil), u.ApprovalWorkflow.Escalation.NotifyEmails...)
		}
		return nil
	})
}

// AddRule validates rule and appends it to its category.
func (s *Service) AddRule(ctx context.Context, workspaceID string, rule models.SafetyRule) (*models.SafetyRule, error) {
	if err := s.prepareRule(&rule, rule.Category); err != nil {
		return nil, err
	}
	_, err := s.mutateConfig(ctx, workspaceID, "add_rule", rule.ID, func(cfg *models.SafetyConfig) error {
		if _, idx := cfg.FindRule(rule.ID); idx >= 0 {
			return fmt.Errorf("add rule %s: %w", rule.ID, ErrDuplicateRule)
		}
		cc := cfg.Category(rule.Category)
		cc.Rules = append(cc.Rules, rule.Clone())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// RemoveRule deletes a rule by id.
func (s *Service) RemoveRule(ctx context.Context, workspaceID, ruleID string) error {
	_, err := s.mutateConfig(ctx, workspaceID, "remove_rule", ruleID, func(cfg *models.SafetyConfig) error {
		cat, idx := cfg.FindRule(ruleID)
		if idx < 0 {
			return fmt.Errorf("remove rule %s: %w", ruleID, ErrRuleNotFound)
		}
		cc := cfg.Categories[cat]
		cc.Rules = append(cc.Rules[:idx], cc.Rules[idx+1:]...)
		return nil
	})
	return err
}

// ToggleRule sets the enabled flag of a rule and returns the updated rule.
func (s *Service) ToggleRule(ctx context.Context, workspaceID, ruleID string, enabled bool) (*models.SafetyRule, error) {
	var out models.SafetyRule
	_, err := s.mutateConfig(ctx, workspaceID, "toggle_rule", ruleID, func(cfg *models.SafetyConfig) error {
		cat, idx := cfg.FindRule(ruleID)
		if idx < 0 {
			return fmt.Errorf("toggle rule %s: %w", ruleID, ErrRuleNotFound)
		}
		r := &cfg.Categories[cat].Rules[idx]
		r.Enabled = enabled
		out = r.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// prepareRule normalizes and validates rule for placement in category cat,
// assigning an id if it has none.
func (s *Service) prepareRule(rule *models.SafetyRule, cat models.Category) error {
	rules.Normalize(rule)
	if rule.Category == "" {
		rule.Category = cat
	}
	errs := rules.ValidateRule(*rule)
	if rule.Category != cat {
		errs = append(errs, rules.ValidationError{
			Field:   "category",
			Message: fmt.Sprintf("rule category %q does not match %q", rule.Category, cat),
		})
	}
	if len(errs) > 0 {
		return &rules.RuleValidationError{Errors: errs}
	}
	if rule.ID == "" {
		id, err := models.GenerateID(models.PrefixRule, models.DefaultIDLength)
		if err != nil {
			return err
		}
		rule.ID = id
	}
	return nil
}

func validateRateLimits(rl models.RateLimitConfig) error {
	if !rl.Scope.Valid() {
		return &ConfigError{Field: "rate_limits.scope", Message: fmt.Sprintf("unknown scope %q", rl.Scope)}
	}
	if rl.BurstAllowance < 0 {
		return &ConfigError{Field: "rate_limits.burst_allowance", Message: "must not be negative"}
	}
	if rl.CooldownSeconds < 0 {
		return &ConfigError{Field: "rate_limits.cooldown_seconds", Message: "must not be negative"}
	}
	return nil
}

func validateBudget(b models.BudgetConfig) error {
	if !b.Scope.Valid() {
		return &ConfigError{Field: "budget.scope", Message: fmt.Sprintf("unknown scope %q", b.Scope)}
	}
	if b.Action != "" && !b.Action.Valid() {
		return &ConfigError{Field: "budget.action", Message: fmt.Sprintf("unknown action %q", b.Action)}
	}
	if b.Limits.TotalDollars < 0 || b.Limits.PerRequestDollars < 0 || b.Limits.TotalTokens < 0 {
		return &ConfigError{Field: "budget.limits", Message: "limits must not be negative"}
	}
	for _, t := range b.AlertThresholds {
		if t <= 0 {
			return &ConfigError{Field: "budget.alert_thresholds", Message: fmt.Sprintf("threshold %v must be positive", t)}
		}
	}
	return nil
}
