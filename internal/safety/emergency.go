package safety

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kubilitics/agent-guardrails/internal/metrics"
	"github.com/kubilitics/agent-guardrails/internal/models"
)

// EmergencyStopRuleName names the deny-all rules injected by EmergencyStop.
// ClearEmergencyStop removes every rule with exactly this name.
const EmergencyStopRuleName = "Emergency Stop"

func emergencyRule(cat models.Category, reason, initiator string) (models.SafetyRule, error) {
	id, err := models.GenerateID(models.PrefixRule, models.DefaultIDLength)
	if err != nil {
		return models.SafetyRule{}, err
	}
	msg := "Emergency stop is active"
	if reason != "" {
		msg += ": " + reason
	}
	return models.SafetyRule{
		ID:          id,
		Name:        EmergencyStopRuleName,
		Description: fmt.Sprintf("Set by %s", initiator),
		Category:    cat,
		Conditions: []models.RuleCondition{
			{Field: models.FieldCategory, PatternType: models.PatternGlob, Pattern: "*"},
		},
		ConditionLogic: models.LogicAnd,
		Action:         models.ActionDeny,
		Severity:       models.SeverityCritical,
		Message:        msg,
		Enabled:        true,
	}, nil
}

// EmergencyStop force-enables the workspace config and every category, and
// puts a deny-everything rule at the front of each category. Calling it
// again replaces the previous emergency rules.
func (s *Service) EmergencyStop(ctx context.Context, workspaceID, reason, initiator string) (*models.SafetyConfig, error) {
	cfg, err := s.mutateConfig(ctx, workspaceID, "emergency_stop", "config", func(cfg *models.SafetyConfig) error {
		cfg.Enabled = true
		for _, cat := range models.AllCategories {
			rule, err := emergencyRule(cat, reason, initiator)
			if err != nil {
				return err
			}
			cc := cfg.Category(cat)
			cc.Enabled = true
			kept, _ := withoutEmergencyRules(cc.Rules)
			cc.Rules = append([]models.SafetyRule{rule}, kept...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("emergency stop: %w", err)
	}

	metrics.EmergencyStops.WithLabelValues("set").Inc()
	s.logger.Warn("emergency stop activated",
		zap.String("workspace_id", workspaceID),
		zap.String("initiator", initiator),
		zap.String("reason", reason),
	)
	s.auditErr("emergency stop", s.audit.LogEmergencyStop(ctx, workspaceID, reason, initiator))
	return cfg, nil
}

// ClearEmergencyStop removes every rule named EmergencyStopRuleName and
// returns how many were removed. Category enablement is left as is.
func (s *Service) ClearEmergencyStop(ctx context.Context, workspaceID, initiator string) (int, error) {
	removed := 0
	_, err := s.mutateConfig(ctx, workspaceID, "clear_emergency_stop", "config", func(cfg *models.SafetyConfig) error {
		removed = 0
		for _, cat := range models.AllCategories {
			cc, ok := cfg.Categories[cat]
			if !ok || cc == nil {
				continue
			}
			kept, n := withoutEmergencyRules(cc.Rules)
			cc.Rules = kept
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("clear emergency stop: %w", err)
	}

	metrics.EmergencyStops.WithLabelValues("cleared").Inc()
	s.logger.Warn("emergency stop cleared",
		zap.String("workspace_id", workspaceID),
		zap.String("initiator", initiator),
		zap.Int("removed_rules", removed),
	)
	s.auditErr("emergency stop cleared", s.audit.LogEmergencyStopCleared(ctx, workspaceID, initiator, removed))
	return removed, nil
}

// EmergencyStopActive reports whether any emergency rule is present.
func (s *Service) EmergencyStopActive(ctx context.Context, workspaceID string) (bool, error) {
	cfg, err := s.GetConfig(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	return emergencyActive(cfg), nil
}

func emergencyActive(cfg *models.SafetyConfig) bool {
	for _, cc := range cfg.Categories {
		if cc == nil {
			continue
		}
		if _, n := withoutEmergencyRules(cc.Rules); n > 0 {
			return true
		}
	}
	return false
}

// keepEmergencyRules moves the emergency rules of prev to the front of next
// and keeps next enabled. Replacing a category never lifts a stop; only
// ClearEmergencyStop does.
func keepEmergencyRules(prev, next *models.CategoryConfig) {
	if prev == nil {
		return
	}
	var active []models.SafetyRule
	for _, r := range prev.Rules {
		if r.Name == EmergencyStopRuleName {
			active = append(active, r.Clone())
		}
	}
	if len(active) == 0 {
		return
	}
	rest, _ := withoutEmergencyRules(next.Rules)
	next.Rules = append(active, rest...)
	next.Enabled = true
}

func withoutEmergencyRules(in []models.SafetyRule) ([]models.SafetyRule, int) {
	out := make([]models.SafetyRule, 0, len(in))
	for _, r := range in {
		if r.Name == EmergencyStopRuleName {
			continue
		}
		out = append(out, r)
	}
	return out, len(in) - len(out)
}
