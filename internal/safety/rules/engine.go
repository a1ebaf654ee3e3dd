package rules

// Package rules evaluates guardrail rules against agent operations.
//
// A single rule matches when it is enabled, belongs to the operation's
// category, and its conditions hold under its condition logic (and/or).
//
// A rule set is evaluated with strict cross-rule precedence:
//
//	deny    - first match wins and short-circuits everything else
//	approve - all evaluated; any match requires human approval
//	warn    - all evaluated; every match contributes a warning
//	allow   - all evaluated for auditing; never changes the verdict
//
// Within each action class rules keep their input order.

import (
	"go.uber.org/zap"

	"github.com/kubilitics/agent-guardrails/internal/models"
	"github.com/kubilitics/agent-guardrails/internal/safety/pattern"
)

// RuleResult is the outcome of evaluating one rule.
type RuleResult struct {
	Matched      bool              `json:"matched"`
	Action       models.RuleAction `json:"action,omitempty"`
	Message      string            `json:"message,omitempty"`
	Alternatives []string          `json:"alternatives,omitempty"`
}

// RuleSetResult is the combined verdict of a rule set.
type RuleSetResult struct {
	Allowed          bool                `json:"allowed"`
	Action           models.RuleAction   `json:"action"`
	MatchedRules     []models.SafetyRule `json:"matched_rules"`
	Reason           string              `json:"reason,omitempty"`
	RequiresApproval bool                `json:"requires_approval"`
	Warnings         []string            `json:"warnings"`
}

// Engine evaluates rules. It is safe for concurrent use.
type Engine struct {
	matcher *pattern.Matcher
	logger  *zap.Logger
}

// NewEngine creates a rule engine. A nil logger discards output.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		matcher: pattern.NewMatcher(logger.Named("pattern")),
		logger:  logger,
	}
}

// Matcher exposes the pattern matcher used by the engine.
func (e *Engine) Matcher() *pattern.Matcher {
	return e.matcher
}

// EvaluateRule evaluates a single rule against op.
func (e *Engine) EvaluateRule(rule models.SafetyRule, op models.SafetyOperation) RuleResult {
	if !rule.Enabled || rule.Category != op.Category {
		return RuleResult{}
	}
	if !e.conditionsHold(rule, op) {
		return RuleResult{}
	}
	res := RuleResult{
		Matched: true,
		Action:  rule.Action,
		Message: rule.Message,
	}
	if len(rule.Alternatives) > 0 {
		res.Alternatives = append([]string(nil), rule.Alternatives...)
	}
	return res
}

func (e *Engine) conditionsHold(rule models.SafetyRule, op models.SafetyOperation) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	if rule.ConditionLogic == models.LogicOr {
		for _, c := range rule.Conditions {
			if e.matcher.EvaluateCondition(c, op) {
				return true
			}
		}
		return false
	}
	for _, c := range rule.Conditions {
		if !e.matcher.EvaluateCondition(c, op) {
			return false
		}
	}
	return true
}

// EvaluateRuleSet evaluates rules with deny > approve > warn > allow precedence.
func (e *Engine) EvaluateRuleSet(ruleSet []models.SafetyRule, op models.SafetyOperation) RuleSetResult {
	var deny, approve, warn, allow []models.SafetyRule
	for _, r := range ruleSet {
		switch r.Action {
		case models.ActionDeny:
			deny = append(deny, r)
		case models.ActionApprove:
			approve = append(approve, r)
		case models.ActionWarn:
			warn = append(warn, r)
		case models.ActionAllow:
			allow = append(allow, r)
		default:
			e.logger.Warn("rule with unknown action skipped",
				zap.String("rule_id", r.ID), zap.String("action", string(r.Action)))
		}
	}

	result := RuleSetResult{
		MatchedRules: make([]models.SafetyRule, 0),
		Warnings:     make([]string, 0),
	}

	for _, r := range deny {
		if res := e.EvaluateRule(r, op); res.Matched {
			result.Allowed = false
			result.Action = models.ActionDeny
			result.Reason = res.Message
			result.MatchedRules = append(result.MatchedRules, r)
			return result
		}
	}

	for _, r := range approve {
		if res := e.EvaluateRule(r, op); res.Matched {
			if !result.RequiresApproval {
				result.Reason = res.Message
			}
			result.RequiresApproval = true
			result.MatchedRules = append(result.MatchedRules, r)
		}
	}

	for _, r := range warn {
		if res := e.EvaluateRule(r, op); res.Matched {
			result.Warnings = append(result.Warnings, res.Message)
			result.MatchedRules = append(result.MatchedRules, r)
		}
	}

	for _, r := range allow {
		if res := e.EvaluateRule(r, op); res.Matched {
			result.MatchedRules = append(result.MatchedRules, r)
		}
	}

	if result.RequiresApproval {
		result.Allowed = false
		result.Action = models.ActionApprove
		return result
	}

	result.Allowed = true
	result.Action = models.ActionAllow
	result.Reason = ""
	return result
}
