package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kubilitics/agent-guardrails/internal/models"
	"github.com/kubilitics/agent-guardrails/internal/safety/pattern"
)

// ValidationError describes one problem with a rule definition.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// RuleValidationError carries every problem found in a rejected rule.
type RuleValidationError struct {
	Errors []ValidationError
}

func (e *RuleValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.Error())
	}
	return "invalid rule: " + strings.Join(msgs, "; ")
}

// Normalize fills defaults for optional rule fields.
func Normalize(rule *models.SafetyRule) {
	if rule.ConditionLogic == "" {
		rule.ConditionLogic = models.LogicAnd
	}
	if rule.Severity == "" {
		rule.Severity = models.SeverityMedium
	}
}

// ValidateRule checks the structure of a rule. It never panics and returns
// an empty slice for a valid rule.
func ValidateRule(rule models.SafetyRule) []ValidationError {
	errs := make([]ValidationError, 0)

	if strings.TrimSpace(rule.Name) == "" {
		errs = append(errs, ValidationError{Field: "name", Message: "name is required"})
	}
	if strings.TrimSpace(rule.Message) == "" {
		errs = append(errs, ValidationError{Field: "message", Message: "message is required"})
	}
	if !rule.Category.Valid() {
		errs = append(errs, ValidationError{Field: "category", Message: fmt.Sprintf("unknown category %q", rule.Category)})
	}
	if !rule.Action.Valid() {
		errs = append(errs, ValidationError{Field: "action", Message: fmt.Sprintf("action must be one of allow, deny, warn, approve, got %q", rule.Action)})
	}
	if rule.Severity != "" && !rule.Severity.Valid() {
		errs = append(errs, ValidationError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", rule.Severity)})
	}
	if rule.ConditionLogic != "" && rule.ConditionLogic != models.LogicAnd && rule.ConditionLogic != models.LogicOr {
		errs = append(errs, ValidationError{Field: "condition_logic", Message: fmt.Sprintf("condition logic must be and or or, got %q", rule.ConditionLogic)})
	}
	if len(rule.Conditions) == 0 {
		errs = append(errs, ValidationError{Field: "conditions", Message: "at least one condition is required"})
	}

	for i, c := range rule.Conditions {
		prefix := fmt.Sprintf("conditions[%d]", i)
		if strings.TrimSpace(c.Field) == "" {
			errs = append(errs, ValidationError{Field: prefix + ".field", Message: "field is required"})
		}
		if !c.PatternType.Valid() {
			errs = append(errs, ValidationError{Field: prefix + ".pattern_type", Message: fmt.Sprintf("unknown pattern type %q", c.PatternType)})
			continue
		}
		if c.Pattern == "" {
			errs = append(errs, ValidationError{Field: prefix + ".pattern", Message: "pattern is required"})
			continue
		}
		switch c.PatternType {
		case models.PatternRegex:
			if pattern.IsDangerousPattern(c.Pattern) {
				errs = append(errs, ValidationError{Field: prefix + ".pattern", Message: "pattern may cause catastrophic backtracking"})
			} else if _, err := regexp.Compile(c.Pattern); err != nil {
				errs = append(errs, ValidationError{Field: prefix + ".pattern", Message: fmt.Sprintf("invalid regex: %v", err)})
			}
		case models.PatternGlob:
			if _, err := pattern.GlobToRegexp(c.Pattern); err != nil {
				errs = append(errs, ValidationError{Field: prefix + ".pattern", Message: fmt.Sprintf("invalid glob: %v", err)})
			}
		}
	}
	return errs
}
