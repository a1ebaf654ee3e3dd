package models

// Package models defines the data types shared by the guardrail engine,
// the storage layer, and the approval workflow.
//
// Operations are open-ended: rules are user-authored and reference fields by
// name, so SafetyOperation carries a string-keyed field map instead of a fixed
// struct. The well-known keys below are the ones the default rule set and the
// rule validator know about.

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category groups operations that share a rule set and a rate-limit bucket.
type Category string

const (
	CategoryFilesystem Category = "filesystem"
	CategoryGit        Category = "git"
	CategoryNetwork    Category = "network"
	CategoryExecution  Category = "execution"
	CategoryResources  Category = "resources"
	CategoryContent    Category = "content"
)

// AllCategories lists every category in a stable order.
var AllCategories = []Category{
	CategoryFilesystem,
	CategoryGit,
	CategoryNetwork,
	CategoryExecution,
	CategoryResources,
	CategoryContent,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Well-known operation field keys.
const (
	FieldPath      = "path"
	FieldOperation = "operation"
	FieldCommand   = "command"
	FieldArgs      = "args"
	FieldBranch    = "branch"
	FieldRemote    = "remote"
	FieldURL       = "url"
	FieldHost      = "host"
	FieldMethod    = "method"
	FieldResource  = "resource"
	FieldContent   = "content"
	FieldFiles     = "files"

	// FieldCategory is a pseudo-field: it always resolves to the
	// operation's own category. A "category" entry in Fields is ignored.
	FieldCategory = "category"
)

// FieldValue holds one or more string values for an operation field.
// It decodes from either a JSON string or a JSON array of strings.
type FieldValue []string

// UnmarshalJSON accepts "value" or ["a", "b"].
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*v = FieldValue{single}
		return nil
	}
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return fmt.Errorf("field value must be a string or an array of strings: %w", err)
	}
	*v = FieldValue(multi)
	return nil
}

// SafetyOperation is a candidate agent operation. It is built per call and
// never persisted on its own.
type SafetyOperation struct {
	Category Category              `json:"category"`
	Fields   map[string]FieldValue `json:"fields"`
}

// NewOperation returns an operation with an empty field map.
func NewOperation(category Category) SafetyOperation {
	return SafetyOperation{Category: category, Fields: make(map[string]FieldValue)}
}

// With returns a copy of the operation with field set.
func (o SafetyOperation) With(field string, values ...string) SafetyOperation {
	out := o.Clone()
	out.Fields[field] = FieldValue(values)
	return out
}

// Lookup returns the values of field and whether the field is present.
func (o SafetyOperation) Lookup(field string) ([]string, bool) {
	if field == FieldCategory {
		if o.Category == "" {
			return nil, false
		}
		return []string{string(o.Category)}, true
	}
	v, ok := o.Fields[field]
	return v, ok
}

// Clone returns a deep copy of the operation.
func (o SafetyOperation) Clone() SafetyOperation {
	out := SafetyOperation{Category: o.Category, Fields: make(map[string]FieldValue, len(o.Fields))}
	for k, v := range o.Fields {
		out.Fields[k] = append(FieldValue(nil), v...)
	}
	return out
}

// PatternType selects how a condition pattern is matched.
type PatternType string

const (
	PatternExact  PatternType = "exact"
	PatternPrefix PatternType = "prefix"
	PatternSuffix PatternType = "suffix"
	PatternGlob   PatternType = "glob"
	PatternRegex  PatternType = "regex"
)

// Valid reports whether t is a known pattern type.
func (t PatternType) Valid() bool {
	switch t {
	case PatternExact, PatternPrefix, PatternSuffix, PatternGlob, PatternRegex:
		return true
	}
	return false
}

// ConditionLogic combines the conditions of a rule.
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "and"
	LogicOr  ConditionLogic = "or"
)

// RuleAction is the verdict a matching rule contributes.
type RuleAction string

const (
	ActionAllow   RuleAction = "allow"
	ActionDeny    RuleAction = "deny"
	ActionWarn    RuleAction = "warn"
	ActionApprove RuleAction = "approve"
)

// Valid reports whether a is a known action.
func (a RuleAction) Valid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionWarn, ActionApprove:
		return true
	}
	return false
}

// Restrictiveness orders actions: deny > approve > warn > allow.
func (a RuleAction) Restrictiveness() int {
	switch a {
	case ActionDeny:
		return 3
	case ActionApprove:
		return 2
	case ActionWarn:
		return 1
	}
	return 0
}

// Severity of a rule.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// RuleCondition tests one operation field against a pattern.
type RuleCondition struct {
	Field       string      `json:"field" yaml:"field"`
	PatternType PatternType `json:"pattern_type" yaml:"pattern_type"`
	Pattern     string      `json:"pattern" yaml:"pattern"`
	Negate      bool        `json:"negate,omitempty" yaml:"negate,omitempty"`
}

// SafetyRule is a named condition/action pair owned by a SafetyConfig.
type SafetyRule struct {
	ID             string          `json:"id" yaml:"id"`
	Name           string          `json:"name" yaml:"name"`
	Description    string          `json:"description,omitempty" yaml:"description,omitempty"`
	Category       Category        `json:"category" yaml:"category"`
	Conditions     []RuleCondition `json:"conditions" yaml:"conditions"`
	ConditionLogic ConditionLogic  `json:"condition_logic" yaml:"condition_logic"`
	Action         RuleAction      `json:"action" yaml:"action"`
	Severity       Severity        `json:"severity" yaml:"severity"`
	Message        string          `json:"message" yaml:"message"`
	Enabled        bool            `json:"enabled" yaml:"enabled"`
	Alternatives   []string        `json:"alternatives,omitempty" yaml:"alternatives,omitempty"`
}

// Clone returns a deep copy of the rule.
func (r SafetyRule) Clone() SafetyRule {
	out := r
	out.Conditions = append([]RuleCondition(nil), r.Conditions...)
	if r.Alternatives != nil {
		out.Alternatives = append([]string(nil), r.Alternatives...)
	}
	return out
}

// Scope selects which identity a rate limit or budget is keyed on.
type Scope string

const (
	ScopeAgent     Scope = "agent"
	ScopeWorkspace Scope = "workspace"
	ScopeSession   Scope = "session"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeAgent, ScopeWorkspace, ScopeSession:
		return true
	}
	return false
}

const workspaceFallbackPrefix = "workspace:"

// Resolve picks the identity a scope is keyed on. An unset agent or
// session id falls back to the workspace id, prefixed so it never collides
// with an agent or session that shares the workspace's id.
func (s Scope) Resolve(workspaceID, agentID, sessionID string) string {
	switch s {
	case ScopeAgent:
		if agentID != "" {
			return agentID
		}
		return workspaceFallbackPrefix + workspaceID
	case ScopeSession:
		if sessionID != "" {
			return sessionID
		}
		return workspaceFallbackPrefix + workspaceID
	}
	return workspaceID
}

// CategoryConfig holds the rules of one category.
type CategoryConfig struct {
	Enabled bool         `json:"enabled"`
	Rules   []SafetyRule `json:"rules"`
}

// RateLimits are the per-minute base limits.
type RateLimits struct {
	TokensPerMinute          int `json:"tokens_per_minute"`
	RequestsPerMinute        int `json:"requests_per_minute"`
	FileWritesPerMinute      int `json:"file_writes_per_minute"`
	NetworkRequestsPerMinute int `json:"network_requests_per_minute"`
	CommandsPerMinute        int `json:"commands_per_minute"`
}

// RateLimitConfig configures the fixed-window limiter for a workspace.
type RateLimitConfig struct {
	Scope           Scope      `json:"scope"`
	Limits          RateLimits `json:"limits"`
	BurstAllowance  float64    `json:"burst_allowance"`
	CooldownSeconds int        `json:"cooldown_seconds"`
}

// BudgetAction is the consequence of an exceeded budget.
type BudgetAction string

const (
	BudgetActionWarn      BudgetAction = "warn"
	BudgetActionPause     BudgetAction = "pause"
	BudgetActionTerminate BudgetAction = "terminate"
)

// Valid reports whether a is a known budget action.
func (a BudgetAction) Valid() bool {
	switch a {
	case BudgetActionWarn, BudgetActionPause, BudgetActionTerminate:
		return true
	}
	return false
}

// BudgetLimits caps usage per period.
type BudgetLimits struct {
	TotalTokens       int64   `json:"total_tokens"`
	TotalDollars      float64 `json:"total_dollars"`
	PerRequestDollars float64 `json:"per_request_dollars"`
}

// BudgetConfig configures usage accounting for a workspace.
type BudgetConfig struct {
	Scope           Scope        `json:"scope"`
	Limits          BudgetLimits `json:"limits"`
	AlertThresholds []float64    `json:"alert_thresholds"`
	Action          BudgetAction `json:"action"`
}

// EscalationThresholds trigger escalation of the approval backlog.
type EscalationThresholds struct {
	PendingCount    int `json:"pending_count"`
	WaitTimeMinutes int `json:"wait_time_minutes"`
}

// EscalationConfig is owned by the caller; the engine only decides.
type EscalationConfig struct {
	Enabled      bool                 `json:"enabled"`
	Thresholds   EscalationThresholds `json:"thresholds"`
	NotifyEmails []string             `json:"notify_emails,omitempty"`
	WebhookURL   string               `json:"webhook_url,omitempty"`
}

// ApprovalWorkflowConfig configures approval defaults for a workspace.
type ApprovalWorkflowConfig struct {
	Enabled               bool             `json:"enabled"`
	DefaultTimeoutMinutes int              `json:"default_timeout_minutes"`
	Escalation            EscalationConfig `json:"escalation"`
}

// SafetyConfig is the single live guardrail configuration of a workspace.
type SafetyConfig struct {
	ID               string                       `json:"id"`
	WorkspaceID      string                       `json:"workspace_id"`
	Enabled          bool                         `json:"enabled"`
	Categories       map[Category]*CategoryConfig `json:"categories"`
	RateLimits       RateLimitConfig              `json:"rate_limits"`
	Budget           BudgetConfig                 `json:"budget"`
	ApprovalWorkflow ApprovalWorkflowConfig       `json:"approval_workflow"`
	CreatedAt        time.Time                    `json:"created_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (c *SafetyConfig) Clone() *SafetyConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Categories = make(map[Category]*CategoryConfig, len(c.Categories))
	for cat, cc := range c.Categories {
		if cc == nil {
			continue
		}
		rules := make([]SafetyRule, len(cc.Rules))
		for i, r := range cc.Rules {
			rules[i] = r.Clone()
		}
		out.Categories[cat] = &CategoryConfig{Enabled: cc.Enabled, Rules: rules}
	}
	out.Budget.AlertThresholds = append([]float64(nil), c.Budget.AlertThresholds...)
	out.ApprovalWorkflow.Escalation.NotifyEmails = append([]string(nil), c.ApprovalWorkflow.Escalation.NotifyEmails...)
	return &out
}

// Category returns the config of cat, creating an empty disabled one if missing.
func (c *SafetyConfig) Category(cat Category) *CategoryConfig {
	if c.Categories == nil {
		c.Categories = make(map[Category]*CategoryConfig)
	}
	cc, ok := c.Categories[cat]
	if !ok || cc == nil {
		cc = &CategoryConfig{}
		c.Categories[cat] = cc
	}
	return cc
}

// FindRule returns the category and index of the rule with id, or -1.
func (c *SafetyConfig) FindRule(id string) (Category, int) {
	for _, cat := range AllCategories {
		cc, ok := c.Categories[cat]
		if !ok || cc == nil {
			continue
		}
		for i, r := range cc.Rules {
			if r.ID == id {
				return cat, i
			}
		}
	}
	return "", -1
}

// ViolationAction records what happened to the operation.
type ViolationAction string

const (
	ViolationBlocked         ViolationAction = "blocked"
	ViolationWarned          ViolationAction = "warned"
	ViolationPendingApproval ViolationAction = "pending_approval"
)

// ViolationActionFor maps a rule action to its audit action. Allow has none.
func ViolationActionFor(a RuleAction) (ViolationAction, bool) {
	switch a {
	case ActionDeny:
		return ViolationBlocked, true
	case ActionApprove:
		return ViolationPendingApproval, true
	case ActionWarn:
		return ViolationWarned, true
	}
	return "", false
}

// SafetyViolation is an append-only audit record of a matched non-allow rule.
type SafetyViolation struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	AgentID     string            `json:"agent_id"`
	SessionID   string            `json:"session_id"`
	WorkspaceID string            `json:"workspace_id"`
	Rule        SafetyRule        `json:"rule"`
	Operation   SafetyOperation   `json:"operation"`
	Action      ViolationAction   `json:"action"`
	Context     map[string]string `json:"context,omitempty"`
}

// ViolationFilter narrows a violation query. Zero values match everything.
type ViolationFilter struct {
	WorkspaceID string
	AgentID     string
	SessionID   string
	Action      ViolationAction
	Since       time.Time
	Limit       int
}

// BudgetUsageRecord accumulates usage for one scope and period.
type BudgetUsageRecord struct {
	WorkspaceID   string    `json:"workspace_id"`
	Scope         Scope     `json:"scope"`
	ScopeID       string    `json:"scope_id"`
	PeriodStart   time.Time `json:"period_start"`
	TokensUsed    int64     `json:"tokens_used"`
	DollarsUsed   float64   `json:"dollars_used"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// BudgetKey identifies a usage accumulator.
type BudgetKey struct {
	WorkspaceID string
	Scope       Scope
	ScopeID     string
	PeriodStart time.Time
}

// String renders the key for lock maps and logs.
func (k BudgetKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.WorkspaceID, k.Scope, k.ScopeID, k.PeriodStart.UTC().Format("2006-01-02"))
}
