package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Guardrail metrics for production monitoring
var (
	// Pre-flight metrics
	PreFlightChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_guardrails_preflight_checks_total",
			Help: "Total number of pre-flight checks by category and verdict",
		},
		[]string{"category", "action"}, // action: allow/deny/approve
	)

	PreFlightDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_guardrails_preflight_duration_seconds",
			Help:    "Pre-flight check duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
		},
		[]string{"category"},
	)

	PreFlightErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_guardrails_preflight_errors_total",
			Help: "Pre-flight checks that failed closed on an internal error",
		},
		[]string{"stage"}, // stage: config/budget/violations
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_guardrails_rule_matches_total",
			Help: "Total number of matched rules by category and rule action",
		},
		[]string{"category", "action", "severity"},
	)

	// Rate limit metrics
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_guardrails_rate_limited_total",
			Help: "Operations rejected by the rate limiter",
		},
		[]string{"limit_type"},
	)

	// Budget metrics
	BudgetDollarsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_guardrails_budget_dollars_total",
			Help: "Total dollars recorded against budgets",
		},
		[]string{"scope"},
	)

	BudgetTokensRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_guardrails_budget_tokens_total",
			Help: "Total tokens recorded against budgets",
		},
		[]string{"scope"},
	)

	BudgetThresholdCrossings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_guardrails_budget_threshold_crossings_total",
			Help: "Budget alert thresholds crossed",
		},
		[]string{"threshold"},
	)

	BudgetExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_guardrails_budget_exceeded_total",
			Help: "Pre-flight checks that found the budget exceeded, by configured action",
		},
		[]string{"budget_action"},
	)

	// Approval metrics
	ApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_guardrails_approvals_total",
			Help: "Approval requests by resulting status",
		},
		[]string{"status"}, // status: pending/approved/denied/cancelled/expired
	)

	ApprovalDecisionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_guardrails_approval_decision_seconds",
			Help:    "Time from approval request to decision",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
		},
	)

	Escalations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_guardrails_escalations_total",
			Help: "Escalation checks that decided to escalate",
		},
	)

	// Emergency stop
	EmergencyStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_guardrails_emergency_stops_total",
			Help: "Emergency stop activations and clears",
		},
		[]string{"event"}, // event: set/cleared
	)
)
