package models

import (
	"errors"
	"fmt"
	"time"
)

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	StatusPending   ApprovalStatus = "pending"
	StatusApproved  ApprovalStatus = "approved"
	StatusDenied    ApprovalStatus = "denied"
	StatusExpired   ApprovalStatus = "expired"
	StatusCancelled ApprovalStatus = "cancelled"
)

// AllStatuses lists every status in a stable order.
var AllStatuses = []ApprovalStatus{StatusPending, StatusApproved, StatusDenied, StatusExpired, StatusCancelled}

// Valid reports whether s is a known status.
func (s ApprovalStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s ApprovalStatus) Terminal() bool {
	return s != StatusPending
}

// transitions is the complete state machine. Only pending has successors.
var transitions = map[ApprovalStatus][]ApprovalStatus{
	StatusPending: {StatusApproved, StatusDenied, StatusExpired, StatusCancelled},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to ApprovalStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidApprovalStatus when from → to is illegal.
func ValidateTransition(from, to ApprovalStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidApprovalStatus, from, to)
	}
	return nil
}

// Workflow errors. Callers match them with errors.Is; the messages carry the
// stable substrings "not found", "status" and "expired".
var (
	ErrApprovalNotFound      = errors.New("approval request not found")
	ErrInvalidApprovalStatus = errors.New("approval request status is not pending")
	ErrApprovalExpired       = errors.New("approval request has expired")
)

// Priority of an approval request.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// AllPriorities lists every priority from most to least urgent.
var AllPriorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// Rank orders priorities for queue display: urgent sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 2
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Decision is the human verdict on an approval request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// Status returns the terminal status a decision produces.
func (d Decision) Status() (ApprovalStatus, bool) {
	switch d {
	case DecisionApproved:
		return StatusApproved, true
	case DecisionDenied:
		return StatusDenied, true
	}
	return "", false
}

// ApprovalRequest is a human-approval ticket opened for an "approve" verdict.
type ApprovalRequest struct {
	ID             string            `json:"id"`
	AgentID        string            `json:"agent_id"`
	SessionID      string            `json:"session_id"`
	WorkspaceID    string            `json:"workspace_id"`
	Operation      SafetyOperation   `json:"operation"`
	Rule           *SafetyRule       `json:"rule,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
	Status         ApprovalStatus    `json:"status"`
	Priority       Priority          `json:"priority"`
	RequestedAt    time.Time         `json:"requested_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	DecidedBy      string            `json:"decided_by,omitempty"`
	DecidedAt      *time.Time        `json:"decided_at,omitempty"`
	DecisionReason string            `json:"decision_reason,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
}

// IsExpiredAt reports whether a pending request is past its deadline at now.
func (r *ApprovalRequest) IsExpiredAt(now time.Time) bool {
	return r.Status == StatusPending && !r.ExpiresAt.After(now)
}

// StatusTransition is a conditional update: apply only if the request is
// still in From.
type StatusTransition struct {
	ID        string
	From      ApprovalStatus
	To        ApprovalStatus
	DecidedBy string
	DecidedAt time.Time
	Reason    string
}

// ApprovalFilter narrows approval listings. Zero values match everything.
type ApprovalFilter struct {
	WorkspaceID    string
	AgentID        string
	SessionID      string
	Status         ApprovalStatus
	Since          time.Time
	IncludeExpired bool
}
