package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kubilitics/agent-guardrails/internal/models"
)

// ─── Approvals ────────────────────────────────────────────────────────────────

const approvalColumns = `id, workspace_id, agent_id, session_id, status, priority, operation, rule, context,
	requested_at, expires_at, decided_by, decided_at, decision_reason, correlation_id`

func (s *sqliteStore) InsertApproval(ctx context.Context, req *models.ApprovalRequest) error {
	op, err := json.Marshal(req.Operation)
	if err != nil {
		return fmt.Errorf("marshal approval operation: %w", err)
	}
	rule := ""
	if req.Rule != nil {
		b, err := json.Marshal(req.Rule)
		if err != nil {
			return fmt.Errorf("marshal approval rule: %w", err)
		}
		rule = string(b)
	}
	actx, err := json.Marshal(nonNilContext(req.Context))
	if err != nil {
		return fmt.Errorf("marshal approval context: %w", err)
	}
	var decidedAt sql.NullString
	if req.DecidedAt != nil {
		decidedAt = formatNullTime(*req.DecidedAt)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.WorkspaceID, req.AgentID, req.SessionID, string(req.Status), string(req.Priority),
		string(op), rule, string(actx), formatTime(req.RequestedAt), formatTime(req.ExpiresAt),
		req.DecidedBy, decidedAt, req.DecisionReason, req.CorrelationID)
	if err != nil {
		return fmt.Errorf("insert approval %s: %w", req.ID, err)
	}
	return nil
}

func (s *sqliteStore) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, id)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrApprovalNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (s *sqliteStore) ListApprovals(ctx context.Context, f models.ApprovalFilter) ([]*models.ApprovalRequest, error) {
	var where []string
	var args []any
	if f.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "requested_at >= ?")
		args = append(args, formatTime(f.Since))
	}

	q := `SELECT ` + approvalColumns + ` FROM approval_requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	results := make([]*models.ApprovalRequest, 0)
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return results, nil
}

func (s *sqliteStore) TransitionApproval(ctx context.Context, t models.StatusTransition) (bool, error) {
	if err := models.ValidateTransition(t.From, t.To); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = ?, decided_by = ?, decided_at = ?, decision_reason = ?
		WHERE id = ? AND status = ?
	`, string(t.To), t.DecidedBy, formatNullTime(t.DecidedAt), t.Reason, t.ID, string(t.From))
	if err != nil {
		return false, fmt.Errorf("transition approval %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition approval %s: %w", t.ID, err)
	}
	return n == 1, nil
}

func (s *sqliteStore) DeleteAllApprovals(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM approval_requests`)
	if err != nil {
		return 0, fmt.Errorf("delete approvals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete approvals: %w", err)
	}
	return n, nil
}

func scanApproval(row rowScanner) (*models.ApprovalRequest, error) {
	var (
		req                    models.ApprovalRequest
		status, priority       string
		op, rule, actx         string
		requestedAt, expiresAt string
		decidedAt              sql.NullString
	)
	err := row.Scan(&req.ID, &req.WorkspaceID, &req.AgentID, &req.SessionID, &status, &priority,
		&op, &rule, &actx, &requestedAt, &expiresAt, &req.DecidedBy, &decidedAt,
		&req.DecisionReason, &req.CorrelationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	req.Status = models.ApprovalStatus(status)
	req.Priority = models.Priority(priority)

	if err := json.Unmarshal([]byte(op), &req.Operation); err != nil {
		return nil, fmt.Errorf("unmarshal approval operation %s: %w", req.ID, err)
	}
	if rule != "" {
		var r models.SafetyRule
		if err := json.Unmarshal([]byte(rule), &r); err != nil {
			return nil, fmt.Errorf("unmarshal approval rule %s: %w", req.ID, err)
		}
		req.Rule = &r
	}
	if err := json.Unmarshal([]byte(actx), &req.Context); err != nil {
		return nil, fmt.Errorf("unmarshal approval context %s: %w", req.ID, err)
	}
	if req.RequestedAt, err = parseTime(requestedAt); err != nil {
		return nil, err
	}
	if req.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		t, err := parseTime(decidedAt.String)
		if err != nil {
			return nil, err
		}
		req.DecidedAt = &t
	}
	return &req, nil
}
