package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kubilitics/agent-guardrails/internal/models"
)

// ─── Violations ───────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendViolations(ctx context.Context, recs []*models.SafetyViolation) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin violation batch: %w", err)
	}
	defer tx.Rollback()

	for _, v := range recs {
		rule, err := json.Marshal(v.Rule)
		if err != nil {
			return fmt.Errorf("marshal violation rule: %w", err)
		}
		op, err := json.Marshal(v.Operation)
		if err != nil {
			return fmt.Errorf("marshal violation operation: %w", err)
		}
		vctx, err := json.Marshal(nonNilContext(v.Context))
		if err != nil {
			return fmt.Errorf("marshal violation context: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO safety_violations (id, workspace_id, agent_id, session_id, rule_id, action, rule, operation, context, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, v.ID, v.WorkspaceID, v.AgentID, v.SessionID, v.Rule.ID, string(v.Action),
			string(rule), string(op), string(vctx), formatTime(v.Timestamp))
		if err != nil {
			return fmt.Errorf("append violation %s: %w", v.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit violation batch: %w", err)
	}
	return nil
}

func (s *sqliteStore) QueryViolations(ctx context.Context, f models.ViolationFilter) ([]*models.SafetyViolation, error) {
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
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(f.Since))
	}

	q := `SELECT id, workspace_id, agent_id, session_id, action, rule, operation, context, timestamp FROM safety_violations`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp DESC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	results := make([]*models.SafetyViolation, 0)
	for rows.Next() {
		var (
			v                 models.SafetyViolation
			action, ts        string
			rule, op, ctxJSON string
		)
		if err := rows.Scan(&v.ID, &v.WorkspaceID, &v.AgentID, &v.SessionID, &action, &rule, &op, &ctxJSON, &ts); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Action = models.ViolationAction(action)
		if err := json.Unmarshal([]byte(rule), &v.Rule); err != nil {
			return nil, fmt.Errorf("unmarshal violation rule %s: %w", v.ID, err)
		}
		if err := json.Unmarshal([]byte(op), &v.Operation); err != nil {
			return nil, fmt.Errorf("unmarshal violation operation %s: %w", v.ID, err)
		}
		if err := json.Unmarshal([]byte(ctxJSON), &v.Context); err != nil {
			return nil, fmt.Errorf("unmarshal violation context %s: %w", v.ID, err)
		}
		if v.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		results = append(results, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}
	return results, nil
}

func nonNilContext(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
