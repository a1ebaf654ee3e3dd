package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/agent-guardrails/internal/models"
)

// ─── Budget usage ─────────────────────────────────────────────────────────────

func (s *sqliteStore) AccumulateUsage(ctx context.Context, key models.BudgetKey, tokens int64, dollars float64, at time.Time) (models.BudgetUsageRecord, models.BudgetUsageRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.BudgetUsageRecord{}, models.BudgetUsageRecord{}, fmt.Errorf("begin usage update: %w", err)
	}
	defer tx.Rollback()

	prev, err := getUsage(ctx, tx, key)
	if err != nil {
		return models.BudgetUsageRecord{}, models.BudgetUsageRecord{}, err
	}

	next := prev
	next.TokensUsed += tokens
	next.DollarsUsed += dollars
	next.LastUpdatedAt = at.UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO budget_usage (workspace_id, scope, scope_id, period_start, tokens_used, dollars_used, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, scope, scope_id, period_start) DO UPDATE SET
			tokens_used = excluded.tokens_used,
			dollars_used = excluded.dollars_used,
			last_updated_at = excluded.last_updated_at
	`, key.WorkspaceID, string(key.Scope), key.ScopeID, formatTime(key.PeriodStart),
		next.TokensUsed, next.DollarsUsed, formatTime(next.LastUpdatedAt))
	if err != nil {
		return models.BudgetUsageRecord{}, models.BudgetUsageRecord{}, fmt.Errorf("accumulate usage %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return models.BudgetUsageRecord{}, models.BudgetUsageRecord{}, fmt.Errorf("commit usage update: %w", err)
	}
	return prev, next, nil
}

func (s *sqliteStore) GetUsage(ctx context.Context, key models.BudgetKey) (models.BudgetUsageRecord, error) {
	return getUsage(ctx, s.db, key)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getUsage(ctx context.Context, q queryRower, key models.BudgetKey) (models.BudgetUsageRecord, error) {
	rec := models.BudgetUsageRecord{
		WorkspaceID: key.WorkspaceID,
		Scope:       key.Scope,
		ScopeID:     key.ScopeID,
		PeriodStart: key.PeriodStart.UTC(),
	}
	var updated string
	err := q.QueryRowContext(ctx, `
		SELECT tokens_used, dollars_used, last_updated_at
		FROM budget_usage
		WHERE workspace_id = ? AND scope = ? AND scope_id = ? AND period_start = ?
	`, key.WorkspaceID, string(key.Scope), key.ScopeID, formatTime(key.PeriodStart)).
		Scan(&rec.TokensUsed, &rec.DollarsUsed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return models.BudgetUsageRecord{}, fmt.Errorf("get usage %s: %w", key, err)
	}
	if rec.LastUpdatedAt, err = parseTime(updated); err != nil {
		return models.BudgetUsageRecord{}, err
	}
	return rec, nil
}
