package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kubilitics/agent-guardrails/internal/models"
)

// ─── Safety configs ───────────────────────────────────────────────────────────

func (s *sqliteStore) GetConfig(ctx context.Context, workspaceID string) (*models.SafetyConfig, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `
		SELECT config FROM safety_configs WHERE workspace_id = ?
	`, workspaceID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get safety config: %w", err)
	}

	var cfg models.SafetyConfig
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal safety config for %s: %w", workspaceID, err)
	}
	return &cfg, nil
}

func (s *sqliteStore) CreateConfigIfAbsent(ctx context.Context, cfg *models.SafetyConfig) (*models.SafetyConfig, error) {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal safety config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO safety_configs (id, workspace_id, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id) DO NOTHING
	`, cfg.ID, cfg.WorkspaceID, string(blob), formatTime(cfg.CreatedAt), formatTime(cfg.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("create safety config: %w", err)
	}

	stored, err := s.GetConfig(ctx, cfg.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("safety config for %s missing after insert", cfg.WorkspaceID)
	}
	return stored, nil
}

func (s *sqliteStore) SaveConfig(ctx context.Context, cfg *models.SafetyConfig) error {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal safety config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO safety_configs (id, workspace_id, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			config = excluded.config,
			updated_at = excluded.updated_at
	`, cfg.ID, cfg.WorkspaceID, string(blob), formatTime(cfg.CreatedAt), formatTime(cfg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save safety config: %w", err)
	}
	return nil
}
