package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/db"
)

// SQLRepository persists agent configurations through the shared pool. Tool
// and sub-agent id lists are stored as JSON text columns.
type SQLRepository struct {
	pool *db.Pool
}

// NewSQLRepository creates the repository and ensures its schema exists.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	r := &SQLRepository{pool: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize agent schema: %w", err)
	}
	return r, nil
}

func (r *SQLRepository) initSchema() error {
	w := r.pool.Writer()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_configs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			provider_name TEXT NOT NULL DEFAULT '',
			provider_model TEXT NOT NULL DEFAULT '',
			max_context INTEGER NOT NULL DEFAULT 0,
			tool_ids TEXT NOT NULL DEFAULT '[]',
			sub_agent_ids TEXT NOT NULL DEFAULT '[]',
			recursion_limit INTEGER NOT NULL DEFAULT 0,
			summary_model TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_configs_user ON agent_configs(user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := w.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the shared pool is owned by the caller.
func (r *SQLRepository) Close() error { return nil }

const configColumns = `id, user_id, name, system_prompt, provider_name, provider_model,
	max_context, tool_ids, sub_agent_ids, recursion_limit, summary_model, created_at, updated_at`

func (r *SQLRepository) CreateConfig(ctx context.Context, config *Config) error {
	if config.ID == "" {
		config.ID = uuid.New().String()
	}
	if err := CheckCycles(ctx, config, func(ctx context.Context, id string) (*Config, error) {
		return r.GetConfig(ctx, config.UserID, id)
	}); err != nil {
		return err
	}

	now := time.Now().UTC()
	if config.CreatedAt.IsZero() {
		config.CreatedAt = now
	}
	config.UpdatedAt = now

	toolIDs, subAgentIDs, err := marshalIDLists(config)
	if err != nil {
		return err
	}
	w := r.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO agent_configs (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), config.ID, config.UserID, config.Name, config.SystemPrompt,
		config.Provider.Name, config.Provider.Model, config.Provider.MaxContext,
		toolIDs, subAgentIDs, config.RecursionLimit, config.SummaryModel,
		config.CreatedAt, config.UpdatedAt)
	return err
}

func (r *SQLRepository) GetConfig(ctx context.Context, userID, id string) (*Config, error) {
	reader := r.pool.Reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+configColumns+` FROM agent_configs WHERE id = ? AND user_id = ?
	`), id, userID)
	config, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent", id)
	}
	return config, err
}

func (r *SQLRepository) ListConfigs(ctx context.Context, userID string) ([]*Config, error) {
	reader := r.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(`
		SELECT `+configColumns+` FROM agent_configs WHERE user_id = ? ORDER BY name ASC
	`), userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Config
	for rows.Next() {
		config, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, config)
	}
	return result, rows.Err()
}

func (r *SQLRepository) UpdateConfig(ctx context.Context, config *Config) error {
	if err := CheckCycles(ctx, config, func(ctx context.Context, id string) (*Config, error) {
		return r.GetConfig(ctx, config.UserID, id)
	}); err != nil {
		return err
	}
	toolIDs, subAgentIDs, err := marshalIDLists(config)
	if err != nil {
		return err
	}
	config.UpdatedAt = time.Now().UTC()

	w := r.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE agent_configs
		SET name = ?, system_prompt = ?, provider_name = ?, provider_model = ?,
			max_context = ?, tool_ids = ?, sub_agent_ids = ?, recursion_limit = ?,
			summary_model = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`), config.Name, config.SystemPrompt, config.Provider.Name, config.Provider.Model,
		config.Provider.MaxContext, toolIDs, subAgentIDs, config.RecursionLimit,
		config.SummaryModel, config.UpdatedAt, config.ID, config.UserID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("agent", config.ID)
	}
	return nil
}

func (r *SQLRepository) DeleteConfig(ctx context.Context, userID, id string) error {
	w := r.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM agent_configs WHERE id = ? AND user_id = ?
	`), id, userID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("agent", id)
	}
	return nil
}

func marshalIDLists(config *Config) (string, string, error) {
	toolIDs, err := json.Marshal(config.ToolIDs)
	if err != nil {
		return "", "", fmt.Errorf("failed to serialize tool ids: %w", err)
	}
	subAgentIDs, err := json.Marshal(config.SubAgentIDs)
	if err != nil {
		return "", "", fmt.Errorf("failed to serialize sub-agent ids: %w", err)
	}
	return string(toolIDs), string(subAgentIDs), nil
}

func scanConfig(scanner interface{ Scan(dest ...any) error }) (*Config, error) {
	config := &Config{}
	var toolIDs, subAgentIDs string
	err := scanner.Scan(&config.ID, &config.UserID, &config.Name, &config.SystemPrompt,
		&config.Provider.Name, &config.Provider.Model, &config.Provider.MaxContext,
		&toolIDs, &subAgentIDs, &config.RecursionLimit, &config.SummaryModel,
		&config.CreatedAt, &config.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(toolIDs), &config.ToolIDs); err != nil {
		return nil, fmt.Errorf("failed to deserialize tool ids: %w", err)
	}
	if err := json.Unmarshal([]byte(subAgentIDs), &config.SubAgentIDs); err != nil {
		return nil, fmt.Errorf("failed to deserialize sub-agent ids: %w", err)
	}
	return config, nil
}
