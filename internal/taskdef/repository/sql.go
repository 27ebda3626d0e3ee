package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/db"
	"github.com/novahq/nova/internal/taskdef/models"
)

// SQLRepository persists task definitions through the shared pool.
type SQLRepository struct {
	pool *db.Pool
}

// NewSQLRepository creates the repository and ensures its schema exists.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	r := &SQLRepository{pool: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize task definition schema: %w", err)
	}
	return r, nil
}

func (r *SQLRepository) initSchema() error {
	w := r.pool.Writer()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_definitions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			cron_expression TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			prompt_template TEXT NOT NULL DEFAULT '',
			run_mode TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			email_tool_id TEXT NOT NULL DEFAULT '',
			poll_interval_minutes INTEGER NOT NULL DEFAULT 0,
			runtime_state TEXT NOT NULL DEFAULT '{}',
			is_active INTEGER NOT NULL DEFAULT 1,
			last_run_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(user_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_definitions_user ON task_definitions(user_id)`,
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

const definitionColumns = `id, user_id, name, kind, trigger_type, cron_expression, timezone,
	prompt_template, run_mode, agent_id, email_tool_id, poll_interval_minutes,
	runtime_state, is_active, last_run_at, created_at, updated_at`

func (r *SQLRepository) Create(ctx context.Context, definition *models.TaskDefinition) error {
	if definition.ID == "" {
		definition.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	definition.CreatedAt = now
	definition.UpdatedAt = now

	stateJSON, err := marshalState(definition.RuntimeState)
	if err != nil {
		return err
	}
	w := r.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO task_definitions (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), definition.ID, definition.UserID, definition.Name, string(definition.Kind),
		string(definition.Trigger), definition.CronExpression, definition.Timezone,
		definition.PromptTemplate, string(definition.RunMode), definition.AgentID,
		definition.EmailToolID, definition.PollIntervalMinutes, stateJSON,
		boolToInt(definition.IsActive), definition.LastRunAt,
		definition.CreatedAt, definition.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return apperrors.Conflict(fmt.Sprintf("task definition '%s' already exists", definition.Name))
	}
	return err
}

func (r *SQLRepository) Get(ctx context.Context, userID, id string) (*models.TaskDefinition, error) {
	reader := r.pool.Reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+definitionColumns+` FROM task_definitions WHERE id = ? AND user_id = ?
	`), id, userID)
	definition, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task definition", id)
	}
	return definition, err
}

func (r *SQLRepository) GetByName(ctx context.Context, userID, name string) (*models.TaskDefinition, error) {
	reader := r.pool.Reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+definitionColumns+` FROM task_definitions WHERE user_id = ? AND name = ?
	`), userID, name)
	definition, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task definition", name)
	}
	return definition, err
}

func (r *SQLRepository) List(ctx context.Context, userID string) ([]*models.TaskDefinition, error) {
	reader := r.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(`
		SELECT `+definitionColumns+` FROM task_definitions WHERE user_id = ? ORDER BY name
	`), userID)
	if err != nil {
		return nil, err
	}
	return collectDefinitions(rows)
}

func (r *SQLRepository) ListActive(ctx context.Context) ([]*models.TaskDefinition, error) {
	reader := r.pool.Reader()
	rows, err := reader.QueryContext(ctx, `
		SELECT `+definitionColumns+` FROM task_definitions WHERE is_active = 1 ORDER BY user_id, name
	`)
	if err != nil {
		return nil, err
	}
	return collectDefinitions(rows)
}

func (r *SQLRepository) Update(ctx context.Context, definition *models.TaskDefinition) error {
	definition.UpdatedAt = time.Now().UTC()
	stateJSON, err := marshalState(definition.RuntimeState)
	if err != nil {
		return err
	}
	w := r.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE task_definitions SET
			name = ?, kind = ?, trigger_type = ?, cron_expression = ?, timezone = ?,
			prompt_template = ?, run_mode = ?, agent_id = ?, email_tool_id = ?,
			poll_interval_minutes = ?, runtime_state = ?, is_active = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`), definition.Name, string(definition.Kind), string(definition.Trigger),
		definition.CronExpression, definition.Timezone, definition.PromptTemplate,
		string(definition.RunMode), definition.AgentID, definition.EmailToolID,
		definition.PollIntervalMinutes, stateJSON, boolToInt(definition.IsActive),
		definition.UpdatedAt, definition.ID, definition.UserID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict(fmt.Sprintf("task definition '%s' already exists", definition.Name))
		}
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task definition", definition.ID)
	}
	return nil
}

func (r *SQLRepository) UpdateRuntimeState(ctx context.Context, userID, id string, state models.RuntimeState) error {
	stateJSON, err := marshalState(state)
	if err != nil {
		return err
	}
	w := r.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE task_definitions SET runtime_state = ?, updated_at = ? WHERE id = ? AND user_id = ?
	`), stateJSON, time.Now().UTC(), id, userID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task definition", id)
	}
	return nil
}

func (r *SQLRepository) TouchLastRun(ctx context.Context, userID, id string) error {
	now := time.Now().UTC()
	w := r.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE task_definitions SET last_run_at = ?, updated_at = ? WHERE id = ? AND user_id = ?
	`), now, now, id, userID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task definition", id)
	}
	return nil
}

func (r *SQLRepository) Delete(ctx context.Context, userID, id string) error {
	w := r.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM task_definitions WHERE id = ? AND user_id = ?
	`), id, userID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task definition", id)
	}
	return nil
}

func collectDefinitions(rows *sql.Rows) ([]*models.TaskDefinition, error) {
	defer func() { _ = rows.Close() }()
	var result []*models.TaskDefinition
	for rows.Next() {
		definition, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, definition)
	}
	return result, rows.Err()
}

func scanDefinition(scanner interface{ Scan(dest ...any) error }) (*models.TaskDefinition, error) {
	definition := &models.TaskDefinition{}
	var kind, trigger, runMode, stateJSON string
	var isActive int
	var lastRunAt sql.NullTime
	err := scanner.Scan(&definition.ID, &definition.UserID, &definition.Name, &kind,
		&trigger, &definition.CronExpression, &definition.Timezone,
		&definition.PromptTemplate, &runMode, &definition.AgentID,
		&definition.EmailToolID, &definition.PollIntervalMinutes, &stateJSON,
		&isActive, &lastRunAt, &definition.CreatedAt, &definition.UpdatedAt)
	if err != nil {
		return nil, err
	}
	definition.Kind = models.Kind(kind)
	definition.Trigger = models.Trigger(trigger)
	definition.RunMode = models.RunMode(runMode)
	definition.IsActive = isActive != 0
	if lastRunAt.Valid {
		t := lastRunAt.Time
		definition.LastRunAt = &t
	}
	if stateJSON != "" && stateJSON != "{}" {
		if err := json.Unmarshal([]byte(stateJSON), &definition.RuntimeState); err != nil {
			return nil, fmt.Errorf("failed to deserialize runtime state: %w", err)
		}
	}
	return definition, nil
}

func marshalState(state models.RuntimeState) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to serialize runtime state: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres 23505
}
