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
	"github.com/novahq/nova/internal/task/models"
)

// SQLRepository persists tasks and interactions through the shared pool.
type SQLRepository struct {
	pool *db.Pool
}

// NewSQLRepository creates the repository and ensures its schema exists.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	r := &SQLRepository{pool: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize task schema: %w", err)
	}
	return r, nil
}

func (r *SQLRepository) initSchema() error {
	w := r.pool.Writer()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			result TEXT NOT NULL DEFAULT '',
			progress_log TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_thread ON tasks(thread_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id)`,

		`CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			question TEXT NOT NULL DEFAULT '',
			schema_json TEXT NOT NULL DEFAULT '{}',
			answer TEXT NOT NULL DEFAULT '',
			resume_token TEXT NOT NULL DEFAULT '',
			origin_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		// At most one pending interaction per task.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_interactions_pending
			ON interactions(task_id) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_task ON interactions(task_id)`,
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

const taskColumns = `id, user_id, thread_id, agent_id, message_id, prompt, status, result,
	progress_log, created_at, updated_at`

func (r *SQLRepository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	progressJSON, err := marshalProgress(task.ProgressLog)
	if err != nil {
		return err
	}
	w := r.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.UserID, task.ThreadID, task.AgentID, task.MessageID,
		task.Prompt, string(task.Status), task.Result, progressJSON,
		task.CreatedAt, task.UpdatedAt)
	return err
}

func (r *SQLRepository) GetTask(ctx context.Context, userID, id string) (*models.Task, error) {
	reader := r.pool.Reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?
	`), id, userID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task", id)
	}
	return task, err
}

func (r *SQLRepository) ListTasksForThread(ctx context.Context, userID, threadID string, limit int) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE user_id = ? AND thread_id = ? ORDER BY created_at DESC`
	args := []interface{}{userID, threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	reader := r.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

func (r *SQLRepository) UpdateTaskStatus(ctx context.Context, userID, id string, status models.TaskStatus, result string) error {
	w := r.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE tasks SET status = ?, result = ?, updated_at = ? WHERE id = ? AND user_id = ?
	`), string(status), result, time.Now().UTC(), id, userID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}

func (r *SQLRepository) AppendProgress(ctx context.Context, userID, id string, entry models.ProgressEntry) ([]models.ProgressEntry, error) {
	w := r.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var progressJSON string
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT progress_log FROM tasks WHERE id = ? AND user_id = ?
	`), id, userID).Scan(&progressJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, err
	}

	var log []models.ProgressEntry
	if err := json.Unmarshal([]byte(progressJSON), &log); err != nil {
		return nil, fmt.Errorf("failed to deserialize progress log: %w", err)
	}
	log = append(log, entry)
	updated, err := marshalProgress(log)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET progress_log = ?, updated_at = ? WHERE id = ? AND user_id = ?
	`), updated, time.Now().UTC(), id, userID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return log, nil
}

const interactionColumns = `id, task_id, user_id, thread_id, agent_id, question, schema_json,
	answer, resume_token, origin_name, status, created_at, updated_at`

func (r *SQLRepository) CreateInteraction(ctx context.Context, interaction *models.Interaction) error {
	if interaction.ID == "" {
		interaction.ID = uuid.New().String()
	}
	if interaction.Status == "" {
		interaction.Status = models.InteractionPending
	}
	now := time.Now().UTC()
	interaction.CreatedAt = now
	interaction.UpdatedAt = now

	schemaJSON := "{}"
	if interaction.Schema != nil {
		data, err := json.Marshal(interaction.Schema)
		if err != nil {
			return fmt.Errorf("failed to serialize interaction schema: %w", err)
		}
		schemaJSON = string(data)
	}

	w := r.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO interactions (`+interactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), interaction.ID, interaction.TaskID, interaction.UserID, interaction.ThreadID,
		interaction.AgentID, interaction.Question, schemaJSON, interaction.Answer,
		interaction.ResumeToken, interaction.OriginName, string(interaction.Status),
		interaction.CreatedAt, interaction.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return apperrors.Conflict("task already has a pending interaction")
	}
	return err
}

func (r *SQLRepository) GetInteraction(ctx context.Context, userID, id string) (*models.Interaction, error) {
	reader := r.pool.Reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+interactionColumns+` FROM interactions WHERE id = ? AND user_id = ?
	`), id, userID)
	interaction, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("interaction", id)
	}
	return interaction, err
}

func (r *SQLRepository) GetPendingInteractionForTask(ctx context.Context, userID, taskID string) (*models.Interaction, error) {
	reader := r.pool.Reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+interactionColumns+` FROM interactions
		WHERE task_id = ? AND user_id = ? AND status = 'pending'
	`), taskID, userID)
	interaction, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("pending interaction", taskID)
	}
	return interaction, err
}

func (r *SQLRepository) UpdateInteractionStatus(ctx context.Context, userID, id string, status models.InteractionStatus, answer string) error {
	w := r.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE interactions SET status = ?, answer = ?, updated_at = ? WHERE id = ? AND user_id = ?
	`), string(status), answer, time.Now().UTC(), id, userID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("interaction", id)
	}
	return nil
}

func marshalProgress(log []models.ProgressEntry) (string, error) {
	if log == nil {
		log = []models.ProgressEntry{}
	}
	data, err := json.Marshal(log)
	if err != nil {
		return "", fmt.Errorf("failed to serialize progress log: %w", err)
	}
	return string(data), nil
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*models.Task, error) {
	task := &models.Task{}
	var status, progressJSON string
	err := scanner.Scan(&task.ID, &task.UserID, &task.ThreadID, &task.AgentID,
		&task.MessageID, &task.Prompt, &status, &task.Result, &progressJSON,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.Status = models.TaskStatus(status)
	if err := json.Unmarshal([]byte(progressJSON), &task.ProgressLog); err != nil {
		return nil, fmt.Errorf("failed to deserialize progress log: %w", err)
	}
	return task, nil
}

func scanInteraction(scanner interface{ Scan(dest ...any) error }) (*models.Interaction, error) {
	interaction := &models.Interaction{}
	var status, schemaJSON string
	err := scanner.Scan(&interaction.ID, &interaction.TaskID, &interaction.UserID,
		&interaction.ThreadID, &interaction.AgentID, &interaction.Question, &schemaJSON,
		&interaction.Answer, &interaction.ResumeToken, &interaction.OriginName,
		&status, &interaction.CreatedAt, &interaction.UpdatedAt)
	if err != nil {
		return nil, err
	}
	interaction.Status = models.InteractionStatus(status)
	if schemaJSON != "" && schemaJSON != "{}" {
		if err := json.Unmarshal([]byte(schemaJSON), &interaction.Schema); err != nil {
			return nil, fmt.Errorf("failed to deserialize interaction schema: %w", err)
		}
	}
	return interaction, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres 23505
}
