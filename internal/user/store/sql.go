package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/novahq/nova/internal/db"
	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/user/models"
)

// SQLRepository persists users on either SQLite or PostgreSQL through the
// shared pool. Queries use `?` placeholders and are rebound per driver.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates the repository and ensures the schema exists.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	r := &SQLRepository{pool: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize users schema: %w", err)
	}
	return r, nil
}

func (r *SQLRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		ingest_token TEXT NOT NULL DEFAULT '',
		default_agent_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_ingest_token ON users(ingest_token);
	`
	_, err := r.pool.Writer().Exec(schema)
	return err
}

// CreateUser inserts a user, generating an id and ingest token when absent.
func (r *SQLRepository) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.IngestToken == "" {
		user.IngestToken = uuid.New().String()
	}
	if user.Timezone == "" {
		user.Timezone = "UTC"
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	w := r.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO users (id, email, timezone, ingest_token, default_agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), user.ID, user.Email, user.Timezone, user.IngestToken, user.DefaultAgentID, user.CreatedAt, user.UpdatedAt)
	return err
}

// GetUser retrieves a user by id.
func (r *SQLRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	reader := r.pool.Reader()
	var user models.User
	err := reader.GetContext(ctx, &user, reader.Rebind(`
		SELECT id, email, timezone, ingest_token, default_agent_id, created_at, updated_at
		FROM users WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("user", id)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByIngestToken resolves the owner of an ingest API token.
func (r *SQLRepository) GetUserByIngestToken(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, apperrors.Unauthorized("missing ingest token")
	}
	reader := r.pool.Reader()
	var user models.User
	err := reader.GetContext(ctx, &user, reader.Rebind(`
		SELECT id, email, timezone, ingest_token, default_agent_id, created_at, updated_at
		FROM users WHERE ingest_token = ?
	`), token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Unauthorized("invalid ingest token")
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ListUsers returns all users ordered by creation time.
func (r *SQLRepository) ListUsers(ctx context.Context) ([]*models.User, error) {
	reader := r.pool.Reader()
	var users []*models.User
	err := reader.SelectContext(ctx, &users, `
		SELECT id, email, timezone, ingest_token, default_agent_id, created_at, updated_at
		FROM users ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	return users, nil
}

// UpdateUser updates the mutable fields of a user.
func (r *SQLRepository) UpdateUser(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now().UTC()
	w := r.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE users SET email = ?, timezone = ?, ingest_token = ?, default_agent_id = ?, updated_at = ?
		WHERE id = ?
	`), user.Email, user.Timezone, user.IngestToken, user.DefaultAgentID, user.UpdatedAt, user.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("user", user.ID)
	}
	return nil
}

// Close is a no-op; the shared pool is owned by the caller.
func (r *SQLRepository) Close() error { return nil }
