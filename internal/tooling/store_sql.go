package tooling

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

// SQLStore persists tools and credentials through the shared pool.
type SQLStore struct {
	pool *db.Pool
}

// NewSQLStore creates the store and ensures its schema exists.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize tooling schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	w := s.pool.Writer()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tools (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			plugin_name TEXT NOT NULL,
			name TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tools_user ON tools(user_id)`,
		`CREATE TABLE IF NOT EXISTS tool_credentials (
			user_id TEXT NOT NULL,
			plugin_name TEXT NOT NULL,
			fields TEXT NOT NULL DEFAULT '{}',
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, plugin_name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := w.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the shared pool is owned by the caller.
func (s *SQLStore) Close() error { return nil }

const toolColumns = `id, user_id, plugin_name, name, config, created_at, updated_at`

func (s *SQLStore) CreateTool(ctx context.Context, tool *Tool) error {
	if tool.ID == "" {
		tool.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tool.CreatedAt = now
	tool.UpdatedAt = now

	configJSON := "{}"
	if tool.Config != nil {
		data, err := json.Marshal(tool.Config)
		if err != nil {
			return fmt.Errorf("failed to serialize tool config: %w", err)
		}
		configJSON = string(data)
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO tools (`+toolColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
	`), tool.ID, tool.UserID, tool.PluginName, tool.Name, configJSON,
		tool.CreatedAt, tool.UpdatedAt)
	return err
}

func (s *SQLStore) GetTool(ctx context.Context, id string) (*Tool, error) {
	reader := s.pool.Reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+toolColumns+` FROM tools WHERE id = ?
	`), id)
	tool, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("tool", id)
	}
	return tool, err
}

func (s *SQLStore) ListUserTools(ctx context.Context, userID string) ([]*Tool, error) {
	return s.listTools(ctx, `SELECT `+toolColumns+` FROM tools WHERE user_id = ? ORDER BY name`, userID)
}

func (s *SQLStore) ListSystemTools(ctx context.Context) ([]*Tool, error) {
	return s.listTools(ctx, `SELECT `+toolColumns+` FROM tools WHERE user_id = '' ORDER BY name`)
}

func (s *SQLStore) listTools(ctx context.Context, query string, args ...interface{}) ([]*Tool, error) {
	reader := s.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Tool
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tool)
	}
	return result, rows.Err()
}

func (s *SQLStore) DeleteTool(ctx context.Context, userID, id string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM tools WHERE id = ? AND user_id = ?
	`), id, userID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("tool", id)
	}
	return nil
}

func (s *SQLStore) GetCredential(ctx context.Context, userID, pluginName string) (*Credential, error) {
	reader := s.pool.Reader()
	var fieldsJSON string
	credential := &Credential{UserID: userID, PluginName: pluginName}
	err := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT fields, updated_at FROM tool_credentials WHERE user_id = ? AND plugin_name = ?
	`), userID, pluginName).Scan(&fieldsJSON, &credential.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("credential", pluginName)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &credential.Fields); err != nil {
		return nil, fmt.Errorf("failed to deserialize credential fields: %w", err)
	}
	return credential, nil
}

func (s *SQLStore) PutCredential(ctx context.Context, credential *Credential) error {
	credential.UpdatedAt = time.Now().UTC()
	fieldsJSON, err := json.Marshal(credential.Fields)
	if err != nil {
		return fmt.Errorf("failed to serialize credential fields: %w", err)
	}

	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE tool_credentials SET fields = ?, updated_at = ? WHERE user_id = ? AND plugin_name = ?
	`), string(fieldsJSON), credential.UpdatedAt, credential.UserID, credential.PluginName)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO tool_credentials (user_id, plugin_name, fields, updated_at) VALUES (?, ?, ?, ?)
	`), credential.UserID, credential.PluginName, string(fieldsJSON), credential.UpdatedAt)
	return err
}

func scanTool(scanner interface{ Scan(dest ...any) error }) (*Tool, error) {
	tool := &Tool{}
	var configJSON string
	err := scanner.Scan(&tool.ID, &tool.UserID, &tool.PluginName, &tool.Name,
		&configJSON, &tool.CreatedAt, &tool.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if configJSON != "" && configJSON != "{}" {
		if err := json.Unmarshal([]byte(configJSON), &tool.Config); err != nil {
			return nil, fmt.Errorf("failed to deserialize tool config: %w", err)
		}
	}
	return tool, nil
}
