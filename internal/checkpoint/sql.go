package checkpoint

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
)

// SQLStore persists links and state through the shared pool.
type SQLStore struct {
	pool *db.Pool
}

// NewSQLStore creates the store and ensures its schema exists.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	w := s.pool.Writer()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoint_links (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL DEFAULT '',
			built_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(thread_id, agent_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoint_links_thread
			ON checkpoint_links(thread_id)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			link_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
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

// EnsureLink returns the link for (thread, agent), creating it if absent.
func (s *SQLStore) EnsureLink(ctx context.Context, userID, threadID, agentID string) (*Link, error) {
	if link, err := s.getLinkByPair(ctx, userID, threadID, agentID); err == nil {
		return link, nil
	} else if !apperrors.IsNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	link := &Link{
		ID:        uuid.New().String(),
		UserID:    userID,
		ThreadID:  threadID,
		AgentID:   agentID,
		BuiltAt:   time.Time{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO checkpoint_links (id, user_id, thread_id, agent_id, fingerprint, built_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', ?, ?, ?)
	`), link.ID, userID, threadID, agentID, link.BuiltAt, now, now)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value") {
			// Lost the race; the winner's link is authoritative.
			return s.getLinkByPair(ctx, userID, threadID, agentID)
		}
		return nil, err
	}
	return link, nil
}

func (s *SQLStore) getLinkByPair(ctx context.Context, userID, threadID, agentID string) (*Link, error) {
	reader := s.pool.Reader()
	var link Link
	err := reader.GetContext(ctx, &link, reader.Rebind(`
		SELECT id, user_id, thread_id, agent_id, fingerprint, built_at, created_at, updated_at
		FROM checkpoint_links WHERE user_id = ? AND thread_id = ? AND agent_id = ?
	`), userID, threadID, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("checkpoint link", threadID)
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// GetLink retrieves a link by id, enforcing ownership.
func (s *SQLStore) GetLink(ctx context.Context, userID, linkID string) (*Link, error) {
	reader := s.pool.Reader()
	var link Link
	err := reader.GetContext(ctx, &link, reader.Rebind(`
		SELECT id, user_id, thread_id, agent_id, fingerprint, built_at, created_at, updated_at
		FROM checkpoint_links WHERE id = ? AND user_id = ?
	`), linkID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("checkpoint link", linkID)
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// UpdateLinkFingerprint records a completed context build.
func (s *SQLStore) UpdateLinkFingerprint(ctx context.Context, userID, linkID, fingerprint string, builtAt time.Time) error {
	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE checkpoint_links SET fingerprint = ?, built_at = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`), fingerprint, builtAt, time.Now().UTC(), linkID, userID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("checkpoint link", linkID)
	}
	return nil
}

// DeleteLinksForThread removes the thread's links and their opaque state.
func (s *SQLStore) DeleteLinksForThread(ctx context.Context, userID, threadID string) error {
	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		DELETE FROM checkpoints WHERE link_id IN (
			SELECT id FROM checkpoint_links WHERE thread_id = ? AND user_id = ?
		)
	`), threadID, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		DELETE FROM checkpoint_links WHERE thread_id = ? AND user_id = ?
	`), threadID, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetState returns the opaque state for a link id.
func (s *SQLStore) GetState(ctx context.Context, linkID string) (json.RawMessage, error) {
	reader := s.pool.Reader()
	var state string
	err := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT state FROM checkpoints WHERE link_id = ?
	`), linkID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("checkpoint", linkID)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(state), nil
}

// PutState writes or replaces the opaque state for a link id.
func (s *SQLStore) PutState(ctx context.Context, linkID string, state json.RawMessage) error {
	now := time.Now().UTC()
	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE checkpoints SET state = ?, updated_at = ? WHERE link_id = ?
	`), string(state), now, linkID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO checkpoints (link_id, state, updated_at) VALUES (?, ?, ?)
	`), linkID, string(state), now)
	return err
}

// DeleteState removes the opaque state; missing state is not an error.
func (s *SQLStore) DeleteState(ctx context.Context, linkID string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM checkpoints WHERE link_id = ?
	`), linkID)
	return err
}
