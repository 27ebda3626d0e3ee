// Package sqlstore provides the SQL-backed conversation repository for both
// SQLite and PostgreSQL.
package sqlstore

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/novahq/nova/internal/db"
	"github.com/novahq/nova/internal/db/dialect"
)

// Repository persists conversation entities through the shared pool.
// Writes go through the writer connection, reads through the reader pool.
type Repository struct {
	pool       *db.Pool
	dimensions int
}

// New creates the repository and ensures the schema exists. dimensions is the
// fixed embedding column width; it only shapes DDL on PostgreSQL.
func New(pool *db.Pool, dimensions int) (*Repository, error) {
	if dimensions <= 0 {
		dimensions = 1024
	}
	r := &Repository{pool: pool, dimensions: dimensions}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize conversation schema: %w", err)
	}
	return r, nil
}

func (r *Repository) writer() *sqlx.DB { return r.pool.Writer() }
func (r *Repository) reader() *sqlx.DB { return r.pool.Reader() }

func (r *Repository) driver() string { return r.pool.Writer().DriverName() }

func (r *Repository) isPostgres() bool { return dialect.IsPostgres(r.driver()) }

// Close is a no-op; the shared pool is owned by the caller.
func (r *Repository) Close() error { return nil }

func (r *Repository) initSchema() error {
	w := r.writer()

	if r.isPostgres() {
		if _, err := w.Exec(`CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
			return fmt.Errorf("failed to enable pgvector: %w", err)
		}
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT 'thread',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		// At most one continuous thread per user.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_continuous
			ON threads(user_id) WHERE mode = 'continuous'`,
		`CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			text TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'standard',
			internal_data TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread_order
			ON messages(thread_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id)`,

		`CREATE TABLE IF NOT EXISTS day_segments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			day_label TEXT NOT NULL,
			starts_at_message_id TEXT NOT NULL,
			summary_markdown TEXT NOT NULL DEFAULT '',
			summary_until_message_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(user_id, thread_id, day_label)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_day_segments_thread
			ON day_segments(thread_id, day_label)`,

		`CREATE TABLE IF NOT EXISTS transcript_chunks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			day_segment_id TEXT NOT NULL,
			start_message_id TEXT NOT NULL,
			end_message_id TEXT NOT NULL,
			content_text TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			token_estimate INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(user_id, thread_id, start_message_id, end_message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_segment
			ON transcript_chunks(day_segment_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversation_embeddings (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			parent_id TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'pending',
			vector %s,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			dimensions INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(kind, parent_id)
		)`, dialect.VectorColumnType(r.driver(), r.dimensions)),
		`CREATE INDEX IF NOT EXISTS idx_embeddings_state
			ON conversation_embeddings(state, updated_at)`,
	}

	for _, stmt := range stmts {
		if _, err := w.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-constraint failure on
// either backend. Both drivers surface the constraint in the error text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres 23505
}
