package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/conversation/models"
)

// EnsureEmbeddingPending creates or resets the parent's embedding row to
// state=pending.
func (r *Repository) EnsureEmbeddingPending(ctx context.Context, userID string, kind models.EmbeddingKind, parentID string) error {
	w := r.writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := r.ensureEmbeddingPendingTx(ctx, tx, userID, kind, parentID, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) ensureEmbeddingPendingTx(ctx context.Context, tx *sqlx.Tx, userID string, kind models.EmbeddingKind, parentID string, now time.Time) error {
	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE conversation_embeddings
		SET state = 'pending', vector = NULL, last_error = '', updated_at = ?
		WHERE kind = ? AND parent_id = ?
	`), now, string(kind), parentID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO conversation_embeddings
			(id, user_id, kind, parent_id, state, vector, provider, model, dimensions, last_error, updated_at)
		VALUES (?, ?, ?, ?, 'pending', NULL, '', '', 0, '', ?)
	`), uuid.New().String(), userID, string(kind), parentID, now)
	if isUniqueViolation(err) {
		// Concurrent insert; the row exists and is being processed.
		return nil
	}
	return err
}

// GetEmbedding retrieves the embedding row for a parent.
func (r *Repository) GetEmbedding(ctx context.Context, kind models.EmbeddingKind, parentID string) (*models.Embedding, error) {
	reader := r.reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT id, user_id, kind, parent_id, state, vector, provider, model, dimensions, last_error, updated_at
		FROM conversation_embeddings WHERE kind = ? AND parent_id = ?
	`), string(kind), parentID)
	embedding, err := r.scanEmbedding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("embedding", parentID)
	}
	return embedding, err
}

// ListEmbeddingsToProcess returns pending rows plus errored rows whose last
// attempt is older than retryAfter, oldest first.
func (r *Repository) ListEmbeddingsToProcess(ctx context.Context, retryAfter time.Time, limit int) ([]*models.Embedding, error) {
	reader := r.reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(`
		SELECT id, user_id, kind, parent_id, state, vector, provider, model, dimensions, last_error, updated_at
		FROM conversation_embeddings
		WHERE state = 'pending' OR (state = 'error' AND updated_at < ?)
		ORDER BY updated_at ASC LIMIT ?
	`), retryAfter, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Embedding
	for rows.Next() {
		embedding, err := r.scanEmbedding(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, embedding)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkEmbeddingReady stores the vector and transitions the row to ready.
// Idempotent: a row already ready with a vector is left untouched.
func (r *Repository) MarkEmbeddingReady(ctx context.Context, kind models.EmbeddingKind, parentID string, vector []float32, provider, model string, dimensions int) error {
	if len(vector) != r.dimensions {
		return apperrors.BadRequest(fmt.Sprintf(
			"embedding vector has %d dimensions, column width is %d", len(vector), r.dimensions))
	}
	w := r.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE conversation_embeddings
		SET state = 'ready', vector = ?, provider = ?, model = ?, dimensions = ?, last_error = '', updated_at = ?
		WHERE kind = ? AND parent_id = ? AND state != 'ready'
	`), r.vectorArg(vector), provider, model, dimensions, time.Now().UTC(), string(kind), parentID)
	return err
}

// MarkEmbeddingError transitions the row to error with the failure message.
func (r *Repository) MarkEmbeddingError(ctx context.Context, kind models.EmbeddingKind, parentID string, lastError string) error {
	w := r.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE conversation_embeddings
		SET state = 'error', last_error = ?, updated_at = ?
		WHERE kind = ? AND parent_id = ?
	`), lastError, time.Now().UTC(), string(kind), parentID)
	return err
}

// vectorArg converts a vector to the driver's storage representation:
// pgvector on PostgreSQL, serialized JSON on SQLite.
func (r *Repository) vectorArg(vector []float32) interface{} {
	if vector == nil {
		return nil
	}
	if r.isPostgres() {
		return pgvector.NewVector(vector)
	}
	data, err := json.Marshal(vector)
	if err != nil {
		return nil
	}
	return string(data)
}

func (r *Repository) scanEmbedding(scanner interface{ Scan(dest ...any) error }) (*models.Embedding, error) {
	embedding := &models.Embedding{}
	var kind, state string

	// Both backends render the vector as bracketed comma-separated floats
	// (pgvector text format is valid JSON), so one parse path covers both.
	var vectorText sql.NullString
	err := scanner.Scan(&embedding.ID, &embedding.UserID, &kind, &embedding.ParentID,
		&state, &vectorText, &embedding.Provider, &embedding.Model,
		&embedding.Dimensions, &embedding.LastError, &embedding.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if vectorText.Valid && vectorText.String != "" {
		if err := json.Unmarshal([]byte(vectorText.String), &embedding.Vector); err != nil {
			return nil, fmt.Errorf("failed to deserialize embedding vector: %w", err)
		}
	}

	embedding.Kind = models.EmbeddingKind(kind)
	embedding.State = models.EmbeddingState(state)
	return embedding, nil
}
