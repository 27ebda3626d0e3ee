package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/conversation/models"
)

// CreateThread inserts a thread. Creating a second continuous thread for the
// same user fails with a Conflict error via the partial unique index.
func (r *Repository) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	if thread.Mode == "" {
		thread.Mode = models.ThreadModeThread
	}
	now := time.Now().UTC()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now

	w := r.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO threads (id, user_id, subject, mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), thread.ID, thread.UserID, thread.Subject, string(thread.Mode), thread.CreatedAt, thread.UpdatedAt)
	if isUniqueViolation(err) {
		return apperrors.Conflict("continuous thread already exists for user")
	}
	return err
}

// GetThread retrieves a thread by id, enforcing ownership.
func (r *Repository) GetThread(ctx context.Context, userID, id string) (*models.Thread, error) {
	reader := r.reader()
	var thread models.Thread
	err := reader.GetContext(ctx, &thread, reader.Rebind(`
		SELECT id, user_id, subject, mode, created_at, updated_at
		FROM threads WHERE id = ? AND user_id = ?
	`), id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("thread", id)
	}
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// GetContinuousThread returns the user's continuous thread.
func (r *Repository) GetContinuousThread(ctx context.Context, userID string) (*models.Thread, error) {
	reader := r.reader()
	var thread models.Thread
	err := reader.GetContext(ctx, &thread, reader.Rebind(`
		SELECT id, user_id, subject, mode, created_at, updated_at
		FROM threads WHERE user_id = ? AND mode = 'continuous'
	`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("continuous thread", userID)
	}
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// UpdateThreadSubject renames a thread.
func (r *Repository) UpdateThreadSubject(ctx context.Context, userID, id, subject string) error {
	w := r.writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE threads SET subject = ?, updated_at = ? WHERE id = ? AND user_id = ?
	`), subject, time.Now().UTC(), id, userID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("thread", id)
	}
	return nil
}

// DeleteThread removes the thread and cascades to all dependent rows.
func (r *Repository) DeleteThread(ctx context.Context, userID, id string) error {
	w := r.writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, tx.Rebind(`
		DELETE FROM threads WHERE id = ? AND user_id = ?
	`), id, userID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("thread", id)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		DELETE FROM conversation_embeddings WHERE parent_id IN (
			SELECT id FROM day_segments WHERE thread_id = ? AND user_id = ?
		) AND kind = 'day_segment'
	`), id, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		DELETE FROM conversation_embeddings WHERE parent_id IN (
			SELECT id FROM transcript_chunks WHERE thread_id = ? AND user_id = ?
		) AND kind = 'transcript_chunk'
	`), id, userID); err != nil {
		return err
	}
	for _, table := range []string{"transcript_chunks", "day_segments", "messages"} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`DELETE FROM `+table+` WHERE thread_id = ? AND user_id = ?`,
		), id, userID); err != nil {
			return err
		}
	}

	return tx.Commit()
}
