package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/conversation/models"
)

const messageColumns = `id, user_id, thread_id, actor, text, type, internal_data, created_at`

// CreateMessage appends a message to a thread.
func (r *Repository) CreateMessage(ctx context.Context, message *models.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.Actor == "" {
		message.Actor = models.ActorUser
	}
	if message.Type == "" {
		message.Type = models.MessageTypeStandard
	}

	internalJSON := "{}"
	if message.InternalData != nil {
		data, err := json.Marshal(message.InternalData)
		if err != nil {
			return fmt.Errorf("failed to serialize message internal_data: %w", err)
		}
		internalJSON = string(data)
	}

	w := r.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), message.ID, message.UserID, message.ThreadID, string(message.Actor),
		message.Text, string(message.Type), internalJSON, message.CreatedAt)
	return err
}

// GetMessage retrieves a message by id, enforcing ownership.
func (r *Repository) GetMessage(ctx context.Context, userID, id string) (*models.Message, error) {
	reader := r.reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+messageColumns+` FROM messages WHERE id = ? AND user_id = ?
	`), id, userID)
	message, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("message", id)
	}
	return message, err
}

// ListMessagesWindow returns messages with created_at in [from, until),
// ordered by (created_at, id).
func (r *Repository) ListMessagesWindow(ctx context.Context, userID, threadID string, from time.Time, until *time.Time) ([]*models.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE user_id = ? AND thread_id = ? AND created_at >= ?`
	args := []interface{}{userID, threadID, from}
	if until != nil {
		query += " AND created_at < ?"
		args = append(args, *until)
	}
	query += " ORDER BY created_at ASC, id ASC"
	return r.queryMessages(ctx, query, args...)
}

// ListMessagesAfterCursor returns up to limit messages strictly after cursor.
func (r *Repository) ListMessagesAfterCursor(ctx context.Context, userID, threadID string, cursor *models.Message, limit int) ([]*models.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE user_id = ? AND thread_id = ?`
	args := []interface{}{userID, threadID}
	if cursor != nil {
		query += " AND (created_at > ? OR (created_at = ? AND id > ?))"
		args = append(args, cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	query += " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryMessages(ctx, query, args...)
}

// ListMessagesBeforeCursor returns up to limit messages strictly before
// cursor, in ascending order.
func (r *Repository) ListMessagesBeforeCursor(ctx context.Context, userID, threadID string, cursor *models.Message, limit int) ([]*models.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE user_id = ? AND thread_id = ?`
	args := []interface{}{userID, threadID}
	if cursor != nil {
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	messages, err := r.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	reverseMessages(messages)
	return messages, nil
}

// ListMessagesBetween returns the inclusive [from, to] range ascending,
// capped at limit.
func (r *Repository) ListMessagesBetween(ctx context.Context, userID, threadID string, from, to *models.Message, limit int) ([]*models.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE user_id = ? AND thread_id = ?
		  AND (created_at > ? OR (created_at = ? AND id >= ?))
		  AND (created_at < ? OR (created_at = ? AND id <= ?))
		ORDER BY created_at ASC, id ASC`
	args := []interface{}{
		userID, threadID,
		from.CreatedAt, from.CreatedAt, from.ID,
		to.CreatedAt, to.CreatedAt, to.ID,
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryMessages(ctx, query, args...)
}

// HasMessagesAfter reports whether any message lies strictly after cursor
// and, when until is non-nil, before that timestamp.
func (r *Repository) HasMessagesAfter(ctx context.Context, userID, threadID string, cursor *models.Message, until *time.Time) (bool, error) {
	query := `SELECT COUNT(1) FROM messages WHERE user_id = ? AND thread_id = ?`
	args := []interface{}{userID, threadID}
	if cursor != nil {
		query += " AND (created_at > ? OR (created_at = ? AND id > ?))"
		args = append(args, cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	if until != nil {
		query += " AND created_at < ?"
		args = append(args, *until)
	}
	reader := r.reader()
	var count int
	if err := reader.QueryRowContext(ctx, reader.Rebind(query), args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *Repository) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*models.Message, error) {
	reader := r.reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, message)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*models.Message, error) {
	message := &models.Message{}
	var actor, messageType, internalJSON string
	err := scanner.Scan(&message.ID, &message.UserID, &message.ThreadID, &actor,
		&message.Text, &messageType, &internalJSON, &message.CreatedAt)
	if err != nil {
		return nil, err
	}
	message.Actor = models.MessageActor(actor)
	message.Type = models.MessageType(messageType)
	if internalJSON != "" && internalJSON != "{}" {
		if err := json.Unmarshal([]byte(internalJSON), &message.InternalData); err != nil {
			return nil, fmt.Errorf("failed to deserialize message internal_data: %w", err)
		}
	}
	return message, nil
}

func reverseMessages(messages []*models.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
