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

const chunkColumns = `id, user_id, thread_id, day_segment_id, start_message_id,
	end_message_id, content_text, content_hash, token_estimate, created_at, updated_at`

// GetChunk retrieves a transcript chunk by id, enforcing ownership.
func (r *Repository) GetChunk(ctx context.Context, userID, id string) (*models.TranscriptChunk, error) {
	reader := r.reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+chunkColumns+` FROM transcript_chunks WHERE id = ? AND user_id = ?
	`), id, userID)
	chunk, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("transcript chunk", id)
	}
	return chunk, err
}

// GetLastChunkForSegment returns the most recently created chunk of a segment.
func (r *Repository) GetLastChunkForSegment(ctx context.Context, userID, segmentID string) (*models.TranscriptChunk, error) {
	reader := r.reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+chunkColumns+` FROM transcript_chunks
		WHERE user_id = ? AND day_segment_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`), userID, segmentID)
	chunk, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("transcript chunk", segmentID)
	}
	return chunk, err
}

// ListChunksForSegment returns all chunks of a segment in creation order.
func (r *Repository) ListChunksForSegment(ctx context.Context, userID, segmentID string) ([]*models.TranscriptChunk, error) {
	reader := r.reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(`
		SELECT `+chunkColumns+` FROM transcript_chunks
		WHERE user_id = ? AND day_segment_id = ?
		ORDER BY created_at ASC, id ASC
	`), userID, segmentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.TranscriptChunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpsertChunk creates the chunk or updates an existing (user, thread, start,
// end) row whose content hash differs. Returns true when a row was written.
func (r *Repository) UpsertChunk(ctx context.Context, chunk *models.TranscriptChunk) (bool, error) {
	w := r.writer()
	now := time.Now().UTC()

	var existingID, existingHash string
	err := w.QueryRowContext(ctx, w.Rebind(`
		SELECT id, content_hash FROM transcript_chunks
		WHERE user_id = ? AND thread_id = ? AND start_message_id = ? AND end_message_id = ?
	`), chunk.UserID, chunk.ThreadID, chunk.StartMessageID, chunk.EndMessageID).Scan(&existingID, &existingHash)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if chunk.ID == "" {
			chunk.ID = uuid.New().String()
		}
		chunk.CreatedAt = now
		chunk.UpdatedAt = now
		_, err := w.ExecContext(ctx, w.Rebind(`
			INSERT INTO transcript_chunks (`+chunkColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), chunk.ID, chunk.UserID, chunk.ThreadID, chunk.DaySegmentID,
			chunk.StartMessageID, chunk.EndMessageID, chunk.ContentText,
			chunk.ContentHash, chunk.TokenEstimate, chunk.CreatedAt, chunk.UpdatedAt)
		if err != nil {
			return false, err
		}
		return true, nil

	case err != nil:
		return false, err

	case existingHash == chunk.ContentHash:
		chunk.ID = existingID
		return false, nil

	default:
		chunk.ID = existingID
		chunk.UpdatedAt = now
		_, err := w.ExecContext(ctx, w.Rebind(`
			UPDATE transcript_chunks
			SET content_text = ?, content_hash = ?, token_estimate = ?, updated_at = ?
			WHERE id = ?
		`), chunk.ContentText, chunk.ContentHash, chunk.TokenEstimate, chunk.UpdatedAt, existingID)
		if err != nil {
			return false, err
		}
		return true, nil
	}
}

func scanChunk(scanner interface{ Scan(dest ...any) error }) (*models.TranscriptChunk, error) {
	chunk := &models.TranscriptChunk{}
	err := scanner.Scan(&chunk.ID, &chunk.UserID, &chunk.ThreadID,
		&chunk.DaySegmentID, &chunk.StartMessageID, &chunk.EndMessageID,
		&chunk.ContentText, &chunk.ContentHash, &chunk.TokenEstimate,
		&chunk.CreatedAt, &chunk.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return chunk, nil
}
