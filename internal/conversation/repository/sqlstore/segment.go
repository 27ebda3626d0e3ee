package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/conversation/models"
	"github.com/novahq/nova/internal/conversation/repository"
)

const segmentColumns = `id, user_id, thread_id, day_label, starts_at_message_id,
	summary_markdown, summary_until_message_id, created_at, updated_at`

// CreateDaySegment inserts a segment; a duplicate (user, thread, day_label)
// returns a Conflict error so callers can re-read idempotently.
func (r *Repository) CreateDaySegment(ctx context.Context, segment *models.DaySegment) error {
	if segment.ID == "" {
		segment.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if segment.CreatedAt.IsZero() {
		segment.CreatedAt = now
	}
	segment.UpdatedAt = now

	w := r.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO day_segments (`+segmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), segment.ID, segment.UserID, segment.ThreadID, segment.DayLabel,
		segment.StartsAtMessageID, segment.SummaryMarkdown,
		segment.SummaryUntilMessageID, segment.CreatedAt, segment.UpdatedAt)
	if isUniqueViolation(err) {
		return apperrors.Conflict("day segment already exists for " + segment.DayLabel)
	}
	return err
}

// GetDaySegment retrieves a segment by id, enforcing ownership.
func (r *Repository) GetDaySegment(ctx context.Context, userID, id string) (*models.DaySegment, error) {
	return r.getSegment(ctx, `SELECT `+segmentColumns+` FROM day_segments WHERE id = ? AND user_id = ?`, id, userID)
}

// GetDaySegmentByLabel retrieves a segment by its day label.
func (r *Repository) GetDaySegmentByLabel(ctx context.Context, userID, threadID, dayLabel string) (*models.DaySegment, error) {
	return r.getSegment(ctx, `
		SELECT `+segmentColumns+` FROM day_segments
		WHERE user_id = ? AND thread_id = ? AND day_label = ?
	`, userID, threadID, dayLabel)
}

// GetLatestDaySegment returns the segment with the greatest day label.
func (r *Repository) GetLatestDaySegment(ctx context.Context, userID, threadID string) (*models.DaySegment, error) {
	return r.getSegment(ctx, `
		SELECT `+segmentColumns+` FROM day_segments
		WHERE user_id = ? AND thread_id = ?
		ORDER BY day_label DESC LIMIT 1
	`, userID, threadID)
}

// GetNextDaySegment returns the earliest segment strictly after afterLabel.
func (r *Repository) GetNextDaySegment(ctx context.Context, userID, threadID, afterLabel string) (*models.DaySegment, error) {
	return r.getSegment(ctx, `
		SELECT `+segmentColumns+` FROM day_segments
		WHERE user_id = ? AND thread_id = ? AND day_label > ?
		ORDER BY day_label ASC LIMIT 1
	`, userID, threadID, afterLabel)
}

// ListSummarizedSegmentsBefore returns up to limit summarized segments with
// day_label < beforeLabel, newest first.
func (r *Repository) ListSummarizedSegmentsBefore(ctx context.Context, userID, threadID, beforeLabel string, limit int) ([]*models.DaySegment, error) {
	return r.querySegments(ctx, `
		SELECT `+segmentColumns+` FROM day_segments
		WHERE user_id = ? AND thread_id = ? AND day_label < ? AND summary_markdown != ''
		ORDER BY day_label DESC LIMIT ?
	`, userID, threadID, beforeLabel, limit)
}

// ListSegmentsBefore returns all segments with day_label < beforeLabel in
// chronological order.
func (r *Repository) ListSegmentsBefore(ctx context.Context, userID, threadID, beforeLabel string) ([]*models.DaySegment, error) {
	return r.querySegments(ctx, `
		SELECT `+segmentColumns+` FROM day_segments
		WHERE user_id = ? AND thread_id = ? AND day_label < ?
		ORDER BY day_label ASC
	`, userID, threadID, beforeLabel)
}

// ListDaySegments pages segments newest-first with an optional label prefix
// filter, returning the total match count alongside the page.
func (r *Repository) ListDaySegments(ctx context.Context, userID, threadID string, opts repository.ListDaySegmentsOptions) ([]*models.DaySegment, int, error) {
	where := ` WHERE user_id = ? AND thread_id = ?`
	args := []interface{}{userID, threadID}
	if opts.QueryPrefix != "" {
		where += ` AND day_label LIKE ?`
		args = append(args, opts.QueryPrefix+"%")
	}

	reader := r.reader()
	var total int
	if err := reader.QueryRowContext(ctx, reader.Rebind(
		`SELECT COUNT(1) FROM day_segments`+where,
	), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + segmentColumns + ` FROM day_segments` + where +
		` ORDER BY day_label DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)
	segments, err := r.querySegments(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return segments, total, nil
}

// UpdateDaySegmentSummary writes the summary fields and resets the segment's
// embedding row to pending in a single transaction.
func (r *Repository) UpdateDaySegmentSummary(ctx context.Context, userID, segmentID, summaryMarkdown, untilMessageID string) error {
	w := r.writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE day_segments
		SET summary_markdown = ?, summary_until_message_id = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`), summaryMarkdown, untilMessageID, now, segmentID, userID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("day segment", segmentID)
	}

	if err := r.ensureEmbeddingPendingTx(ctx, tx, userID, models.EmbeddingKindDaySegment, segmentID, now); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Repository) getSegment(ctx context.Context, query string, args ...interface{}) (*models.DaySegment, error) {
	reader := r.reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(query), args...)
	segment, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("day segment", "")
	}
	return segment, err
}

func (r *Repository) querySegments(ctx context.Context, query string, args ...interface{}) ([]*models.DaySegment, error) {
	reader := r.reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.DaySegment
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, segment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanSegment(scanner interface{ Scan(dest ...any) error }) (*models.DaySegment, error) {
	segment := &models.DaySegment{}
	err := scanner.Scan(&segment.ID, &segment.UserID, &segment.ThreadID,
		&segment.DayLabel, &segment.StartsAtMessageID, &segment.SummaryMarkdown,
		&segment.SummaryUntilMessageID, &segment.CreatedAt, &segment.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return segment, nil
}
