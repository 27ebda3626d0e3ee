// Package repository defines the storage contract for conversation entities.
package repository

import (
	"context"
	"time"

	"github.com/novahq/nova/internal/conversation/models"
)

// ListDaySegmentsOptions controls day browsing queries.
type ListDaySegmentsOptions struct {
	Offset int
	Limit  int
	// QueryPrefix filters day labels by "YYYY", "YYYY-MM" or "YYYY-MM-DD".
	QueryPrefix string
}

// SearchScope bounds a recall candidate query to one user and optionally one
// thread, a single day, or a recency window of day labels.
type SearchScope struct {
	UserID   string
	ThreadID string
	// DayLabel, when set, scopes strictly to that day segment.
	DayLabel string
	// SinceLabel, when DayLabel is empty, keeps day_label >= SinceLabel.
	SinceLabel string
	// Limit is the per-side candidate cap (K).
	Limit int
}

// SummaryCandidate is a lexical hit on a day summary.
type SummaryCandidate struct {
	Segment  *models.DaySegment
	Rank     float64
	Headline string
}

// ChunkCandidate is a lexical hit on a transcript chunk.
type ChunkCandidate struct {
	Chunk    *models.TranscriptChunk
	Rank     float64
	Headline string
}

// SummarySemanticCandidate is a vector hit on a day summary embedding.
type SummarySemanticCandidate struct {
	Segment  *models.DaySegment
	Distance float64
}

// ChunkSemanticCandidate is a vector hit on a transcript chunk embedding.
type ChunkSemanticCandidate struct {
	Chunk    *models.TranscriptChunk
	Distance float64
}

// Repository is the storage contract for threads, messages, day segments,
// transcript chunks and embedding rows. Every query is scoped by user.
type Repository interface {
	// Thread operations
	CreateThread(ctx context.Context, thread *models.Thread) error
	GetThread(ctx context.Context, userID, id string) (*models.Thread, error)
	GetContinuousThread(ctx context.Context, userID string) (*models.Thread, error)
	UpdateThreadSubject(ctx context.Context, userID, id, subject string) error
	// DeleteThread removes the thread and cascades to messages, day segments,
	// transcript chunks and embedding rows. Checkpoint links are cascaded by
	// the service layer.
	DeleteThread(ctx context.Context, userID, id string) error

	// Message operations
	CreateMessage(ctx context.Context, message *models.Message) error
	GetMessage(ctx context.Context, userID, id string) (*models.Message, error)
	// ListMessagesWindow returns messages of a thread with
	// created_at in [from, until) ordered by (created_at, id). A nil until
	// means an unbounded window.
	ListMessagesWindow(ctx context.Context, userID, threadID string, from time.Time, until *time.Time) ([]*models.Message, error)
	// ListMessagesAfterCursor returns up to limit messages strictly after the
	// cursor in (created_at, id) order. A nil cursor starts from the beginning.
	ListMessagesAfterCursor(ctx context.Context, userID, threadID string, cursor *models.Message, limit int) ([]*models.Message, error)
	// ListMessagesBeforeCursor returns up to limit messages strictly before
	// the cursor, in ascending order.
	ListMessagesBeforeCursor(ctx context.Context, userID, threadID string, cursor *models.Message, limit int) ([]*models.Message, error)
	// ListMessagesBetween returns the inclusive [from, to] range in ascending
	// order, capped at limit.
	ListMessagesBetween(ctx context.Context, userID, threadID string, from, to *models.Message, limit int) ([]*models.Message, error)
	// HasMessagesAfter reports whether any message of the thread lies strictly
	// after the cursor and, when until is non-nil, before that timestamp.
	HasMessagesAfter(ctx context.Context, userID, threadID string, cursor *models.Message, until *time.Time) (bool, error)

	// DaySegment operations
	// CreateDaySegment inserts a segment; a (user, thread, day_label) conflict
	// returns a Conflict error so callers can re-read idempotently.
	CreateDaySegment(ctx context.Context, segment *models.DaySegment) error
	GetDaySegment(ctx context.Context, userID, id string) (*models.DaySegment, error)
	GetDaySegmentByLabel(ctx context.Context, userID, threadID, dayLabel string) (*models.DaySegment, error)
	GetLatestDaySegment(ctx context.Context, userID, threadID string) (*models.DaySegment, error)
	// GetNextDaySegment returns the segment with the smallest day_label
	// strictly greater than afterLabel, or a NotFound error.
	GetNextDaySegment(ctx context.Context, userID, threadID, afterLabel string) (*models.DaySegment, error)
	// ListSummarizedSegmentsBefore returns up to limit segments with
	// day_label < beforeLabel and a non-empty summary, newest first.
	ListSummarizedSegmentsBefore(ctx context.Context, userID, threadID, beforeLabel string, limit int) ([]*models.DaySegment, error)
	// ListSegmentsBefore returns all segments with day_label < beforeLabel in
	// chronological order, regardless of summary state.
	ListSegmentsBefore(ctx context.Context, userID, threadID, beforeLabel string) ([]*models.DaySegment, error)
	ListDaySegments(ctx context.Context, userID, threadID string, opts ListDaySegmentsOptions) ([]*models.DaySegment, int, error)
	// UpdateDaySegmentSummary writes the summary fields and resets the
	// segment's embedding row to pending in a single transaction.
	UpdateDaySegmentSummary(ctx context.Context, userID, segmentID, summaryMarkdown, untilMessageID string) error

	// TranscriptChunk operations
	GetChunk(ctx context.Context, userID, id string) (*models.TranscriptChunk, error)
	GetLastChunkForSegment(ctx context.Context, userID, segmentID string) (*models.TranscriptChunk, error)
	ListChunksForSegment(ctx context.Context, userID, segmentID string) ([]*models.TranscriptChunk, error)
	// UpsertChunk creates the chunk or, when the (user, thread, start, end)
	// row exists with a different content hash, updates it in place. Returns
	// true when a row was written.
	UpsertChunk(ctx context.Context, chunk *models.TranscriptChunk) (bool, error)

	// Embedding operations
	// EnsureEmbeddingPending creates or resets the parent's embedding row to
	// state=pending.
	EnsureEmbeddingPending(ctx context.Context, userID string, kind models.EmbeddingKind, parentID string) error
	GetEmbedding(ctx context.Context, kind models.EmbeddingKind, parentID string) (*models.Embedding, error)
	// ListEmbeddingsToProcess returns pending rows plus errored rows whose
	// last attempt is older than retryAfter, oldest first.
	ListEmbeddingsToProcess(ctx context.Context, retryAfter time.Time, limit int) ([]*models.Embedding, error)
	MarkEmbeddingReady(ctx context.Context, kind models.EmbeddingKind, parentID string, vector []float32, provider, model string, dimensions int) error
	MarkEmbeddingError(ctx context.Context, kind models.EmbeddingKind, parentID string, lastError string) error

	// Recall candidate queries
	SearchSummaries(ctx context.Context, query string, scope SearchScope) ([]SummaryCandidate, error)
	SearchChunks(ctx context.Context, query string, scope SearchScope) ([]ChunkCandidate, error)
	// SemanticSearchSummaries and SemanticSearchChunks return the nearest
	// ready embeddings by cosine distance. Backends without vector support
	// return empty slices.
	SemanticSearchSummaries(ctx context.Context, vector []float32, scope SearchScope) ([]SummarySemanticCandidate, error)
	SemanticSearchChunks(ctx context.Context, vector []float32, scope SearchScope) ([]ChunkSemanticCandidate, error)

	Close() error
}
