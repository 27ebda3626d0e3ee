// Package memory provides an in-memory conversation repository used by tests
// and single-process development setups.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/conversation/models"
	"github.com/novahq/nova/internal/conversation/repository"
)

// Repository is a mutex-guarded map store. Lexical search degrades to
// substring matching; semantic search ranks ready embeddings by cosine
// distance so recall blending stays testable without a database.
type Repository struct {
	mu         sync.RWMutex
	threads    map[string]*models.Thread
	messages   map[string]*models.Message
	segments   map[string]*models.DaySegment
	chunks     map[string]*models.TranscriptChunk
	embeddings map[string]*models.Embedding // keyed by kind+"/"+parentID
}

// NewRepository creates an empty in-memory repository.
func NewRepository() *Repository {
	return &Repository{
		threads:    make(map[string]*models.Thread),
		messages:   make(map[string]*models.Message),
		segments:   make(map[string]*models.DaySegment),
		chunks:     make(map[string]*models.TranscriptChunk),
		embeddings: make(map[string]*models.Embedding),
	}
}

// Close is a no-op.
func (r *Repository) Close() error { return nil }

// CreateThread inserts a thread. A second continuous thread for the same user
// returns a Conflict error.
func (r *Repository) CreateThread(ctx context.Context, thread *models.Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	if thread.Mode == "" {
		thread.Mode = models.ThreadModeThread
	}
	if thread.Mode == models.ThreadModeContinuous {
		for _, existing := range r.threads {
			if existing.UserID == thread.UserID && existing.Mode == models.ThreadModeContinuous {
				return apperrors.Conflict("continuous thread already exists for user")
			}
		}
	}
	now := time.Now().UTC()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now
	r.threads[thread.ID] = cloneThread(thread)
	return nil
}

func (r *Repository) GetThread(ctx context.Context, userID, id string) (*models.Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	thread, ok := r.threads[id]
	if !ok || thread.UserID != userID {
		return nil, apperrors.NotFound("thread", id)
	}
	return cloneThread(thread), nil
}

func (r *Repository) GetContinuousThread(ctx context.Context, userID string) (*models.Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, thread := range r.threads {
		if thread.UserID == userID && thread.Mode == models.ThreadModeContinuous {
			return cloneThread(thread), nil
		}
	}
	return nil, apperrors.NotFound("continuous thread", userID)
}

func (r *Repository) UpdateThreadSubject(ctx context.Context, userID, id, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	thread, ok := r.threads[id]
	if !ok || thread.UserID != userID {
		return apperrors.NotFound("thread", id)
	}
	thread.Subject = subject
	thread.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Repository) DeleteThread(ctx context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	thread, ok := r.threads[id]
	if !ok || thread.UserID != userID {
		return apperrors.NotFound("thread", id)
	}
	delete(r.threads, id)
	for key, message := range r.messages {
		if message.ThreadID == id {
			delete(r.messages, key)
		}
	}
	for key, segment := range r.segments {
		if segment.ThreadID == id {
			delete(r.embeddings, embeddingKey(models.EmbeddingKindDaySegment, segment.ID))
			delete(r.segments, key)
		}
	}
	for key, chunk := range r.chunks {
		if chunk.ThreadID == id {
			delete(r.embeddings, embeddingKey(models.EmbeddingKindTranscriptChunk, chunk.ID))
			delete(r.chunks, key)
		}
	}
	return nil
}

func (r *Repository) CreateMessage(ctx context.Context, message *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

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
	r.messages[message.ID] = cloneMessage(message)
	return nil
}

func (r *Repository) GetMessage(ctx context.Context, userID, id string) (*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	message, ok := r.messages[id]
	if !ok || message.UserID != userID {
		return nil, apperrors.NotFound("message", id)
	}
	return cloneMessage(message), nil
}

func (r *Repository) ListMessagesWindow(ctx context.Context, userID, threadID string, from time.Time, until *time.Time) ([]*models.Message, error) {
	return r.collectMessages(userID, threadID, 0, func(m *models.Message) bool {
		if m.CreatedAt.Before(from) {
			return false
		}
		if until != nil && !m.CreatedAt.Before(*until) {
			return false
		}
		return true
	}), nil
}

func (r *Repository) ListMessagesAfterCursor(ctx context.Context, userID, threadID string, cursor *models.Message, limit int) ([]*models.Message, error) {
	return r.collectMessages(userID, threadID, limit, func(m *models.Message) bool {
		return cursor == nil || m.After(cursor)
	}), nil
}

func (r *Repository) ListMessagesBeforeCursor(ctx context.Context, userID, threadID string, cursor *models.Message, limit int) ([]*models.Message, error) {
	messages := r.collectMessages(userID, threadID, 0, func(m *models.Message) bool {
		return cursor == nil || cursor.After(m)
	})
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (r *Repository) ListMessagesBetween(ctx context.Context, userID, threadID string, from, to *models.Message, limit int) ([]*models.Message, error) {
	return r.collectMessages(userID, threadID, limit, func(m *models.Message) bool {
		if from != nil && from.After(m) {
			return false
		}
		if to != nil && m.After(to) {
			return false
		}
		return true
	}), nil
}

func (r *Repository) HasMessagesAfter(ctx context.Context, userID, threadID string, cursor *models.Message, until *time.Time) (bool, error) {
	messages := r.collectMessages(userID, threadID, 1, func(m *models.Message) bool {
		if cursor != nil && !m.After(cursor) {
			return false
		}
		if until != nil && !m.CreatedAt.Before(*until) {
			return false
		}
		return true
	})
	return len(messages) > 0, nil
}

func (r *Repository) collectMessages(userID, threadID string, limit int, keep func(*models.Message) bool) []*models.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Message
	for _, message := range r.messages {
		if message.UserID != userID || message.ThreadID != threadID {
			continue
		}
		if !keep(message) {
			continue
		}
		result = append(result, cloneMessage(message))
	}
	sort.Slice(result, func(i, j int) bool { return result[j].After(result[i]) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (r *Repository) CreateDaySegment(ctx context.Context, segment *models.DaySegment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.segments {
		if existing.UserID == segment.UserID && existing.ThreadID == segment.ThreadID &&
			existing.DayLabel == segment.DayLabel {
			return apperrors.Conflict("day segment already exists for " + segment.DayLabel)
		}
	}
	if segment.ID == "" {
		segment.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if segment.CreatedAt.IsZero() {
		segment.CreatedAt = now
	}
	segment.UpdatedAt = now
	r.segments[segment.ID] = cloneSegment(segment)
	return nil
}

func (r *Repository) GetDaySegment(ctx context.Context, userID, id string) (*models.DaySegment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	segment, ok := r.segments[id]
	if !ok || segment.UserID != userID {
		return nil, apperrors.NotFound("day segment", id)
	}
	return cloneSegment(segment), nil
}

func (r *Repository) GetDaySegmentByLabel(ctx context.Context, userID, threadID, dayLabel string) (*models.DaySegment, error) {
	segments := r.collectSegments(userID, threadID, func(s *models.DaySegment) bool {
		return s.DayLabel == dayLabel
	})
	if len(segments) == 0 {
		return nil, apperrors.NotFound("day segment", dayLabel)
	}
	return segments[0], nil
}

func (r *Repository) GetLatestDaySegment(ctx context.Context, userID, threadID string) (*models.DaySegment, error) {
	segments := r.collectSegments(userID, threadID, nil)
	if len(segments) == 0 {
		return nil, apperrors.NotFound("day segment", "")
	}
	return segments[len(segments)-1], nil
}

func (r *Repository) GetNextDaySegment(ctx context.Context, userID, threadID, afterLabel string) (*models.DaySegment, error) {
	segments := r.collectSegments(userID, threadID, func(s *models.DaySegment) bool {
		return s.DayLabel > afterLabel
	})
	if len(segments) == 0 {
		return nil, apperrors.NotFound("day segment", "")
	}
	return segments[0], nil
}

func (r *Repository) ListSummarizedSegmentsBefore(ctx context.Context, userID, threadID, beforeLabel string, limit int) ([]*models.DaySegment, error) {
	segments := r.collectSegments(userID, threadID, func(s *models.DaySegment) bool {
		return s.DayLabel < beforeLabel && s.HasSummary()
	})
	// Newest first.
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	if limit > 0 && len(segments) > limit {
		segments = segments[:limit]
	}
	return segments, nil
}

func (r *Repository) ListSegmentsBefore(ctx context.Context, userID, threadID, beforeLabel string) ([]*models.DaySegment, error) {
	return r.collectSegments(userID, threadID, func(s *models.DaySegment) bool {
		return s.DayLabel < beforeLabel
	}), nil
}

func (r *Repository) ListDaySegments(ctx context.Context, userID, threadID string, opts repository.ListDaySegmentsOptions) ([]*models.DaySegment, int, error) {
	segments := r.collectSegments(userID, threadID, func(s *models.DaySegment) bool {
		return opts.QueryPrefix == "" || strings.HasPrefix(s.DayLabel, opts.QueryPrefix)
	})
	// Newest first.
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	total := len(segments)
	if opts.Offset > 0 {
		if opts.Offset >= len(segments) {
			return nil, total, nil
		}
		segments = segments[opts.Offset:]
	}
	if opts.Limit > 0 && len(segments) > opts.Limit {
		segments = segments[:opts.Limit]
	}
	return segments, total, nil
}

func (r *Repository) UpdateDaySegmentSummary(ctx context.Context, userID, segmentID, summaryMarkdown, untilMessageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	segment, ok := r.segments[segmentID]
	if !ok || segment.UserID != userID {
		return apperrors.NotFound("day segment", segmentID)
	}
	now := time.Now().UTC()
	segment.SummaryMarkdown = summaryMarkdown
	segment.SummaryUntilMessageID = untilMessageID
	segment.UpdatedAt = now
	r.ensureEmbeddingPendingLocked(userID, models.EmbeddingKindDaySegment, segmentID, now)
	return nil
}

func (r *Repository) collectSegments(userID, threadID string, keep func(*models.DaySegment) bool) []*models.DaySegment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.DaySegment
	for _, segment := range r.segments {
		if segment.UserID != userID || segment.ThreadID != threadID {
			continue
		}
		if keep != nil && !keep(segment) {
			continue
		}
		result = append(result, cloneSegment(segment))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DayLabel < result[j].DayLabel })
	return result
}

func (r *Repository) GetChunk(ctx context.Context, userID, id string) (*models.TranscriptChunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chunk, ok := r.chunks[id]
	if !ok || chunk.UserID != userID {
		return nil, apperrors.NotFound("transcript chunk", id)
	}
	return cloneChunk(chunk), nil
}

func (r *Repository) GetLastChunkForSegment(ctx context.Context, userID, segmentID string) (*models.TranscriptChunk, error) {
	chunks := r.collectChunks(userID, segmentID)
	if len(chunks) == 0 {
		return nil, apperrors.NotFound("transcript chunk", segmentID)
	}
	return chunks[len(chunks)-1], nil
}

func (r *Repository) ListChunksForSegment(ctx context.Context, userID, segmentID string) ([]*models.TranscriptChunk, error) {
	return r.collectChunks(userID, segmentID), nil
}

func (r *Repository) UpsertChunk(ctx context.Context, chunk *models.TranscriptChunk) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for _, existing := range r.chunks {
		if existing.UserID != chunk.UserID || existing.ThreadID != chunk.ThreadID ||
			existing.StartMessageID != chunk.StartMessageID || existing.EndMessageID != chunk.EndMessageID {
			continue
		}
		chunk.ID = existing.ID
		if existing.ContentHash == chunk.ContentHash {
			return false, nil
		}
		existing.ContentText = chunk.ContentText
		existing.ContentHash = chunk.ContentHash
		existing.TokenEstimate = chunk.TokenEstimate
		existing.UpdatedAt = now
		return true, nil
	}

	if chunk.ID == "" {
		chunk.ID = uuid.New().String()
	}
	chunk.CreatedAt = now
	chunk.UpdatedAt = now
	r.chunks[chunk.ID] = cloneChunk(chunk)
	return true, nil
}

func (r *Repository) collectChunks(userID, segmentID string) []*models.TranscriptChunk {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.TranscriptChunk
	for _, chunk := range r.chunks {
		if chunk.UserID != userID || chunk.DaySegmentID != segmentID {
			continue
		}
		result = append(result, cloneChunk(chunk))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (r *Repository) EnsureEmbeddingPending(ctx context.Context, userID string, kind models.EmbeddingKind, parentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureEmbeddingPendingLocked(userID, kind, parentID, time.Now().UTC())
	return nil
}

func (r *Repository) ensureEmbeddingPendingLocked(userID string, kind models.EmbeddingKind, parentID string, now time.Time) {
	key := embeddingKey(kind, parentID)
	if existing, ok := r.embeddings[key]; ok {
		existing.State = models.EmbeddingPending
		existing.Vector = nil
		existing.LastError = ""
		existing.UpdatedAt = now
		return
	}
	r.embeddings[key] = &models.Embedding{
		ID:        uuid.New().String(),
		UserID:    userID,
		Kind:      kind,
		ParentID:  parentID,
		State:     models.EmbeddingPending,
		UpdatedAt: now,
	}
}

func (r *Repository) GetEmbedding(ctx context.Context, kind models.EmbeddingKind, parentID string) (*models.Embedding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	embedding, ok := r.embeddings[embeddingKey(kind, parentID)]
	if !ok {
		return nil, apperrors.NotFound("embedding", parentID)
	}
	return cloneEmbedding(embedding), nil
}

func (r *Repository) ListEmbeddingsToProcess(ctx context.Context, retryAfter time.Time, limit int) ([]*models.Embedding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Embedding
	for _, embedding := range r.embeddings {
		if embedding.State == models.EmbeddingPending ||
			(embedding.State == models.EmbeddingError && embedding.UpdatedAt.Before(retryAfter)) {
			result = append(result, cloneEmbedding(embedding))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *Repository) MarkEmbeddingReady(ctx context.Context, kind models.EmbeddingKind, parentID string, vector []float32, provider, model string, dimensions int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	embedding, ok := r.embeddings[embeddingKey(kind, parentID)]
	if !ok {
		return apperrors.NotFound("embedding", parentID)
	}
	if embedding.State == models.EmbeddingReady {
		return nil
	}
	embedding.State = models.EmbeddingReady
	embedding.Vector = append([]float32(nil), vector...)
	embedding.Provider = provider
	embedding.Model = model
	embedding.Dimensions = dimensions
	embedding.LastError = ""
	embedding.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Repository) MarkEmbeddingError(ctx context.Context, kind models.EmbeddingKind, parentID string, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	embedding, ok := r.embeddings[embeddingKey(kind, parentID)]
	if !ok {
		return apperrors.NotFound("embedding", parentID)
	}
	embedding.State = models.EmbeddingError
	embedding.LastError = lastError
	embedding.UpdatedAt = time.Now().UTC()
	return nil
}

// SearchSummaries does case-insensitive substring matching with no rank.
func (r *Repository) SearchSummaries(ctx context.Context, query string, scope repository.SearchScope) ([]repository.SummaryCandidate, error) {
	needle := strings.ToLower(query)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []repository.SummaryCandidate
	for _, segment := range r.segments {
		if !segmentInScope(segment, scope) || !segment.HasSummary() {
			continue
		}
		if !strings.Contains(strings.ToLower(segment.SummaryMarkdown), needle) {
			continue
		}
		result = append(result, repository.SummaryCandidate{Segment: cloneSegment(segment)})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Segment.DayLabel > result[j].Segment.DayLabel
	})
	if scope.Limit > 0 && len(result) > scope.Limit {
		result = result[:scope.Limit]
	}
	return result, nil
}

// SearchChunks does case-insensitive substring matching with no rank.
func (r *Repository) SearchChunks(ctx context.Context, query string, scope repository.SearchScope) ([]repository.ChunkCandidate, error) {
	needle := strings.ToLower(query)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []repository.ChunkCandidate
	for _, chunk := range r.chunks {
		segment, ok := r.segments[chunk.DaySegmentID]
		if !ok || !segmentInScope(segment, scope) || chunk.UserID != scope.UserID {
			continue
		}
		if !strings.Contains(strings.ToLower(chunk.ContentText), needle) {
			continue
		}
		result = append(result, repository.ChunkCandidate{Chunk: cloneChunk(chunk)})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Chunk.ID < result[j].Chunk.ID })
	if scope.Limit > 0 && len(result) > scope.Limit {
		result = result[:scope.Limit]
	}
	return result, nil
}

// SemanticSearchSummaries ranks ready day-segment embeddings by cosine distance.
func (r *Repository) SemanticSearchSummaries(ctx context.Context, vector []float32, scope repository.SearchScope) ([]repository.SummarySemanticCandidate, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []repository.SummarySemanticCandidate
	for _, embedding := range r.embeddings {
		if embedding.Kind != models.EmbeddingKindDaySegment || embedding.State != models.EmbeddingReady {
			continue
		}
		segment, ok := r.segments[embedding.ParentID]
		if !ok || !segmentInScope(segment, scope) || !segment.HasSummary() {
			continue
		}
		result = append(result, repository.SummarySemanticCandidate{
			Segment:  cloneSegment(segment),
			Distance: cosineDistance(vector, embedding.Vector),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Distance < result[j].Distance })
	if scope.Limit > 0 && len(result) > scope.Limit {
		result = result[:scope.Limit]
	}
	return result, nil
}

// SemanticSearchChunks ranks ready chunk embeddings by cosine distance.
func (r *Repository) SemanticSearchChunks(ctx context.Context, vector []float32, scope repository.SearchScope) ([]repository.ChunkSemanticCandidate, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []repository.ChunkSemanticCandidate
	for _, embedding := range r.embeddings {
		if embedding.Kind != models.EmbeddingKindTranscriptChunk || embedding.State != models.EmbeddingReady {
			continue
		}
		chunk, ok := r.chunks[embedding.ParentID]
		if !ok || chunk.UserID != scope.UserID {
			continue
		}
		segment, ok := r.segments[chunk.DaySegmentID]
		if !ok || !segmentInScope(segment, scope) {
			continue
		}
		result = append(result, repository.ChunkSemanticCandidate{
			Chunk:    cloneChunk(chunk),
			Distance: cosineDistance(vector, embedding.Vector),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Distance < result[j].Distance })
	if scope.Limit > 0 && len(result) > scope.Limit {
		result = result[:scope.Limit]
	}
	return result, nil
}

func segmentInScope(segment *models.DaySegment, scope repository.SearchScope) bool {
	if segment.UserID != scope.UserID {
		return false
	}
	if scope.ThreadID != "" && segment.ThreadID != scope.ThreadID {
		return false
	}
	if scope.DayLabel != "" {
		return segment.DayLabel == scope.DayLabel
	}
	if scope.SinceLabel != "" {
		return segment.DayLabel >= scope.SinceLabel
	}
	return true
}

func cosineDistance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

func embeddingKey(kind models.EmbeddingKind, parentID string) string {
	return string(kind) + "/" + parentID
}

func cloneThread(t *models.Thread) *models.Thread {
	clone := *t
	return &clone
}

func cloneMessage(m *models.Message) *models.Message {
	clone := *m
	if m.InternalData != nil {
		clone.InternalData = make(map[string]interface{}, len(m.InternalData))
		for k, v := range m.InternalData {
			clone.InternalData[k] = v
		}
	}
	return &clone
}

func cloneSegment(s *models.DaySegment) *models.DaySegment {
	clone := *s
	return &clone
}

func cloneChunk(c *models.TranscriptChunk) *models.TranscriptChunk {
	clone := *c
	return &clone
}

func cloneEmbedding(e *models.Embedding) *models.Embedding {
	clone := *e
	clone.Vector = append([]float32(nil), e.Vector...)
	return &clone
}
