// Package indexer maintains transcript chunks so recall operates on
// chunk-sized units instead of raw messages. Chunking is append-only per day
// segment: each run resumes after the last chunk's end message.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/common/tokens"
	"github.com/novahq/nova/internal/conversation/models"
	"github.com/novahq/nova/internal/conversation/repository"
)

const (
	// chunkTokenTarget is the approximate size of one chunk.
	chunkTokenTarget = 600
	// overlapTokens is how far the cursor rewinds between chunks so content
	// windows overlap for retrieval continuity.
	overlapTokens = 100
	// lineCharCap hard-trims a single normalized message line.
	lineCharCap = 4000
)

// Job identifies one segment to index.
type Job struct {
	UserID    string
	ThreadID  string
	SegmentID string
}

// Indexer chunks day segments and schedules chunk embeddings.
type Indexer struct {
	repo   repository.Repository
	logger *logger.Logger
	jobs   chan Job
	done   chan struct{}
}

// New creates the indexer with a buffered job queue.
func New(repo repository.Repository, log *logger.Logger) *Indexer {
	return &Indexer{
		repo:   repo,
		logger: log.WithFields(zap.String("component", "indexer")),
		jobs:   make(chan Job, 256),
		done:   make(chan struct{}),
	}
}

// Enqueue schedules a segment for indexing. Best-effort: a full queue drops
// the job, the next append re-enqueues the same segment.
func (ix *Indexer) Enqueue(job Job) {
	select {
	case ix.jobs <- job:
	default:
		ix.logger.Warn("indexing queue full, dropping job",
			zap.String("segment_id", job.SegmentID))
	}
}

// Start launches the background worker.
func (ix *Indexer) Start(ctx context.Context) {
	go func() {
		defer close(ix.done)
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-ix.jobs:
				if !ok {
					return
				}
				if _, err := ix.IndexSegment(ctx, job.UserID, job.ThreadID, job.SegmentID); err != nil {
					ix.logger.WithError(err).Warn("segment indexing failed",
						zap.String("segment_id", job.SegmentID))
				}
			}
		}
	}()
}

// Stop closes the queue and waits for the worker to drain.
func (ix *Indexer) Stop() {
	close(ix.jobs)
	<-ix.done
}

// IndexSegment chunks every message of the segment that lies after the last
// existing chunk. Returns the number of chunks written or updated. Running
// twice with no new messages writes nothing.
func (ix *Indexer) IndexSegment(ctx context.Context, userID, threadID, segmentID string) (int, error) {
	segment, err := ix.repo.GetDaySegment(ctx, userID, segmentID)
	if err != nil {
		return 0, err
	}

	window, err := ix.segmentMessages(ctx, userID, threadID, segment)
	if err != nil {
		return 0, err
	}

	// Resume after the last chunk's end message.
	if last, err := ix.repo.GetLastChunkForSegment(ctx, userID, segmentID); err == nil {
		end, err := ix.repo.GetMessage(ctx, userID, last.EndMessageID)
		if err != nil {
			return 0, err
		}
		filtered := window[:0]
		for _, m := range window {
			if m.After(end) {
				filtered = append(filtered, m)
			}
		}
		window = filtered
	} else if !apperrors.IsNotFound(err) {
		return 0, err
	}

	lines := normalizeLines(window)
	if len(lines) == 0 {
		return 0, nil
	}

	written := 0
	start := 0
	for start < len(lines) {
		end := start
		total := 0
		for end < len(lines) && total < chunkTokenTarget {
			total += lines[end].tokenEstimate
			end++
		}

		chunk := buildChunk(userID, threadID, segmentID, lines[start:end])
		wrote, err := ix.repo.UpsertChunk(ctx, chunk)
		if err != nil {
			return written, err
		}
		if wrote {
			written++
			if err := ix.repo.EnsureEmbeddingPending(ctx, userID, models.EmbeddingKindTranscriptChunk, chunk.ID); err != nil {
				ix.logger.WithError(err).Warn("failed to schedule chunk embedding",
					zap.String("chunk_id", chunk.ID))
			}
		}

		if end >= len(lines) {
			break
		}
		start = rewind(lines, end)
	}
	return written, nil
}

type line struct {
	messageID     string
	text          string
	tokenEstimate int
	createdAt     time.Time
}

// normalizeLines renders messages as "User:"/"Agent:" lines, dropping system
// messages and hard-trimming long texts.
func normalizeLines(messages []*models.Message) []line {
	var result []line
	for _, m := range messages {
		var prefix string
		switch m.Actor {
		case models.ActorUser:
			prefix = "User: "
		case models.ActorAgent:
			prefix = "Agent: "
		default:
			continue
		}
		text := m.Text
		if len(text) > lineCharCap {
			text = text[:lineCharCap]
		}
		rendered := prefix + text
		result = append(result, line{
			messageID:     m.ID,
			text:          rendered,
			tokenEstimate: tokens.Estimate(rendered),
			createdAt:     m.CreatedAt,
		})
	}
	return result
}

func buildChunk(userID, threadID, segmentID string, lines []line) *models.TranscriptChunk {
	content := ""
	total := 0
	for i, l := range lines {
		if i > 0 {
			content += "\n"
		}
		content += l.text
		total += l.tokenEstimate
	}
	startID := lines[0].messageID
	endID := lines[len(lines)-1].messageID
	return &models.TranscriptChunk{
		UserID:         userID,
		ThreadID:       threadID,
		DaySegmentID:   segmentID,
		StartMessageID: startID,
		EndMessageID:   endID,
		ContentText:    content,
		ContentHash:    contentHash(startID, endID, content),
		TokenEstimate:  total,
	}
}

// rewind moves the next chunk's start back over trailing lines totaling up to
// overlapTokens, always keeping forward progress.
func rewind(lines []line, end int) int {
	start := end
	total := 0
	for start > 0 && total+lines[start-1].tokenEstimate <= overlapTokens {
		total += lines[start-1].tokenEstimate
		start--
	}
	if start == 0 {
		// Never restart a chunk at the previous chunk's start.
		start = end - 1
		if start < 1 {
			start = 1
		}
	}
	return start
}

func (ix *Indexer) segmentMessages(ctx context.Context, userID, threadID string, segment *models.DaySegment) ([]*models.Message, error) {
	start, err := ix.repo.GetMessage(ctx, userID, segment.StartsAtMessageID)
	if err != nil {
		return nil, err
	}
	var until *time.Time
	next, err := ix.repo.GetNextDaySegment(ctx, userID, threadID, segment.DayLabel)
	if err == nil {
		nextStart, err := ix.repo.GetMessage(ctx, userID, next.StartsAtMessageID)
		if err != nil {
			return nil, err
		}
		until = &nextStart.CreatedAt
	} else if !apperrors.IsNotFound(err) {
		return nil, err
	}
	return ix.repo.ListMessagesWindow(ctx, userID, threadID, start.CreatedAt, until)
}

func contentHash(startID, endID, content string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", startID, endID, content)))
	return hex.EncodeToString(sum[:])
}
