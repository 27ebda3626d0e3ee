package indexer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/conversation/models"
	conversationmemory "github.com/novahq/nova/internal/conversation/repository/memory"
)

type indexerFixture struct {
	indexer  *Indexer
	repo     *conversationmemory.Repository
	userID   string
	threadID string
}

func newIndexerFixture(t *testing.T) *indexerFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	repo := conversationmemory.NewRepository()
	userID := uuid.New().String()
	thread := &models.Thread{UserID: userID, Subject: "Continuous conversation", Mode: models.ThreadModeContinuous}
	require.NoError(t, repo.CreateThread(context.Background(), thread))

	return &indexerFixture{
		indexer:  New(repo, log),
		repo:     repo,
		userID:   userID,
		threadID: thread.ID,
	}
}

func (f *indexerFixture) addMessage(t *testing.T, actor models.MessageActor, text string, at time.Time) *models.Message {
	t.Helper()
	message := &models.Message{
		UserID:    f.userID,
		ThreadID:  f.threadID,
		Actor:     actor,
		Text:      text,
		CreatedAt: at,
	}
	require.NoError(t, f.repo.CreateMessage(context.Background(), message))
	return message
}

func (f *indexerFixture) seedSegment(t *testing.T, dayLabel string, first *models.Message) *models.DaySegment {
	t.Helper()
	segment := &models.DaySegment{
		UserID:            f.userID,
		ThreadID:          f.threadID,
		DayLabel:          dayLabel,
		StartsAtMessageID: first.ID,
	}
	require.NoError(t, f.repo.CreateDaySegment(context.Background(), segment))
	return segment
}

func TestIndexSegmentChunksConversation(t *testing.T) {
	f := newIndexerFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	first := f.addMessage(t, models.ActorUser, "what should I pack for Lisbon", base)
	f.addMessage(t, models.ActorAgent, "light clothes and a rain jacket", base.Add(time.Minute))
	segment := f.seedSegment(t, "2026-08-24", first)

	written, err := f.indexer.IndexSegment(ctx, f.userID, f.threadID, segment.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	chunks, err := f.repo.ListChunksForSegment(ctx, f.userID, segment.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].ContentText, "User: what should I pack")
	assert.Contains(t, chunks[0].ContentText, "Agent: light clothes")
	assert.Equal(t, first.ID, chunks[0].StartMessageID)
	assert.NotEmpty(t, chunks[0].ContentHash)

	embedding, err := f.repo.GetEmbedding(ctx, models.EmbeddingKindTranscriptChunk, chunks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.EmbeddingPending, embedding.State)
}

func TestIndexSegmentIsIdempotent(t *testing.T) {
	f := newIndexerFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	first := f.addMessage(t, models.ActorUser, "hello", base)
	f.addMessage(t, models.ActorAgent, "hi", base.Add(time.Minute))
	segment := f.seedSegment(t, "2026-08-24", first)

	written, err := f.indexer.IndexSegment(ctx, f.userID, f.threadID, segment.ID)
	require.NoError(t, err)
	require.Equal(t, 1, written)

	written, err = f.indexer.IndexSegment(ctx, f.userID, f.threadID, segment.ID)
	require.NoError(t, err)
	assert.Zero(t, written, "no new messages means no new chunks")

	chunks, err := f.repo.ListChunksForSegment(ctx, f.userID, segment.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}

func TestIndexSegmentResumesAfterLastChunk(t *testing.T) {
	f := newIndexerFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	first := f.addMessage(t, models.ActorUser, "morning note", base)
	segment := f.seedSegment(t, "2026-08-24", first)

	written, err := f.indexer.IndexSegment(ctx, f.userID, f.threadID, segment.ID)
	require.NoError(t, err)
	require.Equal(t, 1, written)

	f.addMessage(t, models.ActorAgent, "afternoon reply", base.Add(4*time.Hour))
	written, err = f.indexer.IndexSegment(ctx, f.userID, f.threadID, segment.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	chunks, err := f.repo.ListChunksForSegment(ctx, f.userID, segment.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[1].ContentText, "afternoon reply")
	assert.NotContains(t, chunks[1].ContentText, "morning note")
}

func TestIndexSegmentSplitsLongConversations(t *testing.T) {
	f := newIndexerFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	// Each message is ~100 tokens; a dozen of them overflow one 600-token chunk.
	filler := strings.Repeat("word ", 80)
	first := f.addMessage(t, models.ActorUser, filler, base)
	for i := 1; i < 12; i++ {
		actor := models.ActorUser
		if i%2 == 1 {
			actor = models.ActorAgent
		}
		f.addMessage(t, actor, filler, base.Add(time.Duration(i)*time.Minute))
	}
	segment := f.seedSegment(t, "2026-08-24", first)

	written, err := f.indexer.IndexSegment(ctx, f.userID, f.threadID, segment.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, written, 2)
}

func TestIndexSegmentSkipsSystemMessages(t *testing.T) {
	f := newIndexerFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	first := f.addMessage(t, models.ActorUser, "hello", base)
	f.addMessage(t, models.ActorSystem, "The agent asked a question", base.Add(time.Minute))
	segment := f.seedSegment(t, "2026-08-24", first)

	written, err := f.indexer.IndexSegment(ctx, f.userID, f.threadID, segment.ID)
	require.NoError(t, err)
	require.Equal(t, 1, written)

	chunks, err := f.repo.ListChunksForSegment(ctx, f.userID, segment.ID)
	require.NoError(t, err)
	assert.NotContains(t, chunks[0].ContentText, "The agent asked")
}

func TestIndexSegmentStopsAtNextDay(t *testing.T) {
	f := newIndexerFixture(t)
	ctx := context.Background()

	first := f.addMessage(t, models.ActorUser, "today only", time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC))
	segment := f.seedSegment(t, "2026-08-23", first)
	next := f.addMessage(t, models.ActorUser, "tomorrow message", time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	f.seedSegment(t, "2026-08-24", next)

	written, err := f.indexer.IndexSegment(ctx, f.userID, f.threadID, segment.ID)
	require.NoError(t, err)
	require.Equal(t, 1, written)

	chunks, err := f.repo.ListChunksForSegment(ctx, f.userID, segment.ID)
	require.NoError(t, err)
	assert.NotContains(t, chunks[0].ContentText, "tomorrow message")
}
