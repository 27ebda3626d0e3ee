package recall

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/conversation/models"
	conversationmemory "github.com/novahq/nova/internal/conversation/repository/memory"
	usermodels "github.com/novahq/nova/internal/user/models"
)

// fixedEmbedder returns the same vector for every input.
type fixedEmbedder struct {
	vector []float32
}

func (e *fixedEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = e.vector
	}
	return out, nil
}

func (e *fixedEmbedder) Provider() string { return "test" }
func (e *fixedEmbedder) Model() string    { return "test-embed" }
func (e *fixedEmbedder) Dimensions() int  { return len(e.vector) }

type recallFixture struct {
	tools    *Tools
	repo     *conversationmemory.Repository
	user     *usermodels.User
	threadID string
}

func newRecallFixture(t *testing.T, today time.Time) *recallFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	repo := conversationmemory.NewRepository()
	user := &usermodels.User{ID: uuid.New().String(), Email: "t@example.com", Timezone: "UTC"}
	thread := &models.Thread{UserID: user.ID, Subject: "Continuous conversation", Mode: models.ThreadModeContinuous}
	require.NoError(t, repo.CreateThread(context.Background(), thread))

	tools := NewTools(repo, nil, log)
	tools.SetClock(func() time.Time { return today })
	return &recallFixture{tools: tools, repo: repo, user: user, threadID: thread.ID}
}

// seedSummarizedDay creates a segment with one message and a ready summary.
func (f *recallFixture) seedSummarizedDay(t *testing.T, dayLabel, summary string) *models.DaySegment {
	t.Helper()
	ctx := context.Background()
	day, err := time.Parse("2006-01-02", dayLabel)
	require.NoError(t, err)

	message := &models.Message{
		UserID:    f.user.ID,
		ThreadID:  f.threadID,
		Actor:     models.ActorUser,
		Text:      "seed",
		CreatedAt: day.Add(9 * time.Hour),
	}
	require.NoError(t, f.repo.CreateMessage(ctx, message))
	segment := &models.DaySegment{
		UserID:            f.user.ID,
		ThreadID:          f.threadID,
		DayLabel:          dayLabel,
		StartsAtMessageID: message.ID,
	}
	require.NoError(t, f.repo.CreateDaySegment(ctx, segment))
	require.NoError(t, f.repo.UpdateDaySegmentSummary(ctx, f.user.ID, segment.ID, summary, message.ID))
	return segment
}

func (f *recallFixture) seedChunk(t *testing.T, segment *models.DaySegment, content string) *models.TranscriptChunk {
	t.Helper()
	chunk := &models.TranscriptChunk{
		UserID:         f.user.ID,
		ThreadID:       f.threadID,
		DaySegmentID:   segment.ID,
		StartMessageID: segment.StartsAtMessageID,
		EndMessageID:   segment.StartsAtMessageID,
		ContentText:    content,
		ContentHash:    uuid.New().String(),
		TokenEstimate:  10,
	}
	_, err := f.repo.UpsertChunk(context.Background(), chunk)
	require.NoError(t, err)
	return chunk
}

func TestSearchRequiresQuery(t *testing.T) {
	f := newRecallFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	_, err := f.tools.Search(context.Background(), f.user, f.threadID, SearchParams{})
	require.Error(t, err)
	assert.True(t, apperrors.IsBadRequest(err))
}

func TestSearchFindsSummariesAndChunks(t *testing.T) {
	f := newRecallFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	segment := f.seedSummarizedDay(t, "2026-08-23", "Planned the Lisbon trip with flights on Friday.")
	f.seedChunk(t, segment, "User: what about Lisbon hotels\nAgent: I found three options")

	response, err := f.tools.Search(context.Background(), f.user, f.threadID, SearchParams{Query: "Lisbon"})
	require.NoError(t, err)
	require.Equal(t, 2, response.Total)

	kinds := map[string]SearchResult{}
	for _, r := range response.Results {
		kinds[r.Kind] = r
	}
	require.Contains(t, kinds, KindSummary)
	require.Contains(t, kinds, KindChunk)
	assert.Equal(t, "2026-08-23", kinds[KindSummary].DayLabel)
	assert.Equal(t, "2026-08-23", kinds[KindChunk].DayLabel, "chunk day label resolved from its segment")
	assert.NotEmpty(t, kinds[KindSummary].Snippet)
	assert.NotEmpty(t, kinds[KindChunk].ChunkID)
}

func TestSearchHonorsRecencyWindow(t *testing.T) {
	f := newRecallFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	f.seedSummarizedDay(t, "2026-08-20", "Recent Lisbon notes.")
	f.seedSummarizedDay(t, "2026-07-01", "Ancient Lisbon notes.")

	response, err := f.tools.Search(context.Background(), f.user, f.threadID, SearchParams{Query: "Lisbon"})
	require.NoError(t, err)
	require.Equal(t, 1, response.Total, "default window is 14 days")
	assert.Equal(t, "2026-08-20", response.Results[0].DayLabel)

	response, err = f.tools.Search(context.Background(), f.user, f.threadID, SearchParams{Query: "Lisbon", RecencyDays: 90})
	require.NoError(t, err)
	assert.Equal(t, 2, response.Total)
}

func TestSearchDayScope(t *testing.T) {
	f := newRecallFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	f.seedSummarizedDay(t, "2026-08-22", "Lisbon on Saturday.")
	f.seedSummarizedDay(t, "2026-08-23", "Lisbon on Sunday.")

	response, err := f.tools.Search(context.Background(), f.user, f.threadID, SearchParams{Query: "Lisbon", Day: "2026-08-22"})
	require.NoError(t, err)
	require.Equal(t, 1, response.Total)
	assert.Equal(t, "2026-08-22", response.Results[0].DayLabel)
}

func TestSearchPaging(t *testing.T) {
	f := newRecallFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	for _, day := range []string{"2026-08-20", "2026-08-21", "2026-08-22"} {
		f.seedSummarizedDay(t, day, "Lisbon every day.")
	}

	page, err := f.tools.Search(context.Background(), f.user, f.threadID, SearchParams{Query: "Lisbon", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Results, 2)

	rest, err := f.tools.Search(context.Background(), f.user, f.threadID, SearchParams{Query: "Lisbon", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest.Results, 1)

	beyond, err := f.tools.Search(context.Background(), f.user, f.threadID, SearchParams{Query: "Lisbon", Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond.Results)
	assert.Equal(t, 3, beyond.Total)
}

func TestSearchSemanticRanking(t *testing.T) {
	f := newRecallFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	near := f.seedSummarizedDay(t, "2026-08-23", "Lisbon itinerary details.")
	far := f.seedSummarizedDay(t, "2026-08-22", "Lisbon grocery list.")
	require.NoError(t, f.repo.MarkEmbeddingReady(ctx, models.EmbeddingKindDaySegment, near.ID, []float32{1, 0}, "test", "test-embed", 2))
	require.NoError(t, f.repo.MarkEmbeddingReady(ctx, models.EmbeddingKindDaySegment, far.ID, []float32{0, 1}, "test", "test-embed", 2))

	f.tools.embedder = &fixedEmbedder{vector: []float32{1, 0}}

	response, err := f.tools.Search(ctx, f.user, f.threadID, SearchParams{Query: "Lisbon"})
	require.NoError(t, err)
	require.Equal(t, 2, response.Total)
	assert.Equal(t, near.ID, response.Results[0].DaySegmentID, "closer vector ranks first")
	assert.Greater(t, response.Results[0].Score, response.Results[1].Score)
}

func TestRecencyMultiplier(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 1.0, recencyMultiplier("2026-08-24", now))
	assert.Equal(t, 0.9, recencyMultiplier("2026-08-20", now))
	assert.Equal(t, 0.8, recencyMultiplier("2026-08-01", now))
	assert.Equal(t, 0.8, recencyMultiplier("not-a-day", now))
}

func TestGetSummaryByDaySegment(t *testing.T) {
	f := newRecallFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	segment := f.seedSummarizedDay(t, "2026-08-23", "The summary body.")

	response, err := f.tools.Get(context.Background(), f.user, f.threadID, GetParams{DaySegmentID: segment.ID})
	require.NoError(t, err)
	assert.Equal(t, KindSummary, response.Kind)
	assert.Equal(t, "The summary body.", response.Summary)
	assert.Equal(t, "2026-08-23", response.DayLabel)
}

func TestGetCenteredWindow(t *testing.T) {
	f := newRecallFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	base := time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 5; i++ {
		message := &models.Message{
			UserID:    f.user.ID,
			ThreadID:  f.threadID,
			Actor:     models.ActorUser,
			Text:      "m",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, f.repo.CreateMessage(ctx, message))
		ids = append(ids, message.ID)
	}

	response, err := f.tools.Get(ctx, f.user, f.threadID, GetParams{MessageID: ids[2], Limit: 3})
	require.NoError(t, err)
	require.Len(t, response.Messages, 3)
	assert.Equal(t, ids[1], response.Messages[0].ID)
	assert.Equal(t, ids[2], response.Messages[1].ID)
	assert.Equal(t, ids[3], response.Messages[2].ID)
	assert.True(t, response.Truncated)
}

func TestGetRejectsCrossThreadAnchor(t *testing.T) {
	f := newRecallFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	other := &models.Thread{UserID: f.user.ID, Subject: "side thread"}
	require.NoError(t, f.repo.CreateThread(ctx, other))
	message := &models.Message{UserID: f.user.ID, ThreadID: other.ID, Actor: models.ActorUser, Text: "elsewhere"}
	require.NoError(t, f.repo.CreateMessage(ctx, message))

	_, err := f.tools.Get(ctx, f.user, f.threadID, GetParams{MessageID: message.ID})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestGetRequiresAddressing(t *testing.T) {
	f := newRecallFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	_, err := f.tools.Get(context.Background(), f.user, f.threadID, GetParams{})
	require.Error(t, err)
	assert.True(t, apperrors.IsBadRequest(err))
}

func TestToolPayloadMapsErrors(t *testing.T) {
	assert.Equal(t, map[string]string{"error": "not_found"}, ToolPayload(nil, apperrors.NotFound("message", "x")))
	assert.Equal(t, map[string]string{"error": "invalid_request"}, ToolPayload(nil, apperrors.BadRequest("nope")))
	assert.Equal(t, "ok", ToolPayload("ok", nil))
}

func TestBuildSnippetAnchorsOnMatch(t *testing.T) {
	text := "Intro sentence about nothing. " +
		"The Lisbon flight leaves at seven on Friday morning from terminal two. " +
		"Closing sentence about something else entirely, padding the text length. " +
		"More filler so the text clearly exceeds the snippet width limit for this test case."
	snippet := BuildSnippet(text, "Lisbon flight")
	assert.Contains(t, snippet, "Lisbon flight")
	assert.LessOrEqual(t, len(snippet), snippetWidth+8)
}

func TestBuildSnippetKeepsRuneBoundaries(t *testing.T) {
	// Multi-byte padding around the anchor sentence forces the byte window to
	// open and close inside the padding runes.
	text := strings.Repeat("€", 140) + "." +
		" La réunion à Genève commence à quatorze heures précises." +
		" " + strings.Repeat("€", 140)
	snippet := BuildSnippet(text, "réunion Genève")
	assert.Contains(t, snippet, "réunion")
	assert.True(t, utf8.ValidString(snippet), "the window must land on rune boundaries")
}
