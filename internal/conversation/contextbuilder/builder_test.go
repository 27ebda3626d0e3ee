package contextbuilder

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novahq/nova/internal/agent"
	"github.com/novahq/nova/internal/checkpoint"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/conversation/models"
	conversationmemory "github.com/novahq/nova/internal/conversation/repository/memory"
	usermodels "github.com/novahq/nova/internal/user/models"
)

// rebuildGraph records state writes so rebuild decisions are observable.
type rebuildGraph struct {
	deleted []string
	updated map[string][]agent.StateMessage
}

func (g *rebuildGraph) Invoke(ctx context.Context, config *agent.Config, threadID, prompt string, opts agent.InvokeOptions) (*agent.Result, error) {
	return &agent.Result{Text: "ok"}, nil
}

func (g *rebuildGraph) Resume(ctx context.Context, config *agent.Config, threadID, resumeToken string, answer interface{}, opts agent.InvokeOptions) (*agent.Result, error) {
	return &agent.Result{Text: "ok"}, nil
}

func (g *rebuildGraph) UpdateState(ctx context.Context, threadID string, messages []agent.StateMessage) error {
	if g.updated == nil {
		g.updated = make(map[string][]agent.StateMessage)
	}
	g.updated[threadID] = messages
	return nil
}

func (g *rebuildGraph) GetTuple(ctx context.Context, threadID string) (*agent.StateTuple, error) {
	return &agent.StateTuple{}, nil
}

func (g *rebuildGraph) Delete(ctx context.Context, threadID string) error {
	g.deleted = append(g.deleted, threadID)
	return nil
}

func (g *rebuildGraph) Close() error { return nil }

type builderFixture struct {
	builder     *Builder
	repo        *conversationmemory.Repository
	checkpoints checkpoint.Store
	user        *usermodels.User
	threadID    string
}

func newBuilderFixture(t *testing.T, today time.Time) *builderFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	repo := conversationmemory.NewRepository()
	checkpoints := checkpoint.NewMemoryStore()
	builder := NewBuilder(repo, checkpoints, log)
	builder.SetClock(func() time.Time { return today })

	user := &usermodels.User{ID: uuid.New().String(), Email: "t@example.com", Timezone: "UTC"}
	thread := &models.Thread{UserID: user.ID, Subject: "Continuous conversation", Mode: models.ThreadModeContinuous}
	require.NoError(t, repo.CreateThread(context.Background(), thread))

	return &builderFixture{builder: builder, repo: repo, checkpoints: checkpoints, user: user, threadID: thread.ID}
}

// seedDay creates a day segment with the given messages and an optional summary.
func (f *builderFixture) seedDay(t *testing.T, dayLabel, summary string, texts ...string) []*models.Message {
	t.Helper()
	ctx := context.Background()

	day, err := time.Parse("2006-01-02", dayLabel)
	require.NoError(t, err)

	var messages []*models.Message
	for i, text := range texts {
		actor := models.ActorUser
		if i%2 == 1 {
			actor = models.ActorAgent
		}
		message := &models.Message{
			UserID:    f.user.ID,
			ThreadID:  f.threadID,
			Actor:     actor,
			Text:      text,
			CreatedAt: day.Add(time.Duration(9+i) * time.Hour),
		}
		require.NoError(t, f.repo.CreateMessage(ctx, message))
		messages = append(messages, message)
	}

	segment := &models.DaySegment{
		UserID:            f.user.ID,
		ThreadID:          f.threadID,
		DayLabel:          dayLabel,
		StartsAtMessageID: messages[0].ID,
	}
	require.NoError(t, f.repo.CreateDaySegment(ctx, segment))
	if summary != "" {
		require.NoError(t, f.repo.UpdateDaySegmentSummary(ctx, f.user.ID, segment.ID, summary, messages[len(messages)-1].ID))
	}
	return messages
}

func contentText(m agent.StateMessage) string {
	return agent.FlattenContent(m.Content)
}

func TestBuildIncludesPreviousSummariesAndTodayWindow(t *testing.T) {
	f := newBuilderFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	f.seedDay(t, "2026-08-22", "Planned the Lisbon trip.", "old one", "old reply")
	f.seedDay(t, "2026-08-23", "Booked the flights.", "later one", "later reply")
	today := f.seedDay(t, "2026-08-24", "", "good morning", "hello there")

	built, err := f.builder.Build(context.Background(), f.user, f.threadID, "")
	require.NoError(t, err)
	require.Len(t, built.Messages, 4)

	assert.Equal(t, agent.RoleSystem, built.Messages[0].Role)
	assert.Contains(t, contentText(built.Messages[0]), "Summary of 2026-08-23")
	assert.Contains(t, contentText(built.Messages[1]), "Summary of 2026-08-22")

	assert.Equal(t, agent.RoleHuman, built.Messages[2].Role)
	assert.Equal(t, "good morning", contentText(built.Messages[2]))
	assert.Equal(t, agent.RoleAI, built.Messages[3].Role)

	assert.Equal(t, today[1].ID, built.LastIncludedMessageID)
	assert.False(t, built.Truncated)
}

func TestBuildExcludesTriggeringMessage(t *testing.T) {
	f := newBuilderFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	today := f.seedDay(t, "2026-08-24", "", "earlier", "reply", "the trigger")

	built, err := f.builder.Build(context.Background(), f.user, f.threadID, today[2].ID)
	require.NoError(t, err)
	require.Len(t, built.Messages, 2)
	assert.Equal(t, "earlier", contentText(built.Messages[0]))
	assert.Equal(t, today[1].ID, built.LastIncludedMessageID)
}

func TestBuildRespectsTodaySummaryBoundary(t *testing.T) {
	f := newBuilderFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	today := f.seedDay(t, "2026-08-24", "", "covered already", "also covered", "fresh message")

	segment, err := f.repo.GetDaySegmentByLabel(ctx, f.user.ID, f.threadID, "2026-08-24")
	require.NoError(t, err)
	require.NoError(t, f.repo.UpdateDaySegmentSummary(ctx, f.user.ID, segment.ID, "Morning recap.", today[1].ID))

	built, err := f.builder.Build(ctx, f.user, f.threadID, "")
	require.NoError(t, err)
	require.Len(t, built.Messages, 2)
	assert.Contains(t, contentText(built.Messages[0]), "Morning recap.")
	assert.Equal(t, "fresh message", contentText(built.Messages[1]))
}

func TestBuildTruncatesOverBudgetSummaries(t *testing.T) {
	f := newBuilderFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	huge := strings.Repeat("memory ", SummaryTokenBudget*2)
	f.seedDay(t, "2026-08-22", huge, "a")
	f.seedDay(t, "2026-08-23", huge, "b")

	built, err := f.builder.Build(context.Background(), f.user, f.threadID, "")
	require.NoError(t, err)
	assert.True(t, built.Truncated)

	var sawNotice bool
	for _, m := range built.Messages {
		if strings.Contains(contentText(m), "conversation_search") {
			sawNotice = true
		}
	}
	assert.True(t, sawNotice, "truncation notice should point at the recall tools")
}

func TestBuildFingerprintIsStable(t *testing.T) {
	f := newBuilderFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	f.seedDay(t, "2026-08-23", "Summary.", "x")
	f.seedDay(t, "2026-08-24", "", "hello")
	ctx := context.Background()

	first, err := f.builder.Build(ctx, f.user, f.threadID, "")
	require.NoError(t, err)
	second, err := f.builder.Build(ctx, f.user, f.threadID, "")
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	require.NoError(t, f.repo.CreateMessage(ctx, &models.Message{
		UserID:    f.user.ID,
		ThreadID:  f.threadID,
		Actor:     models.ActorUser,
		Text:      "new message",
		CreatedAt: time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC),
	}))
	third, err := f.builder.Build(ctx, f.user, f.threadID, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, third.Fingerprint)
}

func TestRebuildIfStale(t *testing.T) {
	f := newBuilderFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	f.seedDay(t, "2026-08-24", "", "hello")
	ctx := context.Background()

	link, err := f.checkpoints.EnsureLink(ctx, f.user.ID, f.threadID, "agent-1")
	require.NoError(t, err)
	graph := &rebuildGraph{}

	built, rebuilt, err := f.builder.RebuildIfStale(ctx, f.user, link, graph, "")
	require.NoError(t, err)
	assert.True(t, rebuilt)
	assert.Equal(t, built.Fingerprint, link.Fingerprint)
	assert.Equal(t, built.Messages, graph.updated[link.ID])

	// Unchanged inputs: the second pass must not touch the graph.
	graph.updated = nil
	_, rebuilt, err = f.builder.RebuildIfStale(ctx, f.user, link, graph, "")
	require.NoError(t, err)
	assert.False(t, rebuilt)
	assert.Empty(t, graph.updated)
}

func TestBuildCapsMessageLength(t *testing.T) {
	f := newBuilderFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	long := strings.Repeat("z", 3000)
	f.seedDay(t, "2026-08-24", "", long)

	built, err := f.builder.Build(context.Background(), f.user, f.threadID, "")
	require.NoError(t, err)
	require.Len(t, built.Messages, 1)
	assert.Equal(t, 2500, len(contentText(built.Messages[0])), fmt.Sprintf("messages are hard-capped, got %d", len(contentText(built.Messages[0]))))
}

func TestBuildCapsMessageLengthMultibyte(t *testing.T) {
	f := newBuilderFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	long := strings.Repeat("€", 3000)
	f.seedDay(t, "2026-08-24", "", long)

	built, err := f.builder.Build(context.Background(), f.user, f.threadID, "")
	require.NoError(t, err)
	require.Len(t, built.Messages, 1)

	capped := contentText(built.Messages[0])
	assert.True(t, utf8.ValidString(capped), "the cap must not split a rune")
	assert.Equal(t, 2500, utf8.RuneCountInString(capped), "the cap counts characters, not bytes")
}
