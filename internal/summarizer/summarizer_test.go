package summarizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novahq/nova/internal/agent"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/conversation/models"
	conversationmemory "github.com/novahq/nova/internal/conversation/repository/memory"
	usermodels "github.com/novahq/nova/internal/user/models"
	userstore "github.com/novahq/nova/internal/user/store"
)

// summaryGraph scripts graph invocations and records the prompts it saw.
type summaryGraph struct {
	prompts []string
	models  []string
	deleted []string
	text    string
	err     error
	silent  []bool
}

func (g *summaryGraph) Invoke(ctx context.Context, config *agent.Config, threadID, prompt string, opts agent.InvokeOptions) (*agent.Result, error) {
	g.prompts = append(g.prompts, prompt)
	g.models = append(g.models, config.Provider.Model)
	g.silent = append(g.silent, opts.SilentMode)
	if g.err != nil {
		return nil, g.err
	}
	text := g.text
	if text == "" {
		text = "- Talked about the trip."
	}
	return &agent.Result{Text: text}, nil
}

func (g *summaryGraph) Resume(ctx context.Context, config *agent.Config, threadID, resumeToken string, answer interface{}, opts agent.InvokeOptions) (*agent.Result, error) {
	return nil, errors.New("unexpected resume")
}

func (g *summaryGraph) UpdateState(ctx context.Context, threadID string, messages []agent.StateMessage) error {
	return nil
}

func (g *summaryGraph) GetTuple(ctx context.Context, threadID string) (*agent.StateTuple, error) {
	return &agent.StateTuple{}, nil
}

func (g *summaryGraph) Delete(ctx context.Context, threadID string) error {
	g.deleted = append(g.deleted, threadID)
	return nil
}

func (g *summaryGraph) Close() error { return nil }

type summarizerFixture struct {
	summarizer *Summarizer
	graph      *summaryGraph
	repo       *conversationmemory.Repository
	user       *usermodels.User
	threadID   string
}

func newSummarizerFixture(t *testing.T, today time.Time) *summarizerFixture {
	t.Helper()
	ctx := context.Background()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	agents := agent.NewMemoryRepository()
	users := userstore.NewMemoryRepository()
	user := &usermodels.User{ID: uuid.New().String(), Email: "t@example.com", Timezone: "UTC"}
	require.NoError(t, users.CreateUser(ctx, user))

	config := &agent.Config{UserID: user.ID, Name: "assistant", Provider: agent.ProviderConfig{Model: "chat-model"}}
	require.NoError(t, agents.CreateConfig(ctx, config))
	user.DefaultAgentID = config.ID
	require.NoError(t, users.UpdateUser(ctx, user))

	repo := conversationmemory.NewRepository()
	thread := &models.Thread{UserID: user.ID, Subject: "Continuous conversation", Mode: models.ThreadModeContinuous}
	require.NoError(t, repo.CreateThread(ctx, thread))

	graph := &summaryGraph{}
	s := New(repo, users, agents, graph, nil, log)
	s.SetClock(func() time.Time { return today })
	s.SetBackoff(0)

	return &summarizerFixture{summarizer: s, graph: graph, repo: repo, user: user, threadID: thread.ID}
}

func (f *summarizerFixture) seedDay(t *testing.T, dayLabel string, texts ...string) (*models.DaySegment, []*models.Message) {
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
	return segment, messages
}

func TestSummarizeSegmentWritesSummaryAndBoundary(t *testing.T) {
	f := newSummarizerFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	segment, messages := f.seedDay(t, "2026-08-23", "plan the trip", "flights booked")
	ctx := context.Background()

	require.NoError(t, f.summarizer.SummarizeSegment(ctx, f.user.ID, segment.ID, ModeHeuristic, ""))

	updated, err := f.repo.GetDaySegment(ctx, f.user.ID, segment.ID)
	require.NoError(t, err)
	assert.Equal(t, "- Talked about the trip.", updated.SummaryMarkdown)
	assert.Equal(t, messages[1].ID, updated.SummaryUntilMessageID)

	require.Len(t, f.graph.prompts, 1)
	assert.Contains(t, f.graph.prompts[0], "User: plan the trip")
	assert.Contains(t, f.graph.prompts[0], "Agent: flights booked")
	require.Len(t, f.graph.silent, 1)
	assert.True(t, f.graph.silent[0], "summaries must not stream chunks")
	assert.Len(t, f.graph.deleted, 1, "ephemeral graph thread cleaned up")
}

func TestSummarizeSegmentNoopWhenFresh(t *testing.T) {
	f := newSummarizerFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	segment, _ := f.seedDay(t, "2026-08-23", "hello", "hi")
	ctx := context.Background()

	require.NoError(t, f.summarizer.SummarizeSegment(ctx, f.user.ID, segment.ID, ModeHeuristic, ""))
	require.Len(t, f.graph.prompts, 1)

	// Nothing new since the boundary: heuristic run invokes nothing.
	require.NoError(t, f.summarizer.SummarizeSegment(ctx, f.user.ID, segment.ID, ModeHeuristic, ""))
	assert.Len(t, f.graph.prompts, 1)
}

func TestSummarizeSegmentDeltaFeedsOnlyNewMessages(t *testing.T) {
	f := newSummarizerFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	segment, messages := f.seedDay(t, "2026-08-23", "old message", "old reply")
	ctx := context.Background()

	require.NoError(t, f.summarizer.SummarizeSegment(ctx, f.user.ID, segment.ID, ModeHeuristic, ""))

	fresh := &models.Message{
		UserID:    f.user.ID,
		ThreadID:  f.threadID,
		Actor:     models.ActorUser,
		Text:      "late addition",
		CreatedAt: messages[1].CreatedAt.Add(time.Hour),
	}
	require.NoError(t, f.repo.CreateMessage(ctx, fresh))

	require.NoError(t, f.summarizer.SummarizeSegment(ctx, f.user.ID, segment.ID, ModeHeuristic, ""))
	require.Len(t, f.graph.prompts, 2)
	assert.Contains(t, f.graph.prompts[1], "Current summary of this day")
	assert.Contains(t, f.graph.prompts[1], "late addition")
	assert.NotContains(t, f.graph.prompts[1], "User: old message")

	updated, err := f.repo.GetDaySegment(ctx, f.user.ID, segment.ID)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, updated.SummaryUntilMessageID)
}

func TestSummarizeSegmentManualRebuildsWholeDay(t *testing.T) {
	f := newSummarizerFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	segment, _ := f.seedDay(t, "2026-08-23", "first", "second")
	ctx := context.Background()

	require.NoError(t, f.summarizer.SummarizeSegment(ctx, f.user.ID, segment.ID, ModeHeuristic, ""))
	// Fresh summary, but manual mode still rebuilds from the full transcript.
	require.NoError(t, f.summarizer.SummarizeSegment(ctx, f.user.ID, segment.ID, ModeManual, ""))

	require.Len(t, f.graph.prompts, 2)
	assert.Contains(t, f.graph.prompts[1], "Transcript:")
	assert.Contains(t, f.graph.prompts[1], "User: first")
}

func TestSummarizePromptCarriesPreviousDay(t *testing.T) {
	f := newSummarizerFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	earlier, _ := f.seedDay(t, "2026-08-22", "about yesterday", "noted")
	require.NoError(t, f.summarizer.SummarizeSegment(ctx, f.user.ID, earlier.ID, ModeHeuristic, ""))

	later, _ := f.seedDay(t, "2026-08-23", "about today", "sure")
	require.NoError(t, f.summarizer.SummarizeSegment(ctx, f.user.ID, later.ID, ModeHeuristic, ""))

	require.Len(t, f.graph.prompts, 2)
	assert.Contains(t, f.graph.prompts[1], "Summary of the previous day (2026-08-22)")
}

func TestSummaryModelOverride(t *testing.T) {
	f := newSummarizerFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	agents := f.summarizer.agents
	stored, err := agents.GetConfig(ctx, f.user.ID, f.user.DefaultAgentID)
	require.NoError(t, err)
	stored.SummaryModel = "cheap-model"
	require.NoError(t, agents.UpdateConfig(ctx, stored))

	segment, _ := f.seedDay(t, "2026-08-23", "hello", "hi")
	require.NoError(t, f.summarizer.SummarizeSegment(ctx, f.user.ID, segment.ID, ModeHeuristic, ""))
	require.Len(t, f.graph.models, 1)
	assert.Equal(t, "cheap-model", f.graph.models[0])
}

func TestSummarizeSegmentRetriesThenFails(t *testing.T) {
	f := newSummarizerFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	segment, _ := f.seedDay(t, "2026-08-23", "hello", "hi")
	f.graph.err = errors.New("provider unavailable")

	err := f.summarizer.SummarizeSegment(context.Background(), f.user.ID, segment.ID, ModeHeuristic, "")
	require.Error(t, err)
	assert.Len(t, f.graph.prompts, 3, "three attempts before giving up")
}

func TestRunNightlySkipsTodayAndFreshDays(t *testing.T) {
	f := newSummarizerFixture(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	stale, _ := f.seedDay(t, "2026-08-22", "needs summary", "yes")
	fresh, _ := f.seedDay(t, "2026-08-23", "already done", "ok")
	require.NoError(t, f.summarizer.SummarizeSegment(ctx, f.user.ID, fresh.ID, ModeHeuristic, ""))
	f.seedDay(t, "2026-08-24", "today, still open", "right")

	before := len(f.graph.prompts)
	require.NoError(t, f.summarizer.RunNightly(ctx, f.user.ID, ""))
	require.Len(t, f.graph.prompts, before+1, "only the stale closed day runs")

	updated, err := f.repo.GetDaySegment(ctx, f.user.ID, stale.ID)
	require.NoError(t, err)
	assert.True(t, updated.HasSummary())

	today, err := f.repo.GetDaySegmentByLabel(ctx, f.user.ID, f.threadID, "2026-08-24")
	require.NoError(t, err)
	assert.False(t, today.HasSummary())
}

func TestStripThinking(t *testing.T) {
	assert.Equal(t, "Kept.", StripThinking("<thinking>secret plan</thinking>Kept."))
	assert.Equal(t, "A B", StripThinking("A <think>x</think>B"))
	assert.Equal(t, "plain", StripThinking("plain"))
}
