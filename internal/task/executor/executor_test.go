package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novahq/nova/internal/agent"
	"github.com/novahq/nova/internal/checkpoint"
	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/conversation/contextbuilder"
	conversationmemory "github.com/novahq/nova/internal/conversation/repository/memory"
	conversation "github.com/novahq/nova/internal/conversation/service"
	"github.com/novahq/nova/internal/events"
	"github.com/novahq/nova/internal/events/bus"
	"github.com/novahq/nova/internal/task/models"
	taskmemory "github.com/novahq/nova/internal/task/repository/memory"
	usermodels "github.com/novahq/nova/internal/user/models"
	userstore "github.com/novahq/nova/internal/user/store"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// recordingBus collects published events synchronously so tests can assert on
// ordering without sleeping.
type recordingBus struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (b *recordingBus) Publish(ctx context.Context, subject string, event *bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) Subscribe(subject string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) QueueSubscribe(subject, queue string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Request(ctx context.Context, subject string, event *bus.Event, timeout time.Duration) (*bus.Event, error) {
	return nil, nil
}

func (b *recordingBus) Close()            {}
func (b *recordingBus) IsConnected() bool { return true }

func (b *recordingBus) byType(eventType string) []*bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*bus.Event
	for _, e := range b.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// scriptedGraph returns canned results per invocation and records calls.
type scriptedGraph struct {
	mu       sync.Mutex
	results  []*agent.Result
	resumed  []*agent.Result
	states   map[string][]agent.StateMessage
	usage    map[string]*agent.Usage
	invoked  []string
	resumeTo []string
	err      error
}

func newScriptedGraph() *scriptedGraph {
	return &scriptedGraph{states: map[string][]agent.StateMessage{}, usage: map[string]*agent.Usage{}}
}

func (g *scriptedGraph) next(queue *[]*agent.Result) *agent.Result {
	if len(*queue) == 0 {
		return &agent.Result{Text: "ok"}
	}
	result := (*queue)[0]
	*queue = (*queue)[1:]
	return result
}

func (g *scriptedGraph) Invoke(ctx context.Context, config *agent.Config, threadID, prompt string, opts agent.InvokeOptions) (*agent.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.invoked = append(g.invoked, prompt)
	g.states[threadID] = append(g.states[threadID], agent.StateMessage{Role: agent.RoleHuman, Content: prompt})
	result := g.next(&g.results)
	if result.Interrupt == nil {
		g.states[threadID] = append(g.states[threadID], agent.StateMessage{Role: agent.RoleAI, Content: result.Text})
	}
	if opts.OnChunk != nil && result.Interrupt == nil {
		opts.OnChunk(result.Text)
	}
	return result, nil
}

func (g *scriptedGraph) Resume(ctx context.Context, config *agent.Config, threadID, resumeToken string, answer interface{}, opts agent.InvokeOptions) (*agent.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resumeTo = append(g.resumeTo, resumeToken)
	result := g.next(&g.resumed)
	g.states[threadID] = append(g.states[threadID], agent.StateMessage{Role: agent.RoleAI, Content: result.Text})
	return result, nil
}

func (g *scriptedGraph) UpdateState(ctx context.Context, threadID string, messages []agent.StateMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[threadID] = append([]agent.StateMessage(nil), messages...)
	return nil
}

func (g *scriptedGraph) GetTuple(ctx context.Context, threadID string) (*agent.StateTuple, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &agent.StateTuple{Messages: g.states[threadID], Usage: g.usage[threadID]}, nil
}

func (g *scriptedGraph) Delete(ctx context.Context, threadID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.states, threadID)
	return nil
}

func (g *scriptedGraph) Close() error { return nil }

type executorFixture struct {
	executor      *Executor
	graph         *scriptedGraph
	bus           *recordingBus
	tasks         *taskmemory.Repository
	conversations *conversation.Service
	checkpoints   *checkpoint.MemoryStore
	user          *usermodels.User
	agentID       string
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	ctx := context.Background()
	log := testLogger(t)

	users := userstore.NewMemoryRepository()
	user := &usermodels.User{ID: uuid.New().String(), Email: "t@example.com", Timezone: "UTC"}
	require.NoError(t, users.CreateUser(ctx, user))

	agents := agent.NewMemoryRepository()
	config := &agent.Config{
		UserID:       user.ID,
		Name:         "assistant",
		SystemPrompt: "You are helpful.",
		Provider:     agent.ProviderConfig{Name: "test", Model: "test-model", MaxContext: 8000},
	}
	require.NoError(t, agents.CreateConfig(ctx, config))

	checkpoints := checkpoint.NewMemoryStore()
	convRepo := conversationmemory.NewRepository()
	conversations := conversation.NewService(convRepo, checkpoints, conversation.Hooks{}, log)

	graph := newScriptedGraph()
	eventBus := &recordingBus{}
	tasks := taskmemory.NewRepository()
	builder := contextbuilder.NewBuilder(convRepo, checkpoints, log)

	exec := New(tasks, conversations, users, agents, graph, checkpoints, builder, eventBus, log)
	return &executorFixture{
		executor:      exec,
		graph:         graph,
		bus:           eventBus,
		tasks:         tasks,
		conversations: conversations,
		checkpoints:   checkpoints,
		user:          user,
		agentID:       config.ID,
	}
}

func (f *executorFixture) newTask(t *testing.T, threadID, prompt string) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:       uuid.New().String(),
		UserID:   f.user.ID,
		ThreadID: threadID,
		AgentID:  f.agentID,
		Prompt:   prompt,
		Status:   models.TaskStatusPending,
	}
	require.NoError(t, f.tasks.CreateTask(context.Background(), task))
	return task
}

func TestExecuteCompletesTask(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	thread, err := f.conversations.CreateThread(ctx, f.user.ID)
	require.NoError(t, err)
	task := f.newTask(t, thread.ID, "What is the weather?")

	f.graph.results = []*agent.Result{
		{Text: "Sunny.", Usage: &agent.Usage{TotalTokens: 120}},
		{Text: "Weather"}, // auto-title run
	}

	require.NoError(t, f.executor.Execute(ctx, f.user.ID, task.ID))

	stored, err := f.tasks.GetTask(ctx, f.user.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, stored.Status)
	assert.Equal(t, "Sunny.", stored.Result)

	complete := f.bus.byType(events.TaskComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, "Sunny.", complete[0].Data["result"])
	assert.Equal(t, thread.ID, complete[0].Data["thread_id"])

	consumption := f.bus.byType(events.ContextConsumption)
	require.Len(t, consumption, 1)
	assert.Equal(t, 120, consumption[0].Data["real_tokens"])
	assert.Equal(t, 8000, consumption[0].Data["max_context"])
}

func TestExecuteAutoTitlesDefaultSubject(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	thread, err := f.conversations.CreateThread(ctx, f.user.ID)
	require.NoError(t, err)
	task := f.newTask(t, thread.ID, "Plan my trip to Lisbon")

	f.graph.results = []*agent.Result{
		{Text: "Here is the plan."},
		{Text: `"Lisbon Trip"`},
	}
	require.NoError(t, f.executor.Execute(ctx, f.user.ID, task.ID))

	renamed, err := f.conversations.GetThread(ctx, f.user.ID, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lisbon Trip", renamed.Subject)

	complete := f.bus.byType(events.TaskComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, "Lisbon Trip", complete[0].Data["thread_subject"])
}

func TestExecuteKeepsCustomSubject(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	thread, err := f.conversations.CreateThread(ctx, f.user.ID)
	require.NoError(t, err)
	require.NoError(t, f.conversations.UpdateThreadSubject(ctx, f.user.ID, thread.ID, "My notes"))
	task := f.newTask(t, thread.ID, "hello")

	f.graph.results = []*agent.Result{{Text: "hi"}}
	require.NoError(t, f.executor.Execute(ctx, f.user.ID, task.ID))

	// Only one invocation: no title run for custom subjects.
	assert.Len(t, f.graph.invoked, 1)
}

func TestExecuteInterruptSuspends(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	thread, err := f.conversations.CreateThread(ctx, f.user.ID)
	require.NoError(t, err)
	task := f.newTask(t, thread.ID, "Book a flight")

	f.graph.results = []*agent.Result{{
		Interrupt: &agent.Interrupt{
			Question:    "Which date?",
			OriginName:  "flight_booker",
			ResumeToken: "tok-1",
			Schema:      map[string]interface{}{"type": "string"},
		},
	}}
	require.NoError(t, f.executor.Execute(ctx, f.user.ID, task.ID))

	stored, err := f.tasks.GetTask(ctx, f.user.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAwaitingInput, stored.Status)

	interaction, err := f.tasks.GetPendingInteractionForTask(ctx, f.user.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Which date?", interaction.Question)
	assert.Equal(t, "tok-1", interaction.ResumeToken)
	assert.Equal(t, "flight_booker", interaction.OriginName)

	interrupts := f.bus.byType(events.Interrupt)
	require.Len(t, interrupts, 1)
	assert.Equal(t, interaction.ID, interrupts[0].Data["interaction_id"])
}

func TestResumeContinuesFromInterrupt(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	thread, err := f.conversations.CreateThread(ctx, f.user.ID)
	require.NoError(t, err)
	task := f.newTask(t, thread.ID, "Book a flight")

	f.graph.results = []*agent.Result{{
		Interrupt: &agent.Interrupt{Question: "Which date?", ResumeToken: "tok-2"},
	}}
	require.NoError(t, f.executor.Execute(ctx, f.user.ID, task.ID))

	interaction, err := f.tasks.GetPendingInteractionForTask(ctx, f.user.ID, task.ID)
	require.NoError(t, err)
	require.NoError(t, f.tasks.UpdateInteractionStatus(ctx, f.user.ID, interaction.ID, models.InteractionAnswered, "June 5th"))

	f.graph.resumed = []*agent.Result{{Text: "Booked for June 5th."}}
	require.NoError(t, f.executor.Resume(ctx, f.user.ID, interaction.ID))

	stored, err := f.tasks.GetTask(ctx, f.user.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, stored.Status)
	assert.Equal(t, []string{"tok-2"}, f.graph.resumeTo)
}

func TestResumeRequiresAnsweredInteraction(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	thread, err := f.conversations.CreateThread(ctx, f.user.ID)
	require.NoError(t, err)
	task := f.newTask(t, thread.ID, "hello")

	f.graph.results = []*agent.Result{{
		Interrupt: &agent.Interrupt{Question: "?", ResumeToken: "tok-3"},
	}}
	require.NoError(t, f.executor.Execute(ctx, f.user.ID, task.ID))

	interaction, err := f.tasks.GetPendingInteractionForTask(ctx, f.user.ID, task.ID)
	require.NoError(t, err)

	err = f.executor.Resume(ctx, f.user.ID, interaction.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestExecuteFailureCategorized(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	thread, err := f.conversations.CreateThread(ctx, f.user.ID)
	require.NoError(t, err)
	task := f.newTask(t, thread.ID, "hello")

	f.graph.err = apperrors.InternalError("provider exploded", nil).
		WithCategory(apperrors.CategoryAgentFailure)

	err = f.executor.Execute(ctx, f.user.ID, task.ID)
	require.Error(t, err)

	stored, err := f.tasks.GetTask(ctx, f.user.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status)

	taskErrors := f.bus.byType(events.TaskError)
	require.Len(t, taskErrors, 1)
	assert.Equal(t, apperrors.CategoryAgentFailure, taskErrors[0].Data["category"])

	var sawErrorEntry bool
	for _, entry := range stored.ProgressLog {
		if entry.Severity == "error" {
			sawErrorEntry = true
		}
	}
	assert.True(t, sawErrorEntry, "progress log should carry the failure")
}

func TestExecuteRejectsNonPendingTask(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	thread, err := f.conversations.CreateThread(ctx, f.user.ID)
	require.NoError(t, err)
	task := f.newTask(t, thread.ID, "hello")
	require.NoError(t, f.tasks.UpdateTaskStatus(ctx, f.user.ID, task.ID, models.TaskStatusCompleted, "done"))

	err = f.executor.Execute(ctx, f.user.ID, task.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestCompactReseedsState(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	thread, err := f.conversations.CreateThread(ctx, f.user.ID)
	require.NoError(t, err)
	task := f.newTask(t, thread.ID, "compact")

	link, err := f.checkpoints.EnsureLink(ctx, f.user.ID, thread.ID, f.agentID)
	require.NoError(t, err)
	f.graph.states[link.ID] = []agent.StateMessage{
		{Role: agent.RoleHuman, Content: "a long conversation"},
		{Role: agent.RoleAI, Content: "with many turns"},
	}
	f.graph.usage[link.ID] = &agent.Usage{TotalTokens: 1000}
	f.graph.results = []*agent.Result{{Text: "Summary of it all."}}

	require.NoError(t, f.executor.Compact(ctx, f.user.ID, task.ID))

	state := f.graph.states[link.ID]
	require.Len(t, state, 1)
	assert.Equal(t, agent.RoleAI, state[0].Role)
	assert.True(t, state[0].Summary)
	assert.Equal(t, "Summary of it all.", state[0].Content)

	// 0.3 * 1000 = 300 word budget, surfaced in the compaction prompt.
	require.Len(t, f.graph.invoked, 1)
	assert.Contains(t, f.graph.invoked[0], "300 words")

	messages := f.bus.byType(events.NewMessage)
	require.Len(t, messages, 1)

	stored, err := f.tasks.GetTask(ctx, f.user.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, stored.Status)
}

func TestCompactMinimumBudget(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	thread, err := f.conversations.CreateThread(ctx, f.user.ID)
	require.NoError(t, err)
	task := f.newTask(t, thread.ID, "compact")

	f.graph.results = []*agent.Result{{Text: "tiny summary"}}
	require.NoError(t, f.executor.Compact(ctx, f.user.ID, task.ID))

	require.Len(t, f.graph.invoked, 1)
	assert.Contains(t, f.graph.invoked[0], "50 words")
}

func TestResponseChunksAreSanitized(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	thread, err := f.conversations.CreateThread(ctx, f.user.ID)
	require.NoError(t, err)
	require.NoError(t, f.conversations.UpdateThreadSubject(ctx, f.user.ID, thread.ID, "chat"))
	task := f.newTask(t, thread.ID, "hello")

	f.graph.results = []*agent.Result{{Text: `<script>alert(1)</script><b>bold</b>`}}
	require.NoError(t, f.executor.Execute(ctx, f.user.ID, task.ID))

	chunks := f.bus.byType(events.ResponseChunk)
	require.Len(t, chunks, 1)
	chunk := chunks[0].Data["chunk"].(string)
	assert.NotContains(t, chunk, "<script>")
	assert.Contains(t, chunk, "<b>bold</b>")
}
