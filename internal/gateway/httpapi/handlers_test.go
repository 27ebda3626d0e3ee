package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agent "github.com/novahq/nova/internal/agent"
	"github.com/novahq/nova/internal/checkpoint"
	"github.com/novahq/nova/internal/common/config"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/conversation/contextbuilder"
	conversationmodels "github.com/novahq/nova/internal/conversation/models"
	conversationmemory "github.com/novahq/nova/internal/conversation/repository/memory"
	conversation "github.com/novahq/nova/internal/conversation/service"
	"github.com/novahq/nova/internal/events/bus"
	"github.com/novahq/nova/internal/task/executor"
	taskmodels "github.com/novahq/nova/internal/task/models"
	taskmemory "github.com/novahq/nova/internal/task/repository/memory"
	taskservice "github.com/novahq/nova/internal/task/service"
	taskdefmemory "github.com/novahq/nova/internal/taskdef/repository/memory"
	taskdefservice "github.com/novahq/nova/internal/taskdef/service"
	usermodels "github.com/novahq/nova/internal/user/models"
	userstore "github.com/novahq/nova/internal/user/store"
)

const testToken = "ingest-token-1"

type stubGraph struct{}

func (stubGraph) Invoke(ctx context.Context, config *agent.Config, threadID, prompt string, opts agent.InvokeOptions) (*agent.Result, error) {
	return &agent.Result{Text: "ok"}, nil
}

func (stubGraph) Resume(ctx context.Context, config *agent.Config, threadID, resumeToken string, answer interface{}, opts agent.InvokeOptions) (*agent.Result, error) {
	return &agent.Result{Text: "resumed"}, nil
}

func (stubGraph) UpdateState(ctx context.Context, threadID string, messages []agent.StateMessage) error {
	return nil
}

func (stubGraph) GetTuple(ctx context.Context, threadID string) (*agent.StateTuple, error) {
	return &agent.StateTuple{}, nil
}

func (stubGraph) Delete(ctx context.Context, threadID string) error { return nil }
func (stubGraph) Close() error                                      { return nil }

type apiFixture struct {
	router        *gin.Engine
	user          *usermodels.User
	users         *userstore.MemoryRepository
	agentID       string
	tasks         *taskmemory.Repository
	conversations *conversation.Service
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	users := userstore.NewMemoryRepository()
	user := &usermodels.User{
		ID:          uuid.New().String(),
		Email:       "t@example.com",
		Timezone:    "UTC",
		IngestToken: testToken,
	}
	require.NoError(t, users.CreateUser(ctx, user))

	agents := agent.NewMemoryRepository()
	agentConfig := &agent.Config{UserID: user.ID, Name: "assistant", Provider: agent.ProviderConfig{Model: "m"}}
	require.NoError(t, agents.CreateConfig(ctx, agentConfig))
	user.DefaultAgentID = agentConfig.ID
	require.NoError(t, users.UpdateUser(ctx, user))

	checkpoints := checkpoint.NewMemoryStore()
	convRepo := conversationmemory.NewRepository()
	conversations := conversation.NewService(convRepo, checkpoints, conversation.Hooks{}, log)

	tasks := taskmemory.NewRepository()
	builder := contextbuilder.NewBuilder(convRepo, checkpoints, log)
	exec := executor.New(tasks, conversations, users, agents, stubGraph{}, checkpoints, builder, bus.NewMemoryEventBus(log), log)
	pool := executor.NewPool(exec, config.ExecutorConfig{Workers: 1, QueueDepth: 16}, log)
	taskSvc := taskservice.NewService(tasks, pool, exec, bus.NewMemoryEventBus(log), log)

	taskdefs := taskdefservice.NewService(taskdefmemory.NewRepository(), users, nil, nil, nil, nil, log)

	handlers := NewHandlers(users, conversations, taskSvc, taskdefs, agents, nil, log)
	router := gin.New()
	handlers.RegisterRoutes(router)

	return &apiFixture{
		router:        router,
		user:          user,
		users:         users,
		agentID:       agentConfig.ID,
		tasks:         tasks,
		conversations: conversations,
	}
}

// do performs an authenticated request and decodes the JSON response body.
func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Ingest-Token", testToken)

	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, request)

	decoded := map[string]interface{}{}
	if recorder.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	}
	return recorder.Code, decoded
}

func TestAuthenticationRequired(t *testing.T) {
	f := newAPIFixture(t)

	request := httptest.NewRequest(http.MethodGet, "/api/v1/days", nil)
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	request = httptest.NewRequest(http.MethodGet, "/api/v1/days", nil)
	request.Header.Set("X-Ingest-Token", "wrong")
	recorder = httptest.NewRecorder()
	f.router.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestAuthenticationAcceptsBearerHeader(t *testing.T) {
	f := newAPIFixture(t)

	request := httptest.NewRequest(http.MethodGet, "/api/v1/days", nil)
	request.Header.Set("Authorization", "Bearer "+testToken)
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestIngestAcceptsMessage(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/ingest", gin.H{"message": "hello there"})
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "accepted", body["status"])
	assert.NotEmpty(t, body["thread_id"])
	assert.NotEmpty(t, body["task_id"])
	assert.NotEmpty(t, body["message_id"])
	assert.NotEmpty(t, body["day_segment_id"])
	assert.Equal(t, true, body["opened_new_day"], "first message of the day opens a segment")

	today := time.Now().UTC().Format("2006-01-02")
	assert.Equal(t, today, body["day_label"])

	task, err := f.tasks.GetTask(context.Background(), f.user.ID, body["task_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "hello there", task.Prompt)
	assert.Equal(t, f.agentID, task.AgentID)
}

func TestIngestRequiresMessage(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/ingest", gin.H{"message": ""})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "message is required", body["error"])
}

func TestIngestRejectsUnknownAgent(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/ingest", gin.H{
		"message":           "hi",
		"selected_agent_id": "nope",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "unknown agent")
}

func TestIngestWithoutDefaultAgent(t *testing.T) {
	f := newAPIFixture(t)
	f.user.DefaultAgentID = ""
	require.NoError(t, f.users.UpdateUser(context.Background(), f.user))

	status, body := f.do(t, http.MethodPost, "/api/v1/ingest", gin.H{"message": "hi"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "no agent selected")
}

func TestCompactConversationEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/compact", nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "accepted", body["status"])
	assert.NotEmpty(t, body["thread_id"])

	task, err := f.tasks.GetTask(context.Background(), f.user.ID, body["task_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, taskmodels.TaskStatusPending, task.Status)
	assert.Equal(t, body["thread_id"], task.ThreadID)
	assert.Equal(t, f.agentID, task.AgentID)
}

func TestCompactConversationWithoutDefaultAgent(t *testing.T) {
	f := newAPIFixture(t)
	f.user.DefaultAgentID = ""
	require.NoError(t, f.users.UpdateUser(context.Background(), f.user))

	status, body := f.do(t, http.MethodPost, "/api/v1/compact", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "no agent selected")
}

func TestListDaysAfterIngest(t *testing.T) {
	f := newAPIFixture(t)
	status, _ := f.do(t, http.MethodPost, "/api/v1/ingest", gin.H{"message": "hi"})
	require.Equal(t, http.StatusAccepted, status)

	status, body := f.do(t, http.MethodGet, "/api/v1/days", nil)
	require.Equal(t, http.StatusOK, status)
	days := body["days"].([]interface{})
	require.Len(t, days, 1)
	assert.Equal(t, float64(1), body["total"])

	today := time.Now().UTC().Format("2006-01-02")
	assert.Equal(t, today, days[0].(map[string]interface{})["day_label"])
}

func TestGetDayMessagesMarksPastDaysReadOnly(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	appended, err := f.conversations.AppendContinuousMessage(ctx, f.user, &conversationmodels.Message{
		Actor:     conversationmodels.ActorUser,
		Text:      "old news",
		Type:      conversationmodels.MessageTypeStandard,
		CreatedAt: yesterday,
	})
	require.NoError(t, err)

	status, body := f.do(t, http.MethodGet, "/api/v1/days/"+appended.Segment.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["read_only"])
	assert.Len(t, body["messages"].([]interface{}), 1)

	// Today's segment stays writable.
	statusToday, _ := f.do(t, http.MethodPost, "/api/v1/ingest", gin.H{"message": "fresh"})
	require.Equal(t, http.StatusAccepted, statusToday)
	status, listBody := f.do(t, http.MethodGet, "/api/v1/days", nil)
	require.Equal(t, http.StatusOK, status)
	todayID := listBody["days"].([]interface{})[0].(map[string]interface{})["id"].(string)
	status, body = f.do(t, http.MethodGet, "/api/v1/days/"+todayID+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["read_only"])
}

func TestPostDayMessageLandsOnToday(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	appended, err := f.conversations.AppendContinuousMessage(ctx, f.user, &conversationmodels.Message{
		Actor:     conversationmodels.ActorUser,
		Text:      "old news",
		Type:      conversationmodels.MessageTypeStandard,
		CreatedAt: yesterday,
	})
	require.NoError(t, err)

	// Posting while viewing a past day still appends to today's segment.
	status, body := f.do(t, http.MethodPost, "/api/v1/days/"+appended.Segment.ID+"/messages", gin.H{"message": "follow-up"})
	require.Equal(t, http.StatusAccepted, status)
	today := time.Now().UTC().Format("2006-01-02")
	assert.Equal(t, today, body["day_label"])
	assert.NotEqual(t, appended.Segment.ID, body["day_segment_id"])
}

func TestGetDayNotFound(t *testing.T) {
	f := newAPIFixture(t)
	status, _ := f.do(t, http.MethodGet, "/api/v1/days/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAnswerInteractionEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	interaction := f.seedInteraction(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/interactions/"+interaction.ID+"/answer", gin.H{"answer": "the blue one"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, interaction.TaskID, body["task_id"])
	assert.Equal(t, string(taskmodels.InteractionAnswered), body["status"])
}

func TestCancelInteractionEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	interaction := f.seedInteraction(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/interactions/"+interaction.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(taskmodels.InteractionCanceled), body["status"])

	task, err := f.tasks.GetTask(context.Background(), f.user.ID, interaction.TaskID)
	require.NoError(t, err)
	assert.Equal(t, taskmodels.TaskStatusFailed, task.Status)
}

func TestAnswerUnknownInteraction(t *testing.T) {
	f := newAPIFixture(t)
	status, _ := f.do(t, http.MethodPost, "/api/v1/interactions/missing/answer", gin.H{"answer": "x"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGetTaskEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	status, body := f.do(t, http.MethodPost, "/api/v1/ingest", gin.H{"message": "hi"})
	require.Equal(t, http.StatusAccepted, status)
	taskID := body["task_id"].(string)

	status, task := f.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, taskID, task["id"])

	status, _ = f.do(t, http.MethodGet, "/api/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAgentCRUD(t *testing.T) {
	f := newAPIFixture(t)

	status, created := f.do(t, http.MethodPost, "/api/v1/agents", gin.H{
		"name":     "researcher",
		"provider": gin.H{"name": "openai", "model": "gpt-test"},
	})
	require.Equal(t, http.StatusCreated, status)
	agentID := created["id"].(string)

	status, listed := f.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), listed["total"], "fixture default agent plus the new one")

	status, updated := f.do(t, http.MethodPut, "/api/v1/agents/"+agentID, gin.H{
		"name":     "renamed",
		"provider": gin.H{"name": "openai", "model": "gpt-test"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "renamed", updated["name"])

	status, _ = f.do(t, http.MethodDelete, "/api/v1/agents/"+agentID, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodGet, "/api/v1/agents/"+agentID, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAgentCycleRejectedOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/agents", gin.H{
		"name":          "parent",
		"provider":      gin.H{"name": "openai", "model": "gpt-test"},
		"sub_agent_ids": []string{"does-not-exist"},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "sub-agent not found")
}

func TestTaskDefinitionCRUD(t *testing.T) {
	f := newAPIFixture(t)

	status, created := f.do(t, http.MethodPost, "/api/v1/task-definitions", gin.H{
		"name":            "morning briefing",
		"kind":            "agent",
		"trigger":         "cron",
		"cron_expression": "0 7 * * *",
		"agent_id":        f.agentID,
		"run_mode":        "new_thread",
		"prompt_template": "Summarize my day ahead",
		"is_active":       true,
	})
	require.Equal(t, http.StatusCreated, status)
	definitionID := created["id"].(string)

	status, listed := f.do(t, http.MethodGet, "/api/v1/task-definitions", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), listed["total"])

	status, _ = f.do(t, http.MethodDelete, "/api/v1/task-definitions/"+definitionID, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestTaskDefinitionRejectsInvalidCron(t *testing.T) {
	f := newAPIFixture(t)

	status, _ := f.do(t, http.MethodPost, "/api/v1/task-definitions", gin.H{
		"name":            "broken",
		"kind":            "agent",
		"trigger":         "cron",
		"cron_expression": "61 7 * * *",
		"agent_id":        f.agentID,
		"run_mode":        "new_thread",
		"is_active":       true,
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

// seedInteraction plants an awaiting-input task with one pending interaction.
func (f *apiFixture) seedInteraction(t *testing.T) *taskmodels.Interaction {
	t.Helper()
	ctx := context.Background()
	task := &taskmodels.Task{
		ID:       uuid.New().String(),
		UserID:   f.user.ID,
		ThreadID: uuid.New().String(),
		AgentID:  f.agentID,
		Prompt:   "q",
		Status:   taskmodels.TaskStatusAwaitingInput,
	}
	require.NoError(t, f.tasks.CreateTask(ctx, task))
	interaction := &taskmodels.Interaction{
		ID:       uuid.New().String(),
		TaskID:   task.ID,
		UserID:   f.user.ID,
		ThreadID: task.ThreadID,
		Question: "Which one?",
		Status:   taskmodels.InteractionPending,
	}
	require.NoError(t, f.tasks.CreateInteraction(ctx, interaction))
	return interaction
}
