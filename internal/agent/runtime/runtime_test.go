package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novahq/nova/internal/agent"
	"github.com/novahq/nova/internal/checkpoint"
	"github.com/novahq/nova/internal/common/config"
	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/tooling"
)

// chatScript serves canned chat completion responses in order and records
// every request body it saw.
type chatScript struct {
	mu        sync.Mutex
	responses []string
	requests  []map[string]interface{}
}

func (s *chatScript) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.requests = append(s.requests, body)

	if len(s.responses) == 0 {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"script exhausted"}`)
		return
	}
	response := s.responses[0]
	s.responses = s.responses[1:]
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, response)
}

func (s *chatScript) request(t *testing.T, i int) map[string]interface{} {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Greater(t, len(s.requests), i)
	return s.requests[i]
}

func contentResponse(text string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"content":%q}}],"usage":{"total_tokens":42}}`, text)
}

func toolCallResponse(callID, name, arguments string) string {
	payload := map[string]interface{}{
		"choices": []interface{}{map[string]interface{}{
			"message": map[string]interface{}{
				"content": "",
				"tool_calls": []interface{}{map[string]interface{}{
					"id": callID,
					"function": map[string]interface{}{
						"name":      name,
						"arguments": arguments,
					},
				}},
			},
		}},
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

type fakeSurfaces struct {
	surface *tooling.AgentSurface
}

func (f *fakeSurfaces) BuildSurface(ctx context.Context, userID, agentID string, toolIDs []string) (*tooling.AgentSurface, error) {
	return f.surface, nil
}

func newTestGraph(t *testing.T, script *chatScript, surfaces SurfaceBuilder) (*ChatGraph, *checkpoint.MemoryStore) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(script.handler))
	t.Cleanup(server.Close)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	store := checkpoint.NewMemoryStore()
	graph := NewChatGraph(store, surfaces, config.LLMConfig{URL: server.URL, TimeoutSec: 5}, log)
	return graph, store
}

func testConfig() *agent.Config {
	return &agent.Config{
		ID:           "agent-1",
		UserID:       "u1",
		Name:         "assistant",
		SystemPrompt: "You are helpful.",
		Provider:     agent.ProviderConfig{Name: "openai", Model: "gpt-test"},
	}
}

func TestInvokePlainResponse(t *testing.T) {
	script := &chatScript{responses: []string{contentResponse("hello there")}}
	graph, _ := newTestGraph(t, script, nil)

	var chunks []string
	result, err := graph.Invoke(context.Background(), testConfig(), "thread-1", "hi", agent.InvokeOptions{
		OnChunk: func(chunk string) { chunks = append(chunks, chunk) },
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Text)
	assert.Nil(t, result.Interrupt)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 42, result.Usage.TotalTokens)
	assert.Equal(t, []string{"hello there"}, chunks)

	tuple, err := graph.GetTuple(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Len(t, tuple.Messages, 2)
	assert.Equal(t, agent.RoleHuman, tuple.Messages[0].Role)
	assert.Equal(t, agent.RoleAI, tuple.Messages[1].Role)
}

func TestInvokeSilentModeSkipsChunks(t *testing.T) {
	script := &chatScript{responses: []string{contentResponse("quiet")}}
	graph, _ := newTestGraph(t, script, nil)

	called := false
	_, err := graph.Invoke(context.Background(), testConfig(), "thread-1", "hi", agent.InvokeOptions{
		SilentMode: true,
		OnChunk:    func(string) { called = true },
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestInvokeSendsSystemPromptWithToolHint(t *testing.T) {
	surface := &tooling.AgentSurface{
		PromptHint: "Pass calendar_account to pick an account.",
		Functions: []tooling.FunctionDescriptor{{
			Name:        "calendar_list_events",
			Description: "List events",
			InputSchema: map[string]interface{}{"type": "object"},
		}},
	}
	script := &chatScript{responses: []string{contentResponse("ok")}}
	graph, _ := newTestGraph(t, script, &fakeSurfaces{surface: surface})

	_, err := graph.Invoke(context.Background(), testConfig(), "thread-1", "hi", agent.InvokeOptions{})
	require.NoError(t, err)

	request := script.request(t, 0)
	messages := request["messages"].([]interface{})
	first := messages[0].(map[string]interface{})
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "You are helpful.\n\nPass calendar_account to pick an account.", first["content"])

	// Surface function plus the built-in ask_user.
	tools := request["tools"].([]interface{})
	require.Len(t, tools, 2)
	names := make([]string, 0, 2)
	for _, tool := range tools {
		function := tool.(map[string]interface{})["function"].(map[string]interface{})
		names = append(names, function["name"].(string))
	}
	assert.ElementsMatch(t, []string{"calendar_list_events", "ask_user"}, names)
}

func TestInvokeDispatchesToolCalls(t *testing.T) {
	var gotUserID string
	surface := &tooling.AgentSurface{
		Functions: []tooling.FunctionDescriptor{{
			Name:        "lookup",
			Description: "Look something up",
			InputSchema: map[string]interface{}{"type": "object"},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				gotUserID = tooling.UserIDFromContext(ctx)
				return map[string]interface{}{"found": args["q"]}, nil
			},
		}},
	}
	script := &chatScript{responses: []string{
		toolCallResponse("call-1", "lookup", `{"q":"rust"}`),
		contentResponse("all done"),
	}}
	graph, _ := newTestGraph(t, script, &fakeSurfaces{surface: surface})

	result, err := graph.Invoke(context.Background(), testConfig(), "thread-1", "find it", agent.InvokeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "all done", result.Text)
	assert.Equal(t, "u1", gotUserID)

	// The second round carries the tool result back to the model.
	second := script.request(t, 1)
	messages := second["messages"].([]interface{})
	last := messages[len(messages)-1].(map[string]interface{})
	assert.Equal(t, "tool", last["role"])
	assert.Equal(t, "call-1", last["tool_call_id"])
	assert.JSONEq(t, `{"found":"rust"}`, last["content"].(string))
}

func TestInvokeUnknownToolBecomesErrorPayload(t *testing.T) {
	script := &chatScript{responses: []string{
		toolCallResponse("call-1", "nonexistent", `{}`),
		contentResponse("recovered"),
	}}
	graph, _ := newTestGraph(t, script, &fakeSurfaces{surface: &tooling.AgentSurface{}})

	result, err := graph.Invoke(context.Background(), testConfig(), "thread-1", "go", agent.InvokeOptions{})
	require.NoError(t, err, "unknown tools never abort the run")
	assert.Equal(t, "recovered", result.Text)

	second := script.request(t, 1)
	messages := second["messages"].([]interface{})
	last := messages[len(messages)-1].(map[string]interface{})
	assert.Contains(t, last["content"].(string), "unknown tool")
}

func TestAskUserSuspendsAndResumes(t *testing.T) {
	script := &chatScript{responses: []string{
		toolCallResponse("call-7", "ask_user", `{"question":"Which city?"}`),
	}}
	graph, _ := newTestGraph(t, script, nil)
	ctx := context.Background()
	cfg := testConfig()

	result, err := graph.Invoke(ctx, cfg, "thread-1", "book a trip", agent.InvokeOptions{})
	require.NoError(t, err)
	require.NotNil(t, result.Interrupt)
	assert.Equal(t, "Which city?", result.Interrupt.Question)
	assert.Equal(t, "assistant", result.Interrupt.OriginName)
	require.NotEmpty(t, result.Interrupt.ResumeToken)

	// A suspended thread rejects new prompts and wrong tokens.
	_, err = graph.Invoke(ctx, cfg, "thread-1", "another prompt", agent.InvokeOptions{})
	assert.True(t, apperrors.IsConflict(err))
	_, err = graph.Resume(ctx, cfg, "thread-1", "wrong-token", "Lisbon", agent.InvokeOptions{})
	assert.True(t, apperrors.IsBadRequest(err))

	script.mu.Lock()
	script.responses = append(script.responses, contentResponse("Booked for Lisbon."))
	script.mu.Unlock()

	resumed, err := graph.Resume(ctx, cfg, "thread-1", result.Interrupt.ResumeToken, "Lisbon", agent.InvokeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Booked for Lisbon.", resumed.Text)

	// The answer travels back as the tool result of the ask_user call.
	request := script.request(t, 1)
	messages := request["messages"].([]interface{})
	last := messages[len(messages)-1].(map[string]interface{})
	assert.Equal(t, "tool", last["role"])
	assert.Equal(t, "call-7", last["tool_call_id"])
	assert.Equal(t, "Lisbon", last["content"])

	// The suspension is consumed; a second resume has nothing to continue.
	_, err = graph.Resume(ctx, cfg, "thread-1", result.Interrupt.ResumeToken, "Lisbon", agent.InvokeOptions{})
	assert.True(t, apperrors.IsConflict(err))
}

func TestResumeWithoutSuspensionConflicts(t *testing.T) {
	script := &chatScript{}
	graph, _ := newTestGraph(t, script, nil)

	_, err := graph.Resume(context.Background(), testConfig(), "thread-1", "token", "answer", agent.InvokeOptions{})
	assert.True(t, apperrors.IsConflict(err))
}

func TestInvokeWithoutProviderConfigured(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	graph := NewChatGraph(checkpoint.NewMemoryStore(), nil, config.LLMConfig{}, log)

	_, err = graph.Invoke(context.Background(), testConfig(), "thread-1", "hi", agent.InvokeOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm provider")
}

func TestInvokeStopsAtRecursionLimit(t *testing.T) {
	script := &chatScript{responses: []string{
		toolCallResponse("call-1", "nonexistent", `{}`),
		toolCallResponse("call-2", "nonexistent", `{}`),
		toolCallResponse("call-3", "nonexistent", `{}`),
	}}
	graph, _ := newTestGraph(t, script, &fakeSurfaces{surface: &tooling.AgentSurface{}})

	cfg := testConfig()
	cfg.RecursionLimit = 2
	_, err := graph.Invoke(context.Background(), cfg, "thread-1", "loop", agent.InvokeOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recursion limit")
}

func TestUpdateStateReplacesThread(t *testing.T) {
	script := &chatScript{responses: []string{contentResponse("fresh")}}
	graph, _ := newTestGraph(t, script, nil)
	ctx := context.Background()

	rebuilt := []agent.StateMessage{
		{Role: agent.RoleHuman, Content: "earlier question"},
		{Role: agent.RoleAI, Content: "earlier answer"},
	}
	require.NoError(t, graph.UpdateState(ctx, "thread-1", rebuilt))

	tuple, err := graph.GetTuple(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, tuple.Messages, 2)
	assert.Equal(t, "earlier question", agent.FlattenContent(tuple.Messages[0].Content))

	// A follow-up turn extends the rebuilt history.
	_, err = graph.Invoke(ctx, testConfig(), "thread-1", "and now?", agent.InvokeOptions{})
	require.NoError(t, err)
	request := script.request(t, 0)
	messages := request["messages"].([]interface{})
	require.Len(t, messages, 4, "system prompt plus rebuilt history plus new prompt")
}

func TestDeleteClearsState(t *testing.T) {
	script := &chatScript{}
	graph, _ := newTestGraph(t, script, nil)
	ctx := context.Background()

	require.NoError(t, graph.UpdateState(ctx, "thread-1", []agent.StateMessage{{Role: agent.RoleHuman, Content: "x"}}))
	require.NoError(t, graph.Delete(ctx, "thread-1"))

	tuple, err := graph.GetTuple(ctx, "thread-1")
	require.NoError(t, err, "missing state reads as an empty thread")
	assert.Empty(t, tuple.Messages)
}
