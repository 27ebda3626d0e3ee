// Package runtime implements the agent graph over an OpenAI-compatible chat
// completions endpoint. Graph state is persisted through the checkpoint store
// between turns; the ask_user tool suspends a run into a durable interrupt.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/novahq/nova/internal/agent"
	"github.com/novahq/nova/internal/checkpoint"
	"github.com/novahq/nova/internal/common/config"
	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/tooling"
)

// defaultRecursionLimit caps tool-call rounds when the agent config does not
// set one.
const defaultRecursionLimit = 8

// askUserTool is the built-in function whose invocation suspends the run.
const askUserTool = "ask_user"

// SurfaceBuilder resolves the callable tool surface of an agent.
type SurfaceBuilder interface {
	BuildSurface(ctx context.Context, userID, agentID string, toolIDs []string) (*tooling.AgentSurface, error)
}

// ChatGraph drives chat completions with tool dispatch and persisted state.
type ChatGraph struct {
	checkpoints checkpoint.Store
	surfaces    SurfaceBuilder
	client      *http.Client
	cfg         config.LLMConfig
	logger      *logger.Logger
}

// NewChatGraph creates the runtime. surfaces may be nil, disabling tools.
func NewChatGraph(checkpoints checkpoint.Store, surfaces SurfaceBuilder, cfg config.LLMConfig, log *logger.Logger) *ChatGraph {
	return &ChatGraph{
		checkpoints: checkpoints,
		surfaces:    surfaces,
		client:      &http.Client{Timeout: cfg.Timeout()},
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "graph")),
	}
}

// pendingInterrupt is the durable suspension point of an ask_user call.
type pendingInterrupt struct {
	Question   string                 `json:"question"`
	Schema     map[string]interface{} `json:"schema,omitempty"`
	OriginName string                 `json:"origin_name,omitempty"`
	Token      string                 `json:"token"`
	ToolCallID string                 `json:"tool_call_id"`
}

// graphState is the persisted shape of one graph thread.
type graphState struct {
	Messages []agent.StateMessage `json:"messages"`
	Usage    *agent.Usage         `json:"usage,omitempty"`
	Pending  *pendingInterrupt    `json:"pending,omitempty"`
}

func (g *ChatGraph) Invoke(ctx context.Context, cfg *agent.Config, threadID, prompt string, opts agent.InvokeOptions) (*agent.Result, error) {
	state, err := g.loadState(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if state.Pending != nil {
		return nil, apperrors.Conflict("thread is suspended awaiting user input")
	}
	state.Messages = append(state.Messages, agent.StateMessage{Role: agent.RoleHuman, Content: prompt})
	return g.run(ctx, cfg, threadID, state, opts)
}

func (g *ChatGraph) Resume(ctx context.Context, cfg *agent.Config, threadID, resumeToken string, answer interface{}, opts agent.InvokeOptions) (*agent.Result, error) {
	state, err := g.loadState(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if state.Pending == nil {
		return nil, apperrors.Conflict("thread has no suspended run to resume")
	}
	if state.Pending.Token != resumeToken {
		return nil, apperrors.BadRequest("resume token does not match the suspended run")
	}

	answerText := agent.FlattenContent(answer)
	state.Messages = append(state.Messages, agent.StateMessage{
		Role: "tool",
		Content: map[string]interface{}{
			"tool_call_id": state.Pending.ToolCallID,
			"text":         answerText,
		},
	})
	state.Pending = nil
	return g.run(ctx, cfg, threadID, state, opts)
}

// run loops chat completions until the model stops calling tools or an
// ask_user call suspends the thread.
func (g *ChatGraph) run(ctx context.Context, cfg *agent.Config, threadID string, state *graphState, opts agent.InvokeOptions) (*agent.Result, error) {
	if g.cfg.URL == "" {
		return nil, apperrors.ServiceUnavailable("llm provider")
	}

	surface, err := g.surface(ctx, cfg)
	if err != nil {
		return nil, err
	}

	limit := cfg.RecursionLimit
	if limit <= 0 {
		limit = defaultRecursionLimit
	}
	for round := 0; round < limit; round++ {
		response, err := g.completeChat(ctx, cfg, state.Messages, surface)
		if err != nil {
			return nil, err
		}
		if response.Usage != nil {
			state.Usage = &agent.Usage{TotalTokens: response.Usage.TotalTokens}
		}

		if len(response.ToolCalls) == 0 {
			state.Messages = append(state.Messages, agent.StateMessage{Role: agent.RoleAI, Content: response.Text})
			if err := g.saveState(ctx, threadID, state); err != nil {
				return nil, err
			}
			if opts.OnChunk != nil && !opts.SilentMode && response.Text != "" {
				opts.OnChunk(response.Text)
			}
			return &agent.Result{Text: response.Text, Usage: state.Usage}, nil
		}

		state.Messages = append(state.Messages, agent.StateMessage{
			Role: agent.RoleAI,
			Content: map[string]interface{}{
				"text":       response.Text,
				"tool_calls": response.RawToolCalls,
			},
		})

		for _, call := range response.ToolCalls {
			if call.Name == askUserTool {
				return g.suspend(ctx, cfg, threadID, state, call)
			}
			result := g.dispatch(ctx, cfg, surface, call)
			state.Messages = append(state.Messages, agent.StateMessage{
				Role: "tool",
				Content: map[string]interface{}{
					"tool_call_id": call.ID,
					"text":         result,
				},
			})
		}
	}
	return nil, apperrors.InternalError("agent exceeded its tool recursion limit", nil).
		WithCategory(apperrors.CategoryAgentFailure)
}

// suspend persists the ask_user call as a pending interrupt and returns it.
func (g *ChatGraph) suspend(ctx context.Context, cfg *agent.Config, threadID string, state *graphState, call toolCall) (*agent.Result, error) {
	var args struct {
		Question string                 `json:"question"`
		Schema   map[string]interface{} `json:"schema"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || args.Question == "" {
		return nil, apperrors.InternalError("malformed ask_user call", err).
			WithCategory(apperrors.CategoryAgentFailure)
	}

	pending := &pendingInterrupt{
		Question:   args.Question,
		Schema:     args.Schema,
		OriginName: cfg.Name,
		Token:      uuid.New().String(),
		ToolCallID: call.ID,
	}
	state.Pending = pending
	if err := g.saveState(ctx, threadID, state); err != nil {
		return nil, err
	}
	return &agent.Result{
		Usage: state.Usage,
		Interrupt: &agent.Interrupt{
			Question:    pending.Question,
			Schema:      pending.Schema,
			OriginName:  pending.OriginName,
			ResumeToken: pending.Token,
		},
	}, nil
}

// dispatch runs one tool call; failures become error payloads the model can
// read, never run aborts.
func (g *ChatGraph) dispatch(ctx context.Context, cfg *agent.Config, surface *tooling.AgentSurface, call toolCall) string {
	var handler func(context.Context, map[string]interface{}) (interface{}, error)
	if surface != nil {
		for _, function := range surface.Functions {
			if function.Name == call.Name {
				handler = function.Handler
				break
			}
		}
	}
	if handler == nil {
		return fmt.Sprintf(`{"error":"unknown tool %q"}`, call.Name)
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return `{"error":"malformed tool arguments"}`
	}
	result, err := handler(tooling.WithUserID(ctx, cfg.UserID), args)
	if err != nil {
		g.logger.WithError(err).Warn("tool call failed",
			zap.String("tool", call.Name))
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return `{"error":"unserializable tool result"}`
	}
	return string(payload)
}

func (g *ChatGraph) surface(ctx context.Context, cfg *agent.Config) (*tooling.AgentSurface, error) {
	if g.surfaces == nil {
		return nil, nil
	}
	return g.surfaces.BuildSurface(ctx, cfg.UserID, cfg.ID, cfg.ToolIDs)
}

func (g *ChatGraph) UpdateState(ctx context.Context, threadID string, messages []agent.StateMessage) error {
	return g.saveState(ctx, threadID, &graphState{Messages: messages})
}

func (g *ChatGraph) GetTuple(ctx context.Context, threadID string) (*agent.StateTuple, error) {
	state, err := g.loadState(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return &agent.StateTuple{Messages: state.Messages, Usage: state.Usage}, nil
}

func (g *ChatGraph) Delete(ctx context.Context, threadID string) error {
	return g.checkpoints.DeleteState(ctx, threadID)
}

func (g *ChatGraph) Close() error {
	g.client.CloseIdleConnections()
	return nil
}

func (g *ChatGraph) loadState(ctx context.Context, threadID string) (*graphState, error) {
	raw, err := g.checkpoints.GetState(ctx, threadID)
	if apperrors.IsNotFound(err) {
		return &graphState{}, nil
	}
	if err != nil {
		return nil, err
	}
	state := &graphState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("failed to deserialize graph state: %w", err)
	}
	return state, nil
}

func (g *ChatGraph) saveState(ctx context.Context, threadID string, state *graphState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize graph state: %w", err)
	}
	return g.checkpoints.PutState(ctx, threadID, raw)
}

// completion is the parsed outcome of one chat completion round.
type completion struct {
	Text         string
	ToolCalls    []toolCall
	RawToolCalls []interface{}
	Usage        *usagePayload
}

type toolCall struct {
	ID        string
	Name      string
	Arguments string
}

type usagePayload struct {
	TotalTokens int `json:"total_tokens"`
}

// completeChat performs one provider round trip.
func (g *ChatGraph) completeChat(ctx context.Context, cfg *agent.Config, messages []agent.StateMessage, surface *tooling.AgentSurface) (*completion, error) {
	body := map[string]interface{}{
		"model":    cfg.Provider.Model,
		"messages": wireMessages(cfg, messages, surface),
	}
	if tools := wireTools(surface); len(tools) > 0 {
		body["tools"] = tools
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize chat request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		request.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	start := time.Now()
	response, err := g.client.Do(request)
	if err != nil {
		return nil, apperrors.Wrap(err, "chat completion request failed").
			WithCategory(apperrors.CategoryNetwork)
	}
	defer func() { _ = response.Body.Close() }()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to read chat response").
			WithCategory(apperrors.CategoryNetwork)
	}
	if response.StatusCode != http.StatusOK {
		return nil, apperrors.InternalError(
			fmt.Sprintf("chat provider returned %d: %.200s", response.StatusCode, string(data)), nil).
			WithCategory(apperrors.CategoryAgentFailure)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Usage *usagePayload `json:"usage"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, apperrors.Wrap(err, "failed to parse chat response").
			WithCategory(apperrors.CategoryAgentFailure)
	}
	if len(parsed.Choices) == 0 {
		return nil, apperrors.InternalError("chat provider returned no choices", nil).
			WithCategory(apperrors.CategoryAgentFailure)
	}

	message := parsed.Choices[0].Message
	result := &completion{Text: message.Content, Usage: parsed.Usage}
	for _, call := range message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, toolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
		result.RawToolCalls = append(result.RawToolCalls, map[string]interface{}{
			"id":   call.ID,
			"type": "function",
			"function": map[string]interface{}{
				"name":      call.Function.Name,
				"arguments": call.Function.Arguments,
			},
		})
	}
	g.logger.Debug("chat completion round",
		zap.String("model", cfg.Provider.Model),
		zap.Int("tool_calls", len(result.ToolCalls)),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// wireMessages converts persisted state to the provider message format. The
// agent's system prompt always leads, including aggregated tool hints, so
// checkpoint rebuilds never lose it.
func wireMessages(cfg *agent.Config, messages []agent.StateMessage, surface *tooling.AgentSurface) []map[string]interface{} {
	wire := make([]map[string]interface{}, 0, len(messages)+1)
	systemPrompt := cfg.SystemPrompt
	if surface != nil && surface.PromptHint != "" {
		if systemPrompt != "" {
			systemPrompt += "\n\n"
		}
		systemPrompt += surface.PromptHint
	}
	if systemPrompt != "" {
		wire = append(wire, map[string]interface{}{"role": "system", "content": systemPrompt})
	}
	for _, m := range messages {
		switch m.Role {
		case agent.RoleSystem:
			wire = append(wire, map[string]interface{}{"role": "system", "content": agent.FlattenContent(m.Content)})
		case agent.RoleHuman:
			wire = append(wire, map[string]interface{}{"role": "user", "content": agent.FlattenContent(m.Content)})
		case agent.RoleAI:
			entry := map[string]interface{}{"role": "assistant"}
			if content, ok := m.Content.(map[string]interface{}); ok {
				if text, _ := content["text"].(string); text != "" {
					entry["content"] = text
				}
				if calls, ok := content["tool_calls"].([]interface{}); ok && len(calls) > 0 {
					entry["tool_calls"] = calls
				}
			} else {
				entry["content"] = agent.FlattenContent(m.Content)
			}
			wire = append(wire, entry)
		case "tool":
			content, _ := m.Content.(map[string]interface{})
			callID, _ := content["tool_call_id"].(string)
			text, _ := content["text"].(string)
			wire = append(wire, map[string]interface{}{
				"role":         "tool",
				"tool_call_id": callID,
				"content":      text,
			})
		}
	}
	return wire
}

// wireTools renders the tool surface plus the built-in ask_user function.
func wireTools(surface *tooling.AgentSurface) []map[string]interface{} {
	var tools []map[string]interface{}
	if surface != nil {
		for _, function := range surface.Functions {
			tools = append(tools, map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        function.Name,
					"description": function.Description,
					"parameters":  function.InputSchema,
				},
			})
		}
	}
	tools = append(tools, map[string]interface{}{
		"type": "function",
		"function": map[string]interface{}{
			"name":        askUserTool,
			"description": "Ask the user a clarifying question and wait for the answer. Use only when you cannot proceed without it.",
			"parameters": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"question": map[string]interface{}{"type": "string"},
					"schema":   map[string]interface{}{"type": "object", "description": "Optional JSON schema describing the expected answer"},
				},
				"required": []interface{}{"question"},
			},
		},
	})
	return tools
}
