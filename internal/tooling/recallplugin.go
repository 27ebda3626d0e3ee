package tooling

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/novahq/nova/internal/common/errors"
	conversation "github.com/novahq/nova/internal/conversation/service"
	"github.com/novahq/nova/internal/recall"
	usermodels "github.com/novahq/nova/internal/user/models"
	userstore "github.com/novahq/nova/internal/user/store"
)

// RecallPlugin surfaces conversation_search and conversation_get over the
// user's continuous thread. It is registered as a system tool with no
// credential requirement.
type RecallPlugin struct {
	tools         *recall.Tools
	users         userstore.Repository
	conversations *conversation.Service
}

// NewRecallPlugin creates the recall plugin.
func NewRecallPlugin(tools *recall.Tools, users userstore.Repository, conversations *conversation.Service) *RecallPlugin {
	return &RecallPlugin{tools: tools, users: users, conversations: conversations}
}

func (p *RecallPlugin) Meta() PluginMeta {
	return PluginMeta{
		Name:        "conversation_memory",
		Description: "Search and fetch passages from the user's past conversation days.",
		Skill:       "memory",
	}
}

func (p *RecallPlugin) Functions(ctx context.Context, tool *Tool, agentID string) ([]FunctionDescriptor, error) {
	return []FunctionDescriptor{
		{
			Name: "conversation_search",
			Description: "Hybrid lexical and semantic search over day summaries and " +
				"transcript excerpts. Returns scored snippets with day labels.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query":        map[string]interface{}{"type": "string", "description": "What to look for"},
					"day":          map[string]interface{}{"type": "string", "description": "Restrict to one day (YYYY-MM-DD)"},
					"recency_days": map[string]interface{}{"type": "integer", "description": "How far back to look (default 14)"},
					"limit":        map[string]interface{}{"type": "integer"},
					"offset":       map[string]interface{}{"type": "integer"},
				},
				"required": []interface{}{"query"},
			},
			Handler: func(callCtx context.Context, args map[string]interface{}) (interface{}, error) {
				var params recall.SearchParams
				if err := decodeArgs(args, &params); err != nil {
					return nil, err
				}
				user, threadID, err := p.scope(callCtx, args)
				if err != nil {
					return recall.ToolPayload(nil, err), nil
				}
				result, err := p.tools.Search(callCtx, user, threadID, params)
				return recall.ToolPayload(result, err), nil
			},
		},
		{
			Name: "conversation_get",
			Description: "Fetch exact conversation passages: a day summary, a message " +
				"range, or a window around one message.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"message_id":        map[string]interface{}{"type": "string"},
					"day_segment_id":    map[string]interface{}{"type": "string"},
					"from_message_id":   map[string]interface{}{"type": "string"},
					"to_message_id":     map[string]interface{}{"type": "string"},
					"before_message_id": map[string]interface{}{"type": "string"},
					"after_message_id":  map[string]interface{}{"type": "string"},
					"limit":             map[string]interface{}{"type": "integer"},
				},
			},
			Handler: func(callCtx context.Context, args map[string]interface{}) (interface{}, error) {
				var params recall.GetParams
				if err := decodeArgs(args, &params); err != nil {
					return nil, err
				}
				user, threadID, err := p.scope(callCtx, args)
				if err != nil {
					return recall.ToolPayload(nil, err), nil
				}
				result, err := p.tools.Get(callCtx, user, threadID, params)
				return recall.ToolPayload(result, err), nil
			},
		},
	}, nil
}

// scope resolves the calling user and their continuous thread from the
// invocation context; recall never crosses tenants.
func (p *RecallPlugin) scope(ctx context.Context, _ map[string]interface{}) (*usermodels.User, string, error) {
	userID := UserIDFromContext(ctx)
	if userID == "" {
		return nil, "", apperrors.Unauthorized("tool call carries no user")
	}
	user, err := p.users.GetUser(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	thread, err := p.conversations.EnsureContinuousThread(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, thread.ID, nil
}

func decodeArgs(args map[string]interface{}, target interface{}) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to serialize tool arguments: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to decode tool arguments: %w", err)
	}
	return nil
}
