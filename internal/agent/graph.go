// Package agent defines agent configurations and the graph runtime contract
// the executor drives. The concrete LLM runtime lives behind the Graph
// interface; the engine depends only on this contract.
package agent

import (
	"context"
	"encoding/json"
)

// Role values of messages inside graph state.
const (
	RoleSystem = "system"
	RoleHuman  = "human"
	RoleAI     = "ai"
)

// StateMessage is one message of the graph's persisted state. Content is a
// string or a provider-specific list of content parts.
type StateMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
	// Summary marks synthetic messages seeded by conversation compacting.
	Summary bool `json:"summary,omitempty"`
}

// Usage is the provider-reported token accounting of a response.
type Usage struct {
	TotalTokens int `json:"total_tokens"`
}

// Interrupt is an ask-user suspension raised by the graph. ResumeToken is the
// opaque value Resume needs to continue from the suspension point.
type Interrupt struct {
	Question    string                 `json:"question"`
	Schema      map[string]interface{} `json:"schema"`
	OriginName  string                 `json:"origin_name"`
	ResumeToken string                 `json:"resume_token"`
}

// Result is the outcome of one graph invocation. Exactly one of Text or
// Interrupt is meaningful: a non-nil Interrupt means the run is suspended.
type Result struct {
	Text      string     `json:"text"`
	Usage     *Usage     `json:"usage,omitempty"`
	Interrupt *Interrupt `json:"interrupt,omitempty"`
}

// StateTuple is the post-run snapshot of a graph thread.
type StateTuple struct {
	Messages []StateMessage `json:"messages"`
	Usage    *Usage         `json:"usage,omitempty"`
}

// InvokeOptions carries per-invocation flags.
type InvokeOptions struct {
	// SilentMode suppresses response_chunk streaming; used by the summarizer.
	SilentMode bool
	// OnChunk, when set and SilentMode is off, receives partial rendered
	// output as the provider streams it.
	OnChunk func(chunk string)
}

// Graph is the minimal runtime contract. threadID addresses persisted state;
// for chat runs it is the CheckpointLink id, for summarizer runs an ephemeral
// UUID.
type Graph interface {
	// Invoke runs one agent turn with the given prompt on the thread's state.
	Invoke(ctx context.Context, config *Config, threadID, prompt string, opts InvokeOptions) (*Result, error)
	// Resume continues a suspended run with the user's answer.
	Resume(ctx context.Context, config *Config, threadID, resumeToken string, answer interface{}, opts InvokeOptions) (*Result, error)
	// UpdateState replaces the thread's state with the given message list.
	UpdateState(ctx context.Context, threadID string, messages []StateMessage) error
	// GetTuple returns the thread's current state for post-run inspection.
	GetTuple(ctx context.Context, threadID string) (*StateTuple, error)
	// Delete drops the thread's persisted state.
	Delete(ctx context.Context, threadID string) error
	// Close releases runtime resources (HTTP sessions, provider clients).
	Close() error
}

// FlattenContent renders a state message content to text for byte-level token
// approximation. List contents concatenate their textual parts.
func FlattenContent(content interface{}) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []interface{}:
		var out string
		for _, part := range v {
			out += FlattenContent(part)
		}
		return out
	case map[string]interface{}:
		if text, ok := v["text"].(string); ok {
			return text
		}
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
