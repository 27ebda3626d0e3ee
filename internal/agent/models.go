package agent

import "time"

// ProviderConfig names the LLM provider binding of an agent.
type ProviderConfig struct {
	Name string `json:"name"`
	Model string `json:"model"`
	// MaxContext is the provider's maximum context window in tokens.
	MaxContext int `json:"max_context"`
}

// Config is a named agent configuration: system prompt, provider, bound tools
// and sub-agents. Sub-agent references may not form cycles.
type Config struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Name         string         `json:"name"`
	SystemPrompt string         `json:"system_prompt"`
	Provider     ProviderConfig `json:"provider"`
	ToolIDs      []string       `json:"tool_ids"`
	SubAgentIDs  []string       `json:"sub_agent_ids"`
	// RecursionLimit caps agent-as-tool nesting depth at runtime.
	RecursionLimit int `json:"recursion_limit"`
	// SummaryModel optionally overrides the model used when this agent acts
	// as the day summarizer. Empty means the chat model.
	SummaryModel string    `json:"summary_model,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
