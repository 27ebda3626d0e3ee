// Package tooling manages agent-callable tools: plugin metadata, per-user and
// system tool instances, discovery, and multi-instance aggregation behind a
// disambiguating selector.
package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// FunctionDescriptor is one callable function surfaced to an agent.
type FunctionDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	Handler     func(ctx context.Context, args map[string]interface{}) (interface{}, error) `json:"-"`
}

// AggregationSpec enables a single aggregated surface when several instances
// of the same plugin are bound to one agent.
type AggregationSpec struct {
	// MinInstances is the bound-instance count at which aggregation kicks in.
	MinInstances int `json:"min_instances"`
	// SelectorField is the argument name carrying the instance selector
	// (e.g. "calendar_account").
	SelectorField string `json:"selector_field"`
}

// PluginMeta describes a plugin to the registry and the UI.
type PluginMeta struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	ConfigSchema map[string]interface{} `json:"config_schema,omitempty"`
	// Skill optionally groups related plugins in the UI.
	Skill string `json:"skill,omitempty"`
	// Aggregation, when set, enables the multi-instance surface.
	Aggregation *AggregationSpec `json:"aggregation,omitempty"`
	// RequiresCredential gates system-tool discovery on a populated
	// credential row for the user.
	RequiresCredential bool `json:"requires_credential"`
}

// Plugin is one installable tool implementation.
type Plugin interface {
	Meta() PluginMeta
	// Functions returns the callable surface of one tool instance for one
	// agent.
	Functions(ctx context.Context, tool *Tool, agentID string) ([]FunctionDescriptor, error)
}

// Tool is one configured instance of a plugin. UserID is empty for
// system-wide tools.
type Tool struct {
	ID         string                 `json:"id"`
	UserID     string                 `json:"user_id,omitempty"`
	PluginName string                 `json:"plugin_name"`
	// Name doubles as the selector value under aggregation.
	Name      string                 `json:"name"`
	Config    map[string]interface{} `json:"config,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// DecodeConfig unmarshals the tool's config map into a typed struct.
func (t *Tool) DecodeConfig(target interface{}) error {
	data, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize tool config: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to decode tool config: %w", err)
	}
	return nil
}

// Credential is a per-(user, plugin) secret row. A credential counts as
// populated when any field carries a value.
type Credential struct {
	UserID     string            `json:"user_id"`
	PluginName string            `json:"plugin_name"`
	Fields     map[string]string `json:"fields"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Populated reports whether any credential field is non-empty.
func (c *Credential) Populated() bool {
	for _, v := range c.Fields {
		if v != "" {
			return true
		}
	}
	return false
}

// Store is the storage contract for tool instances and credentials.
type Store interface {
	CreateTool(ctx context.Context, tool *Tool) error
	GetTool(ctx context.Context, id string) (*Tool, error)
	// ListUserTools returns tools owned by the user.
	ListUserTools(ctx context.Context, userID string) ([]*Tool, error)
	// ListSystemTools returns system-wide tools.
	ListSystemTools(ctx context.Context) ([]*Tool, error)
	DeleteTool(ctx context.Context, userID, id string) error

	GetCredential(ctx context.Context, userID, pluginName string) (*Credential, error)
	PutCredential(ctx context.Context, credential *Credential) error

	Close() error
}
