package tooling

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
)

// Registry holds the installed plugins and resolves the callable surface of
// an agent.
type Registry struct {
	store  Store
	logger *logger.Logger

	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store Store, log *logger.Logger) *Registry {
	return &Registry{
		store:   store,
		logger:  log.WithFields(zap.String("component", "tooling")),
		plugins: make(map[string]Plugin),
	}
}

// Register installs a plugin. Duplicate names are a programming error.
func (r *Registry) Register(plugin Plugin) error {
	meta := plugin.Meta()
	if meta.Name == "" {
		return apperrors.ValidationError("name", "plugin name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[meta.Name]; exists {
		return apperrors.Conflict(fmt.Sprintf("plugin '%s' already registered", meta.Name))
	}
	r.plugins[meta.Name] = plugin
	return nil
}

// Plugin returns an installed plugin by name.
func (r *Registry) Plugin(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plugin, ok := r.plugins[name]
	if !ok {
		return nil, apperrors.NotFound("plugin", name)
	}
	return plugin, nil
}

// ListPlugins returns the installed plugin metadata, sorted by name.
func (r *Registry) ListPlugins() []PluginMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	metas := make([]PluginMeta, 0, len(r.plugins))
	for _, plugin := range r.plugins {
		metas = append(metas, plugin.Meta())
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas
}

// CreateTool validates a tool instance against its plugin and persists it.
func (r *Registry) CreateTool(ctx context.Context, tool *Tool) error {
	if _, err := r.Plugin(tool.PluginName); err != nil {
		return apperrors.ValidationError("plugin_name", fmt.Sprintf("unknown plugin '%s'", tool.PluginName))
	}
	if tool.Name == "" {
		return apperrors.ValidationError("name", "must not be empty")
	}
	return r.store.CreateTool(ctx, tool)
}

// DiscoverTools resolves the tool instances available to a user for the named
// tool IDs: user-owned tools first, then system tools, where credential-
// requiring system tools need a populated credential row.
func (r *Registry) DiscoverTools(ctx context.Context, userID string, toolIDs []string) ([]*Tool, error) {
	userTools, err := r.store.ListUserTools(ctx, userID)
	if err != nil {
		return nil, err
	}
	systemTools, err := r.store.ListSystemTools(ctx)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(toolIDs))
	for _, id := range toolIDs {
		wanted[id] = true
	}

	var resolved []*Tool
	seen := make(map[string]bool)
	for _, tool := range userTools {
		if wanted[tool.ID] && !seen[tool.ID] {
			resolved = append(resolved, tool)
			seen[tool.ID] = true
		}
	}
	for _, tool := range systemTools {
		if !wanted[tool.ID] || seen[tool.ID] {
			continue
		}
		usable, err := r.systemToolUsable(ctx, userID, tool)
		if err != nil {
			return nil, err
		}
		if usable {
			resolved = append(resolved, tool)
			seen[tool.ID] = true
		}
	}
	return resolved, nil
}

func (r *Registry) systemToolUsable(ctx context.Context, userID string, tool *Tool) (bool, error) {
	plugin, err := r.Plugin(tool.PluginName)
	if err != nil {
		r.logger.Warn("tool references unknown plugin",
			zap.String("tool_id", tool.ID),
			zap.String("plugin", tool.PluginName))
		return false, nil
	}
	if !plugin.Meta().RequiresCredential {
		return true, nil
	}
	credential, err := r.store.GetCredential(ctx, userID, tool.PluginName)
	if apperrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return credential.Populated(), nil
}

// AgentSurface is the resolved callable surface of one agent: the function
// descriptors plus a system-prompt block describing aggregated selectors.
type AgentSurface struct {
	Functions  []FunctionDescriptor
	PromptHint string
}

// BuildSurface computes the agent's function list. Plugins with enough bound
// instances collapse into one aggregated surface whose functions take a
// selector argument.
func (r *Registry) BuildSurface(ctx context.Context, userID, agentID string, toolIDs []string) (*AgentSurface, error) {
	tools, err := r.DiscoverTools(ctx, userID, toolIDs)
	if err != nil {
		return nil, err
	}

	byPlugin := make(map[string][]*Tool)
	var pluginOrder []string
	for _, tool := range tools {
		if _, seen := byPlugin[tool.PluginName]; !seen {
			pluginOrder = append(pluginOrder, tool.PluginName)
		}
		byPlugin[tool.PluginName] = append(byPlugin[tool.PluginName], tool)
	}

	surface := &AgentSurface{}
	var hints []string
	for _, pluginName := range pluginOrder {
		plugin, err := r.Plugin(pluginName)
		if err != nil {
			continue
		}
		instances := byPlugin[pluginName]
		meta := plugin.Meta()

		if meta.Aggregation != nil && len(instances) >= meta.Aggregation.MinInstances {
			functions, hint, err := r.aggregate(ctx, plugin, instances, agentID)
			if err != nil {
				return nil, err
			}
			surface.Functions = append(surface.Functions, functions...)
			hints = append(hints, hint)
			continue
		}
		for _, tool := range instances {
			functions, err := plugin.Functions(ctx, tool, agentID)
			if err != nil {
				return nil, err
			}
			surface.Functions = append(surface.Functions, functions...)
		}
	}
	surface.PromptHint = strings.Join(hints, "\n")
	return surface, nil
}

// aggregate wraps one plugin's functions so every call carries a selector
// naming the target instance.
func (r *Registry) aggregate(ctx context.Context, plugin Plugin, instances []*Tool, agentID string) ([]FunctionDescriptor, string, error) {
	meta := plugin.Meta()
	selector := meta.Aggregation.SelectorField

	selectors := make([]string, len(instances))
	byName := make(map[string][]*Tool)
	for i, tool := range instances {
		selectors[i] = tool.Name
		byName[tool.Name] = append(byName[tool.Name], tool)
	}
	sort.Strings(selectors)

	// The function shape comes from the first instance; per-call routing
	// re-resolves functions on the selected one.
	base, err := plugin.Functions(ctx, instances[0], agentID)
	if err != nil {
		return nil, "", err
	}

	aggregated := make([]FunctionDescriptor, 0, len(base))
	for _, function := range base {
		function := function
		schema := withSelectorParam(function.InputSchema, selector, selectors)
		aggregated = append(aggregated, FunctionDescriptor{
			Name:        function.Name,
			Description: function.Description,
			InputSchema: schema,
			Handler: func(callCtx context.Context, args map[string]interface{}) (interface{}, error) {
				value, _ := args[selector].(string)
				if value == "" {
					return nil, apperrors.ValidationError(selector,
						fmt.Sprintf("required; available: %s", strings.Join(selectors, ", ")))
				}
				matches := byName[value]
				if len(matches) == 0 {
					return nil, apperrors.ValidationError(selector,
						fmt.Sprintf("'%s' not found; available: %s", value, strings.Join(selectors, ", ")))
				}
				if len(matches) > 1 {
					return nil, apperrors.ValidationError(selector,
						fmt.Sprintf("'%s' is ambiguous between %d instances", value, len(matches)))
				}
				resolved, err := plugin.Functions(callCtx, matches[0], agentID)
				if err != nil {
					return nil, err
				}
				for _, candidate := range resolved {
					if candidate.Name == function.Name {
						delete(args, selector)
						return candidate.Handler(callCtx, args)
					}
				}
				return nil, apperrors.NotFound("function", function.Name)
			},
		})
	}

	hint := fmt.Sprintf("The %s tool has multiple accounts. Pass %s with one of: %s.",
		meta.Name, selector, strings.Join(selectors, ", "))
	return aggregated, hint, nil
}

// withSelectorParam extends a JSON schema with the required selector property.
func withSelectorParam(schema map[string]interface{}, selector string, available []string) map[string]interface{} {
	out := map[string]interface{}{"type": "object"}
	properties := map[string]interface{}{}
	var required []interface{}
	if schema != nil {
		for k, v := range schema {
			out[k] = v
		}
		if p, ok := schema["properties"].(map[string]interface{}); ok {
			for k, v := range p {
				properties[k] = v
			}
		}
		if req, ok := schema["required"].([]interface{}); ok {
			required = append(required, req...)
		}
	}
	properties[selector] = map[string]interface{}{
		"type":        "string",
		"description": fmt.Sprintf("Target instance; one of: %s", strings.Join(available, ", ")),
	}
	out["properties"] = properties
	out["required"] = append(required, selector)
	return out
}
