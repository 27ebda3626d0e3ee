package tooling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/novahq/nova/internal/common/errors"
)

// MemoryStore is a thread-safe in-memory Store for tests and single-process
// deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	tools       map[string]*Tool
	credentials map[string]*Credential // userID + "/" + pluginName
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tools:       make(map[string]*Tool),
		credentials: make(map[string]*Credential),
	}
}

func (s *MemoryStore) CreateTool(ctx context.Context, tool *Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tool.ID == "" {
		tool.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tool.CreatedAt = now
	tool.UpdatedAt = now
	s.tools[tool.ID] = cloneTool(tool)
	return nil
}

func (s *MemoryStore) GetTool(ctx context.Context, id string) (*Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tool, ok := s.tools[id]
	if !ok {
		return nil, apperrors.NotFound("tool", id)
	}
	return cloneTool(tool), nil
}

func (s *MemoryStore) ListUserTools(ctx context.Context, userID string) ([]*Tool, error) {
	return s.list(func(t *Tool) bool { return t.UserID == userID && userID != "" }), nil
}

func (s *MemoryStore) ListSystemTools(ctx context.Context) ([]*Tool, error) {
	return s.list(func(t *Tool) bool { return t.UserID == "" }), nil
}

func (s *MemoryStore) list(keep func(*Tool) bool) []*Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Tool
	for _, tool := range s.tools {
		if keep(tool) {
			result = append(result, cloneTool(tool))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (s *MemoryStore) DeleteTool(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tool, ok := s.tools[id]
	if !ok || tool.UserID != userID {
		return apperrors.NotFound("tool", id)
	}
	delete(s.tools, id)
	return nil
}

func (s *MemoryStore) GetCredential(ctx context.Context, userID, pluginName string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	credential, ok := s.credentials[userID+"/"+pluginName]
	if !ok {
		return nil, apperrors.NotFound("credential", pluginName)
	}
	clone := *credential
	clone.Fields = make(map[string]string, len(credential.Fields))
	for k, v := range credential.Fields {
		clone.Fields[k] = v
	}
	return &clone, nil
}

func (s *MemoryStore) PutCredential(ctx context.Context, credential *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	credential.UpdatedAt = time.Now().UTC()
	clone := *credential
	clone.Fields = make(map[string]string, len(credential.Fields))
	for k, v := range credential.Fields {
		clone.Fields[k] = v
	}
	s.credentials[credential.UserID+"/"+credential.PluginName] = &clone
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneTool(t *Tool) *Tool {
	c := *t
	if t.Config != nil {
		c.Config = make(map[string]interface{}, len(t.Config))
		for k, v := range t.Config {
			c.Config[k] = v
		}
	}
	return &c
}
