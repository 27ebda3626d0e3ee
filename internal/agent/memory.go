package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/novahq/nova/internal/common/errors"
)

// MemoryRepository is an in-memory Repository for tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{configs: make(map[string]*Config)}
}

// Close is a no-op.
func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) CreateConfig(ctx context.Context, config *Config) error {
	if config.ID == "" {
		config.ID = uuid.New().String()
	}
	if err := CheckCycles(ctx, config, r.lookupForUser(config.UserID)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if config.CreatedAt.IsZero() {
		config.CreatedAt = now
	}
	config.UpdatedAt = now
	r.configs[config.ID] = cloneConfig(config)
	return nil
}

func (r *MemoryRepository) GetConfig(ctx context.Context, userID, id string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	config, ok := r.configs[id]
	if !ok || config.UserID != userID {
		return nil, apperrors.NotFound("agent", id)
	}
	return cloneConfig(config), nil
}

func (r *MemoryRepository) ListConfigs(ctx context.Context, userID string) ([]*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Config
	for _, config := range r.configs {
		if config.UserID == userID {
			result = append(result, cloneConfig(config))
		}
	}
	return result, nil
}

func (r *MemoryRepository) UpdateConfig(ctx context.Context, config *Config) error {
	if err := CheckCycles(ctx, config, r.lookupForUser(config.UserID)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.configs[config.ID]
	if !ok || existing.UserID != config.UserID {
		return apperrors.NotFound("agent", config.ID)
	}
	config.CreatedAt = existing.CreatedAt
	config.UpdatedAt = time.Now().UTC()
	r.configs[config.ID] = cloneConfig(config)
	return nil
}

func (r *MemoryRepository) DeleteConfig(ctx context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	config, ok := r.configs[id]
	if !ok || config.UserID != userID {
		return apperrors.NotFound("agent", id)
	}
	delete(r.configs, id)
	return nil
}

func (r *MemoryRepository) lookupForUser(userID string) func(ctx context.Context, id string) (*Config, error) {
	return func(ctx context.Context, id string) (*Config, error) {
		return r.GetConfig(ctx, userID, id)
	}
}

func cloneConfig(c *Config) *Config {
	clone := *c
	clone.ToolIDs = append([]string(nil), c.ToolIDs...)
	clone.SubAgentIDs = append([]string(nil), c.SubAgentIDs...)
	return &clone
}
