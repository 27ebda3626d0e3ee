// Package memory provides an in-memory task definition repository for tests
// and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/taskdef/models"
)

// Repository is a thread-safe in-memory implementation of repository.Repository.
type Repository struct {
	mu          sync.RWMutex
	definitions map[string]*models.TaskDefinition
}

// NewRepository creates an empty in-memory repository.
func NewRepository() *Repository {
	return &Repository{definitions: make(map[string]*models.TaskDefinition)}
}

func (r *Repository) Create(ctx context.Context, definition *models.TaskDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.definitions {
		if existing.UserID == definition.UserID && existing.Name == definition.Name {
			return apperrors.Conflict(fmt.Sprintf("task definition '%s' already exists", definition.Name))
		}
	}
	if definition.ID == "" {
		definition.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	definition.CreatedAt = now
	definition.UpdatedAt = now
	r.definitions[definition.ID] = clone(definition)
	return nil
}

func (r *Repository) Get(ctx context.Context, userID, id string) (*models.TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definition, ok := r.definitions[id]
	if !ok || definition.UserID != userID {
		return nil, apperrors.NotFound("task definition", id)
	}
	return clone(definition), nil
}

func (r *Repository) GetByName(ctx context.Context, userID, name string) (*models.TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, definition := range r.definitions {
		if definition.UserID == userID && definition.Name == name {
			return clone(definition), nil
		}
	}
	return nil, apperrors.NotFound("task definition", name)
}

func (r *Repository) List(ctx context.Context, userID string) ([]*models.TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.TaskDefinition
	for _, definition := range r.definitions {
		if definition.UserID == userID {
			result = append(result, clone(definition))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (r *Repository) ListActive(ctx context.Context) ([]*models.TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.TaskDefinition
	for _, definition := range r.definitions {
		if definition.IsActive {
			result = append(result, clone(definition))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UserID != result[j].UserID {
			return result[i].UserID < result[j].UserID
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (r *Repository) Update(ctx context.Context, definition *models.TaskDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.definitions[definition.ID]
	if !ok || existing.UserID != definition.UserID {
		return apperrors.NotFound("task definition", definition.ID)
	}
	for _, other := range r.definitions {
		if other.ID != definition.ID && other.UserID == definition.UserID && other.Name == definition.Name {
			return apperrors.Conflict(fmt.Sprintf("task definition '%s' already exists", definition.Name))
		}
	}
	definition.CreatedAt = existing.CreatedAt
	definition.UpdatedAt = time.Now().UTC()
	r.definitions[definition.ID] = clone(definition)
	return nil
}

func (r *Repository) UpdateRuntimeState(ctx context.Context, userID, id string, state models.RuntimeState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	definition, ok := r.definitions[id]
	if !ok || definition.UserID != userID {
		return apperrors.NotFound("task definition", id)
	}
	definition.RuntimeState = state
	definition.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Repository) TouchLastRun(ctx context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	definition, ok := r.definitions[id]
	if !ok || definition.UserID != userID {
		return apperrors.NotFound("task definition", id)
	}
	now := time.Now().UTC()
	definition.LastRunAt = &now
	definition.UpdatedAt = now
	return nil
}

func (r *Repository) Delete(ctx context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	definition, ok := r.definitions[id]
	if !ok || definition.UserID != userID {
		return apperrors.NotFound("task definition", id)
	}
	delete(r.definitions, id)
	return nil
}

func (r *Repository) Close() error { return nil }

func clone(d *models.TaskDefinition) *models.TaskDefinition {
	c := *d
	if d.LastRunAt != nil {
		t := *d.LastRunAt
		c.LastRunAt = &t
	}
	if d.RuntimeState.LastPollAt != nil {
		t := *d.RuntimeState.LastPollAt
		c.RuntimeState.LastPollAt = &t
	}
	if d.RuntimeState.BacklogSkippedAt != nil {
		t := *d.RuntimeState.BacklogSkippedAt
		c.RuntimeState.BacklogSkippedAt = &t
	}
	return &c
}
