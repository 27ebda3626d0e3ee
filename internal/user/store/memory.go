package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/user/models"
)

// MemoryRepository is an in-memory Repository used in tests.
type MemoryRepository struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]*models.User)}
}

func (r *MemoryRepository) CreateUser(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.IngestToken == "" {
		user.IngestToken = uuid.New().String()
	}
	if user.Timezone == "" {
		user.Timezone = "UTC"
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	clone := *user
	r.users[user.ID] = &clone
	return nil
}

func (r *MemoryRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok {
		return nil, apperrors.NotFound("user", id)
	}
	clone := *user
	return &clone, nil
}

func (r *MemoryRepository) GetUserByIngestToken(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, apperrors.Unauthorized("missing ingest token")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, user := range r.users {
		if user.IngestToken == token {
			clone := *user
			return &clone, nil
		}
	}
	return nil, apperrors.Unauthorized("invalid ingest token")
}

func (r *MemoryRepository) ListUsers(ctx context.Context) ([]*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]*models.User, 0, len(r.users))
	for _, user := range r.users {
		clone := *user
		users = append(users, &clone)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func (r *MemoryRepository) UpdateUser(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; !ok {
		return apperrors.NotFound("user", user.ID)
	}
	user.UpdatedAt = time.Now().UTC()
	clone := *user
	r.users[user.ID] = &clone
	return nil
}

func (r *MemoryRepository) Close() error { return nil }
