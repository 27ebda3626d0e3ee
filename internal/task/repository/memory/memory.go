// Package memory provides an in-memory task repository for tests and
// single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/task/models"
)

// Repository is a thread-safe in-memory implementation of repository.Repository.
type Repository struct {
	mu           sync.RWMutex
	tasks        map[string]*models.Task
	interactions map[string]*models.Interaction
}

// NewRepository creates an empty in-memory repository.
func NewRepository() *Repository {
	return &Repository{
		tasks:        make(map[string]*models.Task),
		interactions: make(map[string]*models.Interaction),
	}
}

func (r *Repository) CreateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; exists {
		return apperrors.Conflict("task already exists")
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	r.tasks[task.ID] = cloneTask(task)
	return nil
}

func (r *Repository) GetTask(ctx context.Context, userID, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok || task.UserID != userID {
		return nil, apperrors.NotFound("task", id)
	}
	return cloneTask(task), nil
}

func (r *Repository) ListTasksForThread(ctx context.Context, userID, threadID string, limit int) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Task
	for _, task := range r.tasks {
		if task.UserID == userID && task.ThreadID == threadID {
			out = append(out, cloneTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) UpdateTaskStatus(ctx context.Context, userID, id string, status models.TaskStatus, result string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok || task.UserID != userID {
		return apperrors.NotFound("task", id)
	}
	task.Status = status
	if result != "" {
		task.Result = result
	}
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Repository) AppendProgress(ctx context.Context, userID, id string, entry models.ProgressEntry) ([]models.ProgressEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok || task.UserID != userID {
		return nil, apperrors.NotFound("task", id)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	task.ProgressLog = append(task.ProgressLog, entry)
	task.UpdatedAt = time.Now().UTC()

	log := make([]models.ProgressEntry, len(task.ProgressLog))
	copy(log, task.ProgressLog)
	return log, nil
}

func (r *Repository) CreateInteraction(ctx context.Context, interaction *models.Interaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.interactions {
		if existing.TaskID == interaction.TaskID && existing.Status == models.InteractionPending {
			return apperrors.Conflict("task already has a pending interaction")
		}
	}
	now := time.Now().UTC()
	if interaction.CreatedAt.IsZero() {
		interaction.CreatedAt = now
	}
	interaction.UpdatedAt = now
	if interaction.Status == "" {
		interaction.Status = models.InteractionPending
	}
	r.interactions[interaction.ID] = cloneInteraction(interaction)
	return nil
}

func (r *Repository) GetInteraction(ctx context.Context, userID, id string) (*models.Interaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	interaction, ok := r.interactions[id]
	if !ok || interaction.UserID != userID {
		return nil, apperrors.NotFound("interaction", id)
	}
	return cloneInteraction(interaction), nil
}

func (r *Repository) GetPendingInteractionForTask(ctx context.Context, userID, taskID string) (*models.Interaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, interaction := range r.interactions {
		if interaction.UserID == userID && interaction.TaskID == taskID && interaction.Status == models.InteractionPending {
			return cloneInteraction(interaction), nil
		}
	}
	return nil, apperrors.NotFound("pending interaction", taskID)
}

func (r *Repository) UpdateInteractionStatus(ctx context.Context, userID, id string, status models.InteractionStatus, answer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	interaction, ok := r.interactions[id]
	if !ok || interaction.UserID != userID {
		return apperrors.NotFound("interaction", id)
	}
	interaction.Status = status
	if answer != "" {
		interaction.Answer = answer
	}
	interaction.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Repository) Close() error { return nil }

func cloneTask(t *models.Task) *models.Task {
	c := *t
	if t.ProgressLog != nil {
		c.ProgressLog = make([]models.ProgressEntry, len(t.ProgressLog))
		copy(c.ProgressLog, t.ProgressLog)
	}
	return &c
}

func cloneInteraction(i *models.Interaction) *models.Interaction {
	c := *i
	if i.Schema != nil {
		c.Schema = make(map[string]interface{}, len(i.Schema))
		for k, v := range i.Schema {
			c.Schema[k] = v
		}
	}
	return &c
}
