// Package repository defines the storage contract for task definitions.
package repository

import (
	"context"

	"github.com/novahq/nova/internal/taskdef/models"
)

// Repository is the storage contract for task definitions. Names are unique
// per user; a duplicate create or rename returns a Conflict error.
type Repository interface {
	Create(ctx context.Context, definition *models.TaskDefinition) error
	Get(ctx context.Context, userID, id string) (*models.TaskDefinition, error)
	GetByName(ctx context.Context, userID, name string) (*models.TaskDefinition, error)
	List(ctx context.Context, userID string) ([]*models.TaskDefinition, error)
	// ListActive returns every active definition across users, for scheduler
	// startup resync.
	ListActive(ctx context.Context) ([]*models.TaskDefinition, error)
	Update(ctx context.Context, definition *models.TaskDefinition) error
	// UpdateRuntimeState writes the mutable runtime state and last_run_at
	// without touching schedule-defining fields.
	UpdateRuntimeState(ctx context.Context, userID, id string, state models.RuntimeState) error
	TouchLastRun(ctx context.Context, userID, id string) error
	Delete(ctx context.Context, userID, id string) error
	Close() error
}
