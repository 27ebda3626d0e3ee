// Package repository defines the storage contract for tasks and interactions.
package repository

import (
	"context"

	"github.com/novahq/nova/internal/task/models"
)

// Repository is the storage contract for tasks and their interactions.
// Every query is scoped by user.
type Repository interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, userID, id string) (*models.Task, error)
	ListTasksForThread(ctx context.Context, userID, threadID string, limit int) ([]*models.Task, error)
	// UpdateTaskStatus transitions the task and optionally sets its result.
	UpdateTaskStatus(ctx context.Context, userID, id string, status models.TaskStatus, result string) error
	// AppendProgress appends one entry to the task's ordered progress log and
	// returns the full log.
	AppendProgress(ctx context.Context, userID, id string, entry models.ProgressEntry) ([]models.ProgressEntry, error)

	// CreateInteraction persists a pending interaction. A second pending
	// interaction for the same task returns a Conflict error.
	CreateInteraction(ctx context.Context, interaction *models.Interaction) error
	GetInteraction(ctx context.Context, userID, id string) (*models.Interaction, error)
	GetPendingInteractionForTask(ctx context.Context, userID, taskID string) (*models.Interaction, error)
	// UpdateInteractionStatus transitions the interaction, storing the answer
	// on answered.
	UpdateInteractionStatus(ctx context.Context, userID, id string, status models.InteractionStatus, answer string) error

	Close() error
}
