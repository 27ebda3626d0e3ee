// Package service coordinates task creation and the interaction answer and
// cancel flows. Execution itself runs on the executor pool; this layer owns
// the durable rows and the lifecycle events around them.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/events"
	"github.com/novahq/nova/internal/events/bus"
	"github.com/novahq/nova/internal/task/executor"
	"github.com/novahq/nova/internal/task/models"
	taskrepo "github.com/novahq/nova/internal/task/repository"
)

// Service owns task and interaction rows.
type Service struct {
	tasks    taskrepo.Repository
	pool     *executor.Pool
	executor *executor.Executor
	bus      bus.EventBus
	logger   *logger.Logger
}

// NewService creates the task service.
func NewService(tasks taskrepo.Repository, pool *executor.Pool, exec *executor.Executor, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		tasks:    tasks,
		pool:     pool,
		executor: exec,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "tasks")),
	}
}

// CreateTask persists a pending task and enqueues its execution. MessageID,
// when set, names the user message that triggered the run so the context
// builder can exclude it.
func (s *Service) CreateTask(ctx context.Context, userID, threadID, agentID, prompt, messageID string) (*models.Task, error) {
	task := &models.Task{
		ID:        uuid.New().String(),
		UserID:    userID,
		ThreadID:  threadID,
		AgentID:   agentID,
		MessageID: messageID,
		Prompt:    prompt,
		Status:    models.TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.publish(ctx, task.ID, events.TaskCreated, map[string]interface{}{
		"thread_id": task.ThreadID,
		"agent_id":  task.AgentID,
		"status":    string(task.Status),
	})

	if err := s.pool.Enqueue(executor.Job{Kind: executor.JobExecute, UserID: userID, TaskID: task.ID}); err != nil {
		// The row stays pending; a scheduler retry or manual requeue picks it up.
		s.logger.WithError(err).Error("failed to enqueue task", zap.String("task_id", task.ID))
		return nil, err
	}
	return task, nil
}

// CompactThread persists a compaction task for the thread and enqueues it.
// The run collapses the thread's checkpoint into a single summary message.
func (s *Service) CompactThread(ctx context.Context, userID, threadID, agentID string) (*models.Task, error) {
	task := &models.Task{
		ID:        uuid.New().String(),
		UserID:    userID,
		ThreadID:  threadID,
		AgentID:   agentID,
		Prompt:    "Compact the conversation history",
		Status:    models.TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.publish(ctx, task.ID, events.TaskCreated, map[string]interface{}{
		"thread_id": task.ThreadID,
		"agent_id":  task.AgentID,
		"status":    string(task.Status),
	})

	if err := s.pool.Enqueue(executor.Job{Kind: executor.JobCompact, UserID: userID, TaskID: task.ID}); err != nil {
		s.logger.WithError(err).Error("failed to enqueue compaction", zap.String("task_id", task.ID))
		return nil, err
	}
	return task, nil
}

// RunTaskSync persists a task and runs it to a terminal state on the calling
// goroutine. Scheduled triggers use this so failures surface to the trigger
// and ephemeral threads can be cleaned up after completion.
func (s *Service) RunTaskSync(ctx context.Context, userID, threadID, agentID, prompt, messageID string) (*models.Task, error) {
	task := &models.Task{
		ID:        uuid.New().String(),
		UserID:    userID,
		ThreadID:  threadID,
		AgentID:   agentID,
		MessageID: messageID,
		Prompt:    prompt,
		Status:    models.TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.publish(ctx, task.ID, events.TaskCreated, map[string]interface{}{
		"thread_id": task.ThreadID,
		"agent_id":  task.AgentID,
		"status":    string(task.Status),
	})

	runErr := s.executor.Execute(ctx, userID, task.ID)
	final, err := s.tasks.GetTask(ctx, userID, task.ID)
	if err != nil {
		return nil, err
	}
	return final, runErr
}

// RunDetached persists a task and runs fn on its own goroutine, transitioning
// the row to completed or failed when fn returns. Manual summary refreshes use
// this: the caller gets a task id immediately and watches its event channel.
func (s *Service) RunDetached(ctx context.Context, userID, threadID, prompt string, fn func(ctx context.Context, taskID string) error) (*models.Task, error) {
	task := &models.Task{
		ID:        uuid.New().String(),
		UserID:    userID,
		ThreadID:  threadID,
		Prompt:    prompt,
		Status:    models.TaskStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.publish(ctx, task.ID, events.TaskCreated, map[string]interface{}{
		"thread_id": task.ThreadID,
		"status":    string(task.Status),
	})

	detached := context.WithoutCancel(ctx)
	go func() {
		status, result := models.TaskStatusCompleted, ""
		if err := fn(detached, task.ID); err != nil {
			status, result = models.TaskStatusFailed, err.Error()
			s.logger.WithError(err).Error("detached task failed", zap.String("task_id", task.ID))
		}
		if err := s.tasks.UpdateTaskStatus(detached, userID, task.ID, status, result); err != nil {
			s.logger.WithError(err).Error("failed to finalize detached task",
				zap.String("task_id", task.ID))
			return
		}
		s.publish(detached, task.ID, events.TaskStateChanged, map[string]interface{}{
			"status": string(status),
		})
	}()
	return task, nil
}

// GetTask retrieves a task.
func (s *Service) GetTask(ctx context.Context, userID, id string) (*models.Task, error) {
	return s.tasks.GetTask(ctx, userID, id)
}

// ListTasksForThread lists a thread's tasks newest-first.
func (s *Service) ListTasksForThread(ctx context.Context, userID, threadID string, limit int) ([]*models.Task, error) {
	return s.tasks.ListTasksForThread(ctx, userID, threadID, limit)
}

// GetInteraction retrieves an interaction.
func (s *Service) GetInteraction(ctx context.Context, userID, id string) (*models.Interaction, error) {
	return s.tasks.GetInteraction(ctx, userID, id)
}

// AnswerInteraction records the user's answer and enqueues the resume.
// Answering a non-pending interaction is an idempotent no-op.
func (s *Service) AnswerInteraction(ctx context.Context, userID, id, answer string) (*models.Interaction, error) {
	interaction, err := s.tasks.GetInteraction(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if interaction.Status != models.InteractionPending {
		return interaction, nil
	}
	if answer == "" {
		return nil, apperrors.ValidationError("answer", "must not be empty")
	}

	if err := s.tasks.UpdateInteractionStatus(ctx, userID, id, models.InteractionAnswered, answer); err != nil {
		return nil, err
	}
	interaction.Status = models.InteractionAnswered
	interaction.Answer = answer

	s.publish(ctx, interaction.TaskID, events.InteractionUpdate, map[string]interface{}{
		"interaction_id": interaction.ID,
		"status":         string(models.InteractionAnswered),
	})

	if err := s.pool.Enqueue(executor.Job{Kind: executor.JobResume, UserID: userID, InteractionID: id, TaskID: interaction.TaskID}); err != nil {
		s.logger.WithError(err).Error("failed to enqueue resume",
			zap.String("interaction_id", id))
		return nil, err
	}
	return interaction, nil
}

// CancelInteraction cancels a pending interaction and fails its task with the
// canonical result. Canceling a non-pending interaction is an idempotent no-op.
func (s *Service) CancelInteraction(ctx context.Context, userID, id string) (*models.Interaction, error) {
	interaction, err := s.tasks.GetInteraction(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if interaction.Status != models.InteractionPending {
		return interaction, nil
	}

	if err := s.tasks.UpdateInteractionStatus(ctx, userID, id, models.InteractionCanceled, ""); err != nil {
		return nil, err
	}
	interaction.Status = models.InteractionCanceled

	if err := s.tasks.UpdateTaskStatus(ctx, userID, interaction.TaskID, models.TaskStatusFailed, models.CanceledResult); err != nil {
		s.logger.WithError(err).Error("failed to fail canceled task",
			zap.String("task_id", interaction.TaskID))
	}

	s.publish(ctx, interaction.TaskID, events.InteractionUpdate, map[string]interface{}{
		"interaction_id": interaction.ID,
		"status":         string(models.InteractionCanceled),
	})
	s.publish(ctx, interaction.TaskID, events.TaskStateChanged, map[string]interface{}{
		"status": string(models.TaskStatusFailed),
	})
	s.publish(ctx, interaction.TaskID, events.TaskError, map[string]interface{}{
		"message":  models.CanceledResult,
		"category": apperrors.CategoryUserCanceled,
	})
	return interaction, nil
}

func (s *Service) publish(ctx context.Context, taskID, eventType string, data map[string]interface{}) {
	if s.bus == nil || taskID == "" {
		return
	}
	data["task_id"] = taskID
	event := bus.NewEvent(eventType, "tasks", data)
	if err := s.bus.Publish(ctx, events.BuildTaskSubject(taskID), event); err != nil {
		s.logger.WithError(err).Warn("failed to publish task event",
			zap.String("type", eventType))
	}
}
