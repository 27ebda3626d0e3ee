// Package service implements task definition lifecycle and execution: CRUD
// with scheduler resync, prompt template rendering, the three agent run modes
// and the email-poll trigger path.
package service

import (
	"context"
	"fmt"
	"regexp"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	conversationmodels "github.com/novahq/nova/internal/conversation/models"
	conversation "github.com/novahq/nova/internal/conversation/service"
	"github.com/novahq/nova/internal/summarizer"
	taskmodels "github.com/novahq/nova/internal/task/models"
	taskservice "github.com/novahq/nova/internal/task/service"
	"github.com/novahq/nova/internal/taskdef/emailpoll"
	"github.com/novahq/nova/internal/taskdef/models"
	"github.com/novahq/nova/internal/taskdef/repository"
	userstore "github.com/novahq/nova/internal/user/store"
)

// NightlySummaryName is the reserved name of the per-user maintenance
// definition driving the nightly summarizer.
const NightlySummaryName = "nightly-summary"

// defaultNightlyCron runs the maintenance pass at 03:30 user-local time.
const defaultNightlyCron = "30 3 * * *"

var templateVars = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// cronParser validates the 5-field POSIX form accepted by the scheduler.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Binder keeps the external scheduler in sync with definitions. Sync replaces
// any existing binding; Remove drops it.
type Binder interface {
	Sync(definition *models.TaskDefinition) error
	Remove(definitionID string)
}

// Service owns task definitions and runs them when triggers fire.
type Service struct {
	repo          repository.Repository
	users         userstore.Repository
	conversations *conversation.Service
	tasks         *taskservice.Service
	summarizer    *summarizer.Summarizer
	poller        *emailpoll.Poller
	binder        Binder
	logger        *logger.Logger
}

// NewService creates the task definition service. The binder is attached
// afterwards via SetBinder to break the construction cycle with the scheduler.
func NewService(
	repo repository.Repository,
	users userstore.Repository,
	conversations *conversation.Service,
	tasks *taskservice.Service,
	daySummarizer *summarizer.Summarizer,
	poller *emailpoll.Poller,
	log *logger.Logger,
) *Service {
	return &Service{
		repo:          repo,
		users:         users,
		conversations: conversations,
		tasks:         tasks,
		summarizer:    daySummarizer,
		poller:        poller,
		logger:        log.WithFields(zap.String("component", "taskdef")),
	}
}

// SetBinder attaches the scheduler bridge.
func (s *Service) SetBinder(binder Binder) { s.binder = binder }

// Create validates and persists a definition and binds its schedule.
func (s *Service) Create(ctx context.Context, definition *models.TaskDefinition) error {
	if err := s.validate(definition); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, definition); err != nil {
		return err
	}
	s.sync(definition)
	return nil
}

// Update saves a definition, resyncing the scheduler binding only when
// schedule-defining fields changed.
func (s *Service) Update(ctx context.Context, definition *models.TaskDefinition) error {
	previous, err := s.repo.Get(ctx, definition.UserID, definition.ID)
	if err != nil {
		return err
	}
	if err := s.validate(definition); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, definition); err != nil {
		return err
	}
	if definition.ScheduleFieldsChanged(previous) {
		s.sync(definition)
	}
	return nil
}

// Get retrieves a definition.
func (s *Service) Get(ctx context.Context, userID, id string) (*models.TaskDefinition, error) {
	return s.repo.Get(ctx, userID, id)
}

// List lists the user's definitions.
func (s *Service) List(ctx context.Context, userID string) ([]*models.TaskDefinition, error) {
	return s.repo.List(ctx, userID)
}

// Delete removes a definition and its scheduler binding.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if err := s.repo.Delete(ctx, userID, id); err != nil {
		return err
	}
	if s.binder != nil {
		s.binder.Remove(id)
	}
	return nil
}

// ResyncAll rebinds every active definition, typically at startup.
func (s *Service) ResyncAll(ctx context.Context) error {
	definitions, err := s.repo.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, definition := range definitions {
		s.sync(definition)
	}
	return nil
}

// EnsureMaintenanceDefaults provisions the user's nightly summary definition
// if absent. Best-effort: failures are logged, not returned.
func (s *Service) EnsureMaintenanceDefaults(ctx context.Context, userID string) {
	if _, err := s.repo.GetByName(ctx, userID, NightlySummaryName); err == nil {
		return
	} else if !apperrors.IsNotFound(err) {
		s.logger.WithError(err).Warn("failed to check maintenance defaults",
			zap.String("user_id", userID))
		return
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		s.logger.WithError(err).Warn("failed to load user for maintenance defaults",
			zap.String("user_id", userID))
		return
	}
	definition := &models.TaskDefinition{
		UserID:         userID,
		Name:           NightlySummaryName,
		Kind:           models.KindMaintenance,
		Trigger:        models.TriggerCron,
		CronExpression: defaultNightlyCron,
		Timezone:       user.Timezone,
		IsActive:       true,
	}
	if err := s.Create(ctx, definition); err != nil && !apperrors.IsConflict(err) {
		s.logger.WithError(err).Warn("failed to provision nightly summary definition",
			zap.String("user_id", userID))
	}
}

// RunDefinition executes a definition once; the scheduler bridge calls this
// when a binding fires. A terminal task failure is returned to the caller.
func (s *Service) RunDefinition(ctx context.Context, userID, definitionID string) error {
	definition, err := s.repo.Get(ctx, userID, definitionID)
	if err != nil {
		return err
	}
	if !definition.IsActive {
		return nil
	}
	if err := s.repo.TouchLastRun(ctx, userID, definitionID); err != nil {
		s.logger.WithError(err).Warn("failed to touch last run",
			zap.String("definition_id", definitionID))
	}

	switch {
	case definition.Kind == models.KindMaintenance:
		return s.summarizer.RunNightly(ctx, userID, "")
	case definition.Trigger == models.TriggerEmailPoll:
		return s.runEmailPoll(ctx, definition)
	default:
		prompt := RenderTemplate(definition.PromptTemplate, nil)
		return s.runAgent(ctx, definition, prompt)
	}
}

// runEmailPoll polls the mailbox and runs the agent once per new header. The
// updated cursor is persisted before any agent run so a crash never replays
// mail.
func (s *Service) runEmailPoll(ctx context.Context, definition *models.TaskDefinition) error {
	headers, state, err := s.poller.Poll(ctx, definition)
	if stateErr := s.repo.UpdateRuntimeState(ctx, definition.UserID, definition.ID, state); stateErr != nil {
		s.logger.WithError(stateErr).Error("failed to persist poll state",
			zap.String("definition_id", definition.ID))
	}
	if err != nil {
		return err
	}

	for _, header := range headers {
		prompt := RenderTemplate(definition.PromptTemplate, map[string]string{
			"email_uid":     fmt.Sprintf("%d", header.UID),
			"email_from":    header.From,
			"email_subject": header.Subject,
			"email_date":    header.Date.UTC().Format("2006-01-02 15:04"),
		})
		if err := s.runAgent(ctx, definition, prompt); err != nil {
			return err
		}
	}
	return nil
}

// runAgent routes a rendered prompt through the definition's run mode.
func (s *Service) runAgent(ctx context.Context, definition *models.TaskDefinition, prompt string) error {
	user, err := s.users.GetUser(ctx, definition.UserID)
	if err != nil {
		return err
	}

	switch definition.RunMode {
	case models.RunModeContinuousMessage:
		appended, err := s.conversations.AppendContinuousMessage(ctx, user, &conversationmodels.Message{
			Actor: conversationmodels.ActorUser,
			Text:  prompt,
		})
		if err != nil {
			return err
		}
		return s.runTask(ctx, definition, appended.Thread.ID, prompt, appended.Message.ID)

	case models.RunModeEphemeral:
		thread, err := s.conversations.CreateThread(ctx, user.ID)
		if err != nil {
			return err
		}
		defer func() {
			if err := s.conversations.DeleteThread(context.WithoutCancel(ctx), user.ID, thread.ID); err != nil {
				s.logger.WithError(err).Warn("failed to delete ephemeral thread",
					zap.String("thread_id", thread.ID))
			}
		}()
		message, err := s.conversations.AppendMessage(ctx, user.ID, thread.ID, &conversationmodels.Message{
			Actor: conversationmodels.ActorUser,
			Text:  prompt,
		})
		if err != nil {
			return err
		}
		return s.runTask(ctx, definition, thread.ID, prompt, message.ID)

	default: // new_thread
		thread, err := s.conversations.CreateThread(ctx, user.ID)
		if err != nil {
			return err
		}
		message, err := s.conversations.AppendMessage(ctx, user.ID, thread.ID, &conversationmodels.Message{
			Actor: conversationmodels.ActorUser,
			Text:  prompt,
		})
		if err != nil {
			return err
		}
		return s.runTask(ctx, definition, thread.ID, prompt, message.ID)
	}
}

func (s *Service) runTask(ctx context.Context, definition *models.TaskDefinition, threadID, prompt, messageID string) error {
	task, err := s.tasks.RunTaskSync(ctx, definition.UserID, threadID, definition.AgentID, prompt, messageID)
	if err != nil {
		return err
	}
	if task.Status == taskmodels.TaskStatusFailed {
		return apperrors.InternalError(fmt.Sprintf("scheduled task failed: %s", task.Result), nil)
	}
	return nil
}

func (s *Service) validate(definition *models.TaskDefinition) error {
	if err := definition.Validate(); err != nil {
		return err
	}
	if definition.Trigger == models.TriggerCron {
		if _, err := cronParser.Parse(definition.CronExpression); err != nil {
			return apperrors.ValidationError("cron_expression", err.Error())
		}
	}
	return nil
}

func (s *Service) sync(definition *models.TaskDefinition) {
	if s.binder == nil {
		return
	}
	if err := s.binder.Sync(definition); err != nil {
		s.logger.WithError(err).Error("failed to sync scheduler binding",
			zap.String("definition_id", definition.ID))
	}
}

// RenderTemplate substitutes {{var}} placeholders. Unknown variables render
// as empty strings.
func RenderTemplate(template string, vars map[string]string) string {
	return templateVars.ReplaceAllStringFunc(template, func(match string) string {
		name := templateVars.FindStringSubmatch(match)[1]
		return vars[name]
	})
}
