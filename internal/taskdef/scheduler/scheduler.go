// Package scheduler bridges task definitions to a cron runtime. Cron-triggered
// definitions bind their 5-field expression in the definition's timezone;
// email-poll definitions bind a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/taskdef/models"
)

// Runner executes a definition when its binding fires.
type Runner interface {
	RunDefinition(ctx context.Context, userID, definitionID string) error
}

// Scheduler holds one cron entry per active definition.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *logger.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a scheduler. The runner is attached afterwards via SetRunner.
func New(log *logger.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		logger:  log.WithFields(zap.String("component", "scheduler")),
		entries: make(map[string]cron.EntryID),
	}
}

// SetRunner attaches the definition runner.
func (s *Scheduler) SetRunner(runner Runner) { s.runner = runner }

// Start begins firing bindings.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sync replaces the definition's binding. Inactive definitions are unbound.
func (s *Scheduler) Sync(definition *models.TaskDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[definition.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, definition.ID)
	}
	if !definition.IsActive {
		return nil
	}

	spec, err := bindingSpec(definition)
	if err != nil {
		return err
	}
	userID, definitionID := definition.UserID, definition.ID
	entryID, err := s.cron.AddFunc(spec, func() {
		if s.runner == nil {
			return
		}
		if err := s.runner.RunDefinition(context.Background(), userID, definitionID); err != nil {
			s.logger.WithError(err).Error("scheduled run failed",
				zap.String("definition_id", definitionID))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to bind schedule %q: %w", spec, err)
	}
	s.entries[definition.ID] = entryID
	s.logger.Debug("schedule bound",
		zap.String("definition_id", definition.ID),
		zap.String("spec", spec))
	return nil
}

// Remove drops the definition's binding if present.
func (s *Scheduler) Remove(definitionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[definitionID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, definitionID)
	}
}

// bindingSpec renders the cron spec for a definition. Email polls run on a
// fixed interval; cron triggers honor the definition's timezone.
func bindingSpec(definition *models.TaskDefinition) (string, error) {
	switch definition.Trigger {
	case models.TriggerEmailPoll:
		return fmt.Sprintf("@every %dm", definition.PollIntervalMinutes), nil
	case models.TriggerCron:
		if definition.Timezone != "" {
			return fmt.Sprintf("CRON_TZ=%s %s", definition.Timezone, definition.CronExpression), nil
		}
		return definition.CronExpression, nil
	default:
		return "", fmt.Errorf("unknown trigger %q", definition.Trigger)
	}
}
