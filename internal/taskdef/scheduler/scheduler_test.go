package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/taskdef/models"
)

func testScheduler(t *testing.T) *Scheduler {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return New(log)
}

func cronDefinition(id string) *models.TaskDefinition {
	return &models.TaskDefinition{
		ID:             id,
		UserID:         "user-1",
		Name:           "briefing-" + id,
		Kind:           models.KindAgent,
		Trigger:        models.TriggerCron,
		CronExpression: "0 7 * * *",
		IsActive:       true,
	}
}

func TestSyncBindsActiveDefinition(t *testing.T) {
	s := testScheduler(t)
	require.NoError(t, s.Sync(cronDefinition("a")))
	assert.Len(t, s.entries, 1)
}

func TestSyncReplacesExistingBinding(t *testing.T) {
	s := testScheduler(t)
	d := cronDefinition("a")
	require.NoError(t, s.Sync(d))
	first := s.entries[d.ID]

	d.CronExpression = "30 8 * * *"
	require.NoError(t, s.Sync(d))
	assert.Len(t, s.entries, 1)
	assert.NotEqual(t, first, s.entries[d.ID])
}

func TestSyncUnbindsInactiveDefinition(t *testing.T) {
	s := testScheduler(t)
	d := cronDefinition("a")
	require.NoError(t, s.Sync(d))

	d.IsActive = false
	require.NoError(t, s.Sync(d))
	assert.Empty(t, s.entries)
}

func TestSyncRejectsInvalidExpression(t *testing.T) {
	s := testScheduler(t)
	d := cronDefinition("a")
	d.CronExpression = "not a cron"
	assert.Error(t, s.Sync(d))
	assert.Empty(t, s.entries)
}

func TestSyncEmailPollUsesInterval(t *testing.T) {
	s := testScheduler(t)
	d := &models.TaskDefinition{
		ID:                  "poll",
		UserID:              "user-1",
		Name:                "inbox",
		Kind:                models.KindAgent,
		Trigger:             models.TriggerEmailPoll,
		EmailToolID:         "tool-1",
		PollIntervalMinutes: 5,
		IsActive:            true,
	}
	require.NoError(t, s.Sync(d))
	assert.Len(t, s.entries, 1)
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := testScheduler(t)
	d := cronDefinition("a")
	require.NoError(t, s.Sync(d))

	s.Remove(d.ID)
	assert.Empty(t, s.entries)
	s.Remove(d.ID)
	assert.Empty(t, s.entries)
}

func TestBindingSpecHonorsTimezone(t *testing.T) {
	d := cronDefinition("a")
	d.Timezone = "Europe/Paris"
	spec, err := bindingSpec(d)
	require.NoError(t, err)
	assert.Equal(t, "CRON_TZ=Europe/Paris 0 7 * * *", spec)
}
