// Package models defines recurring task definitions and their runtime state.
package models

import (
	"strings"
	"time"

	apperrors "github.com/novahq/nova/internal/common/errors"
)

// Kind distinguishes user agent tasks from system maintenance tasks.
type Kind string

const (
	// KindAgent runs an agent with a rendered prompt template.
	KindAgent Kind = "agent"
	// KindMaintenance runs a built-in daily job (e.g. the nightly summarizer).
	KindMaintenance Kind = "maintenance"
)

// Trigger selects how a definition fires.
type Trigger string

const (
	TriggerCron      Trigger = "cron"
	TriggerEmailPoll Trigger = "email_poll"
)

// RunMode selects where an agent run's prompt lands.
type RunMode string

const (
	// RunModeNewThread creates a fresh thread per run.
	RunModeNewThread RunMode = "new_thread"
	// RunModeContinuousMessage appends into the user's continuous thread.
	RunModeContinuousMessage RunMode = "continuous_message"
	// RunModeEphemeral creates a one-shot thread deleted after the run.
	RunModeEphemeral RunMode = "ephemeral"
)

const (
	// MinPollIntervalMinutes and MaxPollIntervalMinutes bound email polling.
	MinPollIntervalMinutes = 1
	MaxPollIntervalMinutes = 15
)

// RuntimeState is the mutable per-definition state. For email polling it
// carries the UID cursor; writes to it never resync the scheduler binding.
type RuntimeState struct {
	LastUID          uint32     `json:"last_uid,omitempty"`
	UIDValidity      uint32     `json:"uidvalidity,omitempty"`
	LastPollAt       *time.Time `json:"last_poll_at,omitempty"`
	Initialized      bool       `json:"initialized,omitempty"`
	BacklogSkippedAt *time.Time `json:"backlog_skipped_at,omitempty"`
}

// TaskDefinition is a user-owned recurring task specification. Names are
// unique per user.
type TaskDefinition struct {
	ID                  string       `json:"id"`
	UserID              string       `json:"user_id"`
	Name                string       `json:"name"`
	Kind                Kind         `json:"kind"`
	Trigger             Trigger      `json:"trigger"`
	CronExpression      string       `json:"cron_expression,omitempty"`
	Timezone            string       `json:"timezone,omitempty"`
	PromptTemplate      string       `json:"prompt_template,omitempty"`
	RunMode             RunMode      `json:"run_mode,omitempty"`
	AgentID             string       `json:"agent_id,omitempty"`
	EmailToolID         string       `json:"email_tool_id,omitempty"`
	PollIntervalMinutes int          `json:"poll_interval_minutes,omitempty"`
	RuntimeState        RuntimeState `json:"runtime_state"`
	IsActive            bool         `json:"is_active"`
	LastRunAt           *time.Time   `json:"last_run_at,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Validate enforces the structural invariants that do not need storage access.
// Cron expression syntax is checked by the scheduler bridge on save.
func (d *TaskDefinition) Validate() error {
	if d.Name == "" {
		return apperrors.ValidationError("name", "must not be empty")
	}
	switch d.Kind {
	case KindAgent, KindMaintenance:
	default:
		return apperrors.ValidationError("kind", "must be agent or maintenance")
	}

	switch d.Trigger {
	case TriggerCron:
		if d.CronExpression == "" {
			return apperrors.ValidationError("cron_expression", "required for cron trigger")
		}
	case TriggerEmailPoll:
		if d.EmailToolID == "" {
			return apperrors.ValidationError("email_tool", "required for email_poll trigger")
		}
		if d.PollIntervalMinutes < MinPollIntervalMinutes || d.PollIntervalMinutes > MaxPollIntervalMinutes {
			return apperrors.ValidationError("poll_interval_minutes", "must be between 1 and 15")
		}
	default:
		return apperrors.ValidationError("trigger", "must be cron or email_poll")
	}

	if d.Kind == KindMaintenance {
		if d.Trigger != TriggerCron {
			return apperrors.ValidationError("trigger", "maintenance tasks must be cron-triggered")
		}
		if !isDailyCron(d.CronExpression) {
			return apperrors.ValidationError("cron_expression", "maintenance tasks must run daily (day, month and weekday must be *)")
		}
	}

	if d.Kind == KindAgent {
		if d.AgentID == "" {
			return apperrors.ValidationError("agent_id", "required for agent tasks")
		}
		switch d.RunMode {
		case RunModeNewThread, RunModeContinuousMessage, RunModeEphemeral:
		default:
			return apperrors.ValidationError("run_mode", "must be new_thread, continuous_message or ephemeral")
		}
	}
	return nil
}

// ScheduleFieldsChanged reports whether saving d over previous requires a
// scheduler resync. Runtime-only writes never do.
func (d *TaskDefinition) ScheduleFieldsChanged(previous *TaskDefinition) bool {
	if previous == nil {
		return true
	}
	return d.Trigger != previous.Trigger ||
		d.CronExpression != previous.CronExpression ||
		d.Timezone != previous.Timezone ||
		d.PollIntervalMinutes != previous.PollIntervalMinutes ||
		d.IsActive != previous.IsActive
}

// isDailyCron checks the 5-field POSIX form for "* * *" in the day-of-month,
// month and day-of-week positions.
func isDailyCron(expression string) bool {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return false
	}
	return fields[2] == "*" && fields[3] == "*" && fields[4] == "*"
}
