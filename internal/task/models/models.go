// Package models defines tasks and their ask-user interactions.
package models

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending       TaskStatus = "pending"
	TaskStatusRunning       TaskStatus = "running"
	TaskStatusAwaitingInput TaskStatus = "awaiting_input"
	TaskStatusCompleted     TaskStatus = "completed"
	TaskStatusFailed        TaskStatus = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// ProgressEntry is one ordered line of a task's progress log.
type ProgressEntry struct {
	Step      string                 `json:"step"`
	Severity  string                 `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// Task is one agent run against a thread. MessageID references the triggering
// user message so the context builder can exclude it from today's window.
type Task struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	ThreadID    string          `json:"thread_id"`
	AgentID     string          `json:"agent_id"`
	MessageID   string          `json:"message_id,omitempty"`
	Prompt      string          `json:"prompt"`
	Status      TaskStatus      `json:"status"`
	Result      string          `json:"result,omitempty"`
	ProgressLog []ProgressEntry `json:"progress_log"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// InteractionStatus is the lifecycle state of an ask-user interaction.
type InteractionStatus string

const (
	InteractionPending  InteractionStatus = "pending"
	InteractionAnswered InteractionStatus = "answered"
	InteractionCanceled InteractionStatus = "canceled"
)

// CanceledResult is the canonical task result of a canceled interaction.
const CanceledResult = "Interaction canceled by user"

// Interaction is a durable ask-user suspension of a task. At most one pending
// interaction exists per task, and its thread always equals the task's.
type Interaction struct {
	ID          string                 `json:"id"`
	TaskID      string                 `json:"task_id"`
	UserID      string                 `json:"user_id"`
	ThreadID    string                 `json:"thread_id"`
	AgentID     string                 `json:"agent_id"`
	Question    string                 `json:"question"`
	Schema      map[string]interface{} `json:"schema,omitempty"`
	Answer      string                 `json:"answer,omitempty"`
	ResumeToken string                 `json:"resume_token"`
	OriginName  string                 `json:"origin_name,omitempty"`
	Status      InteractionStatus      `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}
