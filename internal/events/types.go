// Package events provides event types and utilities for the Nova event system.
package events

// Event types published on per-task subjects. These are the canonical
// payloads consumers reconcile against persisted Task/Interaction state.
const (
	// ProgressUpdate carries the task's full ordered progress_log.
	ProgressUpdate = "progress_update"

	// ResponseChunk carries a server-sanitized HTML fragment of streamed output.
	ResponseChunk = "response_chunk"

	// ContextConsumption carries real/approximate token usage and the
	// provider's configured maximum context.
	ContextConsumption = "context_consumption"

	// Interrupt announces an ask-user suspension: the task is awaiting input
	// and a pending Interaction exists.
	Interrupt = "interrupt"

	// InteractionUpdate announces an interaction status transition
	// (pending -> answered | canceled).
	InteractionUpdate = "interaction_update"

	// NewMessage announces a post-hoc message insert (e.g. a compact notice).
	NewMessage = "new_message"

	// ContinuousSummaryReady announces a freshly written day summary.
	ContinuousSummaryReady = "continuous_summary_ready"

	// TaskComplete and TaskError are the terminal outcomes of a task run.
	TaskComplete = "task_complete"
	TaskError    = "task_error"
)

// Lifecycle event types for task rows, published alongside the per-task
// stream so list views can refresh without polling.
const (
	TaskCreated      = "task.created"
	TaskStateChanged = "task.state_changed"
)

const taskSubjectPrefix = "task."

// BuildTaskSubject creates the per-task subject carrying all events of one run.
func BuildTaskSubject(taskID string) string {
	return taskSubjectPrefix + taskID
}

// BuildTaskWildcardSubject creates a wildcard subscription matching every
// per-task subject.
func BuildTaskWildcardSubject() string {
	return taskSubjectPrefix + "*"
}
