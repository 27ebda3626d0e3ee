package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Subscription actions (client -> server)
	ActionTaskSubscribe   = "task.subscribe"
	ActionTaskUnsubscribe = "task.unsubscribe"

	// Notification actions (server -> client). The action mirrors the event
	// type published on the task's bus subject.
	ActionProgressUpdate         = "progress_update"
	ActionResponseChunk          = "response_chunk"
	ActionContextConsumption     = "context_consumption"
	ActionInterrupt              = "interrupt"
	ActionInteractionUpdate      = "interaction_update"
	ActionNewMessage             = "new_message"
	ActionContinuousSummaryReady = "continuous_summary_ready"
	ActionTaskComplete           = "task_complete"
	ActionTaskError              = "task_error"

	// Task list lifecycle notifications
	ActionTaskCreated      = "task.created"
	ActionTaskStateChanged = "task.state_changed"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
