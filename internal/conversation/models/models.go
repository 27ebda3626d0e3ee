// Package models defines the persistent conversation entities.
package models

import "time"

// ThreadMode distinguishes one-shot threads from the per-user continuous thread.
type ThreadMode string

const (
	// ThreadModeThread is a regular conversation thread.
	ThreadModeThread ThreadMode = "thread"
	// ThreadModeContinuous is the single long-lived per-user thread whose
	// context is computed from day summaries instead of replayed.
	ThreadModeContinuous ThreadMode = "continuous"
)

// DefaultSubjectPrefix is the template prefix of auto-created thread subjects.
// Threads still carrying it are eligible for auto-titling after their first
// completed task.
const DefaultSubjectPrefix = "thread n°"

// Thread is a conversation container owned by one user.
type Thread struct {
	ID        string     `json:"id" db:"id"`
	UserID    string     `json:"user_id" db:"user_id"`
	Subject   string     `json:"subject" db:"subject"`
	Mode      ThreadMode `json:"mode" db:"mode"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// MessageActor identifies who produced a message.
type MessageActor string

const (
	ActorUser   MessageActor = "user"
	ActorAgent  MessageActor = "agent"
	ActorSystem MessageActor = "system"
)

// MessageType classifies a message within the ask-user flow.
type MessageType string

const (
	// MessageTypeStandard is a regular conversation message.
	MessageTypeStandard MessageType = "standard"
	// MessageTypeQuestion is a system message carrying an agent's ask-user question.
	MessageTypeQuestion MessageType = "question"
	// MessageTypeAnswer is the user's answer to a question message.
	MessageTypeAnswer MessageType = "answer"
)

// Message is one append-only entry in a thread. Messages are totally ordered
// within a thread by (created_at, id).
type Message struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	ThreadID     string                 `json:"thread_id"`
	Actor        MessageActor           `json:"actor"`
	Text         string                 `json:"text"`
	Type         MessageType            `json:"type"`
	InternalData map[string]interface{} `json:"internal_data,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// After reports whether m sorts strictly after other in (created_at, id) order.
func (m *Message) After(other *Message) bool {
	if other == nil {
		return true
	}
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID > other.ID
	}
	return m.CreatedAt.After(other.CreatedAt)
}

// DaySegment anchors one user-local calendar day of a thread. Its window is
// half-open: [starts_at_message.created_at, next segment's start or +inf).
type DaySegment struct {
	ID                    string    `json:"id"`
	UserID                string    `json:"user_id"`
	ThreadID              string    `json:"thread_id"`
	DayLabel              string    `json:"day_label"` // YYYY-MM-DD in the user's timezone
	StartsAtMessageID     string    `json:"starts_at_message_id"`
	SummaryMarkdown       string    `json:"summary_markdown"`
	SummaryUntilMessageID string    `json:"summary_until_message_id"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// HasSummary reports whether the segment carries a non-empty summary.
func (s *DaySegment) HasSummary() bool {
	return s.SummaryMarkdown != ""
}

// TranscriptChunk is a ~600-token normalized excerpt of a day's transcript,
// the unit of lexical/semantic retrieval. Chunk ranges are unique per
// (user, thread, start, end); content windows overlap for continuity.
type TranscriptChunk struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ThreadID       string    `json:"thread_id"`
	DaySegmentID   string    `json:"day_segment_id"`
	StartMessageID string    `json:"start_message_id"`
	EndMessageID   string    `json:"end_message_id"`
	ContentText    string    `json:"content_text"`
	ContentHash    string    `json:"content_hash"`
	TokenEstimate  int       `json:"token_estimate"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EmbeddingState tracks the async vector lifecycle of a parent row.
type EmbeddingState string

const (
	EmbeddingPending EmbeddingState = "pending"
	EmbeddingReady   EmbeddingState = "ready"
	EmbeddingError   EmbeddingState = "error"
)

// EmbeddingKind identifies the parent entity of an embedding row.
type EmbeddingKind string

const (
	EmbeddingKindDaySegment      EmbeddingKind = "day_segment"
	EmbeddingKindTranscriptChunk EmbeddingKind = "transcript_chunk"
)

// Embedding is the one-to-one vector row of a DaySegment or TranscriptChunk.
// Vector is present iff State is ready; shorter provider vectors are
// zero-padded to the fixed column dimension, longer ones rejected.
type Embedding struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Kind       EmbeddingKind  `json:"kind"`
	ParentID   string         `json:"parent_id"`
	State      EmbeddingState `json:"state"`
	Vector     []float32      `json:"-"`
	Provider   string         `json:"provider"`
	Model      string         `json:"model"`
	Dimensions int            `json:"dimensions"`
	LastError  string         `json:"last_error,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
