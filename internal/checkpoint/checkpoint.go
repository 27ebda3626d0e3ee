// Package checkpoint persists opaque agent-graph state and the per
// (thread, agent) links that address it.
package checkpoint

import (
	"context"
	"encoding/json"
	"time"
)

// Link binds one (thread, agent) pair to a graph thread id. The id doubles as
// the checkpoint key. Fingerprint records the inputs of the last continuous
// context build so the executor can decide whether a rebuild is needed.
type Link struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	ThreadID    string    `json:"thread_id" db:"thread_id"`
	AgentID     string    `json:"agent_id" db:"agent_id"`
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	BuiltAt     time.Time `json:"built_at" db:"built_at"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Store is the contract for checkpoint links and their opaque state blobs.
type Store interface {
	// EnsureLink returns the link for (thread, agent), creating it if absent.
	// Concurrent creation is resolved idempotently.
	EnsureLink(ctx context.Context, userID, threadID, agentID string) (*Link, error)
	GetLink(ctx context.Context, userID, linkID string) (*Link, error)
	// UpdateLinkFingerprint records a completed context build.
	UpdateLinkFingerprint(ctx context.Context, userID, linkID, fingerprint string, builtAt time.Time) error
	// DeleteLinksForThread removes every link of the thread together with its
	// opaque state.
	DeleteLinksForThread(ctx context.Context, userID, threadID string) error

	// GetState returns the opaque state for a link id, or a NotFound error.
	GetState(ctx context.Context, linkID string) (json.RawMessage, error)
	PutState(ctx context.Context, linkID string, state json.RawMessage) error
	// DeleteState is a no-op when no state exists.
	DeleteState(ctx context.Context, linkID string) error

	Close() error
}
