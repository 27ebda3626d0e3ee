package checkpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/novahq/nova/internal/common/errors"
)

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu     sync.RWMutex
	links  map[string]*Link
	states map[string]json.RawMessage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		links:  make(map[string]*Link),
		states: make(map[string]json.RawMessage),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) EnsureLink(ctx context.Context, userID, threadID, agentID string) (*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, link := range s.links {
		if link.UserID == userID && link.ThreadID == threadID && link.AgentID == agentID {
			clone := *link
			return &clone, nil
		}
	}
	now := time.Now().UTC()
	link := &Link{
		ID:        uuid.New().String(),
		UserID:    userID,
		ThreadID:  threadID,
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.links[link.ID] = link
	clone := *link
	return &clone, nil
}

func (s *MemoryStore) GetLink(ctx context.Context, userID, linkID string) (*Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[linkID]
	if !ok || link.UserID != userID {
		return nil, apperrors.NotFound("checkpoint link", linkID)
	}
	clone := *link
	return &clone, nil
}

func (s *MemoryStore) UpdateLinkFingerprint(ctx context.Context, userID, linkID, fingerprint string, builtAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[linkID]
	if !ok || link.UserID != userID {
		return apperrors.NotFound("checkpoint link", linkID)
	}
	link.Fingerprint = fingerprint
	link.BuiltAt = builtAt
	link.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteLinksForThread(ctx context.Context, userID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, link := range s.links {
		if link.UserID == userID && link.ThreadID == threadID {
			delete(s.states, id)
			delete(s.links, id)
		}
	}
	return nil
}

func (s *MemoryStore) GetState(ctx context.Context, linkID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[linkID]
	if !ok {
		return nil, apperrors.NotFound("checkpoint", linkID)
	}
	return append(json.RawMessage(nil), state...), nil
}

func (s *MemoryStore) PutState(ctx context.Context, linkID string, state json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[linkID] = append(json.RawMessage(nil), state...)
	return nil
}

func (s *MemoryStore) DeleteState(ctx context.Context, linkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, linkID)
	return nil
}
