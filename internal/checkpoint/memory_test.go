package checkpoint

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/novahq/nova/internal/common/errors"
)

func TestEnsureLinkIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.EnsureLink(ctx, "u1", "t1", "a1")
	require.NoError(t, err)
	second, err := store.EnsureLink(ctx, "u1", "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := store.EnsureLink(ctx, "u1", "t1", "a2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID, "one link per (thread, agent) pair")
}

func TestGetLinkScopedByUser(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	link, err := store.EnsureLink(ctx, "u1", "t1", "a1")
	require.NoError(t, err)

	_, err = store.GetLink(ctx, "u2", link.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUpdateLinkFingerprint(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	link, err := store.EnsureLink(ctx, "u1", "t1", "a1")
	require.NoError(t, err)

	builtAt := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateLinkFingerprint(ctx, "u1", link.ID, "fp-1", builtAt))

	updated, err := store.GetLink(ctx, "u1", link.ID)
	require.NoError(t, err)
	assert.Equal(t, "fp-1", updated.Fingerprint)
	assert.Equal(t, builtAt, updated.BuiltAt)
}

func TestStateRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	link, err := store.EnsureLink(ctx, "u1", "t1", "a1")
	require.NoError(t, err)

	_, err = store.GetState(ctx, link.ID)
	assert.True(t, apperrors.IsNotFound(err))

	require.NoError(t, store.PutState(ctx, link.ID, json.RawMessage(`{"messages":[]}`)))
	state, err := store.GetState(ctx, link.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"messages":[]}`, string(state))

	require.NoError(t, store.DeleteState(ctx, link.ID))
	_, err = store.GetState(ctx, link.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeleteLinksForThreadCascadesState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	link, err := store.EnsureLink(ctx, "u1", "t1", "a1")
	require.NoError(t, err)
	require.NoError(t, store.PutState(ctx, link.ID, json.RawMessage(`{}`)))
	kept, err := store.EnsureLink(ctx, "u1", "t2", "a1")
	require.NoError(t, err)

	require.NoError(t, store.DeleteLinksForThread(ctx, "u1", "t1"))

	_, err = store.GetLink(ctx, "u1", link.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = store.GetState(ctx, link.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = store.GetLink(ctx, "u1", kept.ID)
	assert.NoError(t, err)
}
