package emailpoll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/taskdef/models"
)

type fakeMailbox struct {
	uidValidity uint32
	unseen      []uint32
	selectErr   error
	closed      bool
	fetched     []uint32
}

func (m *fakeMailbox) Select(ctx context.Context) (uint32, error) {
	return m.uidValidity, m.selectErr
}

func (m *fakeMailbox) UnseenUIDs(ctx context.Context) ([]uint32, error) {
	return m.unseen, nil
}

func (m *fakeMailbox) FetchHeaders(ctx context.Context, uids []uint32) ([]Header, error) {
	m.fetched = uids
	headers := make([]Header, 0, len(uids))
	for _, uid := range uids {
		headers = append(headers, Header{UID: uid, From: "a@b.c", Subject: "hi"})
	}
	return headers, nil
}

func (m *fakeMailbox) Close() error {
	m.closed = true
	return nil
}

func newPoller(t *testing.T, mailbox Mailbox, at time.Time) *Poller {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	p := NewPoller(func(ctx context.Context, def *models.TaskDefinition) (Mailbox, error) {
		return mailbox, nil
	}, log)
	p.SetClock(func() time.Time { return at })
	return p
}

func pollDefinition(state models.RuntimeState) *models.TaskDefinition {
	return &models.TaskDefinition{
		ID:                  "def-1",
		UserID:              "user-1",
		Name:                "inbox watch",
		Kind:                models.KindAgent,
		Trigger:             models.TriggerEmailPoll,
		EmailToolID:         "tool-1",
		PollIntervalMinutes: 5,
		RuntimeState:        state,
	}
}

func TestFirstPollReturnsAllUnseen(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	mailbox := &fakeMailbox{uidValidity: 7, unseen: []uint32{3, 5, 9}}
	p := newPoller(t, mailbox, now)

	headers, state, err := p.Poll(context.Background(), pollDefinition(models.RuntimeState{}))
	require.NoError(t, err)
	require.Len(t, headers, 3)
	assert.Equal(t, uint32(9), state.LastUID)
	assert.Equal(t, uint32(7), state.UIDValidity)
	assert.True(t, state.Initialized)
	require.NotNil(t, state.LastPollAt)
	assert.Equal(t, now, *state.LastPollAt)
	assert.True(t, mailbox.closed)
}

func TestPollReturnsOnlyAboveCursor(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 5, 0, 0, time.UTC)
	last := now.Add(-5 * time.Minute)
	mailbox := &fakeMailbox{uidValidity: 7, unseen: []uint32{3, 5, 9, 12}}
	p := newPoller(t, mailbox, now)

	state := models.RuntimeState{LastUID: 5, UIDValidity: 7, Initialized: true, LastPollAt: &last}
	headers, next, err := p.Poll(context.Background(), pollDefinition(state))
	require.NoError(t, err)
	require.Len(t, headers, 2)
	assert.Equal(t, []uint32{9, 12}, mailbox.fetched)
	assert.Equal(t, uint32(12), next.LastUID)
}

func TestPollNoNewMailKeepsCursor(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 5, 0, 0, time.UTC)
	last := now.Add(-5 * time.Minute)
	mailbox := &fakeMailbox{uidValidity: 7, unseen: []uint32{3, 5}}
	p := newPoller(t, mailbox, now)

	state := models.RuntimeState{LastUID: 5, UIDValidity: 7, Initialized: true, LastPollAt: &last}
	headers, next, err := p.Poll(context.Background(), pollDefinition(state))
	require.NoError(t, err)
	assert.Empty(t, headers)
	assert.Equal(t, uint32(5), next.LastUID)
}

func TestPollResetsCursorOnUIDValidityChange(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 5, 0, 0, time.UTC)
	last := now.Add(-5 * time.Minute)
	mailbox := &fakeMailbox{uidValidity: 8, unseen: []uint32{1, 2}}
	p := newPoller(t, mailbox, now)

	state := models.RuntimeState{LastUID: 40, UIDValidity: 7, Initialized: true, LastPollAt: &last}
	headers, next, err := p.Poll(context.Background(), pollDefinition(state))
	require.NoError(t, err)
	require.Len(t, headers, 2, "rebuilt mailbox invalidates the old cursor")
	assert.Equal(t, uint32(8), next.UIDValidity)
	assert.Equal(t, uint32(2), next.LastUID)
}

func TestPollSkipsBacklogAfterDowntime(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	// Interval is 5 minutes; anything over 10 minutes of silence skips.
	last := now.Add(-11 * time.Minute)
	mailbox := &fakeMailbox{uidValidity: 7, unseen: []uint32{20, 21, 22}}
	p := newPoller(t, mailbox, now)

	state := models.RuntimeState{LastUID: 5, UIDValidity: 7, Initialized: true, LastPollAt: &last}
	headers, next, err := p.Poll(context.Background(), pollDefinition(state))
	require.NoError(t, err)
	assert.Empty(t, headers)
	assert.Equal(t, uint32(22), next.LastUID, "cursor jumps past the skipped backlog")
	require.NotNil(t, next.BacklogSkippedAt)
	assert.Equal(t, now, *next.BacklogSkippedAt)
	assert.Nil(t, mailbox.fetched)
}

func TestPollExactlyAtThresholdDoesNotSkip(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	last := now.Add(-10 * time.Minute)
	mailbox := &fakeMailbox{uidValidity: 7, unseen: []uint32{20}}
	p := newPoller(t, mailbox, now)

	state := models.RuntimeState{LastUID: 5, UIDValidity: 7, Initialized: true, LastPollAt: &last}
	headers, _, err := p.Poll(context.Background(), pollDefinition(state))
	require.NoError(t, err)
	assert.Len(t, headers, 1)
}

func TestPollSelectErrorKeepsState(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	mailbox := &fakeMailbox{selectErr: errors.New("imap: connection reset")}
	p := newPoller(t, mailbox, now)

	state := models.RuntimeState{LastUID: 5, UIDValidity: 7, Initialized: true}
	_, next, err := p.Poll(context.Background(), pollDefinition(state))
	require.Error(t, err)
	assert.Equal(t, uint32(5), next.LastUID)
	assert.True(t, mailbox.closed)
}
