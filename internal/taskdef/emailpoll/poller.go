// Package emailpoll implements the email-poll trigger: a strictly read-only
// UNSEEN scan above a persisted UID cursor, with UIDVALIDITY resets and a
// backlog skip after downtime.
package emailpoll

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/taskdef/models"
)

// Header is the envelope of one unseen message.
type Header struct {
	UID     uint32    `json:"uid"`
	From    string    `json:"from"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`
}

// Mailbox is one read-only IMAP session. Implementations must never modify
// message flags.
type Mailbox interface {
	// Select opens INBOX read-only and returns its UIDVALIDITY.
	Select(ctx context.Context) (uint32, error)
	// UnseenUIDs lists the UIDs of messages without the \Seen flag.
	UnseenUIDs(ctx context.Context) ([]uint32, error)
	// FetchHeaders fetches envelope headers for the given UIDs.
	FetchHeaders(ctx context.Context, uids []uint32) ([]Header, error)
	Close() error
}

// Opener connects a mailbox session for a definition, resolving credentials
// from its bound email tool.
type Opener func(ctx context.Context, definition *models.TaskDefinition) (Mailbox, error)

// Poller runs email polls and computes the updated runtime state.
type Poller struct {
	open   Opener
	logger *logger.Logger
	now    func() time.Time
}

// NewPoller creates a poller.
func NewPoller(open Opener, log *logger.Logger) *Poller {
	return &Poller{
		open:   open,
		logger: log.WithFields(zap.String("component", "emailpoll")),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (p *Poller) SetClock(now func() time.Time) { p.now = now }

// Poll scans the definition's mailbox once and returns the new headers plus
// the updated runtime state. The caller persists the state regardless of
// whether headers were returned.
//
// Rules, in order:
//   - UIDVALIDITY changed since the last poll: reset the cursor to 0.
//   - More than 2x the poll interval elapsed since the last poll: skip the
//     backlog, advance the cursor past all current unseen, return nothing.
//   - Otherwise return unseen messages strictly above the cursor. The first
//     poll has no cursor and returns all current unseen.
func (p *Poller) Poll(ctx context.Context, definition *models.TaskDefinition) ([]Header, models.RuntimeState, error) {
	state := definition.RuntimeState

	mailbox, err := p.open(ctx, definition)
	if err != nil {
		return nil, state, err
	}
	defer func() {
		if err := mailbox.Close(); err != nil {
			p.logger.WithError(err).Warn("failed to close mailbox",
				zap.String("definition_id", definition.ID))
		}
	}()

	uidValidity, err := mailbox.Select(ctx)
	if err != nil {
		return nil, state, err
	}
	if state.UIDValidity != 0 && state.UIDValidity != uidValidity {
		// Mailbox was rebuilt; every stored UID is meaningless now.
		p.logger.Info("uidvalidity changed, resetting cursor",
			zap.String("definition_id", definition.ID),
			zap.Uint32("old", state.UIDValidity),
			zap.Uint32("new", uidValidity))
		state.LastUID = 0
	}
	state.UIDValidity = uidValidity

	now := p.now().UTC()
	unseen, err := mailbox.UnseenUIDs(ctx)
	if err != nil {
		return nil, state, err
	}

	if p.shouldSkipBacklog(definition, state, now) {
		state.LastUID = maxUID(unseen, state.LastUID)
		state.BacklogSkippedAt = &now
		state.LastPollAt = &now
		state.Initialized = true
		p.logger.Info("skipped email backlog",
			zap.String("definition_id", definition.ID),
			zap.Int("unseen", len(unseen)),
			zap.Uint32("cursor", state.LastUID))
		return nil, state, nil
	}

	var fresh []uint32
	for _, uid := range unseen {
		if uid > state.LastUID {
			fresh = append(fresh, uid)
		}
	}

	var headers []Header
	if len(fresh) > 0 {
		headers, err = mailbox.FetchHeaders(ctx, fresh)
		if err != nil {
			return nil, state, err
		}
		state.LastUID = maxUID(fresh, state.LastUID)
	}
	state.LastPollAt = &now
	state.Initialized = true
	return headers, state, nil
}

// shouldSkipBacklog reports whether the poller has been down long enough that
// accumulated unseen mail should be dropped rather than replayed. The first
// poll never skips; processing pre-existing unseen then is intended.
func (p *Poller) shouldSkipBacklog(definition *models.TaskDefinition, state models.RuntimeState, now time.Time) bool {
	if !state.Initialized || state.LastPollAt == nil {
		return false
	}
	threshold := 2 * time.Duration(definition.PollIntervalMinutes) * time.Minute
	return now.Sub(*state.LastPollAt) > threshold
}

func maxUID(uids []uint32, floor uint32) uint32 {
	max := floor
	for _, uid := range uids {
		if uid > max {
			max = uid
		}
	}
	return max
}
