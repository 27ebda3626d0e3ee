// Package contextbuilder computes what the agent should remember for
// continuous threads: up to two previous-day summaries under a shared token
// budget, today's summary boundary, and today's raw message window. The
// result carries a deterministic fingerprint so checkpoints are rebuilt only
// when the inputs changed.
package contextbuilder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/novahq/nova/internal/agent"
	"github.com/novahq/nova/internal/checkpoint"
	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/common/tokens"
	"github.com/novahq/nova/internal/conversation/models"
	"github.com/novahq/nova/internal/conversation/repository"
	usermodels "github.com/novahq/nova/internal/user/models"
)

const (
	// SummaryTokenBudget is the shared cap over both previous-day summaries.
	SummaryTokenBudget = 4000
	// messageCharCap hard-caps each raw message fed to the agent.
	messageCharCap = 2500

	truncationNotice = "Some previous-day summaries were truncated to fit the context budget. " +
		"Use the conversation_search tool to locate missing details and conversation_get to fetch exact passages."
)

// Built is a computed continuous context.
type Built struct {
	Messages    []agent.StateMessage
	Fingerprint string
	Truncated   bool
	// LastIncludedMessageID is the newest raw message that made it into the
	// context, empty when today's window contributed nothing.
	LastIncludedMessageID string
}

// Builder computes continuous contexts and drives checkpoint rebuilds.
type Builder struct {
	repo        repository.Repository
	checkpoints checkpoint.Store
	logger      *logger.Logger
	now         func() time.Time
}

// NewBuilder creates a context builder.
func NewBuilder(repo repository.Repository, checkpoints checkpoint.Store, log *logger.Logger) *Builder {
	return &Builder{
		repo:        repo,
		checkpoints: checkpoints,
		logger:      log.WithFields(zap.String("component", "contextbuilder")),
		now:         time.Now,
	}
}

// SetClock overrides the time source; tests pin "today".
func (b *Builder) SetClock(now func() time.Time) { b.now = now }

// Build computes the context for (user, thread). excludeMessageID removes the
// triggering user message so it is not fed twice (once as graph input, once in
// today's window).
func (b *Builder) Build(ctx context.Context, user *usermodels.User, threadID, excludeMessageID string) (*Built, error) {
	today := b.now().In(user.Location()).Format("2006-01-02")

	previous, err := b.repo.ListSummarizedSegmentsBefore(ctx, user.ID, threadID, today, 2)
	if err != nil {
		return nil, err
	}

	var messages []agent.StateMessage
	var fingerprintParts []string
	fingerprintParts = append(fingerprintParts, today)

	summaries, truncated := trimSummaries(previous, SummaryTokenBudget)
	for i, segment := range previous {
		messages = append(messages, agent.StateMessage{
			Role:    agent.RoleSystem,
			Content: fmt.Sprintf("Summary of %s\n%s", segment.DayLabel, summaries[i]),
		})
		fingerprintParts = append(fingerprintParts,
			segment.DayLabel,
			segment.UpdatedAt.UTC().Format(time.RFC3339Nano),
			hashText(segment.SummaryMarkdown),
		)
	}
	fingerprintParts = append(fingerprintParts,
		strconv.Itoa(SummaryTokenBudget),
		strconv.FormatBool(truncated),
	)
	if truncated {
		messages = append(messages, agent.StateMessage{Role: agent.RoleSystem, Content: truncationNotice})
	}

	lastIncludedID := ""
	todaySegment, err := b.repo.GetDaySegmentByLabel(ctx, user.ID, threadID, today)
	switch {
	case apperrors.IsNotFound(err):
		fingerprintParts = append(fingerprintParts, "no-today")
	case err != nil:
		return nil, err
	default:
		todayMessages, parts, err := b.buildToday(ctx, user.ID, threadID, todaySegment, excludeMessageID)
		if err != nil {
			return nil, err
		}
		for _, m := range todayMessages {
			messages = append(messages, m.state)
			lastIncludedID = m.id
		}
		// Today's summary system message (if any) precedes the raw window.
		fingerprintParts = append(fingerprintParts, parts...)
	}
	fingerprintParts = append(fingerprintParts, lastIncludedID)

	sum := sha256.Sum256([]byte(strings.Join(fingerprintParts, "|")))
	return &Built{
		Messages:              messages,
		Fingerprint:           hex.EncodeToString(sum[:]),
		Truncated:             truncated,
		LastIncludedMessageID: lastIncludedID,
	}, nil
}

type builtMessage struct {
	state agent.StateMessage
	id    string
}

// buildToday returns today's context messages (summary boundary plus the raw
// window) and the fingerprint parts describing them. Summary system messages
// carry an empty id so LastIncludedMessageID tracks raw messages only.
func (b *Builder) buildToday(ctx context.Context, userID, threadID string, segment *models.DaySegment, excludeMessageID string) ([]builtMessage, []string, error) {
	from, until, err := b.segmentWindow(ctx, userID, segment)
	if err != nil {
		return nil, nil, err
	}

	window, err := b.repo.ListMessagesWindow(ctx, userID, threadID, from, until)
	if err != nil {
		return nil, nil, err
	}

	var result []builtMessage
	boundaryID := ""
	if segment.HasSummary() && segment.SummaryUntilMessageID != "" {
		boundaryID = segment.SummaryUntilMessageID
		result = append(result, builtMessage{state: agent.StateMessage{
			Role:    agent.RoleSystem,
			Content: fmt.Sprintf("Summary of %s\n%s", segment.DayLabel, segment.SummaryMarkdown),
		}})
		boundary, err := b.repo.GetMessage(ctx, userID, boundaryID)
		if err == nil {
			filtered := window[:0]
			for _, m := range window {
				if m.After(boundary) {
					filtered = append(filtered, m)
				}
			}
			window = filtered
		}
	}

	for _, m := range window {
		if m.ID == excludeMessageID || m.Actor == models.ActorSystem {
			continue
		}
		role := agent.RoleHuman
		if m.Actor == models.ActorAgent {
			role = agent.RoleAI
		}
		text := m.Text
		if utf8.RuneCountInString(text) > messageCharCap {
			runes := []rune(text)
			text = string(runes[:messageCharCap])
		}
		result = append(result, builtMessage{
			state: agent.StateMessage{Role: role, Content: text},
			id:    m.ID,
		})
	}

	untilPart := "inf"
	if until != nil {
		untilPart = until.UTC().Format(time.RFC3339Nano)
	}
	parts := []string{
		segment.UpdatedAt.UTC().Format(time.RFC3339Nano),
		from.UTC().Format(time.RFC3339Nano),
		untilPart,
		boundaryID,
	}
	return result, parts, nil
}

func (b *Builder) segmentWindow(ctx context.Context, userID string, segment *models.DaySegment) (time.Time, *time.Time, error) {
	start, err := b.repo.GetMessage(ctx, userID, segment.StartsAtMessageID)
	if err != nil {
		return time.Time{}, nil, err
	}
	next, err := b.repo.GetNextDaySegment(ctx, userID, segment.ThreadID, segment.DayLabel)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return start.CreatedAt, nil, nil
		}
		return time.Time{}, nil, err
	}
	nextStart, err := b.repo.GetMessage(ctx, userID, next.StartsAtMessageID)
	if err != nil {
		return time.Time{}, nil, err
	}
	until := nextStart.CreatedAt
	return start.CreatedAt, &until, nil
}

// RebuildIfStale compares the built fingerprint with the link's stored one and
// reseeds the graph state on mismatch. Returns the built context and whether a
// rebuild happened.
func (b *Builder) RebuildIfStale(ctx context.Context, user *usermodels.User, link *checkpoint.Link, graph agent.Graph, excludeMessageID string) (*Built, bool, error) {
	built, err := b.Build(ctx, user, link.ThreadID, excludeMessageID)
	if err != nil {
		return nil, false, err
	}
	if built.Fingerprint == link.Fingerprint {
		return built, false, nil
	}

	if err := graph.Delete(ctx, link.ID); err != nil && !apperrors.IsNotFound(err) {
		return nil, false, err
	}
	if err := graph.UpdateState(ctx, link.ID, built.Messages); err != nil {
		return nil, false, err
	}
	builtAt := b.now().UTC()
	if err := b.checkpoints.UpdateLinkFingerprint(ctx, user.ID, link.ID, built.Fingerprint, builtAt); err != nil {
		return nil, false, err
	}
	link.Fingerprint = built.Fingerprint
	link.BuiltAt = builtAt
	b.logger.Debug("continuous context rebuilt",
		zap.String("thread_id", link.ThreadID),
		zap.String("fingerprint", built.Fingerprint))
	return built, true, nil
}

// trimSummaries fits the summary texts under the shared token budget,
// prioritizing the most recent day. Returns the (possibly trimmed) texts
// aligned with segments and whether any truncation occurred.
func trimSummaries(segments []*models.DaySegment, budget int) ([]string, bool) {
	result := make([]string, len(segments))
	truncated := false
	remaining := budget
	for i, segment := range segments {
		if remaining <= 0 {
			result[i] = ""
			truncated = true
			continue
		}
		text, wasTrimmed := tokens.TrimToBudget(segment.SummaryMarkdown, remaining)
		result[i] = text
		if wasTrimmed {
			truncated = true
		}
		remaining -= tokens.Estimate(text)
	}
	return result, truncated
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
