// Package summarizer produces and refreshes Markdown summaries of
// conversation days. Summaries are delta-aware: once a day carries a summary
// boundary, only messages past the boundary are fed back with the existing
// summary, except for manual runs which rebuild the whole day.
package summarizer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/novahq/nova/internal/agent"
	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/conversation/models"
	"github.com/novahq/nova/internal/conversation/repository"
	"github.com/novahq/nova/internal/events"
	"github.com/novahq/nova/internal/events/bus"
	usermodels "github.com/novahq/nova/internal/user/models"
	userstore "github.com/novahq/nova/internal/user/store"
)

// Mode selects how a summarization run was triggered.
type Mode string

const (
	// ModeHeuristic runs after a new-day rollover closed the previous day.
	ModeHeuristic Mode = "heuristic"
	// ModeNightly is the per-user maintenance pass over all closed days.
	ModeNightly Mode = "nightly"
	// ModeManual forces a full rebuild ignoring the delta boundary.
	ModeManual Mode = "manual"
)

const (
	maxAttempts  = 3
	retryBackoff = 60 * time.Second
	// lineCharCap matches the indexer's per-message trim.
	lineCharCap = 4000
)

var thinkingMarkers = regexp.MustCompile(`(?s)<(?:thinking|think)>.*?</(?:thinking|think)>`)

// Summarizer runs day summaries through an ephemeral graph thread.
type Summarizer struct {
	repo    repository.Repository
	users   userstore.Repository
	agents  agent.Repository
	graph   agent.Graph
	bus     bus.EventBus
	logger  *logger.Logger
	now     func() time.Time
	backoff time.Duration
}

// New creates the summarizer.
func New(repo repository.Repository, users userstore.Repository, agents agent.Repository, graph agent.Graph, eventBus bus.EventBus, log *logger.Logger) *Summarizer {
	return &Summarizer{
		repo:    repo,
		users:   users,
		agents:  agents,
		graph:   graph,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "summarizer")),
		now:     time.Now,
		backoff: retryBackoff,
	}
}

// SetClock overrides the time source; tests pin "today".
func (s *Summarizer) SetClock(now func() time.Time) { s.now = now }

// SetBackoff shortens the retry backoff in tests.
func (s *Summarizer) SetBackoff(d time.Duration) { s.backoff = d }

// SummarizeSegment summarizes one day segment. taskID, when non-empty, names
// the event channel progress is published on. Retries up to maxAttempts with
// a backoff; terminal failure emits task_error with category summary.
func (s *Summarizer) SummarizeSegment(ctx context.Context, userID, segmentID string, mode Mode, taskID string) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = s.runOnce(ctx, userID, segmentID, mode, taskID)
		if lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			s.logger.WithError(lastErr).Warn("summary attempt failed, retrying",
				zap.String("segment_id", segmentID),
				zap.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.backoff):
			}
		}
	}

	s.publish(ctx, taskID, events.TaskError, map[string]interface{}{
		"message":  lastErr.Error(),
		"category": apperrors.CategorySummary,
	})
	return lastErr
}

// RunNightly summarizes every closed day of the user's continuous thread in
// strictly chronological order, so each day's prompt sees the previous day's
// fresh summary.
func (s *Summarizer) RunNightly(ctx context.Context, userID string, taskID string) error {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	thread, err := s.repo.GetContinuousThread(ctx, userID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	today := s.now().In(user.Location()).Format("2006-01-02")
	segments, err := s.repo.ListSegmentsBefore(ctx, userID, thread.ID, today)
	if err != nil {
		return err
	}

	for _, segment := range segments {
		needs, err := s.NeedsRefresh(ctx, userID, segment)
		if err != nil {
			return err
		}
		if !needs {
			continue
		}
		if err := s.SummarizeSegment(ctx, userID, segment.ID, ModeNightly, taskID); err != nil {
			return err
		}
	}
	return nil
}

// NeedsRefresh reports whether a segment's summary is missing or stale: no
// summary, a summary without a boundary pointer, or any message past the
// boundary inside the segment's half-open window.
func (s *Summarizer) NeedsRefresh(ctx context.Context, userID string, segment *models.DaySegment) (bool, error) {
	if !segment.HasSummary() || segment.SummaryUntilMessageID == "" {
		return true, nil
	}
	boundary, err := s.repo.GetMessage(ctx, userID, segment.SummaryUntilMessageID)
	if err != nil {
		return true, nil
	}
	_, until, err := s.segmentWindow(ctx, userID, segment)
	if err != nil {
		return false, err
	}
	return s.repo.HasMessagesAfter(ctx, userID, segment.ThreadID, boundary, until)
}

func (s *Summarizer) runOnce(ctx context.Context, userID, segmentID string, mode Mode, taskID string) error {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	segment, err := s.repo.GetDaySegment(ctx, userID, segmentID)
	if err != nil {
		return err
	}

	if mode != ModeManual {
		needs, err := s.NeedsRefresh(ctx, userID, segment)
		if err != nil {
			return err
		}
		if !needs {
			return nil
		}
	}

	transcript, lastMessageID, err := s.transcript(ctx, user, segment, mode)
	if err != nil {
		return err
	}
	if transcript == "" {
		// Delta is empty; keep summary and boundary untouched.
		return nil
	}

	config, err := s.summaryAgent(ctx, user)
	if err != nil {
		return err
	}
	prompt, err := s.composePrompt(ctx, user, segment, transcript, mode)
	if err != nil {
		return err
	}

	s.publish(ctx, taskID, events.ProgressUpdate, map[string]interface{}{
		"progress_log": []map[string]interface{}{{
			"step":      fmt.Sprintf("summarizing %s", segment.DayLabel),
			"severity":  "info",
			"timestamp": s.now().UTC(),
		}},
	})

	// Ephemeral graph thread: never reuse the chat checkpoint, always delete.
	ephemeralID := uuid.New().String()
	defer func() {
		if err := s.graph.Delete(context.WithoutCancel(ctx), ephemeralID); err != nil && !apperrors.IsNotFound(err) {
			s.logger.WithError(err).Warn("failed to delete ephemeral summary thread",
				zap.String("graph_thread_id", ephemeralID))
		}
	}()

	result, err := s.graph.Invoke(ctx, config, ephemeralID, prompt, agent.InvokeOptions{SilentMode: true})
	if err != nil {
		return apperrors.Wrap(err, "summary generation failed").WithCategory(apperrors.CategorySummary)
	}
	if result.Interrupt != nil {
		return apperrors.InternalError("summary agent raised an interrupt", nil).WithCategory(apperrors.CategorySummary)
	}

	summary := StripThinking(result.Text)
	if err := s.repo.UpdateDaySegmentSummary(ctx, userID, segment.ID, summary, lastMessageID); err != nil {
		return err
	}

	s.publish(ctx, taskID, events.ContinuousSummaryReady, map[string]interface{}{
		"day_segment_id": segment.ID,
		"day_label":      segment.DayLabel,
		"updated_at":     s.now().UTC(),
	})
	s.logger.Info("day summary written",
		zap.String("day_label", segment.DayLabel),
		zap.String("mode", string(mode)))
	return nil
}

// transcript renders the messages to summarize and returns the last included
// message id. Delta mode returns only messages after the stored boundary.
func (s *Summarizer) transcript(ctx context.Context, user *usermodels.User, segment *models.DaySegment, mode Mode) (string, string, error) {
	from, until, err := s.segmentWindow(ctx, user.ID, segment)
	if err != nil {
		return "", "", err
	}
	window, err := s.repo.ListMessagesWindow(ctx, user.ID, segment.ThreadID, from, until)
	if err != nil {
		return "", "", err
	}

	if mode != ModeManual && segment.HasSummary() && segment.SummaryUntilMessageID != "" {
		if boundary, err := s.repo.GetMessage(ctx, user.ID, segment.SummaryUntilMessageID); err == nil {
			filtered := window[:0]
			for _, m := range window {
				if m.After(boundary) {
					filtered = append(filtered, m)
				}
			}
			window = filtered
		}
	}

	var b strings.Builder
	lastID := ""
	for _, m := range window {
		var prefix string
		switch m.Actor {
		case models.ActorUser:
			prefix = "User: "
		case models.ActorAgent:
			prefix = "Agent: "
		default:
			continue
		}
		text := m.Text
		if len(text) > lineCharCap {
			text = text[:lineCharCap]
		}
		b.WriteString(prefix)
		b.WriteString(text)
		b.WriteString("\n")
		lastID = m.ID
	}
	if lastID == "" {
		return "", "", nil
	}
	return b.String(), lastID, nil
}

func (s *Summarizer) composePrompt(ctx context.Context, user *usermodels.User, segment *models.DaySegment, transcript string, mode Mode) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize the following conversation day as concise Markdown. ")
	b.WriteString("Capture decisions, open questions and facts worth remembering. ")
	b.WriteString(fmt.Sprintf("The day is %s.\n\n", segment.DayLabel))

	// Previous day's summary grounds references to earlier context.
	previous, err := s.repo.ListSummarizedSegmentsBefore(ctx, user.ID, segment.ThreadID, segment.DayLabel, 1)
	if err != nil {
		return "", err
	}
	if len(previous) > 0 {
		b.WriteString(fmt.Sprintf("Summary of the previous day (%s):\n%s\n\n", previous[0].DayLabel, previous[0].SummaryMarkdown))
	}

	if mode != ModeManual && segment.HasSummary() && segment.SummaryUntilMessageID != "" {
		b.WriteString("Current summary of this day:\n")
		b.WriteString(segment.SummaryMarkdown)
		b.WriteString("\n\nNew messages since that summary:\n")
	} else {
		b.WriteString("Transcript:\n")
	}
	b.WriteString(transcript)
	return b.String(), nil
}

// summaryAgent resolves the user's default agent, applying its SummaryModel
// override when configured.
func (s *Summarizer) summaryAgent(ctx context.Context, user *usermodels.User) (*agent.Config, error) {
	if user.DefaultAgentID == "" {
		return nil, apperrors.BadRequest("user has no default agent configured")
	}
	config, err := s.agents.GetConfig(ctx, user.ID, user.DefaultAgentID)
	if err != nil {
		return nil, err
	}
	if config.SummaryModel != "" {
		clone := *config
		clone.Provider.Model = config.SummaryModel
		return &clone, nil
	}
	return config, nil
}

func (s *Summarizer) segmentWindow(ctx context.Context, userID string, segment *models.DaySegment) (time.Time, *time.Time, error) {
	start, err := s.repo.GetMessage(ctx, userID, segment.StartsAtMessageID)
	if err != nil {
		return time.Time{}, nil, err
	}
	next, err := s.repo.GetNextDaySegment(ctx, userID, segment.ThreadID, segment.DayLabel)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return start.CreatedAt, nil, nil
		}
		return time.Time{}, nil, err
	}
	nextStart, err := s.repo.GetMessage(ctx, userID, next.StartsAtMessageID)
	if err != nil {
		return time.Time{}, nil, err
	}
	until := nextStart.CreatedAt
	return start.CreatedAt, &until, nil
}

func (s *Summarizer) publish(ctx context.Context, taskID, eventType string, data map[string]interface{}) {
	if taskID == "" || s.bus == nil {
		return
	}
	data["task_id"] = taskID
	event := bus.NewEvent(eventType, "summarizer", data)
	if err := s.bus.Publish(ctx, events.BuildTaskSubject(taskID), event); err != nil {
		s.logger.WithError(err).Warn("failed to publish summarizer event",
			zap.String("type", eventType))
	}
}

// StripThinking removes internal reasoning markers from model output.
func StripThinking(text string) string {
	return strings.TrimSpace(thinkingMarkers.ReplaceAllString(text, ""))
}
