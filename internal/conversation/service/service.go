// Package service implements conversation operations on top of the
// repository: continuous thread provisioning, message appends with day
// rollover, day browsing and thread deletion with checkpoint cascade.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/novahq/nova/internal/checkpoint"
	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/conversation/models"
	"github.com/novahq/nova/internal/conversation/repository"
	usermodels "github.com/novahq/nova/internal/user/models"
)

// DayLabelFormat renders a user-local date as a segment label.
const DayLabelFormat = "2006-01-02"

// Hooks are best-effort follow-up jobs scheduled after appends. They must not
// block or fail the append path.
type Hooks struct {
	// IndexSegment schedules transcript indexing for a segment.
	IndexSegment func(userID, threadID, segmentID string)
	// SummarizeSegment schedules summarization of a (usually just-closed)
	// segment.
	SummarizeSegment func(userID, threadID, segmentID string)
}

// AppendResult describes the outcome of a continuous append.
type AppendResult struct {
	Thread       *models.Thread
	Message      *models.Message
	Segment      *models.DaySegment
	OpenedNewDay bool
}

// Service coordinates conversation writes and reads.
type Service struct {
	repo        repository.Repository
	checkpoints checkpoint.Store
	hooks       Hooks
	logger      *logger.Logger
}

// NewService creates the conversation service.
func NewService(repo repository.Repository, checkpoints checkpoint.Store, hooks Hooks, log *logger.Logger) *Service {
	return &Service{
		repo:        repo,
		checkpoints: checkpoints,
		hooks:       hooks,
		logger:      log.WithFields(zap.String("component", "conversation")),
	}
}

// EnsureContinuousThread returns the user's continuous thread, creating it if
// absent. Losing a concurrent creation race resolves to the winner's thread.
func (s *Service) EnsureContinuousThread(ctx context.Context, userID string) (*models.Thread, error) {
	thread, err := s.repo.GetContinuousThread(ctx, userID)
	if err == nil {
		return thread, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}

	thread = &models.Thread{
		UserID:  userID,
		Subject: "Continuous conversation",
		Mode:    models.ThreadModeContinuous,
	}
	if err := s.repo.CreateThread(ctx, thread); err != nil {
		if apperrors.IsConflict(err) {
			return s.repo.GetContinuousThread(ctx, userID)
		}
		return nil, err
	}
	return thread, nil
}

// CreateThread creates a regular thread with a default subject eligible for
// auto-titling.
func (s *Service) CreateThread(ctx context.Context, userID string) (*models.Thread, error) {
	id := uuid.New().String()
	thread := &models.Thread{
		ID:      id,
		UserID:  userID,
		Subject: fmt.Sprintf("%s%s", models.DefaultSubjectPrefix, id[:8]),
		Mode:    models.ThreadModeThread,
	}
	if err := s.repo.CreateThread(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// GetThread retrieves a thread.
func (s *Service) GetThread(ctx context.Context, userID, id string) (*models.Thread, error) {
	return s.repo.GetThread(ctx, userID, id)
}

// UpdateThreadSubject renames a thread.
func (s *Service) UpdateThreadSubject(ctx context.Context, userID, id, subject string) error {
	return s.repo.UpdateThreadSubject(ctx, userID, id, subject)
}

// DeleteThread removes a thread and cascades to messages, segments, chunks,
// embeddings and checkpoint links with their opaque state.
func (s *Service) DeleteThread(ctx context.Context, userID, id string) error {
	if err := s.repo.DeleteThread(ctx, userID, id); err != nil {
		return err
	}
	if err := s.checkpoints.DeleteLinksForThread(ctx, userID, id); err != nil {
		// The thread row is already gone; report the partial cascade.
		s.logger.WithError(err).Error("checkpoint cascade failed", zap.String("thread_id", id))
		return err
	}
	return nil
}

// AppendMessage appends a message to a regular thread.
func (s *Service) AppendMessage(ctx context.Context, userID, threadID string, message *models.Message) (*models.Message, error) {
	thread, err := s.repo.GetThread(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	message.UserID = userID
	message.ThreadID = thread.ID
	if err := s.repo.CreateMessage(ctx, message); err != nil {
		return nil, err
	}
	return message, nil
}

// AppendContinuousMessage appends a message to the user's continuous thread,
// creating today's DaySegment when the message opens a new user-local day and
// scheduling indexing plus previous-day summarization.
func (s *Service) AppendContinuousMessage(ctx context.Context, user *usermodels.User, message *models.Message) (*AppendResult, error) {
	thread, err := s.EnsureContinuousThread(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	message.UserID = user.ID
	message.ThreadID = thread.ID
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if err := s.repo.CreateMessage(ctx, message); err != nil {
		return nil, err
	}

	dayLabel := message.CreatedAt.In(user.Location()).Format(DayLabelFormat)
	segment, openedNewDay, err := s.ensureDaySegment(ctx, user.ID, thread.ID, dayLabel, message.ID)
	if err != nil {
		return nil, err
	}

	if s.hooks.IndexSegment != nil {
		s.hooks.IndexSegment(user.ID, thread.ID, segment.ID)
	}
	if openedNewDay && s.hooks.SummarizeSegment != nil {
		if previous, err := s.previousSegment(ctx, user.ID, thread.ID, dayLabel); err == nil {
			s.hooks.SummarizeSegment(user.ID, thread.ID, previous.ID)
		}
	}

	return &AppendResult{
		Thread:       thread,
		Message:      message,
		Segment:      segment,
		OpenedNewDay: openedNewDay,
	}, nil
}

func (s *Service) ensureDaySegment(ctx context.Context, userID, threadID, dayLabel, firstMessageID string) (*models.DaySegment, bool, error) {
	segment, err := s.repo.GetDaySegmentByLabel(ctx, userID, threadID, dayLabel)
	if err == nil {
		return segment, false, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, false, err
	}

	segment = &models.DaySegment{
		UserID:            userID,
		ThreadID:          threadID,
		DayLabel:          dayLabel,
		StartsAtMessageID: firstMessageID,
	}
	if err := s.repo.CreateDaySegment(ctx, segment); err != nil {
		if apperrors.IsConflict(err) {
			// Concurrent append won the day creation.
			segment, err = s.repo.GetDaySegmentByLabel(ctx, userID, threadID, dayLabel)
			return segment, false, err
		}
		return nil, false, err
	}
	return segment, true, nil
}

func (s *Service) previousSegment(ctx context.Context, userID, threadID, beforeLabel string) (*models.DaySegment, error) {
	segments, err := s.repo.ListSegmentsBefore(ctx, userID, threadID, beforeLabel)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, apperrors.NotFound("day segment", beforeLabel)
	}
	return segments[len(segments)-1], nil
}

// SegmentWindow resolves a segment's half-open message window
// [starts_at.created_at, next segment's start or +inf).
func (s *Service) SegmentWindow(ctx context.Context, userID string, segment *models.DaySegment) (time.Time, *time.Time, error) {
	startMessage, err := s.repo.GetMessage(ctx, userID, segment.StartsAtMessageID)
	if err != nil {
		return time.Time{}, nil, err
	}
	next, err := s.repo.GetNextDaySegment(ctx, userID, segment.ThreadID, segment.DayLabel)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return startMessage.CreatedAt, nil, nil
		}
		return time.Time{}, nil, err
	}
	nextStart, err := s.repo.GetMessage(ctx, userID, next.StartsAtMessageID)
	if err != nil {
		return time.Time{}, nil, err
	}
	until := nextStart.CreatedAt
	return startMessage.CreatedAt, &until, nil
}

// ListDays pages day segments newest-first. limit is clamped to [1,100];
// q filters day labels by "YYYY", "YYYY-MM" or "YYYY-MM-DD" prefixes.
func (s *Service) ListDays(ctx context.Context, userID, threadID string, offset, limit int, q string) ([]*models.DaySegment, int, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListDaySegments(ctx, userID, threadID, repository.ListDaySegmentsOptions{
		Offset:      offset,
		Limit:       limit,
		QueryPrefix: q,
	})
}

// GetDay retrieves one day segment.
func (s *Service) GetDay(ctx context.Context, userID, segmentID string) (*models.DaySegment, error) {
	return s.repo.GetDaySegment(ctx, userID, segmentID)
}

// GetDayMessages returns the messages of a segment's half-open window.
func (s *Service) GetDayMessages(ctx context.Context, userID string, segment *models.DaySegment) ([]*models.Message, error) {
	from, until, err := s.SegmentWindow(ctx, userID, segment)
	if err != nil {
		return nil, err
	}
	return s.repo.ListMessagesWindow(ctx, userID, segment.ThreadID, from, until)
}
