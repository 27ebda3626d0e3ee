package recall

import (
	"context"
	"time"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/conversation/models"
	usermodels "github.com/novahq/nova/internal/user/models"
)

// GetParams are the conversation_get arguments. Exactly one addressing mode
// applies: a day segment, a from/to range, or a message anchor.
type GetParams struct {
	MessageID       string `json:"message_id,omitempty"`
	DaySegmentID    string `json:"day_segment_id,omitempty"`
	FromMessageID   string `json:"from_message_id,omitempty"`
	ToMessageID     string `json:"to_message_id,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	BeforeMessageID string `json:"before_message_id,omitempty"`
	AfterMessageID  string `json:"after_message_id,omitempty"`
}

// GetMessage is one transcript entry in a conversation_get response.
type GetMessage struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// GetResponse is the conversation_get payload.
type GetResponse struct {
	Kind string `json:"kind"` // "summary" or "messages"

	DaySegmentID string `json:"day_segment_id,omitempty"`
	DayLabel     string `json:"day_label,omitempty"`
	Summary      string `json:"summary,omitempty"`

	Messages  []GetMessage `json:"messages,omitempty"`
	Truncated bool         `json:"truncated"`
}

// Get runs conversation_get scoped to the user's thread.
func (t *Tools) Get(ctx context.Context, user *usermodels.User, threadID string, params GetParams) (*GetResponse, error) {
	limit := clamp(params.Limit, 1, 30, 30)

	switch {
	case params.DaySegmentID != "":
		return t.getSummary(ctx, user.ID, params.DaySegmentID)

	case params.FromMessageID != "" && params.ToMessageID != "":
		return t.getRange(ctx, user.ID, threadID, params.FromMessageID, params.ToMessageID, limit)

	case params.BeforeMessageID != "":
		return t.getDirectional(ctx, user.ID, threadID, params.BeforeMessageID, limit, false)

	case params.AfterMessageID != "":
		return t.getDirectional(ctx, user.ID, threadID, params.AfterMessageID, limit, true)

	case params.MessageID != "":
		return t.getCentered(ctx, user.ID, threadID, params.MessageID, limit)

	default:
		return nil, apperrors.BadRequest("conversation_get requires message_id, day_segment_id or a from/to pair")
	}
}

func (t *Tools) getSummary(ctx context.Context, userID, segmentID string) (*GetResponse, error) {
	segment, err := t.repo.GetDaySegment(ctx, userID, segmentID)
	if err != nil {
		return nil, err
	}
	return &GetResponse{
		Kind:         KindSummary,
		DaySegmentID: segment.ID,
		DayLabel:     segment.DayLabel,
		Summary:      segment.SummaryMarkdown,
	}, nil
}

func (t *Tools) getRange(ctx context.Context, userID, threadID, fromID, toID string, limit int) (*GetResponse, error) {
	from, err := t.repo.GetMessage(ctx, userID, fromID)
	if err != nil {
		return nil, err
	}
	to, err := t.repo.GetMessage(ctx, userID, toID)
	if err != nil {
		return nil, err
	}
	if from.ThreadID != threadID || to.ThreadID != threadID {
		return nil, apperrors.NotFound("message", fromID)
	}
	if from.After(to) {
		from, to = to, from
	}
	messages, err := t.repo.ListMessagesBetween(ctx, userID, threadID, from, to, limit)
	if err != nil {
		return nil, err
	}
	return messagesResponse(messages, limit), nil
}

func (t *Tools) getDirectional(ctx context.Context, userID, threadID, anchorID string, limit int, after bool) (*GetResponse, error) {
	anchor, err := t.anchorMessage(ctx, userID, threadID, anchorID)
	if err != nil {
		return nil, err
	}
	var messages []*models.Message
	if after {
		messages, err = t.repo.ListMessagesAfterCursor(ctx, userID, threadID, anchor, limit)
	} else {
		messages, err = t.repo.ListMessagesBeforeCursor(ctx, userID, threadID, anchor, limit)
	}
	if err != nil {
		return nil, err
	}
	return messagesResponse(messages, limit), nil
}

func (t *Tools) getCentered(ctx context.Context, userID, threadID, anchorID string, limit int) (*GetResponse, error) {
	anchor, err := t.anchorMessage(ctx, userID, threadID, anchorID)
	if err != nil {
		return nil, err
	}

	half := (limit - 1) / 2
	before, err := t.repo.ListMessagesBeforeCursor(ctx, userID, threadID, anchor, half)
	if err != nil {
		return nil, err
	}
	remaining := limit - 1 - len(before)
	after, err := t.repo.ListMessagesAfterCursor(ctx, userID, threadID, anchor, remaining)
	if err != nil {
		return nil, err
	}

	combined := make([]*models.Message, 0, len(before)+1+len(after))
	combined = append(combined, before...)
	combined = append(combined, anchor)
	combined = append(combined, after...)
	return messagesResponse(combined, limit), nil
}

func (t *Tools) anchorMessage(ctx context.Context, userID, threadID, id string) (*models.Message, error) {
	anchor, err := t.repo.GetMessage(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if anchor.ThreadID != threadID {
		return nil, apperrors.NotFound("message", id)
	}
	return anchor, nil
}

func messagesResponse(messages []*models.Message, limit int) *GetResponse {
	out := make([]GetMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, GetMessage{
			ID:        m.ID,
			Actor:     string(m.Actor),
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
		})
	}
	return &GetResponse{
		Kind:      "messages",
		Messages:  out,
		Truncated: len(out) >= limit,
	}
}

// ToolPayload converts a tool result and error into the structured payload
// the agent sees; errors never cross the tool boundary as failures.
func ToolPayload(result interface{}, err error) interface{} {
	if err == nil {
		return result
	}
	if apperrors.IsNotFound(err) {
		return map[string]string{"error": "not_found"}
	}
	return map[string]string{"error": "invalid_request"}
}
