package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/novahq/nova/internal/common/errors"
	conversationmodels "github.com/novahq/nova/internal/conversation/models"
	usermodels "github.com/novahq/nova/internal/user/models"
)

type ingestRequest struct {
	Message           string `json:"message"`
	Transport         string `json:"transport,omitempty"`
	ExternalMessageID string `json:"external_message_id,omitempty"`
	SelectedAgentID   string `json:"selected_agent_id,omitempty"`
}

type ingestResponse struct {
	Status       string `json:"status"`
	ThreadID     string `json:"thread_id"`
	TaskID       string `json:"task_id"`
	MessageID    string `json:"message_id"`
	DaySegmentID string `json:"day_segment_id"`
	DayLabel     string `json:"day_label"`
	OpenedNewDay bool   `json:"opened_new_day"`
}

// ingest appends a user message to the continuous thread and schedules an
// agent run for it. Returns 202 with the created row ids.
func (h *Handlers) ingest(c *gin.Context) {
	var body ingestRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	h.ingestMessage(c, body, "api")
}

// ingestMessage is the shared ingest path behind POST /ingest and
// POST /days/:id/messages.
func (h *Handlers) ingestMessage(c *gin.Context, body ingestRequest, channel string) {
	user := currentUser(c)
	ctx := c.Request.Context()

	if body.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	agentID, err := h.resolveAgent(ctx, user, body.SelectedAgentID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	message := &conversationmodels.Message{
		Actor: conversationmodels.ActorUser,
		Text:  body.Message,
		Type:  conversationmodels.MessageTypeStandard,
		InternalData: map[string]interface{}{
			"source": map[string]interface{}{
				"channel":             channel,
				"transport":           body.Transport,
				"external_message_id": body.ExternalMessageID,
			},
		},
	}
	appended, err := h.conversations.AppendContinuousMessage(ctx, user, message)
	if err != nil {
		h.respondError(c, err)
		return
	}

	task, err := h.tasks.CreateTask(ctx, user.ID, appended.Thread.ID, agentID, body.Message, appended.Message.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, ingestResponse{
		Status:       "accepted",
		ThreadID:     appended.Thread.ID,
		TaskID:       task.ID,
		MessageID:    appended.Message.ID,
		DaySegmentID: appended.Segment.ID,
		DayLabel:     appended.Segment.DayLabel,
		OpenedNewDay: appended.OpenedNewDay,
	})
}

type compactRequest struct {
	SelectedAgentID string `json:"selected_agent_id,omitempty"`
}

// compactConversation schedules a compaction run for the continuous thread,
// collapsing its checkpoint to a single summary message. The body is optional;
// without one the user's default agent performs the run.
func (h *Handlers) compactConversation(c *gin.Context) {
	var body compactRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}
	user := currentUser(c)
	ctx := c.Request.Context()

	agentID, err := h.resolveAgent(ctx, user, body.SelectedAgentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	thread, err := h.conversations.EnsureContinuousThread(ctx, user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	task, err := h.tasks.CompactThread(ctx, user.ID, thread.ID, agentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":    "accepted",
		"task_id":   task.ID,
		"thread_id": thread.ID,
	})
}

// resolveAgent picks the explicitly selected agent or falls back to the user's
// default. Unknown or missing agents are client errors, not 404s.
func (h *Handlers) resolveAgent(ctx context.Context, user *usermodels.User, selectedID string) (string, error) {
	agentID := selectedID
	if agentID == "" {
		agentID = user.DefaultAgentID
	}
	if agentID == "" {
		return "", apperrors.BadRequest("no agent selected and no default agent configured")
	}
	if _, err := h.agents.GetConfig(ctx, user.ID, agentID); err != nil {
		if apperrors.IsNotFound(err) {
			return "", apperrors.BadRequest("unknown agent: " + agentID)
		}
		return "", err
	}
	return agentID, nil
}
