package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	conversationmodels "github.com/novahq/nova/internal/conversation/models"
	"github.com/novahq/nova/internal/summarizer"
)

type dayDTO struct {
	ID                    string    `json:"id"`
	DayLabel              string    `json:"day_label"`
	SummaryMarkdown       string    `json:"summary_markdown,omitempty"`
	SummaryUntilMessageID string    `json:"summary_until_message_id,omitempty"`
	StartsAtMessageID     string    `json:"starts_at_message_id"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func toDayDTO(segment *conversationmodels.DaySegment) dayDTO {
	return dayDTO{
		ID:                    segment.ID,
		DayLabel:              segment.DayLabel,
		SummaryMarkdown:       segment.SummaryMarkdown,
		SummaryUntilMessageID: segment.SummaryUntilMessageID,
		StartsAtMessageID:     segment.StartsAtMessageID,
		UpdatedAt:             segment.UpdatedAt,
	}
}

// listDays pages the continuous thread's day segments newest-first. The q
// filter matches YYYY, YYYY-MM or YYYY-MM-DD label prefixes.
func (h *Handlers) listDays(c *gin.Context) {
	user := currentUser(c)
	ctx := c.Request.Context()

	thread, err := h.conversations.EnsureContinuousThread(ctx, user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	offset := queryInt(c, "offset", 0)
	limit := queryInt(c, "limit", 30)
	segments, total, err := h.conversations.ListDays(ctx, user.ID, thread.ID, offset, limit, c.Query("q"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	days := make([]dayDTO, 0, len(segments))
	for _, segment := range segments {
		days = append(days, toDayDTO(segment))
	}
	c.JSON(http.StatusOK, gin.H{"days": days, "total": total})
}

func (h *Handlers) getDay(c *gin.Context) {
	segment, err := h.conversations.GetDay(c.Request.Context(), currentUser(c).ID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDayDTO(segment))
}

// getDayMessages returns the day's message window. Past days are flagged
// read-only; only today's segment accepts new messages.
func (h *Handlers) getDayMessages(c *gin.Context) {
	user := currentUser(c)
	ctx := c.Request.Context()

	segment, err := h.conversations.GetDay(ctx, user.ID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	messages, err := h.conversations.GetDayMessages(ctx, user.ID, segment)
	if err != nil {
		h.respondError(c, err)
		return
	}

	today := time.Now().In(user.Location()).Format("2006-01-02")
	c.JSON(http.StatusOK, gin.H{
		"day":       toDayDTO(segment),
		"messages":  messages,
		"read_only": segment.DayLabel < today,
	})
}

// postDayMessage appends a message through the regular ingest path. Messages
// always land on today's segment regardless of the day being viewed.
func (h *Handlers) postDayMessage(c *gin.Context) {
	var body ingestRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	h.ingestMessage(c, body, "web")
}

// refreshDaySummary schedules a forced summary rebuild for one day and returns
// the tracking task id.
func (h *Handlers) refreshDaySummary(c *gin.Context) {
	user := currentUser(c)
	ctx := c.Request.Context()

	segment, err := h.conversations.GetDay(ctx, user.ID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	segmentID := segment.ID
	task, err := h.tasks.RunDetached(ctx, user.ID, segment.ThreadID,
		"Refresh summary for "+segment.DayLabel,
		func(runCtx context.Context, taskID string) error {
			return h.summarizer.SummarizeSegment(runCtx, user.ID, segmentID, summarizer.ModeManual, taskID)
		})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": task.ID, "day_label": segment.DayLabel})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
