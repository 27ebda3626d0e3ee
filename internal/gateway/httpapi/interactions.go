package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type answerRequest struct {
	Answer string `json:"answer"`
}

// answerInteraction records the user's answer to a pending ask-user question
// and resumes the suspended task. Answering a non-pending interaction is a
// no-op that returns its current state.
func (h *Handlers) answerInteraction(c *gin.Context) {
	var body answerRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	interaction, err := h.tasks.AnswerInteraction(c.Request.Context(), currentUser(c).ID, c.Param("id"), body.Answer)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"interaction_id": interaction.ID,
		"task_id":        interaction.TaskID,
		"status":         string(interaction.Status),
	})
}

// cancelInteraction cancels a pending interaction and fails its task.
func (h *Handlers) cancelInteraction(c *gin.Context) {
	interaction, err := h.tasks.CancelInteraction(c.Request.Context(), currentUser(c).ID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"interaction_id": interaction.ID,
		"task_id":        interaction.TaskID,
		"status":         string(interaction.Status),
	})
}

// getTask returns one task with its progress log; UIs poll this alongside the
// websocket stream.
func (h *Handlers) getTask(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Request.Context(), currentUser(c).ID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
