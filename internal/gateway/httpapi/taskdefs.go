package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/novahq/nova/internal/taskdef/models"
)

// createTaskDefinition persists a recurring task definition and binds its
// schedule.
func (h *Handlers) createTaskDefinition(c *gin.Context) {
	var definition models.TaskDefinition
	if err := c.ShouldBindJSON(&definition); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	definition.UserID = currentUser(c).ID
	definition.RuntimeState = models.RuntimeState{}
	if err := h.taskdefs.Create(c.Request.Context(), &definition); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, definition)
}

func (h *Handlers) listTaskDefinitions(c *gin.Context) {
	definitions, err := h.taskdefs.List(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_definitions": definitions, "total": len(definitions)})
}

func (h *Handlers) getTaskDefinition(c *gin.Context) {
	definition, err := h.taskdefs.Get(c.Request.Context(), currentUser(c).ID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, definition)
}

// updateTaskDefinition saves edits on top of the stored row. Runtime state is
// never writable through the API.
func (h *Handlers) updateTaskDefinition(c *gin.Context) {
	user := currentUser(c)
	ctx := c.Request.Context()

	existing, err := h.taskdefs.Get(ctx, user.ID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	var definition models.TaskDefinition
	if err := c.ShouldBindJSON(&definition); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	definition.ID = existing.ID
	definition.UserID = user.ID
	definition.Kind = existing.Kind
	definition.RuntimeState = existing.RuntimeState

	if err := h.taskdefs.Update(ctx, &definition); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, definition)
}

func (h *Handlers) deleteTaskDefinition(c *gin.Context) {
	if err := h.taskdefs.Delete(c.Request.Context(), currentUser(c).ID, c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// runTaskDefinition fires a definition immediately, outside its schedule.
func (h *Handlers) runTaskDefinition(c *gin.Context) {
	user := currentUser(c)
	if err := h.taskdefs.RunDefinition(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}
