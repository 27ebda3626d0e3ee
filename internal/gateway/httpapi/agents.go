package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	agent "github.com/novahq/nova/internal/agent"
)

// createAgent persists a new agent configuration. Sub-agent cycles are
// rejected by the store.
func (h *Handlers) createAgent(c *gin.Context) {
	var config agent.Config
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	config.UserID = currentUser(c).ID
	if err := h.agents.CreateConfig(c.Request.Context(), &config); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, config)
}

func (h *Handlers) listAgents(c *gin.Context) {
	configs, err := h.agents.ListConfigs(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": configs, "total": len(configs)})
}

func (h *Handlers) getAgent(c *gin.Context) {
	config, err := h.agents.GetConfig(c.Request.Context(), currentUser(c).ID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, config)
}

func (h *Handlers) updateAgent(c *gin.Context) {
	var config agent.Config
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	config.ID = c.Param("id")
	config.UserID = currentUser(c).ID
	if err := h.agents.UpdateConfig(c.Request.Context(), &config); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, config)
}

func (h *Handlers) deleteAgent(c *gin.Context) {
	if err := h.agents.DeleteConfig(c.Request.Context(), currentUser(c).ID, c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
