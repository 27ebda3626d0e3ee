// Package httpapi exposes the engine's REST surface: token-authenticated
// message ingest, day browsing, interaction answer/cancel, and the agent and
// task-definition configuration endpoints.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	agent "github.com/novahq/nova/internal/agent"
	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	conversation "github.com/novahq/nova/internal/conversation/service"
	"github.com/novahq/nova/internal/summarizer"
	taskservice "github.com/novahq/nova/internal/task/service"
	taskdefservice "github.com/novahq/nova/internal/taskdef/service"
	usermodels "github.com/novahq/nova/internal/user/models"
	userstore "github.com/novahq/nova/internal/user/store"
)

const contextUserKey = "httpapi.user"

// Handlers bundles the REST endpoints and their dependencies.
type Handlers struct {
	users         userstore.Repository
	conversations *conversation.Service
	tasks         *taskservice.Service
	taskdefs      *taskdefservice.Service
	agents        agent.Repository
	summarizer    *summarizer.Summarizer
	logger        *logger.Logger
}

// NewHandlers creates the REST handler set.
func NewHandlers(
	users userstore.Repository,
	conversations *conversation.Service,
	tasks *taskservice.Service,
	taskdefs *taskdefservice.Service,
	agents agent.Repository,
	summaries *summarizer.Summarizer,
	log *logger.Logger,
) *Handlers {
	return &Handlers{
		users:         users,
		conversations: conversations,
		tasks:         tasks,
		taskdefs:      taskdefs,
		agents:        agents,
		summarizer:    summaries,
		logger:        log.WithFields(zap.String("component", "httpapi")),
	}
}

// RegisterRoutes mounts every endpoint under /api/v1, all behind ingest-token
// authentication.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.Use(h.authenticate)

	api.POST("/ingest", h.ingest)
	api.POST("/compact", h.compactConversation)

	api.GET("/days", h.listDays)
	api.GET("/days/:id", h.getDay)
	api.GET("/days/:id/messages", h.getDayMessages)
	api.POST("/days/:id/messages", h.postDayMessage)
	api.POST("/days/:id/summary", h.refreshDaySummary)

	api.POST("/interactions/:id/answer", h.answerInteraction)
	api.POST("/interactions/:id/cancel", h.cancelInteraction)

	api.GET("/tasks/:id", h.getTask)

	api.POST("/agents", h.createAgent)
	api.GET("/agents", h.listAgents)
	api.GET("/agents/:id", h.getAgent)
	api.PUT("/agents/:id", h.updateAgent)
	api.DELETE("/agents/:id", h.deleteAgent)

	api.POST("/task-definitions", h.createTaskDefinition)
	api.GET("/task-definitions", h.listTaskDefinitions)
	api.GET("/task-definitions/:id", h.getTaskDefinition)
	api.PUT("/task-definitions/:id", h.updateTaskDefinition)
	api.DELETE("/task-definitions/:id", h.deleteTaskDefinition)
	api.POST("/task-definitions/:id/run", h.runTaskDefinition)
}

// authenticate resolves the caller from the bearer ingest token. Missing or
// unknown tokens are rejected before any handler runs.
func (h *Handlers) authenticate(c *gin.Context) {
	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" {
		token = c.GetHeader("X-Ingest-Token")
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing ingest token"})
		return
	}
	user, err := h.users.GetUserByIngestToken(c.Request.Context(), token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid ingest token"})
		return
	}
	c.Set(contextUserKey, user)
	c.Next()
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func currentUser(c *gin.Context) *usermodels.User {
	user, _ := c.MustGet(contextUserKey).(*usermodels.User)
	return user
}

// respondError maps application errors to their HTTP status; unexpected errors
// become opaque 500s.
func (h *Handlers) respondError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()))
		message = "internal error"
	}
	c.JSON(status, gin.H{"error": message})
}
