package sessionlog

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/itqan-platform/session-engine/internal/models"
	"github.com/itqan-platform/session-engine/pkg/database"
	"github.com/itqan-platform/session-engine/pkg/response"
)

// StatusReader returns the live attendance view of one participant.
type StatusReader interface {
	Status(ctx context.Context, sessionID, userID uuid.UUID) (models.CurrentStatus, error)
}

// Handler serves live attendance polling.
type Handler struct {
	status StatusReader
}

// NewHandler creates a session log handler.
func NewHandler(status StatusReader) *Handler {
	return &Handler{status: status}
}

// GetCurrentStatus handles GET /sessions/:id/attendance/:userId.
func (h *Handler) GetCurrentStatus(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	st, err := h.status.Status(c.Request.Context(), sessionID, userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		response.Internal(c, "failed to load attendance")
		return
	}
	response.OK(c, st)
}
