package zego

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itqan-platform/session-engine/internal/auth"
	"github.com/itqan-platform/session-engine/internal/middleware"
	"github.com/itqan-platform/session-engine/internal/models"
	"github.com/itqan-platform/session-engine/pkg/database"
	"github.com/itqan-platform/session-engine/pkg/response"
)

// SessionGetter loads a session by id.
type SessionGetter interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// JoinToken is returned to clients entering a meeting room.
type JoinToken struct {
	Token     string    `json:"token"`
	AppID     uint32    `json:"app_id"`
	RoomID    string    `json:"room_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Handler issues room tokens for joinable sessions.
type Handler struct {
	sessions SessionGetter
	creds    Credentials
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewHandler creates a ZEGO handler.
func NewHandler(sessions SessionGetter, creds Credentials, ttlSeconds int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions: sessions,
		creds:    creds,
		ttl:      time.Duration(ttlSeconds) * time.Second,
		now:      time.Now,
		logger:   logger,
	}
}

// GetJoinToken handles GET /sessions/:id/join-token. JWT required.
// Tokens are only issued while the session is ready or ongoing.
func (h *Handler) GetJoinToken(c *gin.Context) {
	if !h.creds.Valid() {
		response.ServiceUnavailable(c, "video provider not configured (ZEGO_APP_ID, ZEGO_SERVER_SECRET)")
		return
	}
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	userID, _ := c.Get(middleware.ContextUserID)
	uid, ok := userID.(uuid.UUID)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	role := c.GetString(middleware.ContextUserRole)

	s, err := h.sessions.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		h.logger.Error("load session failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		response.Internal(c, "failed to load session")
		return
	}
	if academy, ok := c.Get(middleware.ContextAcademyID); ok && role != auth.RoleAdmin && academy != s.AcademyID {
		response.Forbidden(c, "session belongs to another academy")
		return
	}
	if !s.Status.Joinable() {
		response.Conflict(c, "session is not open for joining")
		return
	}
	roomID := RoomName(s)
	if s.MeetingRoomName != nil && *s.MeetingRoomName != "" {
		roomID = *s.MeetingRoomName
	}

	// Supervisors observe; everyone else takes part with audio and video.
	token, err := GenerateRoomToken(h.creds, roomID, uid.String(), role != auth.RoleSupervisor, int64(h.ttl/time.Second))
	if err != nil {
		h.logger.Error("zego token generation failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to generate token")
		return
	}
	response.OK(c, JoinToken{
		Token:     token,
		AppID:     h.creds.AppID,
		RoomID:    roomID,
		ExpiresAt: h.now().UTC().Add(h.ttl),
	})
}
