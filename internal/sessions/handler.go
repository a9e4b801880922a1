package sessions

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
	"github.com/itqan-platform/session-engine/internal/scheduler"
	"github.com/itqan-platform/session-engine/pkg/database"
	"github.com/itqan-platform/session-engine/pkg/response"
)

// Store creates and loads sessions.
type Store interface {
	Create(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// Controller runs operator-initiated transitions.
type Controller interface {
	ForceComplete(ctx context.Context, s *models.Session) (bool, error)
	Cancel(ctx context.Context, s *models.Session, reason string) (bool, error)
}

// Sweeper runs one scheduler pass on demand.
type Sweeper interface {
	RunOnce(ctx context.Context, scope models.SessionScope) (*scheduler.Result, error)
}

// CreateRequest is the body of POST /admin/sessions.
type CreateRequest struct {
	AcademyID       uuid.UUID `json:"academy_id" binding:"required"`
	SessionType     string    `json:"session_type" binding:"required,oneof=group_circle individual academic_individual interactive_course"`
	ScheduledAt     time.Time `json:"scheduled_at" binding:"required"`
	DurationMinutes int       `json:"duration_minutes" binding:"required,gte=1,lte=480"`
	OwnerKind       string    `json:"owner_kind" binding:"required,oneof=circle individual_circle course_session"`
	OwnerID         uuid.UUID `json:"owner_id" binding:"required"`
}

// CancelRequest is the body of POST /admin/sessions/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// Handler serves session reads and operator actions.
type Handler struct {
	store   Store
	machine Controller
	sweeper Sweeper
	logger  *zap.Logger
}

// NewHandler creates a sessions handler.
func NewHandler(store Store, machine Controller, sweeper Sweeper, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, machine: machine, sweeper: sweeper, logger: logger}
}

func (h *Handler) load(c *gin.Context) (*models.Session, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return nil, false
	}
	s, err := h.store.GetSession(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			response.NotFound(c, "session not found")
			return nil, false
		}
		h.logger.Error("load session failed", zap.String("session_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load session")
		return nil, false
	}
	if academy, ok := c.Get(middleware.ContextAcademyID); ok &&
		c.GetString(middleware.ContextUserRole) != auth.RoleAdmin && academy != s.AcademyID {
		response.Forbidden(c, "session belongs to another academy")
		return nil, false
	}
	return s, true
}

// Get handles GET /sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	if s, ok := h.load(c); ok {
		response.OK(c, s)
	}
}

// Create handles POST /admin/sessions.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	s := &models.Session{
		AcademyID:       req.AcademyID,
		Type:            models.SessionType(req.SessionType),
		Status:          models.StatusScheduled,
		ScheduledAt:     req.ScheduledAt.UTC(),
		DurationMinutes: req.DurationMinutes,
		Owner:           models.OwnerRef{Kind: models.OwnerKind(req.OwnerKind), ID: req.OwnerID},
	}
	if err := h.store.Create(c.Request.Context(), s); err != nil {
		h.logger.Error("create session failed", zap.Error(err))
		response.Internal(c, "failed to create session")
		return
	}
	h.logger.Info("session scheduled", zap.String("session_id", s.ID.String()), zap.Time("scheduled_at", s.ScheduledAt))
	response.Created(c, s)
}

// Complete handles POST /admin/sessions/:id/complete.
func (h *Handler) Complete(c *gin.Context) {
	s, ok := h.load(c)
	if !ok {
		return
	}
	done, err := h.machine.ForceComplete(c.Request.Context(), s)
	h.respondTransition(c, s, done, err, "completed")
}

// Cancel handles POST /admin/sessions/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	s, ok := h.load(c)
	if !ok {
		return
	}
	done, err := h.machine.Cancel(c.Request.Context(), s, req.Reason)
	h.respondTransition(c, s, done, err, "cancelled")
}

func (h *Handler) respondTransition(c *gin.Context, s *models.Session, done bool, err error, verb string) {
	if err != nil {
		h.logger.Error("session transition failed", zap.String("session_id", s.ID.String()), zap.String("to", verb), zap.Error(err))
		response.Internal(c, "failed to update session")
		return
	}
	if !done {
		response.Conflict(c, "session cannot be "+verb+" from status "+string(s.Status))
		return
	}
	response.OK(c, s)
}

// RunScheduler handles POST /admin/scheduler/run?academy_id=.
func (h *Handler) RunScheduler(c *gin.Context) {
	var scope models.SessionScope
	if v := c.Query("academy_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.BadRequest(c, "invalid academy_id")
			return
		}
		scope.AcademyID = &id
	}
	res, err := h.sweeper.RunOnce(c.Request.Context(), scope)
	if err != nil {
		h.logger.Error("manual sweep failed", zap.Error(err))
		response.ServiceUnavailable(c, "failed to load sessions")
		return
	}
	response.OK(c, res)
}
