package settings

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itqan-platform/session-engine/internal/models"
	"github.com/itqan-platform/session-engine/pkg/response"
)

// Store reads and writes timing overrides.
type Store interface {
	Overrides(ctx context.Context, kind models.OwnerKind, id uuid.UUID) (*models.PolicyOverrides, error)
	Upsert(ctx context.Context, kind models.OwnerKind, id uuid.UUID, o models.PolicyOverrides) error
}

// UpdateRequest is the body of PUT /admin/settings/:kind/:id.
type UpdateRequest struct {
	PreparationMinutes         *int `json:"preparation_minutes" binding:"omitempty,gte=0,lte=240"`
	LateJoinGracePeriodMinutes *int `json:"late_join_grace_period_minutes" binding:"omitempty,gte=0,lte=240"`
	EndingBufferMinutes        *int `json:"ending_buffer_minutes" binding:"omitempty,gte=0,lte=240"`
}

// Handler exposes timing overrides to staff.
type Handler struct {
	store  Store
	logger *zap.Logger
}

// NewHandler creates a settings handler.
func NewHandler(store Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger}
}

func ownerFromPath(c *gin.Context) (models.OwnerKind, uuid.UUID, bool) {
	kind := models.OwnerKind(c.Param("kind"))
	switch kind {
	case models.OwnerCircle, models.OwnerIndividualCircle, models.OwnerCourseSession, models.OwnerAcademy:
	default:
		response.BadRequest(c, "unknown owner kind")
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid owner id")
		return "", uuid.Nil, false
	}
	return kind, id, true
}

// Get handles GET /admin/settings/:kind/:id.
func (h *Handler) Get(c *gin.Context) {
	kind, id, ok := ownerFromPath(c)
	if !ok {
		return
	}
	o, err := h.store.Overrides(c.Request.Context(), kind, id)
	if err != nil {
		h.logger.Error("load policy settings failed", zap.String("owner_kind", string(kind)), zap.Error(err))
		response.Internal(c, "failed to load settings")
		return
	}
	if o == nil {
		o = &models.PolicyOverrides{}
	}
	response.OK(c, o)
}

// Update handles PUT /admin/settings/:kind/:id.
func (h *Handler) Update(c *gin.Context) {
	kind, id, ok := ownerFromPath(c)
	if !ok {
		return
	}
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	o := models.PolicyOverrides{
		PreparationMinutes:         req.PreparationMinutes,
		LateJoinGracePeriodMinutes: req.LateJoinGracePeriodMinutes,
		EndingBufferMinutes:        req.EndingBufferMinutes,
	}
	if err := h.store.Upsert(c.Request.Context(), kind, id, o); err != nil {
		h.logger.Error("save policy settings failed", zap.String("owner_kind", string(kind)), zap.Error(err))
		response.Internal(c, "failed to save settings")
		return
	}
	h.logger.Info("policy settings updated", zap.String("owner_kind", string(kind)), zap.String("owner_id", id.String()))
	response.OK(c, o)
}

