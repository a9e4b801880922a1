package reports

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itqan-platform/session-engine/internal/auth"
	"github.com/itqan-platform/session-engine/internal/middleware"
	"github.com/itqan-platform/session-engine/internal/models"
	"github.com/itqan-platform/session-engine/pkg/database"
	"github.com/itqan-platform/session-engine/pkg/response"
	"github.com/itqan-platform/session-engine/pkg/storage"
)

// SessionGetter loads a session by id.
type SessionGetter interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// ArchiveLinker returns a download link for an archived report.
type ArchiveLinker interface {
	ReportURL(ctx context.Context, key string) (string, error)
}

// Handler serves attendance reports.
type Handler struct {
	sessions SessionGetter
	builder  *Builder
	links    ArchiveLinker
	logger   *zap.Logger
}

// NewHandler creates a report handler. links may be nil when archiving is disabled.
func NewHandler(sessions SessionGetter, builder *Builder, links ArchiveLinker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sessions: sessions, builder: builder, links: links, logger: logger}
}

func (h *Handler) load(c *gin.Context) (*models.Session, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return nil, false
	}
	s, err := h.sessions.GetSession(c.Request.Context(), id)
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

// GetReport handles GET /sessions/:id/report. The report is evaluated on read; it is
// marked final once the session has ended.
func (h *Handler) GetReport(c *gin.Context) {
	s, ok := h.load(c)
	if !ok {
		return
	}
	r, err := h.builder.Build(c.Request.Context(), s)
	if err != nil {
		h.logger.Error("build report failed", zap.String("session_id", s.ID.String()), zap.Error(err))
		response.Internal(c, "failed to build report")
		return
	}
	response.OK(c, r)
}

// GetArchive handles GET /sessions/:id/report/archive by redirecting to the stored copy.
func (h *Handler) GetArchive(c *gin.Context) {
	if h.links == nil {
		response.ServiceUnavailable(c, "report archive not configured")
		return
	}
	s, ok := h.load(c)
	if !ok {
		return
	}
	url, err := h.links.ReportURL(c.Request.Context(), storage.ReportKey(s.AcademyID.String(), s.ID.String()))
	if err != nil {
		if errors.Is(err, storage.ErrNotArchived) {
			response.NotFound(c, "report not archived yet")
			return
		}
		h.logger.Error("report link failed", zap.String("session_id", s.ID.String()), zap.Error(err))
		response.Internal(c, "failed to link report")
		return
	}
	c.Redirect(http.StatusFound, url)
}
