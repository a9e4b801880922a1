package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/itqan-platform/session-engine/internal/auth"
	"github.com/itqan-platform/session-engine/internal/lifecycle"
	"github.com/itqan-platform/session-engine/internal/memstore"
	"github.com/itqan-platform/session-engine/internal/middleware"
	"github.com/itqan-platform/session-engine/internal/models"
	"github.com/itqan-platform/session-engine/internal/policy"
	"github.com/itqan-platform/session-engine/internal/scheduler"
)

var now = time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)

func init() { gin.SetMode(gin.TestMode) }

type stubSweeper struct {
	scope models.SessionScope
	err   error
}

func (s *stubSweeper) RunOnce(_ context.Context, scope models.SessionScope) (*scheduler.Result, error) {
	s.scope = scope
	if s.err != nil {
		return nil, s.err
	}
	return &scheduler.Result{Candidates: 3, Summary: scheduler.Summary{Ready: 1}}, nil
}

type env struct {
	store   *memstore.Store
	sweeper *stubSweeper
	router  *gin.Engine
	academy uuid.UUID
	role    string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)
	e := &env{store: memstore.New(), sweeper: &stubSweeper{}, academy: uuid.New(), role: auth.RoleSupervisor}
	m := lifecycle.NewMachine(e.store, policy.NewResolver(e.store, logger), e.store, logger)
	m.SetClock(func() time.Time { return now })
	t.Cleanup(m.Wait)

	h := NewHandler(e.store, m, e.sweeper, logger)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserID, uuid.New())
		c.Set(middleware.ContextUserRole, e.role)
		c.Set(middleware.ContextAcademyID, e.academy)
	})
	r.GET("/sessions/:id", h.Get)
	r.POST("/admin/sessions", h.Create)
	r.POST("/admin/sessions/:id/complete", h.Complete)
	r.POST("/admin/sessions/:id/cancel", h.Cancel)
	r.POST("/admin/scheduler/run", h.RunScheduler)
	e.router = r
	return e
}

func (e *env) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) add(status models.SessionStatus) models.Session {
	s := models.Session{
		ID:              uuid.New(),
		AcademyID:       e.academy,
		Type:            models.SessionTypeGroupCircle,
		Status:          status,
		ScheduledAt:     now.Add(time.Hour),
		DurationMinutes: 45,
	}
	e.store.PutSession(s)
	return s
}

func TestCreateSession(t *testing.T) {
	e := newEnv(t)
	body := `{"academy_id":"` + e.academy.String() + `","session_type":"individual","scheduled_at":"2026-03-02T19:00:00+03:00",` +
		`"duration_minutes":30,"owner_kind":"individual_circle","owner_id":"` + uuid.NewString() + `"}`
	w := e.do(http.MethodPost, "/admin/sessions", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Data models.Session `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusScheduled, resp.Data.Status)
	assert.Equal(t, now, resp.Data.ScheduledAt)

	stored, err := e.store.GetSession(context.Background(), resp.Data.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTypeIndividual, stored.Type)

	bad := `{"academy_id":"` + e.academy.String() + `","session_type":"webinar","scheduled_at":"2026-03-02T19:00:00Z",` +
		`"duration_minutes":30,"owner_kind":"circle","owner_id":"` + uuid.NewString() + `"}`
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/admin/sessions", bad).Code)
}

func TestCompleteAndCancel(t *testing.T) {
	e := newEnv(t)
	ready := e.add(models.StatusReady)
	w := e.do(http.MethodPost, "/admin/sessions/"+ready.ID.String()+"/complete", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got, _ := e.store.GetSession(context.Background(), ready.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)

	// Terminal sessions stay put.
	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, "/admin/sessions/"+ready.ID.String()+"/cancel", "").Code)

	scheduled := e.add(models.StatusScheduled)
	w = e.do(http.MethodPost, "/admin/sessions/"+scheduled.ID.String()+"/cancel", `{"reason":"teacher sick"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got, _ = e.store.GetSession(context.Background(), scheduled.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	require.NotNil(t, got.CancellationReason)
	assert.Equal(t, "teacher sick", *got.CancellationReason)
}

func TestSessionAccessIsScopedToAcademy(t *testing.T) {
	e := newEnv(t)
	s := e.add(models.StatusScheduled)

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/sessions/"+s.ID.String(), "").Code)
	e.academy = uuid.New()
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/sessions/"+s.ID.String(), "").Code)
	e.role = auth.RoleAdmin
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/sessions/"+s.ID.String(), "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/sessions/"+uuid.NewString(), "").Code)
}

func TestRunScheduler(t *testing.T) {
	e := newEnv(t)
	academy := uuid.New()
	w := e.do(http.MethodPost, "/admin/scheduler/run?academy_id="+academy.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, e.sweeper.scope.AcademyID)
	assert.Equal(t, academy, *e.sweeper.scope.AcademyID)
	assert.Contains(t, w.Body.String(), `"candidates":3`)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/admin/scheduler/run?academy_id=x", "").Code)
	e.sweeper.err = errors.New("db down")
	assert.Equal(t, http.StatusServiceUnavailable, e.do(http.MethodPost, "/admin/scheduler/run", "").Code)
}
