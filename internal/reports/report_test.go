package reports

import (
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

	"github.com/itqan-platform/session-engine/internal/attendance"
	"github.com/itqan-platform/session-engine/internal/memstore"
	"github.com/itqan-platform/session-engine/internal/models"
	"github.com/itqan-platform/session-engine/internal/policy"
	"github.com/itqan-platform/session-engine/pkg/storage"
)

var t0 = time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)

func at(min int) time.Time { return t0.Add(time.Duration(min) * time.Minute) }

func init() { gin.SetMode(gin.TestMode) }

type fakeArchive struct {
	objects map[string][]byte
	err     error
}

func (f *fakeArchive) ArchiveReport(_ context.Context, key string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.objects[key] = body
	return nil
}

func (f *fakeArchive) ReportURL(_ context.Context, key string) (string, error) {
	if _, ok := f.objects[key]; !ok {
		return "", storage.ErrNotArchived
	}
	return "https://archive.example/" + key, nil
}

type fixture struct {
	store   *memstore.Store
	session models.Session
	builder *Builder
	archive *fakeArchive
	student uuid.UUID
	late    uuid.UUID
	teacher uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memstore.New(),
		session: models.Session{
			ID:              uuid.New(),
			AcademyID:       uuid.New(),
			Type:            models.SessionTypeIndividual,
			Status:          models.StatusCompleted,
			ScheduledAt:     t0,
			DurationMinutes: 60,
		},
		archive: &fakeArchive{objects: map[string][]byte{}},
		student: uuid.New(),
		late:    uuid.New(),
		teacher: uuid.New(),
	}
	f.store.PutSession(f.session)
	rec := attendance.NewReconciler(f.store, f.store, zaptest.NewLogger(t))

	events := []models.AttendanceEvent{
		{UserID: f.student, Type: models.EventJoin, Timestamp: at(2)},
		{UserID: f.student, Type: models.EventLeave, Timestamp: at(55)},
		{UserID: f.late, Type: models.EventJoin, Timestamp: at(20)},
		{UserID: f.late, Type: models.EventLeave, Timestamp: at(60)},
		// Still connected when the report is taken.
		{UserID: f.teacher, UserType: models.UserTypeTeacher, Type: models.EventJoin, Timestamp: at(0)},
	}
	for _, e := range events {
		e.SessionID = f.session.ID
		_, err := rec.ApplyEvent(context.Background(), e)
		require.NoError(t, err)
	}

	f.builder = NewBuilder(f.store, policy.NewResolver(nil, nil), attendance.NewEvaluator(attendance.DefaultThresholds))
	f.builder.SetClock(func() time.Time { return at(70) })
	return f
}

func TestBuildEvaluatesEveryAttendee(t *testing.T) {
	f := newFixture(t)
	r, err := f.builder.Build(context.Background(), &f.session)
	require.NoError(t, err)

	require.Len(t, r.Participants, 3)
	assert.True(t, r.Final)
	assert.Equal(t, f.teacher, r.Participants[0].UserID, "teachers are listed first")

	byUser := map[uuid.UUID]Participant{}
	for _, p := range r.Participants {
		byUser[p.UserID] = p
	}
	assert.Equal(t, 60, byUser[f.teacher].TotalDurationMinutes, "open cycle counts up to the window end")
	assert.Equal(t, models.AttendancePresent, byUser[f.teacher].Classification.Status)

	assert.Equal(t, 53, byUser[f.student].TotalDurationMinutes)
	assert.Equal(t, models.AttendancePresent, byUser[f.student].Classification.Status)
	assert.InDelta(t, 88.33, byUser[f.student].Classification.AttendancePercentage, 0.001)

	lateC := byUser[f.late].Classification
	assert.Equal(t, models.AttendanceAbsent, lateC.Status)
	assert.True(t, lateC.IsLate)
	assert.Equal(t, 20, lateC.LateMinutes)

	assert.Equal(t, 2, r.Totals[models.AttendancePresent])
	assert.Equal(t, 1, r.Totals[models.AttendanceAbsent])
}

func TestFinalizerPersistsAndArchives(t *testing.T) {
	f := newFixture(t)
	fin := NewFinalizer(f.builder, f.store, f.archive, zaptest.NewLogger(t))

	ongoing := f.session.Clone()
	ongoing.Status = models.StatusOngoing
	require.NoError(t, fin.SessionTransitioned(context.Background(), &ongoing, models.StatusReady))
	assert.Empty(t, f.archive.objects, "only ended sessions are finalized")

	require.NoError(t, fin.SessionTransitioned(context.Background(), &f.session, models.StatusOngoing))

	a, err := f.store.GetAttendance(context.Background(), f.session.ID, f.student)
	require.NoError(t, err)
	require.NotNil(t, a.Classification)
	assert.Equal(t, models.AttendancePresent, a.Classification.Status)
	require.NotNil(t, a.CalculatedAt)
	assert.Equal(t, at(70), *a.CalculatedAt)

	key := storage.ReportKey(f.session.AcademyID.String(), f.session.ID.String())
	require.Contains(t, f.archive.objects, key)
	var archived Report
	require.NoError(t, json.Unmarshal(f.archive.objects[key], &archived))
	assert.Equal(t, f.session.ID, archived.SessionID)
	assert.Len(t, archived.Participants, 3)
}

func TestLateEventsAfterFinalizationUpdateClassification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := NewFinalizer(f.builder, f.store, nil, nil).Finalize(ctx, &f.session)
	require.NoError(t, err)

	a, err := f.store.GetAttendance(ctx, f.session.ID, f.teacher)
	require.NoError(t, err)
	require.NotNil(t, a.Classification)
	require.Equal(t, models.AttendancePresent, a.Classification.Status)

	rec := attendance.NewReconciler(f.store, f.store, zaptest.NewLogger(t))
	rec.SetClock(func() time.Time { return at(80) })
	rec.SetClassifier(f.builder)

	// The teacher's leave is delivered long after the session completed.
	_, err = rec.ApplyEvent(ctx, models.AttendanceEvent{
		SessionID: f.session.ID, UserID: f.teacher, UserType: models.UserTypeTeacher,
		Type: models.EventLeave, Timestamp: at(10),
	})
	require.NoError(t, err)

	a, err = f.store.GetAttendance(ctx, f.session.ID, f.teacher)
	require.NoError(t, err)
	assert.Equal(t, 10, a.TotalDurationMinutes)
	require.NotNil(t, a.Classification)
	assert.Equal(t, models.AttendanceLate, a.Classification.Status)
	assert.InDelta(t, 16.67, a.Classification.AttendancePercentage, 0.001)
	require.NotNil(t, a.CalculatedAt)
	assert.Equal(t, at(80), *a.CalculatedAt)

	// A participant first seen after finalization is classified as well.
	newcomer := uuid.New()
	_, err = rec.ApplyEvent(ctx, models.AttendanceEvent{
		SessionID: f.session.ID, UserID: newcomer, Type: models.EventJoin, Timestamp: at(5),
	})
	require.NoError(t, err)
	a, err = f.store.GetAttendance(ctx, f.session.ID, newcomer)
	require.NoError(t, err)
	require.NotNil(t, a.Classification)
	assert.Equal(t, models.AttendancePresent, a.Classification.Status)

	r, err := f.builder.Build(ctx, &f.session)
	require.NoError(t, err)
	for _, p := range r.Participants {
		stored, err := f.store.GetAttendance(ctx, f.session.ID, p.UserID)
		require.NoError(t, err)
		assert.Equal(t, p.Classification, *stored.Classification, "stored and live outcome agree for %s", p.UserID)
	}
}

func TestFinalizerSurfacesArchiveFailure(t *testing.T) {
	f := newFixture(t)
	f.archive.err = errors.New("s3 down")
	fin := NewFinalizer(f.builder, f.store, f.archive, nil)
	_, err := fin.Finalize(context.Background(), &f.session)
	assert.ErrorContains(t, err, "archive report")
}

func TestHandler(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.store, f.builder, f.archive, zaptest.NewLogger(t))
	r := gin.New()
	r.GET("/sessions/:id/report", h.GetReport)
	r.GET("/sessions/:id/report/archive", h.GetArchive)
	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}
	base := "/sessions/" + f.session.ID.String()

	w := get(base + "/report")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data Report `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Data.Participants, 3)

	assert.Equal(t, http.StatusNotFound, get(base+"/report/archive").Code)
	_, err := NewFinalizer(f.builder, f.store, f.archive, nil).Finalize(context.Background(), &f.session)
	require.NoError(t, err)
	w = get(base + "/report/archive")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "https://archive.example/reports/")

	assert.Equal(t, http.StatusNotFound, get("/sessions/"+uuid.NewString()+"/report").Code)
	assert.Equal(t, http.StatusBadRequest, get("/sessions/x/report").Code)
}
