package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/itqan-platform/session-engine/pkg/queue"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeQueue struct {
	jobs []queue.AttendanceEventPayload
	err  error
}

func (q *fakeQueue) EnqueueAttendanceEvent(_ context.Context, p queue.AttendanceEventPayload) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, p)
	return fmt.Sprintf("job-%d", len(q.jobs)), nil
}

func post(h *Handler, body, signature string) *httptest.ResponseRecorder {
	r := gin.New()
	r.POST("/webhooks/meeting-events", h.MeetingEvents)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/meeting-events", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func eventsBody(n int) string {
	sid := uuid.NewString()
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"session_id":%q,"user_id":%q,"participant_id":"p%d","event_type":"join","timestamp":"2026-03-02T16:0%d:00+03:00"}`,
			sid, uuid.NewString(), i, i%10)
	}
	return `{"events":[` + strings.Join(parts, ",") + `]}`
}

func TestMeetingEventsQueuesEveryEvent(t *testing.T) {
	q := &fakeQueue{}
	h := NewHandler(q, "s3cret", zaptest.NewLogger(t))
	body := eventsBody(2)

	w := post(h, body, Sign([]byte("s3cret"), []byte(body)))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, q.jobs, 2)
	assert.Equal(t, "join", q.jobs[0].EventType)
	assert.Equal(t, "p1", q.jobs[1].ParticipantID)
	assert.Equal(t, 13, q.jobs[0].Timestamp.Hour(), "timestamps are normalized to UTC")
	assert.Contains(t, w.Body.String(), "job-2")
}

func TestMeetingEventsSignature(t *testing.T) {
	q := &fakeQueue{}
	h := NewHandler(q, "s3cret", nil)
	body := eventsBody(1)

	assert.Equal(t, http.StatusUnauthorized, post(h, body, "").Code)
	assert.Equal(t, http.StatusUnauthorized, post(h, body, Sign([]byte("other"), []byte(body))).Code)
	assert.Equal(t, http.StatusUnauthorized, post(h, body, "zz").Code)
	assert.Empty(t, q.jobs)

	unsigned := NewHandler(q, "", nil)
	assert.Equal(t, http.StatusAccepted, post(unsigned, body, "").Code)
}

func TestMeetingEventsValidation(t *testing.T) {
	h := NewHandler(&fakeQueue{}, "", nil)

	assert.Equal(t, http.StatusBadRequest, post(h, `{"events":[]}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, post(h, `{`, "").Code)
	bad := fmt.Sprintf(`{"events":[{"session_id":%q,"user_id":%q,"event_type":"wave","timestamp":"2026-03-02T16:00:00Z"}]}`,
		uuid.NewString(), uuid.NewString())
	assert.Equal(t, http.StatusBadRequest, post(h, bad, "").Code)
	assert.Equal(t, http.StatusBadRequest, post(h, eventsBody(maxBatch+1), "").Code)
}

func TestMeetingEventsQueueFailure(t *testing.T) {
	h := NewHandler(&fakeQueue{err: errors.New("redis down")}, "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, post(h, eventsBody(1), "").Code)
}
