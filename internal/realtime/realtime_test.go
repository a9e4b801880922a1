package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/itqan-platform/session-engine/internal/models"
)

func init() { gin.SetMode(gin.TestMode) }

func TestNewStatusMessage(t *testing.T) {
	room := "session-abc"
	s := &models.Session{
		ID:              uuid.New(),
		Status:          models.StatusReady,
		MeetingRoomName: &room,
		UpdatedAt:       time.Date(2026, 3, 2, 15, 50, 0, 0, time.UTC),
	}
	raw, err := NewStatusMessage(s, models.StatusScheduled)
	require.NoError(t, err)

	var m Message
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, EventStatusChanged, m.Event)
	assert.Equal(t, s.UpdatedAt.Unix(), m.At)

	var change StatusChange
	require.NoError(t, json.Unmarshal(m.Data, &change))
	assert.Equal(t, s.ID, change.SessionID)
	assert.Equal(t, models.StatusScheduled, change.From)
	assert.Equal(t, models.StatusReady, change.To)
	assert.Equal(t, room, *change.MeetingRoomName)
	assert.Equal(t, "session:"+s.ID.String(), Channel(s.ID))
}

type fakeSubscriber struct {
	feed chan Message
	err  error
}

func (f *fakeSubscriber) Subscribe(context.Context, uuid.UUID) (<-chan Message, error) {
	return f.feed, f.err
}

func TestStreamForwardsMessages(t *testing.T) {
	subs := &fakeSubscriber{feed: make(chan Message, 1)}
	r := gin.New()
	r.GET("/sessions/:id/events", NewStreamHandler(subs, nil, zaptest.NewLogger(t)).Serve)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + uuid.NewString() + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	subs.feed <- Message{Event: EventStatusChanged, Data: json.RawMessage(`{"to":"ongoing"}`), At: 1}
	var got Message
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, EventStatusChanged, got.Event)
	assert.JSONEq(t, `{"to":"ongoing"}`, string(got.Data))
}

func TestStreamRejectsBadRequests(t *testing.T) {
	r := gin.New()
	r.GET("/sessions/:id/events", NewStreamHandler(&fakeSubscriber{err: errors.New("redis down")}, nil, nil).Serve)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/nope/events", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/"+uuid.NewString()+"/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
