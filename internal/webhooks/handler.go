// Package webhooks accepts participant events pushed by the video provider.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itqan-platform/session-engine/pkg/queue"
	"github.com/itqan-platform/session-engine/pkg/response"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// maxBatch bounds the events accepted in one delivery.
const maxBatch = 100

// Enqueuer hands accepted events to the attendance worker.
type Enqueuer interface {
	EnqueueAttendanceEvent(ctx context.Context, p queue.AttendanceEventPayload) (string, error)
}

// ParticipantEvent is one join or leave reported by the provider.
type ParticipantEvent struct {
	SessionID     uuid.UUID  `json:"session_id" binding:"required"`
	UserID        uuid.UUID  `json:"user_id" binding:"required"`
	UserType      string     `json:"user_type" binding:"omitempty,oneof=student teacher"`
	ParticipantID string     `json:"participant_id" binding:"max=128"`
	EventType     string     `json:"event_type" binding:"required,oneof=join leave"`
	Timestamp     time.Time  `json:"timestamp" binding:"required"`
	JoinedAt      *time.Time `json:"joined_at"`
}

// MeetingEventsRequest is the body of POST /webhooks/meeting-events.
type MeetingEventsRequest struct {
	Events []ParticipantEvent `json:"events" binding:"required,min=1,dive"`
}

// Handler validates provider deliveries and queues them.
type Handler struct {
	queue  Enqueuer
	secret []byte
	logger *zap.Logger
}

// NewHandler creates a webhook handler. An empty secret disables signature checks.
func NewHandler(q Enqueuer, secret string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{queue: q, secret: []byte(secret), logger: logger}
}

// Sign returns the signature the provider is expected to send for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Handler) verify(signature string, body []byte) bool {
	if len(h.secret) == 0 {
		return true
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// MeetingEvents handles POST /webhooks/meeting-events.
// Events are acknowledged once queued; the worker applies them.
func (h *Handler) MeetingEvents(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}
	if !h.verify(c.GetHeader(SignatureHeader), raw) {
		h.logger.Warn("webhook signature mismatch", zap.String("remote", c.ClientIP()))
		response.Unauthorized(c, "invalid signature")
		return
	}
	var req MeetingEventsRequest
	if err := binding.JSON.BindBody(raw, &req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if len(req.Events) > maxBatch {
		response.BadRequest(c, "too many events in one delivery")
		return
	}

	ids := make([]string, 0, len(req.Events))
	for _, e := range req.Events {
		id, err := h.queue.EnqueueAttendanceEvent(c.Request.Context(), queue.AttendanceEventPayload{
			SessionID:     e.SessionID,
			UserID:        e.UserID,
			UserType:      e.UserType,
			ParticipantID: e.ParticipantID,
			EventType:     e.EventType,
			Timestamp:     e.Timestamp.UTC(),
			JoinedAt:      e.JoinedAt,
		})
		if err != nil {
			// The provider redelivers the whole batch; replayed events are deduplicated.
			h.logger.Error("enqueue attendance event failed", zap.String("session_id", e.SessionID.String()), zap.Error(err))
			response.ServiceUnavailable(c, "failed to queue events")
			return
		}
		ids = append(ids, id)
	}
	h.logger.Debug("meeting events queued", zap.Int("count", len(ids)))
	response.Accepted(c, gin.H{"job_ids": ids})
}
