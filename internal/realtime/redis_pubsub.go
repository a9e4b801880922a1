package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/itqan-platform/session-engine/internal/models"
)

const (
	channelPrefix = "session:"
	publishTTL    = 5 * time.Second

	// EventStatusChanged is published after every committed session transition.
	EventStatusChanged = "session.status_changed"
)

// Message is the envelope published on a session channel.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// StatusChange is the data of an EventStatusChanged message.
type StatusChange struct {
	SessionID       uuid.UUID            `json:"session_id"`
	From            models.SessionStatus `json:"from"`
	To              models.SessionStatus `json:"to"`
	MeetingRoomName *string              `json:"meeting_room_name,omitempty"`
	At              time.Time            `json:"at"`
}

// Channel returns the pub/sub channel of a session.
func Channel(sessionID uuid.UUID) string { return channelPrefix + sessionID.String() }

// NewStatusMessage builds the EventStatusChanged envelope for s.
func NewStatusMessage(s *models.Session, from models.SessionStatus) ([]byte, error) {
	data, err := json.Marshal(StatusChange{
		SessionID:       s.ID,
		From:            from,
		To:              s.Status,
		MeetingRoomName: s.MeetingRoomName,
		At:              s.UpdatedAt,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: EventStatusChanged, Data: data, At: s.UpdatedAt.Unix()})
}

// RedisPubSub broadcasts session events across instances.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for session events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

// SessionTransitioned publishes the transition on the session channel.
func (r *RedisPubSub) SessionTransitioned(ctx context.Context, s *models.Session, from models.SessionStatus) error {
	body, err := NewStatusMessage(s, from)
	if err != nil {
		return fmt.Errorf("encode status change: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTTL)
	defer cancel()
	if err := r.client.Publish(ctx, Channel(s.ID), body).Err(); err != nil {
		return fmt.Errorf("publish status change: %w", err)
	}
	return nil
}

// Subscribe delivers every message published on the session channel until ctx is done.
// The returned channel is closed when the subscription ends.
func (r *RedisPubSub) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan Message, error) {
	pubsub := r.client.Subscribe(ctx, Channel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	out := make(chan Message, 16)
	ch := pubsub.Channel()
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					r.logger.Warn("invalid session event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
