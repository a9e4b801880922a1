package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itqan-platform/session-engine/internal/attendance"
	"github.com/itqan-platform/session-engine/internal/models"
	"github.com/itqan-platform/session-engine/pkg/database"
	"github.com/itqan-platform/session-engine/pkg/queue"
)

// ErrPermanent marks jobs that can never succeed; they go straight to the DLQ.
var ErrPermanent = errors.New("permanent job failure")

// JobQueue is the queue surface the processor consumes.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
	DeadLetter(ctx context.Context, job *queue.Job) error
}

// EventApplier records a participant event.
type EventApplier interface {
	ApplyEvent(ctx context.Context, e models.AttendanceEvent) (*attendance.Result, error)
}

// SessionStarter starts a READY session when its first participant arrives.
type SessionStarter interface {
	StartOnJoin(ctx context.Context, sessionID uuid.UUID) (bool, error)
}

// AttendanceProcessor applies queued join/leave events.
type AttendanceProcessor struct {
	queue   JobQueue
	events  EventApplier
	starter SessionStarter
	backoff time.Duration
	logger  *zap.Logger
}

// NewAttendanceProcessor creates an attendance event processor. starter may be nil.
func NewAttendanceProcessor(q JobQueue, events EventApplier, starter SessionStarter, logger *zap.Logger) *AttendanceProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttendanceProcessor{queue: q, events: events, starter: starter, backoff: queue.RetryBackoff, logger: logger}
}

// EventFromPayload converts a queued payload into a reconciler event.
func EventFromPayload(p queue.AttendanceEventPayload) models.AttendanceEvent {
	return models.AttendanceEvent{
		SessionID:     p.SessionID,
		UserID:        p.UserID,
		UserType:      models.UserType(p.UserType),
		ParticipantID: p.ParticipantID,
		Type:          models.EventType(p.EventType),
		Timestamp:     p.Timestamp,
		JoinedAt:      p.JoinedAt,
	}
}

// Process executes one attendance event job.
func (p *AttendanceProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeAttendanceEvent {
		return fmt.Errorf("%w: unknown job type %s", ErrPermanent, job.Type)
	}
	var payload queue.AttendanceEventPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: unmarshal payload: %v", ErrPermanent, err)
	}

	e := EventFromPayload(payload)
	res, err := p.events.ApplyEvent(ctx, e)
	if err != nil {
		if errors.Is(err, attendance.ErrInvalidEvent) || errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return fmt.Errorf("apply event: %w", err)
	}

	if e.Type == models.EventJoin && !res.Duplicate && p.starter != nil {
		// The sweep starts the session anyway; a failure here only delays it.
		if _, err := p.starter.StartOnJoin(ctx, e.SessionID); err != nil {
			p.logger.Warn("start on join failed",
				zap.String("session_id", e.SessionID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *AttendanceProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("attendance worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		err = p.Process(ctx, job)
		switch {
		case err == nil:
		case errors.Is(err, ErrPermanent):
			p.logger.Error("job rejected", zap.String("job_id", job.ID), zap.Error(err))
			if dlErr := p.queue.DeadLetter(ctx, job); dlErr != nil {
				p.logger.Error("dead-letter failed", zap.Error(dlErr))
			}
		default:
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *AttendanceProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
