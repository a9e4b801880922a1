// Package attendance reconciles participant join/leave events into attendance cycles and
// classifies the resulting attendance.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itqan-platform/session-engine/internal/models"
)

// ErrInvalidEvent is returned for events missing identifiers or carrying an unknown type.
var ErrInvalidEvent = errors.New("invalid attendance event")

// Store persists MeetingAttendance records.
//
// UpdateAttendance loads (or creates) the record for the pair and runs fn while holding the
// pair's lock; the record is written back only when fn reports a change.
type Store interface {
	UpdateAttendance(ctx context.Context, sessionID, userID uuid.UUID, userType models.UserType,
		fn func(a *models.MeetingAttendance) (bool, error)) (*models.MeetingAttendance, error)
	GetAttendance(ctx context.Context, sessionID, userID uuid.UUID) (*models.MeetingAttendance, error)
	ListAttendances(ctx context.Context, sessionID uuid.UUID) ([]models.MeetingAttendance, error)
}

// SessionGetter loads the session an event belongs to.
type SessionGetter interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// Classifier evaluates one record of a session that already ended.
type Classifier interface {
	Classify(ctx context.Context, s *models.Session, a *models.MeetingAttendance, now time.Time) models.Classification
}

// Result describes the outcome of applying one event.
type Result struct {
	Attendance *models.MeetingAttendance
	Duplicate  bool
}

// Reconciler applies join/leave events.
type Reconciler struct {
	store      Store
	sessions   SessionGetter
	classifier Classifier
	now        func() time.Time
	logger     *zap.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(store Store, sessions SessionGetter, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, sessions: sessions, now: time.Now, logger: logger}
}

// SetClock replaces the time source.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// SetClassifier makes every change to a record of a completed or absent session refresh its
// stored classification in the same write.
func (r *Reconciler) SetClassifier(c Classifier) { r.classifier = c }

// Validate checks the fields every event must carry.
func Validate(e models.AttendanceEvent) error {
	switch {
	case e.SessionID == uuid.Nil:
		return fmt.Errorf("%w: missing session id", ErrInvalidEvent)
	case e.UserID == uuid.Nil:
		return fmt.Errorf("%w: missing user id", ErrInvalidEvent)
	case e.Type != models.EventJoin && e.Type != models.EventLeave:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	return nil
}

// ApplyEvent records e for its (session, user) pair. Redelivery of an identical event is a no-op.
func (r *Reconciler) ApplyEvent(ctx context.Context, e models.AttendanceEvent) (*Result, error) {
	if err := Validate(e); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.UserType == "" {
		e.UserType = models.UserTypeStudent
	}

	s, err := r.sessions.GetSession(ctx, e.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	duplicate := false
	a, err := r.store.UpdateAttendance(ctx, e.SessionID, e.UserID, e.UserType, func(a *models.MeetingAttendance) (bool, error) {
		if hasEvent(a, e) {
			duplicate = true
			return false, nil
		}
		a.Events = append(a.Events, e)
		rebuild(a, s)
		return true, r.reclassify(ctx, a)
	})
	if err != nil {
		return nil, fmt.Errorf("update attendance: %w", err)
	}

	fields := []zap.Field{
		zap.String("session_id", e.SessionID.String()),
		zap.String("user_id", e.UserID.String()),
		zap.String("participant_id", e.ParticipantID),
		zap.String("event", string(e.Type)),
		zap.Time("timestamp", e.Timestamp),
	}
	if duplicate {
		r.logger.Debug("duplicate attendance event ignored", fields...)
	} else {
		r.logger.Info("attendance event applied", append(fields,
			zap.Int("total_duration_minutes", a.TotalDurationMinutes),
			zap.Int("cycles", len(a.Cycles)),
		)...)
	}
	return &Result{Attendance: a, Duplicate: duplicate}, nil
}

// Status returns the live attendance view for one user. A user with no record is reported
// as not in the meeting with zero minutes.
func (r *Reconciler) Status(ctx context.Context, sessionID, userID uuid.UUID) (models.CurrentStatus, error) {
	s, err := r.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return models.CurrentStatus{}, fmt.Errorf("load session: %w", err)
	}
	a, err := r.store.GetAttendance(ctx, sessionID, userID)
	if err != nil {
		return models.CurrentStatus{}, fmt.Errorf("load attendance: %w", err)
	}
	return CurrentStatus(s, a, r.now().UTC()), nil
}

// CloseStaleCycles closes cycles still open after the post-session grace by recording a
// synthetic leave at the nominal end. A later real leave supersedes it. It returns the number
// of records changed.
func (r *Reconciler) CloseStaleCycles(ctx context.Context, s *models.Session) (int, error) {
	if !r.now().After(s.EndsAt().Add(PostSessionGrace)) {
		return 0, nil
	}
	list, err := r.store.ListAttendances(ctx, s.ID)
	if err != nil {
		return 0, fmt.Errorf("list attendances: %w", err)
	}
	closed := 0
	for i := range list {
		idx := list[i].OpenCycle()
		if idx < 0 {
			continue
		}
		e := models.AttendanceEvent{
			SessionID:     s.ID,
			UserID:        list[i].UserID,
			UserType:      list[i].UserType,
			ParticipantID: list[i].Cycles[idx].ParticipantID,
			Type:          models.EventLeave,
			Timestamp:     s.EndsAt().UTC(),
			Synthetic:     true,
		}
		changed := false
		_, err := r.store.UpdateAttendance(ctx, s.ID, list[i].UserID, list[i].UserType, func(a *models.MeetingAttendance) (bool, error) {
			if a.OpenCycle() < 0 || hasEvent(a, e) {
				return false, nil
			}
			a.Events = append(a.Events, e)
			rebuild(a, s)
			changed = true
			return true, r.reclassify(ctx, a)
		})
		if err != nil {
			return closed, fmt.Errorf("auto-close cycle: %w", err)
		}
		if changed {
			closed++
			r.logger.Info("stale attendance cycle auto-closed",
				zap.String("session_id", s.ID.String()),
				zap.String("user_id", list[i].UserID.String()),
			)
		}
	}
	return closed, nil
}

// reclassify runs while the record is locked. The session is re-read there, so a completion
// committed before the lock was taken is always seen.
func (r *Reconciler) reclassify(ctx context.Context, a *models.MeetingAttendance) error {
	if r.classifier == nil {
		return nil
	}
	s, err := r.sessions.GetSession(ctx, a.SessionID)
	if err != nil {
		return fmt.Errorf("reload session: %w", err)
	}
	if s.Status != models.StatusCompleted && s.Status != models.StatusAbsent {
		return nil
	}
	now := r.now().UTC()
	c := r.classifier.Classify(ctx, s, a, now)
	a.Classification = &c
	a.CalculatedAt = &now
	return nil
}
