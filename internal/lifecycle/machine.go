package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itqan-platform/session-engine/internal/models"
)

// DefaultSideEffectTimeout bounds each asynchronous side effect (room provisioning, notifications).
const DefaultSideEffectTimeout = 20 * time.Second

// SessionStore persists sessions. CompareAndSwapSession writes next only if the stored
// status still equals expected, in a single atomic update. CompareAndSwapUnattended also
// requires, in the same update, that no participant ever joined the session.
type SessionStore interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	CompareAndSwapSession(ctx context.Context, next *models.Session, expected models.SessionStatus) (bool, error)
	CompareAndSwapUnattended(ctx context.Context, next *models.Session, expected models.SessionStatus) (bool, error)
	SetMeetingRoom(ctx context.Context, id uuid.UUID, roomName string) (bool, error)
}

// PolicyResolver returns the effective policy for a session.
type PolicyResolver interface {
	Resolve(ctx context.Context, s *models.Session) models.Policy
}

// ParticipationChecker reports whether anyone ever joined a session.
type ParticipationChecker interface {
	HasAnyJoin(ctx context.Context, sessionID uuid.UUID) (bool, error)
}

// RoomProvisioner creates (or reserves) the provider meeting room for a session.
type RoomProvisioner interface {
	ProvisionRoom(ctx context.Context, s *models.Session) (string, error)
}

// Notifier is told about every committed transition. Errors are logged only.
type Notifier interface {
	SessionTransitioned(ctx context.Context, s *models.Session, from models.SessionStatus) error
}

// Machine executes session transitions.
type Machine struct {
	store         SessionStore
	resolver      PolicyResolver
	participation ParticipationChecker
	rooms         RoomProvisioner
	notifiers     []Notifier
	now           func() time.Time
	timeout       time.Duration
	logger        *zap.Logger
	wg            sync.WaitGroup
}

// NewMachine creates a state machine over store.
func NewMachine(store SessionStore, resolver PolicyResolver, participation ParticipationChecker, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		store:         store,
		resolver:      resolver,
		participation: participation,
		now:           time.Now,
		timeout:       DefaultSideEffectTimeout,
		logger:        logger,
	}
}

// SetClock replaces the time source.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// SetRoomProvisioner sets the provider used when a session becomes READY.
func (m *Machine) SetRoomProvisioner(p RoomProvisioner) { m.rooms = p }

// AddNotifier registers a transition listener.
func (m *Machine) AddNotifier(n Notifier) { m.notifiers = append(m.notifiers, n) }

// SetSideEffectTimeout bounds each asynchronous side effect.
func (m *Machine) SetSideEffectTimeout(d time.Duration) { m.timeout = d }

// Now returns the machine's current time in UTC.
func (m *Machine) Now() time.Time { return m.now().UTC() }

// Policy resolves the current policy for s.
func (m *Machine) Policy(ctx context.Context, s *models.Session) models.Policy {
	return m.resolver.Resolve(ctx, s)
}

// HasAnyJoin reports whether any participant ever joined s.
func (m *Machine) HasAnyJoin(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	if m.participation == nil {
		return false, nil
	}
	return m.participation.HasAnyJoin(ctx, sessionID)
}

// Wait blocks until all in-flight side effects finished.
func (m *Machine) Wait() { m.wg.Wait() }

// TransitionToReady opens the preparation window and triggers room provisioning.
func (m *Machine) TransitionToReady(ctx context.Context, s *models.Session) (bool, error) {
	now := m.Now()
	if !ShouldTransitionToReady(now, s, m.Policy(ctx, s)) {
		return m.reject(s, models.StatusReady, "not due")
	}
	next := s.Clone()
	next.Status = models.StatusReady
	next.PreparationCompletedAt = &now
	ok, err := m.commit(ctx, s, &next)
	if !ok || err != nil {
		return ok, err
	}
	if m.rooms != nil && s.MeetingRoomName == nil {
		snapshot := s.Clone()
		m.sideEffect(s, "provision_room", func(ctx context.Context) error {
			room, err := m.rooms.ProvisionRoom(ctx, &snapshot)
			if err != nil {
				return err
			}
			if _, err := m.store.SetMeetingRoom(ctx, snapshot.ID, room); err != nil {
				return fmt.Errorf("store room name: %w", err)
			}
			m.logger.Info("meeting room provisioned",
				zap.String("session_id", snapshot.ID.String()),
				zap.String("room_name", room),
			)
			return nil
		})
	}
	return true, nil
}

// TransitionToOngoing starts a READY session. Both the sweep and the first-join signal use it.
func (m *Machine) TransitionToOngoing(ctx context.Context, s *models.Session) (bool, error) {
	now := m.Now()
	if !ShouldTransitionToOngoing(now, s, m.Policy(ctx, s)) {
		return m.reject(s, models.StatusOngoing, "not due")
	}
	next := s.Clone()
	next.Status = models.StatusOngoing
	if next.StartedAt == nil {
		next.StartedAt = &now
	}
	return m.commit(ctx, s, &next)
}

// TransitionToCompleted auto-completes an ONGOING session past its end plus buffer.
func (m *Machine) TransitionToCompleted(ctx context.Context, s *models.Session) (bool, error) {
	now := m.Now()
	if !ShouldAutoComplete(now, s, m.Policy(ctx, s)) {
		return m.reject(s, models.StatusCompleted, "not due")
	}
	return m.complete(ctx, s, now)
}

// ForceComplete completes a SCHEDULED, READY or ONGOING session regardless of time.
func (m *Machine) ForceComplete(ctx context.Context, s *models.Session) (bool, error) {
	if !CanTransition(s.Status, models.StatusCompleted) {
		return m.reject(s, models.StatusCompleted, "invalid transition")
	}
	return m.complete(ctx, s, m.Now())
}

func (m *Machine) complete(ctx context.Context, s *models.Session, now time.Time) (bool, error) {
	next := s.Clone()
	next.Status = models.StatusCompleted
	next.EndedAt = &now
	d := ActualDurationMinutes(s.StartedAt, now)
	next.ActualDurationMinutes = &d
	return m.commit(ctx, s, &next)
}

// TransitionToAbsent ends a READY personal-grace session nobody joined within the grace period.
func (m *Machine) TransitionToAbsent(ctx context.Context, s *models.Session) (bool, error) {
	now := m.Now()
	p := m.Policy(ctx, s)
	if !p.HasPersonalGrace || s.Status != models.StatusReady {
		return m.reject(s, models.StatusAbsent, "not applicable")
	}
	joined, err := m.HasAnyJoin(ctx, s.ID)
	if err != nil {
		return false, fmt.Errorf("check participation: %w", err)
	}
	if !ShouldTransitionToAbsent(now, s, p, joined) {
		return m.reject(s, models.StatusAbsent, "not due")
	}
	next := s.Clone()
	next.Status = models.StatusAbsent
	next.EndedAt = &now
	absent := models.AttendanceAbsent
	next.AttendanceStatus = &absent
	// A join may land between the check above and the write.
	return m.commitWith(ctx, s, &next, m.store.CompareAndSwapUnattended)
}

// Cancel moves a SCHEDULED or READY session to CANCELLED.
func (m *Machine) Cancel(ctx context.Context, s *models.Session, reason string) (bool, error) {
	if !CanTransition(s.Status, models.StatusCancelled) {
		return m.reject(s, models.StatusCancelled, "invalid transition")
	}
	now := m.Now()
	next := s.Clone()
	next.Status = models.StatusCancelled
	next.EndedAt = &now
	if reason != "" {
		next.CancellationReason = &reason
	}
	return m.commit(ctx, s, &next)
}

// StartOnJoin is the "first participant joined" trigger: it starts the session when due.
func (m *Machine) StartOnJoin(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("load session: %w", err)
	}
	if s.Status != models.StatusReady {
		return false, nil
	}
	return m.TransitionToOngoing(ctx, s)
}

type swapFunc func(ctx context.Context, next *models.Session, expected models.SessionStatus) (bool, error)

// commit persists next with compare-and-set on the current status of s. On success s is
// updated in place and notifiers are scheduled.
func (m *Machine) commit(ctx context.Context, s *models.Session, next *models.Session) (bool, error) {
	return m.commitWith(ctx, s, next, m.store.CompareAndSwapSession)
}

func (m *Machine) commitWith(ctx context.Context, s *models.Session, next *models.Session, swap swapFunc) (bool, error) {
	from := s.Status
	if !CanTransition(from, next.Status) {
		return m.reject(s, next.Status, "invalid transition")
	}
	next.UpdatedAt = m.Now()
	ok, err := swap(ctx, next, from)
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", from, next.Status, err)
	}
	if !ok {
		m.logger.Debug("transition lost race",
			zap.String("session_id", s.ID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(next.Status)),
		)
		return false, nil
	}
	*s = next.Clone()
	m.logger.Info("session transitioned",
		zap.String("session_id", s.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(s.Status)),
	)
	for _, n := range m.notifiers {
		n := n
		snapshot := s.Clone()
		m.sideEffect(s, "notify", func(ctx context.Context) error {
			return n.SessionTransitioned(ctx, &snapshot, from)
		})
	}
	return true, nil
}

func (m *Machine) reject(s *models.Session, to models.SessionStatus, reason string) (bool, error) {
	m.logger.Debug("transition skipped",
		zap.String("session_id", s.ID.String()),
		zap.String("from", string(s.Status)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	return false, nil
}

// sideEffect runs fn asynchronously with its own timeout; failures are logged.
func (m *Machine) sideEffect(s *models.Session, stage string, fn func(ctx context.Context) error) {
	id := s.ID.String()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("side effect panicked",
					zap.String("session_id", id),
					zap.String("stage", stage),
					zap.Any("panic", r),
				)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			m.logger.Error("side effect failed",
				zap.String("session_id", id),
				zap.String("stage", stage),
				zap.Error(err),
			)
		}
	}()
}
