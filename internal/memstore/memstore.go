// Package memstore keeps sessions, attendance and policy settings in memory. It backs the
// tests and the worker's dry-run mode.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itqan-platform/session-engine/internal/models"
	"github.com/itqan-platform/session-engine/pkg/database"
)

type attendanceKey struct {
	session uuid.UUID
	user    uuid.UUID
}

type settingsKey struct {
	kind models.OwnerKind
	id   uuid.UUID
}

// Store is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	sessions    map[uuid.UUID]models.Session
	attendances map[attendanceKey]models.MeetingAttendance
	settings    map[settingsKey]models.PolicyOverrides

	locksMu sync.Mutex
	locks   map[attendanceKey]*sync.Mutex
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sessions:    make(map[uuid.UUID]models.Session),
		attendances: make(map[attendanceKey]models.MeetingAttendance),
		settings:    make(map[settingsKey]models.PolicyOverrides),
		locks:       make(map[attendanceKey]*sync.Mutex),
	}
}

// PutSession inserts or replaces s.
func (m *Store) PutSession(s models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
}

func (m *Store) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	out := s.Clone()
	return &out, nil
}

func (m *Store) CompareAndSwapSession(_ context.Context, next *models.Session, expected models.SessionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swapLocked(next, expected)
}

// CompareAndSwapUnattended swaps only while no attendance record of the session has a join.
func (m *Store) CompareAndSwapUnattended(_ context.Context, next *models.Session, expected models.SessionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, a := range m.attendances {
		if k.session == next.ID && a.HasJoined() {
			return false, nil
		}
	}
	return m.swapLocked(next, expected)
}

func (m *Store) swapLocked(next *models.Session, expected models.SessionStatus) (bool, error) {
	cur, ok := m.sessions[next.ID]
	if !ok {
		return false, database.ErrNotFound
	}
	if cur.Status != expected {
		return false, nil
	}
	updated := next.Clone()
	// The room name is owned by SetMeetingRoom and may have been written concurrently.
	if cur.MeetingRoomName != nil && updated.MeetingRoomName == nil {
		updated.MeetingRoomName = cur.MeetingRoomName
	}
	m.sessions[next.ID] = updated
	return true, nil
}

// SetMeetingRoom records the room name unless one is already set.
func (m *Store) SetMeetingRoom(_ context.Context, id uuid.UUID, roomName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok {
		return false, database.ErrNotFound
	}
	if cur.MeetingRoomName != nil {
		return false, nil
	}
	cur.MeetingRoomName = &roomName
	m.sessions[id] = cur
	return true, nil
}

// ListActiveSessions returns non-terminal sessions in scope ordered by scheduled time.
func (m *Store) ListActiveSessions(_ context.Context, scope models.SessionScope) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Session
	for _, s := range m.sessions {
		if s.Status.Terminal() || !scope.Includes(&s) {
			continue
		}
		out = append(out, s.Clone())
	}
	sortSessions(out)
	return out, nil
}

// ListSessionsWithOpenCycles returns sessions that still have an open attendance cycle.
func (m *Store) ListSessionsWithOpenCycles(_ context.Context, scope models.SessionScope) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[uuid.UUID]bool)
	var out []models.Session
	for k, a := range m.attendances {
		if seen[k.session] || a.OpenCycle() < 0 {
			continue
		}
		s, ok := m.sessions[k.session]
		if !ok || (scope.AcademyID != nil && s.AcademyID != *scope.AcademyID) {
			continue
		}
		seen[k.session] = true
		out = append(out, s.Clone())
	}
	sortSessions(out)
	return out, nil
}

func sortSessions(list []models.Session) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].ScheduledAt.Equal(list[j].ScheduledAt) {
			return list[i].ScheduledAt.Before(list[j].ScheduledAt)
		}
		return list[i].ID.String() < list[j].ID.String()
	})
}

func (m *Store) lockFor(k attendanceKey) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &sync.Mutex{}
		m.locks[k] = l
	}
	return l
}

// UpdateAttendance serialises updates per (session, user) pair.
func (m *Store) UpdateAttendance(ctx context.Context, sessionID, userID uuid.UUID, userType models.UserType,
	fn func(a *models.MeetingAttendance) (bool, error)) (*models.MeetingAttendance, error) {
	k := attendanceKey{session: sessionID, user: userID}
	l := m.lockFor(k)
	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	cur, ok := m.attendances[k]
	m.mu.RUnlock()
	if !ok {
		cur = models.MeetingAttendance{SessionID: sessionID, UserID: userID, UserType: userType}
	}
	work := cur.Clone()
	changed, err := fn(&work)
	if err != nil {
		return nil, err
	}
	if !changed {
		out := cur.Clone()
		return &out, nil
	}
	work.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	m.attendances[k] = work.Clone()
	m.mu.Unlock()
	return &work, nil
}

// GetAttendance returns (nil, nil) when the pair has no record.
func (m *Store) GetAttendance(_ context.Context, sessionID, userID uuid.UUID) (*models.MeetingAttendance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attendances[attendanceKey{session: sessionID, user: userID}]
	if !ok {
		return nil, nil
	}
	out := a.Clone()
	return &out, nil
}

func (m *Store) ListAttendances(_ context.Context, sessionID uuid.UUID) ([]models.MeetingAttendance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.MeetingAttendance
	for k, a := range m.attendances {
		if k.session == sessionID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	return out, nil
}

func (m *Store) HasAnyJoin(_ context.Context, sessionID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, a := range m.attendances {
		if k.session == sessionID && a.HasJoined() {
			return true, nil
		}
	}
	return false, nil
}

// PutOverrides stores timing overrides for an owner entity or academy.
func (m *Store) PutOverrides(kind models.OwnerKind, id uuid.UUID, o models.PolicyOverrides) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[settingsKey{kind: kind, id: id}] = o
}

func (m *Store) Overrides(_ context.Context, kind models.OwnerKind, id uuid.UUID) (*models.PolicyOverrides, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.settings[settingsKey{kind: kind, id: id}]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (m *Store) Upsert(_ context.Context, kind models.OwnerKind, id uuid.UUID, o models.PolicyOverrides) error {
	m.PutOverrides(kind, id, o)
	return nil
}

// Create inserts a new session, defaulting to SCHEDULED.
func (m *Store) Create(_ context.Context, s *models.Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = models.StatusScheduled
	}
	s.UpdatedAt = time.Now().UTC()
	m.PutSession(*s)
	return nil
}
