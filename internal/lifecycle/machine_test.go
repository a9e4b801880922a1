package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/itqan-platform/session-engine/internal/lifecycle"
	"github.com/itqan-platform/session-engine/internal/memstore"
	"github.com/itqan-platform/session-engine/internal/models"
	"github.com/itqan-platform/session-engine/internal/policy"
	"github.com/itqan-platform/session-engine/pkg/database"
)

var t0 = time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newSession(typ models.SessionType, status models.SessionStatus) models.Session {
	return models.Session{
		ID:              uuid.New(),
		AcademyID:       uuid.New(),
		Type:            typ,
		Status:          status,
		ScheduledAt:     t0,
		DurationMinutes: 60,
		Owner:           models.OwnerRef{Kind: models.OwnerCircle, ID: uuid.New()},
	}
}

func newMachine(t *testing.T, store *memstore.Store, c *clock) *lifecycle.Machine {
	t.Helper()
	m := lifecycle.NewMachine(store, policy.NewResolver(store, nil), store, zaptest.NewLogger(t))
	m.SetClock(c.Now)
	return m
}

func TestPreparationWindow(t *testing.T) {
	store := memstore.New()
	s := newSession(models.SessionTypeGroupCircle, models.StatusScheduled)
	store.PutSession(s)
	c := &clock{now: t0.Add(-20 * time.Minute)}
	m := newMachine(t, store, c)
	ctx := context.Background()

	p := m.Policy(ctx, &s)
	require.Equal(t, 15, p.PreparationMinutes)
	assert.False(t, lifecycle.ShouldTransitionToReady(c.Now(), &s, p))
	ok, err := m.TransitionToReady(ctx, &s)
	require.NoError(t, err)
	assert.False(t, ok)

	c.Set(t0.Add(-10 * time.Minute))
	assert.True(t, lifecycle.ShouldTransitionToReady(c.Now(), &s, p))
	ok, err = m.TransitionToReady(ctx, &s)
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, stored.Status)
	require.NotNil(t, stored.PreparationCompletedAt)
	assert.Equal(t, t0.Add(-10*time.Minute), *stored.PreparationCompletedAt)
}

func TestReadyNotOpenedAfterWindowEnded(t *testing.T) {
	s := newSession(models.SessionTypeGroupCircle, models.StatusScheduled)
	p := policy.Defaults(s.Type)
	assert.True(t, lifecycle.ShouldTransitionToReady(t0.Add(59*time.Minute), &s, p))
	assert.False(t, lifecycle.ShouldTransitionToReady(t0.Add(60*time.Minute), &s, p))
}

func TestAutoComplete(t *testing.T) {
	store := memstore.New()
	s := newSession(models.SessionTypeGroupCircle, models.StatusOngoing)
	started := t0.Add(5 * time.Minute)
	s.StartedAt = &started
	store.PutSession(s)
	c := &clock{now: t0.Add(64 * time.Minute)}
	m := newMachine(t, store, c)
	ctx := context.Background()

	p := m.Policy(ctx, &s)
	assert.False(t, lifecycle.ShouldAutoComplete(c.Now(), &s, p))
	ok, err := m.TransitionToCompleted(ctx, &s)
	require.NoError(t, err)
	assert.False(t, ok)

	c.Set(t0.Add(66 * time.Minute))
	assert.True(t, lifecycle.ShouldAutoComplete(c.Now(), &s, p))
	ok, err = m.TransitionToCompleted(ctx, &s)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, models.StatusCompleted, s.Status)
	require.NotNil(t, s.EndedAt)
	require.NotNil(t, s.ActualDurationMinutes)
	assert.Equal(t, 61, *s.ActualDurationMinutes)
}

func TestAbsentViaGracePeriod(t *testing.T) {
	store := memstore.New()
	s := newSession(models.SessionTypeIndividual, models.StatusReady)
	s.Owner.Kind = models.OwnerIndividualCircle
	grace := 20
	store.PutOverrides(s.Owner.Kind, s.Owner.ID, models.PolicyOverrides{LateJoinGracePeriodMinutes: &grace})
	store.PutSession(s)
	c := &clock{now: t0.Add(25 * time.Minute)}
	m := newMachine(t, store, c)
	ctx := context.Background()

	p := m.Policy(ctx, &s)
	require.Equal(t, 20, p.LateJoinGracePeriodMinutes)
	assert.True(t, lifecycle.ShouldTransitionToAbsent(c.Now(), &s, p, false))

	ok, err := m.TransitionToAbsent(ctx, &s)
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAbsent, stored.Status)
	require.NotNil(t, stored.EndedAt)
	require.NotNil(t, stored.AttendanceStatus)
	assert.Equal(t, models.AttendanceAbsent, *stored.AttendanceStatus)
}

// staleParticipation answers from a snapshot taken before the latest join.
type staleParticipation struct{}

func (staleParticipation) HasAnyJoin(context.Context, uuid.UUID) (bool, error) { return false, nil }

func TestAbsentRechecksJoinsOnWrite(t *testing.T) {
	store := memstore.New()
	s := newSession(models.SessionTypeIndividual, models.StatusReady)
	s.Owner.Kind = models.OwnerIndividualCircle
	store.PutSession(s)
	ctx := context.Background()

	joined := t0.Add(14 * time.Minute)
	_, err := store.UpdateAttendance(ctx, s.ID, uuid.New(), models.UserTypeStudent, func(a *models.MeetingAttendance) (bool, error) {
		a.FirstJoinTime = &joined
		a.Cycles = []models.Cycle{{JoinedAt: joined}}
		return true, nil
	})
	require.NoError(t, err)

	m := lifecycle.NewMachine(store, policy.NewResolver(store, nil), staleParticipation{}, zaptest.NewLogger(t))
	m.SetClock(func() time.Time { return t0.Add(30 * time.Minute) })

	ok, err := m.TransitionToAbsent(ctx, &s)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.StatusReady, s.Status)

	stored, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, stored.Status)

	started, err := m.StartOnJoin(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, started)
}

func TestAbsentRequiresPersonalGraceAndNoJoin(t *testing.T) {
	now := t0.Add(30 * time.Minute)

	group := newSession(models.SessionTypeGroupCircle, models.StatusReady)
	assert.False(t, lifecycle.ShouldTransitionToAbsent(now, &group, policy.Defaults(group.Type), false))

	ind := newSession(models.SessionTypeIndividual, models.StatusReady)
	p := policy.Defaults(ind.Type)
	assert.False(t, lifecycle.ShouldTransitionToAbsent(now, &ind, p, true))
	assert.False(t, lifecycle.ShouldTransitionToAbsent(t0.Add(14*time.Minute), &ind, p, false))
	assert.True(t, lifecycle.ShouldTransitionToAbsent(t0.Add(15*time.Minute), &ind, p, false))
}

func TestNoBackwardTransitions(t *testing.T) {
	ctx := context.Background()
	for _, terminal := range []models.SessionStatus{models.StatusCompleted, models.StatusAbsent, models.StatusCancelled} {
		for _, to := range lifecycle.Statuses() {
			assert.False(t, lifecycle.CanTransition(terminal, to), "%s -> %s", terminal, to)
		}

		store := memstore.New()
		s := newSession(models.SessionTypeIndividual, terminal)
		store.PutSession(s)
		m := newMachine(t, store, &clock{now: t0.Add(2 * time.Hour)})

		calls := []func(context.Context, *models.Session) (bool, error){
			m.TransitionToReady, m.TransitionToOngoing, m.TransitionToCompleted,
			m.TransitionToAbsent, m.ForceComplete,
		}
		for _, call := range calls {
			ok, err := call(ctx, &s)
			require.NoError(t, err)
			assert.False(t, ok)
		}
		ok, err := m.Cancel(ctx, &s, "late")
		require.NoError(t, err)
		assert.False(t, ok)

		stored, err := store.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, terminal, stored.Status)
	}
}

func TestOngoingCannotBeCancelled(t *testing.T) {
	assert.False(t, lifecycle.CanTransition(models.StatusOngoing, models.StatusCancelled))
	assert.True(t, lifecycle.CanTransition(models.StatusReady, models.StatusCancelled))
	assert.True(t, lifecycle.CanTransition(models.StatusScheduled, models.StatusCompleted))
	assert.False(t, lifecycle.CanTransition(models.StatusOngoing, models.StatusReady))
}

func TestTransitionIsIdempotent(t *testing.T) {
	store := memstore.New()
	s := newSession(models.SessionTypeGroupCircle, models.StatusReady)
	store.PutSession(s)
	m := newMachine(t, store, &clock{now: t0.Add(time.Minute)})
	ctx := context.Background()

	ok, err := m.TransitionToOngoing(ctx, &s)
	require.NoError(t, err)
	require.True(t, ok)
	firstStart := *s.StartedAt

	ok, err = m.TransitionToOngoing(ctx, &s)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, firstStart, *s.StartedAt)
}

func TestConcurrentTransitionAppliesOnce(t *testing.T) {
	store := memstore.New()
	s := newSession(models.SessionTypeGroupCircle, models.StatusReady)
	store.PutSession(s)
	m := newMachine(t, store, &clock{now: t0.Add(time.Minute)})
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := s.Clone()
			ok, err := m.TransitionToOngoing(ctx, &local)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStartOnJoin(t *testing.T) {
	store := memstore.New()
	s := newSession(models.SessionTypeIndividual, models.StatusReady)
	store.PutSession(s)
	c := &clock{now: t0.Add(-5 * time.Minute)}
	m := newMachine(t, store, c)
	ctx := context.Background()

	ok, err := m.StartOnJoin(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ok, "joining during preparation does not start the session")

	c.Set(t0.Add(2 * time.Minute))
	ok, err = m.StartOnJoin(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOngoing, stored.Status)
	assert.Equal(t, t0.Add(2*time.Minute), *stored.StartedAt)

	_, err = m.StartOnJoin(ctx, uuid.New())
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestCancelAndForceComplete(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	m := newMachine(t, store, &clock{now: t0.Add(-30 * time.Minute)})

	s := newSession(models.SessionTypeGroupCircle, models.StatusScheduled)
	store.PutSession(s)
	ok, err := m.Cancel(ctx, &s, "teacher unavailable")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StatusCancelled, s.Status)
	assert.Equal(t, "teacher unavailable", *s.CancellationReason)

	r := newSession(models.SessionTypeGroupCircle, models.StatusReady)
	store.PutSession(r)
	ok, err = m.ForceComplete(ctx, &r)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, r.Status)
	assert.Equal(t, 0, *r.ActualDurationMinutes)
}

type fakeRooms struct {
	err error
}

func (f fakeRooms) ProvisionRoom(_ context.Context, s *models.Session) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "session-" + s.ID.String(), nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []models.SessionStatus
}

func (n *recordingNotifier) SessionTransitioned(_ context.Context, s *models.Session, _ models.SessionStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, s.Status)
	return errors.New("broadcast unavailable")
}

func TestReadySideEffects(t *testing.T) {
	store := memstore.New()
	s := newSession(models.SessionTypeGroupCircle, models.StatusScheduled)
	store.PutSession(s)
	m := newMachine(t, store, &clock{now: t0.Add(-5 * time.Minute)})
	m.SetRoomProvisioner(fakeRooms{})
	n := &recordingNotifier{}
	m.AddNotifier(n)
	ctx := context.Background()

	ok, err := m.TransitionToReady(ctx, &s)
	require.NoError(t, err)
	require.True(t, ok)
	m.Wait()

	stored, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.MeetingRoomName)
	assert.Equal(t, "session-"+s.ID.String(), *stored.MeetingRoomName)
	assert.Equal(t, []models.SessionStatus{models.StatusReady}, n.seen)
}

func TestRoomProvisioningFailureKeepsTransition(t *testing.T) {
	store := memstore.New()
	s := newSession(models.SessionTypeGroupCircle, models.StatusScheduled)
	store.PutSession(s)
	m := newMachine(t, store, &clock{now: t0.Add(-5 * time.Minute)})
	m.SetRoomProvisioner(fakeRooms{err: errors.New("provider down")})
	ctx := context.Background()

	ok, err := m.TransitionToReady(ctx, &s)
	require.NoError(t, err)
	require.True(t, ok)
	m.Wait()

	stored, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, stored.Status)
	assert.Nil(t, stored.MeetingRoomName)
}

func TestActualDurationMinutes(t *testing.T) {
	start := t0
	assert.Equal(t, 0, lifecycle.ActualDurationMinutes(nil, t0))
	assert.Equal(t, 45, lifecycle.ActualDurationMinutes(&start, t0.Add(45*time.Minute+20*time.Second)))
	assert.Equal(t, 46, lifecycle.ActualDurationMinutes(&start, t0.Add(45*time.Minute+40*time.Second)))
	assert.Equal(t, 0, lifecycle.ActualDurationMinutes(&start, t0.Add(-time.Minute)))
}
