// Package reports evaluates and archives per-session attendance once a session ends.
package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itqan-platform/session-engine/internal/attendance"
	"github.com/itqan-platform/session-engine/internal/models"
	"github.com/itqan-platform/session-engine/pkg/storage"
)

// Store reads attendance records and updates them under the per-pair lock.
type Store interface {
	ListAttendances(ctx context.Context, sessionID uuid.UUID) ([]models.MeetingAttendance, error)
	UpdateAttendance(ctx context.Context, sessionID, userID uuid.UUID, userType models.UserType,
		fn func(a *models.MeetingAttendance) (bool, error)) (*models.MeetingAttendance, error)
}

// PolicyResolver returns the effective policy for a session.
type PolicyResolver interface {
	Resolve(ctx context.Context, s *models.Session) models.Policy
}

// Archiver stores a rendered report under key.
type Archiver interface {
	ArchiveReport(ctx context.Context, key string, body []byte) error
}

// Participant is one attendee line of a report.
type Participant struct {
	UserID               uuid.UUID             `json:"user_id"`
	UserType             models.UserType       `json:"user_type"`
	FirstJoinTime        *time.Time            `json:"first_join_time,omitempty"`
	LastLeaveTime        *time.Time            `json:"last_leave_time,omitempty"`
	JoinCount            int                   `json:"join_count"`
	LeaveCount           int                   `json:"leave_count"`
	TotalDurationMinutes int                   `json:"total_duration_minutes"`
	Classification       models.Classification `json:"classification"`
}

// Report is the attendance outcome of one session.
type Report struct {
	SessionID             uuid.UUID                       `json:"session_id"`
	AcademyID             uuid.UUID                       `json:"academy_id"`
	SessionType           models.SessionType              `json:"session_type"`
	Status                models.SessionStatus            `json:"status"`
	ScheduledAt           time.Time                       `json:"scheduled_at"`
	DurationMinutes       int                             `json:"duration_minutes"`
	ActualDurationMinutes *int                            `json:"actual_duration_minutes,omitempty"`
	Policy                models.Policy                   `json:"policy"`
	Participants          []Participant                   `json:"participants"`
	Totals                map[models.AttendanceStatus]int `json:"totals"`
	Final                 bool                            `json:"final"`
	GeneratedAt           time.Time                       `json:"generated_at"`
}

// Builder evaluates every attendee of a session.
type Builder struct {
	store     Store
	resolver  PolicyResolver
	evaluator *attendance.Evaluator
	now       func() time.Time
}

// NewBuilder creates a report builder.
func NewBuilder(store Store, resolver PolicyResolver, evaluator *attendance.Evaluator) *Builder {
	return &Builder{store: store, resolver: resolver, evaluator: evaluator, now: time.Now}
}

// SetClock replaces the time source.
func (b *Builder) SetClock(now func() time.Time) { b.now = now }

// Build evaluates the current attendance of s. Cycles still open count up to now,
// clipped to the session window, so a report taken after the end is complete even before
// stale cycles are closed.
func (b *Builder) Build(ctx context.Context, s *models.Session) (*Report, error) {
	list, err := b.store.ListAttendances(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("list attendances: %w", err)
	}
	now := b.now().UTC()
	p := b.resolver.Resolve(ctx, s)

	r := &Report{
		SessionID:             s.ID,
		AcademyID:             s.AcademyID,
		SessionType:           s.Type,
		Status:                s.Status,
		ScheduledAt:           s.ScheduledAt,
		DurationMinutes:       s.DurationMinutes,
		ActualDurationMinutes: s.ActualDurationMinutes,
		Policy:                p,
		Participants:          make([]Participant, 0, len(list)),
		Totals:                make(map[models.AttendanceStatus]int, 4),
		Final:                 s.Status == models.StatusCompleted || s.Status == models.StatusAbsent,
		GeneratedAt:           now,
	}
	for i := range list {
		line := b.line(s, p, &list[i], now)
		r.Participants = append(r.Participants, line)
		r.Totals[line.Classification.Status]++
	}
	sort.Slice(r.Participants, func(i, j int) bool {
		x, y := r.Participants[i], r.Participants[j]
		if x.UserType != y.UserType {
			return x.UserType == models.UserTypeTeacher
		}
		return x.UserID.String() < y.UserID.String()
	})
	return r, nil
}

// Classify evaluates a single record of s as Build would at now.
func (b *Builder) Classify(ctx context.Context, s *models.Session, a *models.MeetingAttendance, now time.Time) models.Classification {
	return b.line(s, b.resolver.Resolve(ctx, s), a, now).Classification
}

func (b *Builder) line(s *models.Session, p models.Policy, a *models.MeetingAttendance, now time.Time) Participant {
	minutes := attendance.CurrentStatus(s, a, now).DurationMinutes
	return Participant{
		UserID:               a.UserID,
		UserType:             a.UserType,
		FirstJoinTime:        a.FirstJoinTime,
		LastLeaveTime:        a.LastLeaveTime,
		JoinCount:            a.JoinCount,
		LeaveCount:           a.LeaveCount,
		TotalDurationMinutes: minutes,
		Classification:       b.evaluator.Evaluate(s, p, minutes, a.FirstJoinTime),
	}
}

// Finalizer persists classifications and archives the report when a session ends.
type Finalizer struct {
	builder  *Builder
	store    Store
	archiver Archiver
	logger   *zap.Logger
}

// NewFinalizer creates a finalizer. archiver may be nil to skip archiving.
func NewFinalizer(builder *Builder, store Store, archiver Archiver, logger *zap.Logger) *Finalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finalizer{builder: builder, store: store, archiver: archiver, logger: logger}
}

// SessionTransitioned finalizes sessions entering COMPLETED or ABSENT.
func (f *Finalizer) SessionTransitioned(ctx context.Context, s *models.Session, _ models.SessionStatus) error {
	if s.Status != models.StatusCompleted && s.Status != models.StatusAbsent {
		return nil
	}
	_, err := f.Finalize(ctx, s)
	return err
}

// Finalize classifies every attendee of s, saves the results and archives the report.
// Running it again overwrites the previous outcome. Each record is re-read and classified
// under its lock, so an event applied concurrently is either included here or reclassifies
// the record itself afterwards.
func (f *Finalizer) Finalize(ctx context.Context, s *models.Session) (*Report, error) {
	r, err := f.builder.Build(ctx, s)
	if err != nil {
		return nil, err
	}
	clear(r.Totals)
	for i, p := range r.Participants {
		var line Participant
		_, err := f.store.UpdateAttendance(ctx, s.ID, p.UserID, p.UserType, func(a *models.MeetingAttendance) (bool, error) {
			line = f.builder.line(s, r.Policy, a, r.GeneratedAt)
			a.Classification = &line.Classification
			at := r.GeneratedAt
			a.CalculatedAt = &at
			return true, nil
		})
		if err != nil {
			return nil, fmt.Errorf("save classification: %w", err)
		}
		r.Participants[i] = line
		r.Totals[line.Classification.Status]++
	}
	if f.archiver != nil {
		body, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode report: %w", err)
		}
		key := storage.ReportKey(s.AcademyID.String(), s.ID.String())
		if err := f.archiver.ArchiveReport(ctx, key, body); err != nil {
			return nil, fmt.Errorf("archive report: %w", err)
		}
	}
	f.logger.Info("session attendance finalized",
		zap.String("session_id", s.ID.String()),
		zap.String("status", string(s.Status)),
		zap.Int("participants", len(r.Participants)),
		zap.Int("present", r.Totals[models.AttendancePresent]),
		zap.Int("absent", r.Totals[models.AttendanceAbsent]),
	)
	return r, nil
}
