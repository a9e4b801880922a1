package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionType identifies the kind of live lesson a session belongs to.
type SessionType string

const (
	SessionTypeGroupCircle        SessionType = "group_circle"
	SessionTypeIndividual         SessionType = "individual"
	SessionTypeAcademicIndividual SessionType = "academic_individual"
	SessionTypeInteractiveCourse  SessionType = "interactive_course"
)

// Valid reports whether t is one of the known session types.
func (t SessionType) Valid() bool {
	switch t {
	case SessionTypeGroupCircle, SessionTypeIndividual, SessionTypeAcademicIndividual, SessionTypeInteractiveCourse:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusReady     SessionStatus = "ready"
	StatusOngoing   SessionStatus = "ongoing"
	StatusCompleted SessionStatus = "completed"
	StatusAbsent    SessionStatus = "absent"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAbsent, StatusCancelled:
		return true
	}
	return false
}

// Joinable reports whether participants may enter the meeting room in state s.
func (s SessionStatus) Joinable() bool {
	return s == StatusReady || s == StatusOngoing
}

// OwnerKind is the kind of entity that owns a session and carries its timing overrides.
type OwnerKind string

const (
	OwnerCircle           OwnerKind = "circle"
	OwnerIndividualCircle OwnerKind = "individual_circle"
	OwnerCourseSession    OwnerKind = "course_session"
	OwnerAcademy          OwnerKind = "academy"
)

// OwnerRef points at the entity a session belongs to.
type OwnerRef struct {
	Kind OwnerKind `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

// Session is one schedulable live occurrence.
type Session struct {
	ID                     uuid.UUID         `json:"id"`
	AcademyID              uuid.UUID         `json:"academy_id"`
	Type                   SessionType       `json:"session_type"`
	Status                 SessionStatus     `json:"status"`
	ScheduledAt            time.Time         `json:"scheduled_at"`
	DurationMinutes        int               `json:"duration_minutes"`
	StartedAt              *time.Time        `json:"started_at,omitempty"`
	EndedAt                *time.Time        `json:"ended_at,omitempty"`
	PreparationCompletedAt *time.Time        `json:"preparation_completed_at,omitempty"`
	ActualDurationMinutes  *int              `json:"actual_duration_minutes,omitempty"`
	MeetingRoomName        *string           `json:"meeting_room_name,omitempty"`
	AttendanceStatus       *AttendanceStatus `json:"attendance_status,omitempty"`
	CancellationReason     *string           `json:"cancellation_reason,omitempty"`
	Owner                  OwnerRef          `json:"owner"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// Duration returns the nominal length of the session.
func (s *Session) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// EndsAt returns the nominal end of the session window.
func (s *Session) EndsAt() time.Time {
	return s.ScheduledAt.Add(s.Duration())
}

// Clone returns a deep copy so callers can mutate it without touching shared state.
func (s Session) Clone() Session {
	out := s
	out.StartedAt = cloneTime(s.StartedAt)
	out.EndedAt = cloneTime(s.EndedAt)
	out.PreparationCompletedAt = cloneTime(s.PreparationCompletedAt)
	if s.ActualDurationMinutes != nil {
		v := *s.ActualDurationMinutes
		out.ActualDurationMinutes = &v
	}
	if s.MeetingRoomName != nil {
		v := *s.MeetingRoomName
		out.MeetingRoomName = &v
	}
	if s.AttendanceStatus != nil {
		v := *s.AttendanceStatus
		out.AttendanceStatus = &v
	}
	if s.CancellationReason != nil {
		v := *s.CancellationReason
		out.CancellationReason = &v
	}
	return out
}

// SessionScope narrows the candidate set loaded by a scheduler pass.
type SessionScope struct {
	AcademyID *uuid.UUID
	// ScheduledFrom drops SCHEDULED sessions that were due before it. Zero leaves it open.
	ScheduledFrom time.Time
	// ScheduledUntil drops sessions scheduled after it. Zero leaves it open.
	ScheduledUntil time.Time
}

// Includes reports whether s falls inside the scope's academy and scheduling bounds.
func (sc SessionScope) Includes(s *Session) bool {
	if sc.AcademyID != nil && s.AcademyID != *sc.AcademyID {
		return false
	}
	if !sc.ScheduledUntil.IsZero() && s.ScheduledAt.After(sc.ScheduledUntil) {
		return false
	}
	if s.Status == StatusScheduled && !sc.ScheduledFrom.IsZero() && s.ScheduledAt.Before(sc.ScheduledFrom) {
		return false
	}
	return true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
