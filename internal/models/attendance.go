package models

import (
	"time"

	"github.com/google/uuid"
)

// UserType distinguishes participant roles in a meeting.
type UserType string

const (
	UserTypeStudent UserType = "student"
	UserTypeTeacher UserType = "teacher"
)

// EventType is the kind of participant event delivered by the video provider.
type EventType string

const (
	EventJoin  EventType = "join"
	EventLeave EventType = "leave"
)

// AttendanceStatus is the classification produced for one participant.
type AttendanceStatus string

const (
	AttendancePresent AttendanceStatus = "present"
	AttendanceLate    AttendanceStatus = "late"
	AttendancePartial AttendanceStatus = "partial"
	AttendanceAbsent  AttendanceStatus = "absent"
)

// AttendanceEvent is one join or leave delivered for a (session, user) pair.
type AttendanceEvent struct {
	SessionID     uuid.UUID  `json:"session_id"`
	UserID        uuid.UUID  `json:"user_id"`
	UserType      UserType   `json:"user_type"`
	ParticipantID string     `json:"participant_id"`
	Type          EventType  `json:"type"`
	Timestamp     time.Time  `json:"timestamp"`
	JoinedAt      *time.Time `json:"joined_at,omitempty"`
	Synthetic     bool       `json:"synthetic,omitempty"`
}

// Cycle is one continuous join-to-leave interval.
type Cycle struct {
	JoinedAt      time.Time  `json:"joined_at"`
	LeftAt        *time.Time `json:"left_at,omitempty"`
	ParticipantID string     `json:"participant_id,omitempty"`
	AutoClosed    bool       `json:"auto_closed,omitempty"`
}

// Open reports whether the participant has not left yet.
func (c Cycle) Open() bool { return c.LeftAt == nil }

// Classification is the evaluated attendance outcome for one participant.
type Classification struct {
	Status               AttendanceStatus `json:"attendance_status"`
	IsLate               bool             `json:"is_late"`
	LateMinutes          int              `json:"late_minutes"`
	AttendancePercentage float64          `json:"attendance_percentage"`
}

// MeetingAttendance tracks the raw join/leave history of one user in one session.
type MeetingAttendance struct {
	SessionID            uuid.UUID         `json:"session_id"`
	UserID               uuid.UUID         `json:"user_id"`
	UserType             UserType          `json:"user_type"`
	FirstJoinTime        *time.Time        `json:"first_join_time,omitempty"`
	LastLeaveTime        *time.Time        `json:"last_leave_time,omitempty"`
	Cycles               []Cycle           `json:"join_leave_cycles"`
	JoinCount            int               `json:"join_count"`
	LeaveCount           int               `json:"leave_count"`
	TotalDurationMinutes int               `json:"total_duration_minutes"`
	Events               []AttendanceEvent `json:"-"`
	Classification       *Classification   `json:"classification,omitempty"`
	CalculatedAt         *time.Time        `json:"attendance_calculated_at,omitempty"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// OpenCycle returns the index of the cycle without a leave time, or -1.
func (a *MeetingAttendance) OpenCycle() int {
	for i := len(a.Cycles) - 1; i >= 0; i-- {
		if a.Cycles[i].Open() {
			return i
		}
	}
	return -1
}

// HasJoined reports whether any join was ever recorded for the pair.
func (a *MeetingAttendance) HasJoined() bool {
	return a.FirstJoinTime != nil
}

// Clone returns a deep copy of the record.
func (a MeetingAttendance) Clone() MeetingAttendance {
	out := a
	out.FirstJoinTime = cloneTime(a.FirstJoinTime)
	out.LastLeaveTime = cloneTime(a.LastLeaveTime)
	out.CalculatedAt = cloneTime(a.CalculatedAt)
	out.Cycles = make([]Cycle, len(a.Cycles))
	for i, c := range a.Cycles {
		c.LeftAt = cloneTime(c.LeftAt)
		out.Cycles[i] = c
	}
	out.Events = make([]AttendanceEvent, len(a.Events))
	for i, e := range a.Events {
		e.JoinedAt = cloneTime(e.JoinedAt)
		out.Events[i] = e
	}
	if a.Classification != nil {
		c := *a.Classification
		out.Classification = &c
	}
	return out
}

// CurrentStatus is the live view of a participant used for UI polling.
type CurrentStatus struct {
	IsCurrentlyInMeeting bool `json:"is_currently_in_meeting"`
	DurationMinutes      int  `json:"duration_minutes"`
}
