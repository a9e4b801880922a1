package attendance

import (
	"sort"
	"strconv"
	"time"

	"github.com/itqan-platform/session-engine/internal/models"
)

// PostSessionGrace is how long after the nominal end an open cycle is still trusted.
// Past it the participant is treated as gone and the cycle may be auto-closed.
const PostSessionGrace = 30 * time.Minute

// EventKey identifies an event for deduplication.
func EventKey(e models.AttendanceEvent) string {
	k := e.ParticipantID + "|" + string(e.Type) + "|" + strconv.FormatInt(e.Timestamp.UnixNano(), 10)
	if e.Synthetic {
		k += "|auto"
	}
	return k
}

// hasEvent reports whether a already recorded an event with the same key.
func hasEvent(a *models.MeetingAttendance, e models.AttendanceEvent) bool {
	key := EventKey(e)
	for _, prev := range a.Events {
		if EventKey(prev) == key {
			return true
		}
	}
	return false
}

// overlap returns the length of [from, to) intersected with [winStart, winEnd).
// Reversed or disjoint intervals yield zero.
func overlap(from, to, winStart, winEnd time.Time) time.Duration {
	if from.Before(winStart) {
		from = winStart
	}
	if to.After(winEnd) {
		to = winEnd
	}
	if !to.After(from) {
		return 0
	}
	return to.Sub(from)
}

// ClippedDuration returns the part of cycle c inside the nominal session window.
// An open cycle is measured against now.
func ClippedDuration(s *models.Session, c models.Cycle, now time.Time) time.Duration {
	end := now
	if c.LeftAt != nil {
		end = *c.LeftAt
	}
	return overlap(c.JoinedAt, end, s.ScheduledAt, s.EndsAt())
}

// closedDuration sums the clipped durations of all closed cycles. Cycle order does not matter.
func closedDuration(s *models.Session, cycles []models.Cycle) time.Duration {
	var total time.Duration
	for _, c := range cycles {
		if c.Open() {
			continue
		}
		total += ClippedDuration(s, c, *c.LeftAt)
	}
	return total
}

func wholeMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}

// sortedEvents orders events by timestamp; on ties joins come first, real leaves before
// synthetic ones, then by participant id.
func sortedEvents(events []models.AttendanceEvent) []models.AttendanceEvent {
	out := make([]models.AttendanceEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Type != b.Type {
			return a.Type == models.EventJoin
		}
		if a.Synthetic != b.Synthetic {
			return !a.Synthetic
		}
		return a.ParticipantID < b.ParticipantID
	})
	return out
}

// rebuild recomputes every derived field of a from its event log. The result depends only
// on the set of events, never on delivery order.
func rebuild(a *models.MeetingAttendance, s *models.Session) {
	var (
		cycles     []models.Cycle
		joins      int
		leaves     int
		firstJoin  *time.Time
		lastLeave  *time.Time
		openCycle  = -1
		earliestAt = func(t time.Time) {
			if firstJoin == nil || t.Before(*firstJoin) {
				v := t
				firstJoin = &v
			}
		}
		latestAt = func(t time.Time) {
			if lastLeave == nil || t.After(*lastLeave) {
				v := t
				lastLeave = &v
			}
		}
	)

	for _, e := range sortedEvents(a.Events) {
		ts := e.Timestamp
		switch e.Type {
		case models.EventJoin:
			if openCycle >= 0 {
				continue
			}
			cycles = append(cycles, models.Cycle{JoinedAt: ts, ParticipantID: e.ParticipantID})
			openCycle = len(cycles) - 1
			joins++
			earliestAt(ts)

		case models.EventLeave:
			if openCycle >= 0 {
				left := ts
				cycles[openCycle].LeftAt = &left
				cycles[openCycle].AutoClosed = e.Synthetic
				openCycle = -1
				leaves++
				latestAt(ts)
				continue
			}
			if e.Synthetic {
				continue
			}
			// A real leave after an auto-close replaces the estimated leave time.
			if n := len(cycles); n > 0 && cycles[n-1].AutoClosed &&
				(cycles[n-1].ParticipantID == "" || cycles[n-1].ParticipantID == e.ParticipantID) {
				left := ts
				cycles[n-1].LeftAt = &left
				cycles[n-1].AutoClosed = false
				latestAt(ts)
				continue
			}
			// Leave without a matching join: keep it as a degenerate cycle.
			joined := ts
			if e.JoinedAt != nil {
				joined = *e.JoinedAt
			}
			left := ts
			cycles = append(cycles, models.Cycle{JoinedAt: joined, LeftAt: &left, ParticipantID: e.ParticipantID})
			leaves++
			earliestAt(joined)
			latestAt(ts)
		}
	}

	a.Cycles = cycles
	a.JoinCount = joins
	a.LeaveCount = leaves
	a.FirstJoinTime = firstJoin
	a.LastLeaveTime = lastLeave
	a.TotalDurationMinutes = wholeMinutes(closedDuration(s, cycles))
}

// CurrentStatus computes the live view of a against now.
func CurrentStatus(s *models.Session, a *models.MeetingAttendance, now time.Time) models.CurrentStatus {
	if a == nil {
		return models.CurrentStatus{}
	}
	total := closedDuration(s, a.Cycles)
	inMeeting := false
	if i := a.OpenCycle(); i >= 0 {
		total += ClippedDuration(s, a.Cycles[i], now)
		inMeeting = !now.After(s.EndsAt().Add(PostSessionGrace))
	}
	return models.CurrentStatus{
		IsCurrentlyInMeeting: inMeeting,
		DurationMinutes:      wholeMinutes(total),
	}
}
