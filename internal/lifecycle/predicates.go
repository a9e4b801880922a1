package lifecycle

import (
	"time"

	"github.com/itqan-platform/session-engine/internal/models"
)

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// ShouldTransitionToReady is true once the preparation window has opened and the
// nominal session window has not ended yet.
func ShouldTransitionToReady(now time.Time, s *models.Session, p models.Policy) bool {
	if s.Status != models.StatusScheduled {
		return false
	}
	opensAt := s.ScheduledAt.Add(-minutes(p.PreparationMinutes))
	return !now.Before(opensAt) && now.Before(s.EndsAt())
}

// ShouldTransitionToOngoing is true for a READY session whose scheduled start has arrived.
func ShouldTransitionToOngoing(now time.Time, s *models.Session, _ models.Policy) bool {
	return s.Status == models.StatusReady && !now.Before(s.ScheduledAt)
}

// ShouldAutoComplete is true for an ONGOING session past its nominal end plus the ending buffer.
func ShouldAutoComplete(now time.Time, s *models.Session, p models.Policy) bool {
	if s.Status != models.StatusOngoing {
		return false
	}
	return !now.Before(s.EndsAt().Add(minutes(p.EndingBufferMinutes)))
}

// ShouldTransitionToAbsent is true for a READY session with personal grace when the grace
// period elapsed and nobody ever joined.
func ShouldTransitionToAbsent(now time.Time, s *models.Session, p models.Policy, hasJoined bool) bool {
	if !p.HasPersonalGrace || s.Status != models.StatusReady || hasJoined {
		return false
	}
	return !now.Before(s.ScheduledAt.Add(minutes(p.LateJoinGracePeriodMinutes)))
}

// ActualDurationMinutes is the elapsed time between start and end rounded to the minute,
// never negative. Sessions that never started report zero.
func ActualDurationMinutes(startedAt *time.Time, endedAt time.Time) int {
	if startedAt == nil {
		return 0
	}
	d := endedAt.Sub(*startedAt).Round(time.Minute)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}
