package attendance

import (
	"math"
	"time"

	"github.com/itqan-platform/session-engine/internal/models"
)

// Thresholds are the attendance percentages separating the classification bands.
type Thresholds struct {
	PresentPercent float64
	PartialPercent float64
}

// DefaultThresholds match the platform defaults: 80% present, 30% partial.
var DefaultThresholds = Thresholds{PresentPercent: 80, PartialPercent: 30}

// Evaluator classifies attendance once a session has ended.
type Evaluator struct {
	thresholds Thresholds
}

// NewEvaluator creates an evaluator. Zero thresholds fall back to the defaults.
func NewEvaluator(t Thresholds) *Evaluator {
	if t.PresentPercent <= 0 {
		t.PresentPercent = DefaultThresholds.PresentPercent
	}
	if t.PartialPercent <= 0 {
		t.PartialPercent = DefaultThresholds.PartialPercent
	}
	return &Evaluator{thresholds: t}
}

// Percentage returns attended minutes as a share of the nominal duration, capped at 100 and
// rounded to two decimals.
func Percentage(minutes, durationMinutes int) float64 {
	if durationMinutes <= 0 || minutes <= 0 {
		return 0
	}
	pct := math.Min(100, 100*float64(minutes)/float64(durationMinutes))
	return math.Round(pct*100) / 100
}

// Evaluate classifies one participant. Rules apply in order: absent session, never joined,
// late beyond the personal grace, then the percentage bands.
func (e *Evaluator) Evaluate(s *models.Session, p models.Policy, minutes int, firstJoin *time.Time) models.Classification {
	if s.Status == models.StatusAbsent {
		return models.Classification{Status: models.AttendanceAbsent}
	}
	pct := Percentage(minutes, s.DurationMinutes)
	out := models.Classification{Status: models.AttendanceAbsent, AttendancePercentage: pct}
	if firstJoin == nil {
		return out
	}

	if p.HasPersonalGrace {
		graceEnds := s.ScheduledAt.Add(time.Duration(p.LateJoinGracePeriodMinutes) * time.Minute)
		if firstJoin.After(graceEnds) {
			out.IsLate = true
			out.LateMinutes = int(firstJoin.Sub(s.ScheduledAt) / time.Minute)
			return out
		}
	}

	switch {
	case pct >= e.thresholds.PresentPercent:
		out.Status = models.AttendancePresent
	case pct >= e.thresholds.PartialPercent:
		out.Status = models.AttendancePartial
	case pct > 0:
		out.Status = models.AttendanceLate
	}
	return out
}

// EvaluateAttendance classifies a stored record.
func (e *Evaluator) EvaluateAttendance(s *models.Session, p models.Policy, a *models.MeetingAttendance) models.Classification {
	if a == nil {
		return e.Evaluate(s, p, 0, nil)
	}
	return e.Evaluate(s, p, a.TotalDurationMinutes, a.FirstJoinTime)
}
