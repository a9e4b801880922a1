// Package lifecycle implements the session status state machine: pure transition
// predicates and guarded executors that persist a transition with compare-and-set.
package lifecycle

import "github.com/itqan-platform/session-engine/internal/models"

// allowed lists every edge of the state graph. Terminal states have no entry.
var allowed = map[models.SessionStatus][]models.SessionStatus{
	models.StatusScheduled: {models.StatusReady, models.StatusCompleted, models.StatusCancelled},
	models.StatusReady:     {models.StatusOngoing, models.StatusAbsent, models.StatusCompleted, models.StatusCancelled},
	models.StatusOngoing:   {models.StatusCompleted},
	models.StatusCompleted: nil,
	models.StatusAbsent:    nil,
	models.StatusCancelled: nil,
}

// CanTransition reports whether the state graph has an edge from -> to.
func CanTransition(from, to models.SessionStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Statuses returns every known status, terminal ones included.
func Statuses() []models.SessionStatus {
	return []models.SessionStatus{
		models.StatusScheduled,
		models.StatusReady,
		models.StatusOngoing,
		models.StatusCompleted,
		models.StatusAbsent,
		models.StatusCancelled,
	}
}

// ActiveStatuses are the states the scheduler still has work for.
func ActiveStatuses() []models.SessionStatus {
	return []models.SessionStatus{models.StatusScheduled, models.StatusReady, models.StatusOngoing}
}
