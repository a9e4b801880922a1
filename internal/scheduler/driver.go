// Package scheduler drives the periodic session status sweep.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itqan-platform/session-engine/internal/lifecycle"
	"github.com/itqan-platform/session-engine/internal/models"
)

// DefaultConcurrency bounds how many sessions a pass processes at once.
const DefaultConcurrency = 8

// Transitioner is the subset of the state machine the driver needs.
type Transitioner interface {
	Now() time.Time
	Policy(ctx context.Context, s *models.Session) models.Policy
	HasAnyJoin(ctx context.Context, sessionID uuid.UUID) (bool, error)
	TransitionToReady(ctx context.Context, s *models.Session) (bool, error)
	TransitionToOngoing(ctx context.Context, s *models.Session) (bool, error)
	TransitionToCompleted(ctx context.Context, s *models.Session) (bool, error)
	TransitionToAbsent(ctx context.Context, s *models.Session) (bool, error)
}

// BatchError records a session that failed during a pass.
type BatchError struct {
	SessionID uuid.UUID `json:"session_id"`
	Message   string    `json:"error"`
}

// Summary counts the transitions applied by one pass.
type Summary struct {
	Ready     int          `json:"ready_count"`
	Ongoing   int          `json:"ongoing_count"`
	Completed int          `json:"completed_count"`
	Absent    int          `json:"absent_count"`
	Errors    []BatchError `json:"errors"`
}

// Transitions returns the total number of applied transitions.
func (s Summary) Transitions() int { return s.Ready + s.Ongoing + s.Completed + s.Absent }

// Driver applies at most one transition per session per pass.
type Driver struct {
	machine     Transitioner
	concurrency int
	dryRun      bool
	logger      *zap.Logger
}

// NewDriver creates a batch driver. concurrency <= 0 uses DefaultConcurrency.
func NewDriver(machine Transitioner, concurrency int, logger *zap.Logger) *Driver {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{machine: machine, concurrency: concurrency, logger: logger}
}

type outcome struct {
	applied models.SessionStatus
	err     error
}

// SetDryRun makes passes report the transitions they would apply without writing them.
func (d *Driver) SetDryRun(v bool) { d.dryRun = v }

// ProcessBatch runs one pass over sessions. A failure or panic in one session is recorded in
// Summary.Errors and never stops the others. Errors keep the input order.
func (d *Driver) ProcessBatch(ctx context.Context, sessions []models.Session) Summary {
	results := make([]outcome, len(sessions))

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i := range sessions {
		i := i
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = outcome{err: fmt.Errorf("panic: %v", r)}
				}
			}()
			s := sessions[i].Clone()
			to, err := d.processOne(ctx, &s)
			results[i] = outcome{applied: to, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var sum Summary
	for i, r := range results {
		if r.err != nil {
			sum.Errors = append(sum.Errors, BatchError{SessionID: sessions[i].ID, Message: r.err.Error()})
			d.logger.Error("session sweep failed",
				zap.String("session_id", sessions[i].ID.String()),
				zap.String("status", string(sessions[i].Status)),
				zap.Error(r.err),
			)
			continue
		}
		switch r.applied {
		case models.StatusReady:
			sum.Ready++
		case models.StatusOngoing:
			sum.Ongoing++
		case models.StatusCompleted:
			sum.Completed++
		case models.StatusAbsent:
			sum.Absent++
		}
	}
	return sum
}

// processOne evaluates the predicates in priority order and applies the first one that holds.
// It returns the status entered, or "" when nothing changed.
func (d *Driver) processOne(ctx context.Context, s *models.Session) (models.SessionStatus, error) {
	if s.Status.Terminal() {
		return "", nil
	}
	now := d.machine.Now()
	p := d.machine.Policy(ctx, s)

	if lifecycle.ShouldTransitionToReady(now, s, p) {
		return d.apply(ctx, s, models.StatusReady, d.machine.TransitionToReady)
	}

	if s.Status == models.StatusReady {
		// Personal-grace sessions wait for a participant before starting, otherwise the
		// grace-period absence could never be observed.
		joined := true
		if p.HasPersonalGrace {
			var err error
			if joined, err = d.machine.HasAnyJoin(ctx, s.ID); err != nil {
				return "", fmt.Errorf("check participation: %w", err)
			}
		}
		if joined && lifecycle.ShouldTransitionToOngoing(now, s, p) {
			return d.apply(ctx, s, models.StatusOngoing, d.machine.TransitionToOngoing)
		}
		if lifecycle.ShouldTransitionToAbsent(now, s, p, joined) {
			return d.apply(ctx, s, models.StatusAbsent, d.machine.TransitionToAbsent)
		}
		return "", nil
	}

	if lifecycle.ShouldAutoComplete(now, s, p) {
		return d.apply(ctx, s, models.StatusCompleted, d.machine.TransitionToCompleted)
	}
	return "", nil
}

func (d *Driver) apply(ctx context.Context, s *models.Session, to models.SessionStatus,
	fn func(context.Context, *models.Session) (bool, error)) (models.SessionStatus, error) {
	if d.dryRun {
		d.logger.Info("dry run: would transition",
			zap.String("session_id", s.ID.String()),
			zap.String("from", string(s.Status)),
			zap.String("to", string(to)),
		)
		return to, nil
	}
	ok, err := fn(ctx, s)
	if err != nil || !ok {
		return "", err
	}
	return to, nil
}
