package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/itqan-platform/session-engine/internal/models"
)

const (
	// DefaultInterval is how often the sweep runs.
	DefaultInterval = time.Minute

	// CandidateHorizon limits how far ahead a pass loads scheduled sessions. No preparation
	// window is anywhere near this long.
	CandidateHorizon = 24 * time.Hour

	// MissedCutoff drops SCHEDULED sessions due longer ago than this. Their window is over, so
	// no pass could ever move them.
	MissedCutoff = 24 * time.Hour
)

// CandidateSource loads the sessions a pass looks at.
type CandidateSource interface {
	ListActiveSessions(ctx context.Context, scope models.SessionScope) ([]models.Session, error)
	ListSessionsWithOpenCycles(ctx context.Context, scope models.SessionScope) ([]models.Session, error)
}

// CycleCloser closes attendance cycles left open past the post-session grace.
type CycleCloser interface {
	CloseStaleCycles(ctx context.Context, s *models.Session) (int, error)
}

// Result is the outcome of one RunOnce call.
type Result struct {
	Summary
	Candidates        int `json:"candidates"`
	StaleCyclesClosed int `json:"stale_cycles_closed"`
}

// Runner executes the sweep on a fixed interval.
type Runner struct {
	source   CandidateSource
	driver   *Driver
	closer   CycleCloser
	interval time.Duration
	logger   *zap.Logger
}

// NewRunner creates a runner. closer may be nil.
func NewRunner(source CandidateSource, driver *Driver, closer CycleCloser, interval time.Duration, logger *zap.Logger) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{source: source, driver: driver, closer: closer, interval: interval, logger: logger}
}

// RunOnce runs a single pass restricted to scope. Only a failure to load candidates is
// returned as an error; per-session failures are reported in the result.
func (r *Runner) RunOnce(ctx context.Context, scope models.SessionScope) (*Result, error) {
	started := time.Now()
	sessions, err := r.source.ListActiveSessions(ctx, r.candidateScope(scope))
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	res := &Result{Summary: r.driver.ProcessBatch(ctx, sessions), Candidates: len(sessions)}

	if r.closer != nil && !r.driver.dryRun {
		open, err := r.source.ListSessionsWithOpenCycles(ctx, scope)
		if err != nil {
			r.logger.Warn("list sessions with open cycles failed", zap.Error(err))
		}
		for i := range open {
			n, err := r.closer.CloseStaleCycles(ctx, &open[i])
			if err != nil {
				res.Errors = append(res.Errors, BatchError{SessionID: open[i].ID, Message: err.Error()})
				continue
			}
			res.StaleCyclesClosed += n
		}
	}

	level := r.logger.Debug
	if res.Transitions() > 0 || len(res.Errors) > 0 || res.StaleCyclesClosed > 0 {
		level = r.logger.Info
	}
	level("session sweep finished",
		zap.Int("candidates", res.Candidates),
		zap.Int("ready", res.Ready),
		zap.Int("ongoing", res.Ongoing),
		zap.Int("completed", res.Completed),
		zap.Int("absent", res.Absent),
		zap.Int("stale_cycles_closed", res.StaleCyclesClosed),
		zap.Int("errors", len(res.Errors)),
		zap.Duration("took", time.Since(started)),
	)
	return res, nil
}

func (r *Runner) candidateScope(scope models.SessionScope) models.SessionScope {
	now := r.driver.machine.Now()
	if scope.ScheduledFrom.IsZero() {
		scope.ScheduledFrom = now.Add(-MissedCutoff)
	}
	if scope.ScheduledUntil.IsZero() {
		scope.ScheduledUntil = now.Add(CandidateHorizon)
	}
	return scope
}

// Run sweeps every interval until ctx is done. The first pass starts immediately.
func (r *Runner) Run(ctx context.Context, scope models.SessionScope) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx, scope); err != nil {
			r.logger.Error("session sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("session scheduler stopping")
			return
		case <-ticker.C:
		}
	}
}
