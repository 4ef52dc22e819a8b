// Package scheduler triggers fetch cycles on a fixed interval.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/AntonSheinin/epg-service/internal/model"
)

// Runner is the fetch pipeline entry point.
type Runner interface {
	Run(ctx context.Context) model.Report
}

// Scheduler periodically invokes the fetch pipeline. Collisions with a
// manual trigger come back as skipped reports and are only logged.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	log      *slog.Logger
}

// New creates a Scheduler. interval zero or negative disables it.
func New(runner Runner, interval time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{runner: runner, interval: interval, log: log}
}

// Run fetches once immediately, then on every tick, blocking until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.log.Info("scheduler disabled")
		return
	}

	s.fetch(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fetch(ctx)
		}
	}
}

func (s *Scheduler) fetch(ctx context.Context) {
	report := s.runner.Run(ctx)
	switch report.Status {
	case model.StatusSkipped:
		s.log.Info("scheduled fetch skipped", "message", report.Message)
	case model.StatusFailed:
		s.log.Error("scheduled fetch failed", "error", report.Error)
	default:
		s.log.Info("scheduled fetch complete",
			"inserted", report.ProgramsInserted, "deleted", report.ProgramsDeleted,
			"sources_failed", report.SourcesFailed)
	}
}
