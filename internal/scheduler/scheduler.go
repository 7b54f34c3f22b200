// Package scheduler runs periodic background syncs of workspace
// sandboxes to the content store. The schedule is a standard 5-field
// cron expression; each firing syncs either the configured workspace
// list or every workspace known to the registry.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/engine"
)

// maxConcurrentSyncs bounds the per-firing sync fan-out.
const maxConcurrentSyncs = 4

// Scheduler fires engine syncs on a cron schedule. It runs as a
// background goroutine in serve mode.
type Scheduler struct {
	engine *engine.Engine
	config *config.SchedulerConfig
	logger *slog.Logger

	parser cron.Parser
}

// New creates a Scheduler. The config may be nil, in which case Start
// is a no-op.
func New(eng *engine.Engine, cfg *config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		engine: eng,
		config: cfg,
		logger: logger,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Start launches the scheduling loop and returns a cancel function.
// Returns an error only when the cron expression does not parse.
func (s *Scheduler) Start(ctx context.Context) (func(), error) {
	if s.config == nil || !s.config.Enabled {
		return func() {}, nil
	}

	expr := s.config.Cron()
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing cron expression %q: %w", expr, err)
	}

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "auto-sync scheduler started",
			slog.String("cron", expr),
			slog.Int("workspaces", len(s.config.Workspaces)),
		)

		for {
			next := sched.Next(time.Now())
			timer := time.NewTimer(time.Until(next))

			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("auto-sync scheduler stopped")
				return
			case <-timer.C:
				s.fire(ctx)
			}
		}
	}()

	return cancel, nil
}

// fire syncs the configured workspaces, bounded by maxConcurrentSyncs.
func (s *Scheduler) fire(ctx context.Context) {
	start := time.Now()

	ids := s.config.Workspaces
	if len(ids) == 0 {
		infos, err := s.engine.Workspaces(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "auto-sync: listing workspaces failed",
				slog.String("error", err.Error()),
			)
			return
		}
		for _, info := range infos {
			ids = append(ids, info.WorkspaceID)
		}
	}
	if len(ids) == 0 {
		return
	}

	sem := make(chan struct{}, maxConcurrentSyncs)
	var wg sync.WaitGroup
	for _, id := range ids {
		sem <- struct{}{}
		wg.Add(1)
		go func(workspaceID string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := s.engine.Sync(ctx, workspaceID); err != nil {
				s.logger.WarnContext(ctx, "auto-sync failed",
					slog.String("workspace_id", workspaceID),
					slog.String("error", err.Error()),
				)
			}
		}(id)
	}
	wg.Wait()

	s.logger.InfoContext(ctx, "auto-sync cycle finished",
		slog.Int("workspaces", len(ids)),
		slog.Duration("took", time.Since(start)),
	)
}

// ComputeNextRunFrom computes the next firing time of a cron expression
// from a reference time. Used by the CLI to preview schedules.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
