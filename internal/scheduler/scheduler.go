package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"resellpilot/internal/autopilot"
	"resellpilot/internal/config"
	"resellpilot/internal/execution"
	"resellpilot/internal/performance"
	"resellpilot/internal/store"
)

const (
	sweepPageSize = 200
	executeBatch  = 100
)

// ListingSource pages through active listings.
type ListingSource interface {
	ActiveListings(ctx context.Context, afterID string, limit int) ([]store.Listing, error)
}

// Proposer evaluates one listing and records any resulting action.
type Proposer interface {
	ProposeReprice(ctx context.Context, l store.Listing) (autopilot.RepriceOutcome, error)
}

// Expirer rejects approvals that waited too long.
type Expirer interface {
	ExpirePending(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner drops rate counters of past windows.
type Pruner interface {
	Prune(ctx context.Context, now time.Time) (int64, error)
}

// Scheduler orchestrates the repricing sweep and the execution loop.
type Scheduler struct {
	listings ListingSource
	proposer Proposer
	executor *execution.Executor
	expirer  Expirer
	pruner   Pruner
	tracker  *performance.Tracker
	schedule config.ScheduleConfig
	workers  int
	clock    func() time.Time
}

// New creates a new Scheduler with all dependencies.
func New(
	listings ListingSource,
	proposer Proposer,
	executor *execution.Executor,
	expirer Expirer,
	pruner Pruner,
	tracker *performance.Tracker,
	schedule config.ScheduleConfig,
	workers int,
	clock func() time.Time,
) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		listings: listings,
		proposer: proposer,
		executor: executor,
		expirer:  expirer,
		pruner:   pruner,
		tracker:  tracker,
		schedule: schedule,
		workers:  workers,
		clock:    clock,
	}
}

// Run starts all periodic loops and blocks until context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler starting",
		"sweep_interval", s.schedule.SweepInterval.Duration,
		"execute_interval", s.schedule.ExecuteInterval.Duration,
		"report_interval", s.schedule.ReportInterval.Duration,
		"approval_ttl", s.schedule.ApprovalTTL.Duration,
		"workers", s.workers,
	)

	// Run first cycle immediately.
	s.RunOnce(ctx)

	sweepTicker := time.NewTicker(s.schedule.SweepInterval.Duration)
	executeTicker := time.NewTicker(s.schedule.ExecuteInterval.Duration)
	reportTicker := time.NewTicker(s.schedule.ReportInterval.Duration)
	defer sweepTicker.Stop()
	defer executeTicker.Stop()
	defer reportTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler shutting down")
			return ctx.Err()
		case <-sweepTicker.C:
			s.runMaintenance(ctx)
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Error("sweep failed", "error", err)
			}
			s.runExecution(ctx)
		case <-executeTicker.C:
			s.runExecution(ctx)
		case <-reportTicker.C:
			s.runPerformanceReport(ctx)
		}
	}
}

// RunOnce performs one full cycle: maintenance, sweep and execution.
func (s *Scheduler) RunOnce(ctx context.Context) SweepStats {
	s.runMaintenance(ctx)
	stats, err := s.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		slog.Error("sweep failed", "error", err)
	}
	s.runExecution(ctx)
	return stats
}

// SweepStats counts sweep outcomes.
type SweepStats struct {
	Evaluated int
	Outcomes  map[autopilot.RepriceOutcome]int
	Errors    int
}

// Sweep evaluates every active listing with up to workers evaluations in
// flight. Listing failures are logged and counted; cancellation stops new
// evaluations and returns the context error.
func (s *Scheduler) Sweep(ctx context.Context) (SweepStats, error) {
	start := s.clock()
	slog.Info("starting repricing sweep")

	var (
		mu    sync.Mutex
		stats = SweepStats{Outcomes: make(map[autopilot.RepriceOutcome]int)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	after := ""
	for {
		if gctx.Err() != nil {
			break
		}
		page, err := s.listings.ActiveListings(gctx, after, sweepPageSize)
		if err != nil {
			g.Wait()
			return stats, err
		}
		for _, l := range page {
			l := l
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				outcome, err := s.proposer.ProposeReprice(gctx, l)
				mu.Lock()
				defer mu.Unlock()
				stats.Evaluated++
				if err != nil {
					stats.Errors++
					slog.Error("listing evaluation failed", "listing_id", l.ID, "error", err)
					return nil
				}
				stats.Outcomes[outcome]++
				return nil
			})
		}
		if len(page) < sweepPageSize {
			break
		}
		after = page[len(page)-1].ID
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	slog.Info("repricing sweep complete",
		"evaluated", stats.Evaluated,
		"approved", stats.Outcomes[autopilot.RepriceApproved],
		"proposed", stats.Outcomes[autopilot.RepriceProposed],
		"rate_limited", stats.Outcomes[autopilot.RepriceRateLimited],
		"errors", stats.Errors,
		"duration", s.clock().Sub(start),
	)
	return stats, err
}

func (s *Scheduler) runExecution(ctx context.Context) {
	if _, err := s.executor.RetryFailed(ctx, executeBatch); err != nil {
		slog.Error("retry pass failed", "error", err)
	}
	results, err := s.executor.ExecuteApproved(ctx, executeBatch)
	if err != nil {
		slog.Error("execution pass failed", "error", err)
		return
	}
	if len(results) == 0 {
		return
	}
	successCount := 0
	for _, r := range results {
		if r.Success {
			successCount++
		}
	}
	slog.Info("execution pass complete", "executed", successCount, "failed", len(results)-successCount)
}

// runMaintenance rejects stale approvals and prunes old rate counters.
func (s *Scheduler) runMaintenance(ctx context.Context) {
	now := s.clock()
	if ttl := s.schedule.ApprovalTTL.Duration; ttl > 0 {
		n, err := s.expirer.ExpirePending(ctx, now.Add(-ttl))
		if err != nil {
			slog.Error("expiring pending actions failed", "error", err)
		} else if n > 0 {
			slog.Info("expired pending actions", "count", n)
		}
	}
	if s.pruner != nil {
		if _, err := s.pruner.Prune(ctx, now); err != nil {
			slog.Error("pruning rate counters failed", "error", err)
		}
	}
}

func (s *Scheduler) runPerformanceReport(ctx context.Context) {
	report, err := s.tracker.Generate(ctx, s.clock().Add(-s.schedule.ReportInterval.Duration))
	if err != nil {
		slog.Error("performance report failed", "error", err)
		return
	}
	performance.LogReport(report)
}
