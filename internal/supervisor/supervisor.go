// Package supervisor implements the Supervisor (component G): it starts
// the Firehose Consumer (F) and Backfill Scheduler (E) as supervised
// children, restarting either one on an unexpected exit up to a bounded
// budget within a rolling window, and drains both on shutdown.
//
// Generalized from the teacher's cmd/server/main.go, which starts its
// firehose subscriber with a bare `go func` and no restart policy at
// all, into an explicit type carrying that restart budget.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Child is anything the Supervisor can run and restart: F and E both
// satisfy this with their existing Start(ctx) error methods.
type Child interface {
	Start(ctx context.Context) error
}

// Supervisor restarts its children on crash, up to restartBudget times
// within restartWindow, and otherwise drains them on cancellation.
type Supervisor struct {
	logger *slog.Logger

	restartBudget int
	restartWindow time.Duration
	shutdownDelay time.Duration

	// exitFunc is called when a child exhausts its restart budget. It is
	// os.Exit(2) in production, swapped out in tests so the test process
	// itself doesn't exit.
	exitFunc func(code int)
}

// New builds a Supervisor. restartBudget and restartWindow implement
// §6.G's "M=10 restarts within a rolling 5-minute window, else exit(2)".
// shutdownDelay bounds how long Run gives children to drain after ctx
// is cancelled before it gives up waiting and returns anyway (the caller
// is still expected to force-exit if that happens).
func New(logger *slog.Logger, restartBudget int, restartWindow, shutdownDelay time.Duration) *Supervisor {
	return &Supervisor{
		logger:        logger,
		restartBudget: restartBudget,
		restartWindow: restartWindow,
		shutdownDelay: shutdownDelay,
		exitFunc:      osExit,
	}
}

// Run starts every child concurrently and blocks until ctx is cancelled
// and every child has returned, or shutdownDelay elapses first. A child
// that returns with a non-nil error while ctx is still live is treated
// as a crash and restarted, subject to the restart budget; a child that
// returns nil, or returns while ctx is already cancelled, is not
// restarted.
func (s *Supervisor) Run(ctx context.Context, children map[string]Child) {
	var wg sync.WaitGroup
	for name, child := range children {
		wg.Add(1)
		go func(name string, child Child) {
			defer wg.Done()
			s.superviseOne(ctx, name, child)
		}(name, child)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	<-ctx.Done()
	select {
	case <-done:
		s.logger.Info("all supervised children drained")
	case <-time.After(s.shutdownDelay):
		s.logger.Warn("shutdown delay elapsed before all children drained")
	}
}

// superviseOne runs one child, restarting it on crash with a rolling
// restart budget, until ctx is cancelled or the budget is exhausted.
func (s *Supervisor) superviseOne(ctx context.Context, name string, child Child) {
	var restarts []time.Time

	for {
		err := child.Start(ctx)
		if ctx.Err() != nil {
			s.logger.Info("supervised child stopped for shutdown", "child", name)
			return
		}
		if err == nil {
			s.logger.Info("supervised child exited cleanly", "child", name)
			return
		}

		s.logger.Error("supervised child crashed", "child", name, "error", err)

		now := time.Now()
		restarts = append(restarts, now)
		restarts = dropOlderThan(restarts, now.Add(-s.restartWindow))

		if len(restarts) > s.restartBudget {
			s.logger.Error("child exceeded restart budget, terminating process",
				"child", name, "budget", s.restartBudget, "window", s.restartWindow)
			s.exitFunc(2)
			return
		}

		s.logger.Warn("restarting supervised child", "child", name, "restart_count", len(restarts))
	}
}

// dropOlderThan filters restarts to only those at or after cutoff,
// implementing the rolling window: a restart five minutes and one
// second ago no longer counts against the budget.
func dropOlderThan(restarts []time.Time, cutoff time.Time) []time.Time {
	kept := restarts[:0]
	for _, t := range restarts {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
