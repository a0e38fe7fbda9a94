package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/surrealdb/postsync/pkg/logger"
	"github.com/surrealdb/postsync/pkg/models"
)

// DefaultSweepInterval is the period between drift-correcting full sweeps.
const DefaultSweepInterval = 5 * time.Minute

// ErrSchedulerStarted is returned by Start on a Scheduler that was already started.
var ErrSchedulerStarted = errors.New("scheduler already started")

// Sweeper performs a full reconciliation.
type Sweeper interface {
	SyncAll(ctx context.Context) (models.SyncSummary, error)
}

// Scheduler runs a full sweep at start and then on every interval tick.
//
// Ticks are skipped until a first sweep has established a baseline, and
// while another sweep is running, so two sweeps never overlap. A baseline
// sweep that fails to enumerate owners is retried on the next tick.
//
// Sweeps run detached from the context given to Start; only Stop ends them.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	logger   logger.Logger

	requests chan struct{}
	baseline atomic.Bool
	running  atomic.Bool
	last     atomic.Pointer[models.SyncSummary]

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

// NewScheduler returns a Scheduler sweeping every interval.
func NewScheduler(sweeper Sweeper, interval time.Duration, log logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.OrDiscard(log),
		requests: make(chan struct{}, 1),
	}
}

// Start runs the initial sweep in the background and starts the ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrSchedulerStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx)
	return nil
}

// Stop stops scheduling sweeps and waits for a running one to finish.
// When ctx ends first, the running sweep is cancelled.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel, quit, done := s.cancel, s.quit, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	s.quitOnce.Do(func() { close(quit) })

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Full sync did not finish in time, cancelling")
		cancel()
		<-done
	}
	cancel()
}

// RequestSweep asks for a sweep as soon as possible without waiting for the
// next tick. A request made while a sweep runs starts another one after it.
func (s *Scheduler) RequestSweep() {
	select {
	case s.requests <- struct{}{}:
	default:
	}
}

// BaselineEstablished reports whether a full sweep has completed.
func (s *Scheduler) BaselineEstablished() bool {
	return s.baseline.Load()
}

// Running reports whether a sweep is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// LastSummary returns the summary of the most recent completed sweep, or nil.
func (s *Scheduler) LastSummary() *models.SyncSummary {
	return s.last.Load()
}

type sweepResult struct {
	summary models.SyncSummary
	err     error
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	results := make(chan sweepResult, 1)
	rerun := false

	start := func(reason string) {
		s.running.Store(true)
		s.logger.Info("Full sync starting", "reason", reason)
		go func() {
			summary, err := s.sweeper.SyncAll(ctx)
			results <- sweepResult{summary: summary, err: err}
		}()
	}

	start("startup")
	for {
		select {
		case <-s.quit:
			if s.running.Load() {
				s.finish(<-results)
			}
			return

		case <-ticker.C:
			if s.running.Load() {
				if s.baseline.Load() {
					s.logger.Info("Skipping scheduled sync, previous sync still running")
				} else {
					s.logger.Info("Skipping scheduled sync, initial sync not completed")
				}
				continue
			}
			if !s.baseline.Load() {
				start("baseline retry")
				continue
			}
			start("interval")

		case <-s.requests:
			if s.running.Load() {
				rerun = true
				continue
			}
			start("requested")

		case res := <-results:
			s.finish(res)
			if rerun {
				rerun = false
				start("requested")
			}
		}
	}
}

func (s *Scheduler) finish(res sweepResult) {
	s.running.Store(false)
	if res.err != nil {
		s.logger.Error("Full sync failed", "error", res.err)
		return
	}
	summary := res.summary
	s.last.Store(&summary)
	if !s.baseline.Swap(true) {
		s.logger.Info("Initial sync completed",
			"total_owners", summary.TotalOwners, "failed", summary.Failed)
	}
}
