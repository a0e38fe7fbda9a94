package reconcile

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/surrealdb/postsync/pkg/logger"
	"github.com/surrealdb/postsync/pkg/models"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 1024
	outcomesBuffer   = 256
)

// OwnerSyncer reconciles a single owner.
type OwnerSyncer interface {
	SyncOne(ctx context.Context, ownerID string) models.SyncOutcome
}

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Workers   int
	QueueSize int
	// RateLimit caps reconciliations per second across all workers. Zero disables it.
	RateLimit float64
	Burst     int
}

// Pool runs triggered reconciliations on a fixed set of workers.
//
// At most one trigger per owner is queued at a time: triggering an owner that
// is already waiting is a no-op, since the queued run will read the latest
// count anyway. When the queue is full the trigger is dropped and logged;
// the next full sweep repairs the owner.
type Pool struct {
	syncer  OwnerSyncer
	conf    PoolConfig
	limiter *rate.Limiter
	logger  logger.Logger

	queue chan string

	mu      sync.Mutex
	pending map[string]struct{}
	started bool
	stopped bool

	outcomes chan models.SyncOutcome
	dropped  atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool returns a Pool. Zero fields of conf take their defaults.
func NewPool(syncer OwnerSyncer, conf PoolConfig, log logger.Logger) *Pool {
	if conf.Workers <= 0 {
		conf.Workers = DefaultWorkers
	}
	if conf.QueueSize <= 0 {
		conf.QueueSize = DefaultQueueSize
	}

	p := &Pool{
		syncer:   syncer,
		conf:     conf,
		logger:   logger.OrDiscard(log),
		queue:    make(chan string, conf.QueueSize),
		pending:  map[string]struct{}{},
		outcomes: make(chan models.SyncOutcome, outcomesBuffer),
	}
	if conf.RateLimit > 0 {
		burst := conf.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(conf.RateLimit), burst)
	}
	return p
}

// Start launches the workers. Later calls do nothing.
// Cancelling ctx does not stop the workers; Stop does.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < p.conf.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Trigger queues a reconciliation of ownerID without blocking. It reports
// whether the owner is queued, either by this call or by an earlier one.
func (p *Pool) Trigger(ownerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false
	}
	if _, ok := p.pending[ownerID]; ok {
		return true
	}

	select {
	case p.queue <- ownerID:
		p.pending[ownerID] = struct{}{}
		return true
	default:
		p.dropped.Add(1)
		p.logger.Warn("Reconciliation queue is full, dropping trigger", "owner_id", ownerID)
		return false
	}
}

// Outcomes reports the result of every triggered reconciliation. Outcomes
// are discarded when nobody reads them fast enough.
func (p *Pool) Outcomes() <-chan models.SyncOutcome {
	return p.outcomes
}

// Dropped returns how many triggers were rejected because the queue was full.
func (p *Pool) Dropped() uint64 {
	return p.dropped.Load()
}

// Stop stops accepting triggers and lets the workers drain the queue.
// When ctx ends first, in-flight reconciliations are cancelled.
// The Outcomes channel is closed once every worker has exited.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	close(p.queue)
	p.mu.Unlock()

	if !started {
		close(p.outcomes)
		return
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("Reconciliation pool did not drain in time, cancelling")
		p.cancel()
		<-done
	}
	p.cancel()
	close(p.outcomes)
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for ownerID := range p.queue {
		// Triggers arriving from now on need a new run, since this one may
		// have counted before their change.
		p.mu.Lock()
		delete(p.pending, ownerID)
		p.mu.Unlock()

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				p.report(models.SyncOutcome{OwnerID: ownerID, LastError: err})
				continue
			}
		}

		p.report(p.syncer.SyncOne(ctx, ownerID))
	}
}

func (p *Pool) report(outcome models.SyncOutcome) {
	if !outcome.Success {
		p.logger.Warn("Triggered reconciliation failed",
			"owner_id", outcome.OwnerID, "attempts", outcome.Attempts, "error", outcome.LastError)
	}
	select {
	case p.outcomes <- outcome:
	default:
		p.logger.Debug("Outcome channel is full, discarding outcome", "owner_id", outcome.OwnerID)
	}
}
