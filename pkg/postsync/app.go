package postsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/surrealdb/postsync/pkg/changefeed"
	"github.com/surrealdb/postsync/pkg/hub"
	"github.com/surrealdb/postsync/pkg/hub/wsserver"
	"github.com/surrealdb/postsync/pkg/logger"
	"github.com/surrealdb/postsync/pkg/models"
	"github.com/surrealdb/postsync/pkg/notify"
	"github.com/surrealdb/postsync/pkg/reconcile"
)

// ErrAlreadyStarted is returned by Start on an App that was started before.
var ErrAlreadyStarted = errors.New("app already started")

// App owns every long-running component of the process.
type App struct {
	conf   *Config
	logger logger.Logger
	stores *Stores

	engine    *reconcile.Engine
	pool      *reconcile.Pool
	scheduler *reconcile.Scheduler
	hub       *hub.Hub
	ws        *wsserver.Server
	notifier  *notify.Channel
	consumer  *changefeed.Consumer

	mu           sync.Mutex
	started      bool
	outcomesDone chan struct{}
}

// New builds the components on top of stores. Nothing runs until Start.
// The notification side-channel is only wired when stores has a
// notification store.
func New(conf *Config, stores *Stores, log logger.Logger) *App {
	log = logger.OrDiscard(log)

	a := &App{
		conf:   conf,
		logger: log,
		stores: stores,
	}

	a.engine = reconcile.NewEngine(stores.Primary, stores.Aggregates, conf.engineConfig(), log)
	a.pool = reconcile.NewPool(a.engine, conf.poolConfig(), log)
	a.scheduler = reconcile.NewScheduler(a.engine, conf.SweepInterval, log)
	a.hub = hub.New(conf.HubBufferSize, log)
	a.ws = wsserver.New(a.hub, log, wsserver.WithPingInterval(conf.WSPingInterval))

	opts := []changefeed.Option{changefeed.WithSweepRequester(a.scheduler)}
	if stores.Notifications != nil {
		a.notifier = notify.New(stores.Notifications, a.hub, notify.Config{QueueSize: conf.NotifyQueueSize}, log)
		opts = append(opts, changefeed.WithActionSink(a.notifier))
	}
	a.consumer = changefeed.New(stores.Primary, a.hub, a.pool, changefeed.Config{
		Table:      conf.PostsTable,
		OwnerField: conf.OwnerField,
		Reconnect:  conf.reconnectPolicy(),
	}, log, opts...)

	return a
}

// Start runs the initialization phase, in order: notification worker,
// reconciliation workers, change feed consumer, sweep scheduler. The
// scheduler runs the first full sweep right away. If a step fails the
// steps already started are stopped and the error is returned.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return ErrAlreadyStarted
	}
	a.started = true

	if a.notifier != nil {
		a.notifier.Start(ctx)
	}

	a.pool.Start(ctx)
	a.outcomesDone = make(chan struct{})
	go a.watchOutcomes(a.pool.Outcomes(), a.outcomesDone)

	if err := a.consumer.Start(ctx); err != nil {
		a.stopWorkers(ctx)
		return fmt.Errorf("failed to start change feed consumer: %w", err)
	}

	if err := a.scheduler.Start(ctx); err != nil {
		_ = a.consumer.Stop(ctx)
		a.stopWorkers(ctx)
		return fmt.Errorf("failed to start sweep scheduler: %w", err)
	}

	a.logger.Info("postsync started",
		"table", a.conf.PostsTable, "sweep_interval", a.conf.SweepInterval, "workers", a.conf.Workers)
	return nil
}

func (a *App) watchOutcomes(outcomes <-chan models.SyncOutcome, done chan struct{}) {
	defer close(done)
	for o := range outcomes {
		if o.Success {
			a.logger.Debug("Owner reconciled", "owner_id", o.OwnerID, "count", o.ComputedCount, "attempts", o.Attempts)
		}
	}
}

func (a *App) stopWorkers(ctx context.Context) {
	a.pool.Stop(ctx)
	if a.outcomesDone != nil {
		<-a.outcomesDone
	}
	if a.notifier != nil {
		if err := a.notifier.Stop(ctx); err != nil {
			a.logger.Warn("Notification worker did not drain in time", "error", err)
		}
	}
}

// Shutdown stops the components in reverse dependency order and closes the
// stores: consumer, scheduler, reconciliation workers, notification worker,
// hub subscriptions, stores.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if err := a.consumer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop change feed consumer: %w", err))
	}
	a.scheduler.Stop(ctx)
	a.stopWorkers(ctx)

	a.hub.Close()
	a.ws.Wait()

	if err := a.stores.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close stores: %w", err))
	}

	a.logger.Info("postsync stopped")
	return errors.Join(errs...)
}

// SyncAll runs one full sweep outside the scheduler.
func (a *App) SyncAll(ctx context.Context) (models.SyncSummary, error) {
	return a.engine.SyncAll(ctx)
}

// SyncOne reconciles one owner.
func (a *App) SyncOne(ctx context.Context, ownerID string) models.SyncOutcome {
	return a.engine.SyncOne(ctx, ownerID)
}

// Health is the state reported by the health endpoint.
type Health struct {
	Consumer             changefeed.State    `json:"consumer"`
	BaselineEstablished  bool                `json:"baseline_established"`
	SweepRunning         bool                `json:"sweep_running"`
	LastSweep            *models.SyncSummary `json:"last_sweep,omitempty"`
	Hub                  hub.Stats           `json:"hub"`
	DroppedTriggers      uint64              `json:"dropped_triggers"`
	DroppedNotifications uint64              `json:"dropped_notifications"`
}

// Healthy reports whether the change feed is being consumed.
func (h Health) Healthy() bool {
	return h.Consumer == changefeed.StateRunning || h.Consumer == changefeed.StateReconnecting
}

// Health returns a snapshot of the running components.
func (a *App) Health() Health {
	h := Health{
		Consumer:            a.consumer.State(),
		BaselineEstablished: a.scheduler.BaselineEstablished(),
		SweepRunning:        a.scheduler.Running(),
		LastSweep:           a.scheduler.LastSummary(),
		Hub:                 a.hub.Stats(),
		DroppedTriggers:     a.pool.Dropped(),
	}
	if a.notifier != nil {
		h.DroppedNotifications = a.notifier.Dropped()
	}
	return h
}
