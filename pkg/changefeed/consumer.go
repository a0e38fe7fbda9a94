// Package changefeed consumes the posts change feed and dispatches every
// change to the fan-out hub, the reconciliation pool and the notification
// side-channel.
//
// A Consumer owns exactly one open feed at a time and processes its events
// in order on a single goroutine. Dispatching never blocks on downstream
// work: reconciliation and notifications are queued for other goroutines
// and hub delivery is non-blocking.
//
// When the feed is lost the consumer reopens it with backoff. The primary
// store cannot replay changes made while no feed was open, so after each
// reconnect a full reconciliation sweep is requested.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/surrealdb/postsync/pkg/hub"
	"github.com/surrealdb/postsync/pkg/logger"
	"github.com/surrealdb/postsync/pkg/models"
	"github.com/surrealdb/postsync/pkg/retry"
	"github.com/surrealdb/postsync/pkg/store"
)

const feedCloseTimeout = 5 * time.Second

// Publisher delivers events to live subscribers without blocking.
type Publisher interface {
	Publish(topic string, ev hub.Event) int
	PublishToOwner(ownerID string, ev hub.Event) int
}

// Triggerer queues a reconciliation of one owner without blocking.
type Triggerer interface {
	Trigger(ownerID string) bool
}

// ActionSink queues a social action for the notification side-channel without blocking.
type ActionSink interface {
	Enqueue(action models.SocialAction) bool
}

// SweepRequester asks for a full reconciliation sweep.
type SweepRequester interface {
	RequestSweep()
}

// Config describes the feed to consume.
type Config struct {
	// Table is the primary store table holding posts.
	Table string
	// Topic is the hub topic every change is published on. Defaults to Table.
	Topic string
	// OwnerField is the post field holding the owner id.
	OwnerField string
	// Reconnect paces attempts to reopen a lost feed. When it gives up the
	// consumer enters StateFailed. Defaults to retry.NewExponential().
	Reconnect retry.Retryer
}

// Option configures optional collaborators of a Consumer.
type Option func(*Consumer)

// WithActionSink forwards social actions carried by post changes to sink.
func WithActionSink(sink ActionSink) Option {
	return func(c *Consumer) {
		c.actions = sink
	}
}

// WithSweepRequester requests a full sweep from r after every reconnect.
func WithSweepRequester(r SweepRequester) Option {
	return func(c *Consumer) {
		c.sweeps = r
	}
}

// Consumer turns raw change events into dispatched ChangeEvents.
type Consumer struct {
	opener  store.ChangeFeedOpener
	hub     Publisher
	trigger Triggerer
	actions ActionSink
	sweeps  SweepRequester
	conf    Config
	decoder Decoder
	logger  logger.Logger
	now     func() time.Time

	// startMu serializes Start; stateMu guards state changes and the run handles.
	startMu sync.Mutex
	stateMu sync.Mutex
	state   atomic.Int32
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a stopped Consumer.
func New(opener store.ChangeFeedOpener, pub Publisher, trigger Triggerer, conf Config, log logger.Logger, opts ...Option) *Consumer {
	if conf.Topic == "" {
		conf.Topic = conf.Table
	}
	if conf.Reconnect == nil {
		conf.Reconnect = retry.NewExponential()
	}

	c := &Consumer{
		opener:  opener,
		hub:     pub,
		trigger: trigger,
		conf:    conf,
		decoder: Decoder{OwnerField: conf.OwnerField},
		logger:  logger.OrDiscard(log),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// transitionTo must be called with stateMu held.
func (c *Consumer) transitionTo(newState State) error {
	if err := c.State().validateTransitionTo(newState); err != nil {
		return err
	}
	c.state.Store(int32(newState))
	c.logger.Debug("Change feed consumer state transitioned", "new_state", newState)
	return nil
}

func (c *Consumer) setState(newState State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if err := c.transitionTo(newState); err != nil {
		c.logger.Error("BUG: change feed consumer", "error", err)
	}
}

// Start opens the change feed and starts consuming it in the background.
// The open error, if any, is returned. Starting a consumer that is already
// running or reconnecting does nothing.
//
// The feed is opened without holding the state lock, so Stop and Done do
// not wait on a slow dial. Stop called before Start returns has nothing to stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	switch c.State() {
	case StateRunning, StateReconnecting:
		return nil
	}

	feed, err := c.opener.OpenChangeFeed(ctx, c.conf.Table)
	if err != nil {
		return fmt.Errorf("open change feed: %w", err)
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if err := c.transitionTo(StateRunning); err != nil {
		_ = feed.Close(ctx)
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, feed, c.done)

	c.logger.Info("Change feed consumer started", "table", c.conf.Table)
	return nil
}

// Stop closes the feed and waits for the consumer goroutine to exit or ctx to end.
func (c *Consumer) Stop(ctx context.Context) error {
	c.stateMu.Lock()
	cancel, done := c.cancel, c.done
	c.stateMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the consumer goroutine exits, or nil if it never started.
func (c *Consumer) Done() <-chan struct{} {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.done
}

func (c *Consumer) run(ctx context.Context, feed store.ChangeFeed, done chan struct{}) {
	defer close(done)

	for {
		c.consume(ctx, feed)

		if ctx.Err() != nil {
			c.closeFeed(feed)
			c.setState(StateStopped)
			c.logger.Info("Change feed consumer stopped")
			return
		}

		err := feed.Err()
		if err == nil {
			err = store.ErrFeedClosed
		}
		c.logger.Error("Change feed lost", "table", c.conf.Table, "error", err)
		c.setState(StateReconnecting)
		c.closeFeed(feed)

		feed = c.reconnect(ctx, err)
		if feed == nil {
			if ctx.Err() != nil {
				c.setState(StateStopped)
				c.logger.Info("Change feed consumer stopped while reconnecting")
			} else {
				c.setState(StateFailed)
			}
			return
		}

		c.setState(StateRunning)
		c.logger.Info("Change feed reopened", "table", c.conf.Table)
		if c.sweeps != nil {
			c.sweeps.RequestSweep()
		}
	}
}

func (c *Consumer) closeFeed(feed store.ChangeFeed) {
	ctx, cancel := context.WithTimeout(context.Background(), feedCloseTimeout)
	defer cancel()
	if err := feed.Close(ctx); err != nil {
		c.logger.Warn("Failed to close change feed", "error", err)
	}
}

// consume returns when the feed ends or ctx is done.
func (c *Consumer) consume(ctx context.Context, feed store.ChangeFeed) {
	events := feed.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				return
			}
			c.handle(raw)
		}
	}
}

func (c *Consumer) reconnect(ctx context.Context, lastErr error) store.ChangeFeed {
	for attempt := 0; ; attempt++ {
		delay, ok := c.conf.Reconnect.NextDelay(attempt, lastErr)
		if !ok {
			c.logger.Error("Giving up reopening change feed", "attempts", attempt, "error", lastErr)
			return nil
		}
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil
		}

		feed, err := c.opener.OpenChangeFeed(ctx, c.conf.Table)
		if err == nil {
			return feed
		}
		lastErr = err
		c.logger.Warn("Failed to reopen change feed", "attempt", attempt+1, "error", err)
	}
}

// handle dispatches one raw event. Failures are logged and never stop consumption.
func (c *Consumer) handle(raw store.RawChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic while handling change event", "document_key", raw.DocumentKey, "panic", r)
		}
	}()

	ev, err := c.decoder.Decode(raw, c.now())
	switch {
	case errors.Is(err, ErrInvalidAction):
		c.logger.Warn("Ignoring social action of change event", "document_key", raw.DocumentKey, "error", err)
	case err != nil:
		c.logger.Error("Failed to decode change event",
			"operation", raw.Operation, "document_key", raw.DocumentKey, "error", err)
		return
	}

	out := hub.ChangeEvent(ev)
	c.hub.Publish(c.conf.Topic, out)
	if ev.OwnerKnown() {
		c.hub.PublishToOwner(ev.OwnerID, out)
	}

	if ev.Operation.AffectsCount() {
		if ev.OwnerKnown() {
			if !c.trigger.Trigger(ev.OwnerID) {
				c.logger.Warn("Reconciliation trigger not queued", "owner_id", ev.OwnerID, "entity_id", ev.EntityID)
			}
		} else {
			c.logger.Warn("Cannot reconcile change without owner", "operation", ev.Operation, "entity_id", ev.EntityID)
		}
	}

	if c.actions != nil && ev.Payload != nil && ev.Payload.Action != nil {
		if !c.actions.Enqueue(*ev.Payload.Action) {
			c.logger.Warn("Social action not queued", "type", ev.Payload.Action.Type, "resource_id", ev.Payload.Action.ResourceID)
		}
	}
}
