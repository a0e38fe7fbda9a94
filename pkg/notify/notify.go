// Package notify turns social actions carried by post changes into durable
// notifications and pushes them to the receiver's live queue.
package notify

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
	"github.com/surrealdb/postsync/pkg/store"
)

// Publisher delivers an event to the live queue of one owner without blocking.
type Publisher interface {
	PublishToOwner(ownerID string, ev hub.Event) int
}

// Result tells what Handle did with an action.
type Result int

const (
	// Skipped means nothing was written: a self-action or an unread duplicate.
	Skipped Result = iota
	// Created means a notification row was written.
	Created
	// Retracted means matching unread rows were deleted.
	Retracted
)

func (r Result) String() string {
	switch r {
	case Created:
		return "created"
	case Retracted:
		return "retracted"
	default:
		return "skipped"
	}
}

// Config tunes a Channel.
type Config struct {
	// QueueSize bounds the actions waiting for the worker. Defaults to 256.
	QueueSize int
	// StoreTimeout bounds each handled action. Defaults to 5s.
	StoreTimeout time.Duration
}

// Channel writes notifications for social actions.
type Channel struct {
	store   store.NotificationStore
	pub     Publisher
	conf    Config
	logger  logger.Logger
	now     func() time.Time
	dropped atomic.Uint64

	mu      sync.RWMutex
	queue   chan models.SocialAction
	stopped bool
	done    chan struct{}
}

// New returns a Channel writing to st and publishing through pub.
func New(st store.NotificationStore, pub Publisher, conf Config, log logger.Logger) *Channel {
	if conf.QueueSize <= 0 {
		conf.QueueSize = 256
	}
	if conf.StoreTimeout <= 0 {
		conf.StoreTimeout = 5 * time.Second
	}
	return &Channel{
		store:  st,
		pub:    pub,
		conf:   conf,
		logger: logger.OrDiscard(log),
		now:    time.Now,
		queue:  make(chan models.SocialAction, conf.QueueSize),
	}
}

// Handle applies one action synchronously.
//
// Self-actions are skipped. Negative actions delete the matching unread rows.
// Likes and comments are skipped while an unread row for the same sender,
// resource and type exists; replies are always written. After a write the
// receiver's unread count is recomputed and pushed to their live queue.
// Failing to push is logged and does not undo the write.
func (c *Channel) Handle(ctx context.Context, action models.SocialAction) (Result, error) {
	if err := action.Validate(); err != nil {
		return Skipped, err
	}
	if action.SelfAction() {
		c.logger.Debug("Skipping self notification", "sender_id", action.SenderID, "resource_id", action.ResourceID)
		return Skipped, nil
	}

	typ, ok := action.Type.NotificationType()
	if !ok {
		return Skipped, fmt.Errorf("%w: %q", models.ErrUnknownSocialAction, action.Type)
	}

	if action.Type.Negative() {
		n, err := c.store.DeleteUnread(ctx, action.SenderID, action.ResourceID, typ)
		if err != nil {
			return Skipped, fmt.Errorf("delete unread %s notification: %w", typ, err)
		}
		c.logger.Debug("Retracted notifications", "type", typ, "resource_id", action.ResourceID, "deleted", n)
		return Retracted, nil
	}

	if typ.Deduplicated() {
		exists, err := c.store.ExistsUnread(ctx, action.SenderID, action.ResourceID, typ)
		if err != nil {
			return Skipped, fmt.Errorf("check unread %s notification: %w", typ, err)
		}
		if exists {
			return Skipped, nil
		}
	}

	n := &models.Notification{
		SenderID:   action.SenderID,
		ReceiverID: action.ReceiverID,
		ResourceID: action.ResourceID,
		Type:       typ,
		Message:    action.Message,
		CreatedAt:  c.now().UTC(),
	}
	if err := c.store.Create(ctx, n); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return Skipped, nil
		}
		return Skipped, fmt.Errorf("create %s notification: %w", typ, err)
	}

	c.push(ctx, *n)
	return Created, nil
}

func (c *Channel) push(ctx context.Context, n models.Notification) {
	unread, err := c.store.CountUnread(ctx, n.ReceiverID)
	if err != nil {
		c.logger.Error("Failed to count unread notifications", "receiver_id", n.ReceiverID, "error", err)
		return
	}
	if c.pub.PublishToOwner(n.ReceiverID, hub.NotificationEvent(n, unread)) == 0 {
		c.logger.Debug("Notification not delivered live", "receiver_id", n.ReceiverID, "notification_id", n.ID)
	}
}

// Enqueue hands action to the worker without blocking. It returns false
// when the queue is full or the channel is stopped.
func (c *Channel) Enqueue(action models.SocialAction) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.stopped {
		return false
	}
	select {
	case c.queue <- action:
		return true
	default:
		c.dropped.Add(1)
		c.logger.Warn("Notification queue full, dropping action",
			"type", action.Type, "sender_id", action.SenderID, "resource_id", action.ResourceID)
		return false
	}
}

// Dropped returns how many actions Enqueue rejected because the queue was full.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Start runs the worker handling enqueued actions in order.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil || c.stopped {
		return
	}
	c.done = make(chan struct{})
	go c.work(context.WithoutCancel(ctx), c.done)
}

func (c *Channel) work(ctx context.Context, done chan struct{}) {
	defer close(done)
	for action := range c.queue {
		actx, cancel := context.WithTimeout(ctx, c.conf.StoreTimeout)
		res, err := c.Handle(actx, action)
		cancel()
		if err != nil {
			c.logger.Error("Failed to handle social action",
				"type", action.Type, "sender_id", action.SenderID, "resource_id", action.ResourceID, "error", err)
			continue
		}
		c.logger.Debug("Handled social action", "type", action.Type, "result", res.String())
	}
}

// Stop rejects new actions, lets the worker finish the queued ones and
// waits for it or for ctx to end.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.queue)
	done := c.done
	c.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
