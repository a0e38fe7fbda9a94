// Package store declares the storage collaborators postsync consumes.
//
// Implementations live in the sub-packages: surrealdb for the primary
// store and its change feed, postgres and sqlite for durable notifications
// and the relational aggregate, memory for tests and local development.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/surrealdb/postsync/pkg/models"
)

var (
	// ErrFeedClosed is returned when a change feed ended without being asked to.
	ErrFeedClosed = errors.New("change feed closed")

	// ErrDuplicate is returned when an unread notification with the same
	// sender, resource and type already exists.
	ErrDuplicate = errors.New("duplicate unread notification")

	// ErrNotFound is returned when a notification does not exist.
	ErrNotFound = errors.New("not found")
)

// UnreadUniqueIndexSQL allows at most one unread like or comment per sender,
// resource and type. PostgreSQL and SQLite both accept it.
const UnreadUniqueIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_unread_unique
ON notifications (sender_id, resource_id, type)
WHERE read = false AND type IN ('like', 'comment')`

// PrimaryStore answers count queries against the source of truth.
type PrimaryStore interface {
	// CountByOwner returns the number of posts owned by ownerID.
	CountByOwner(ctx context.Context, ownerID string) (int64, error)

	// EnumerateOwnersWithCounts returns every owner that currently has at
	// least one post, with its post count.
	EnumerateOwnersWithCounts(ctx context.Context) (map[string]int64, error)
}

// RawOperation is the mutation kind reported by the change feed.
type RawOperation string

const (
	RawCreate RawOperation = "create"
	RawUpdate RawOperation = "update"
	RawDelete RawOperation = "delete"
)

// RawChangeEvent is one mutation as delivered by the primary store.
type RawChangeEvent struct {
	Operation RawOperation
	// DocumentKey identifies the mutated document, e.g. "posts:abc".
	DocumentKey string
	// FullDocument is the document after the change; nil for deletes.
	FullDocument map[string]any
	// FullDocumentBeforeChange is the before-image, when the store has one.
	FullDocumentBeforeChange map[string]any
}

// ChangeFeed is an open subscription to mutations of one table.
type ChangeFeed interface {
	// Events is closed when the feed ends, either through Close or
	// because the underlying connection was lost.
	Events() <-chan RawChangeEvent

	// Err reports why Events was closed. It is nil after Close.
	Err() error

	Close(ctx context.Context) error
}

// ChangeFeedOpener opens change feeds.
type ChangeFeedOpener interface {
	OpenChangeFeed(ctx context.Context, table string) (ChangeFeed, error)
}

// AggregateSetter overwrites the derived post count of an owner in the foreign store.
type AggregateSetter interface {
	SetCount(ctx context.Context, ownerID string, value int64) error
}

// NotificationStore persists notifications.
type NotificationStore interface {
	// ExistsUnread reports whether an unread notification for sender, resource and type exists.
	ExistsUnread(ctx context.Context, senderID, resourceID string, typ models.NotificationType) (bool, error)

	// Create stores n. It returns ErrDuplicate when a deduplicated type
	// already has an unread row for the same sender and resource.
	Create(ctx context.Context, n *models.Notification) error

	// DeleteUnread removes unread notifications for sender, resource and type
	// and returns how many were removed.
	DeleteUnread(ctx context.Context, senderID, resourceID string, typ models.NotificationType) (int64, error)

	CountUnread(ctx context.Context, receiverID string) (int64, error)

	// ListUnread returns the receiver's unread notifications, newest first.
	ListUnread(ctx context.Context, receiverID string, limit int) ([]models.Notification, error)

	// MarkRead marks one notification as read. It returns ErrNotFound when
	// the notification does not exist.
	MarkRead(ctx context.Context, id string) error

	Close() error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.err)
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
