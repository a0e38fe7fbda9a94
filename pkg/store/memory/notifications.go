package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/surrealdb/postsync/pkg/models"
	"github.com/surrealdb/postsync/pkg/store"
)

// Notifications is an in-memory NotificationStore.
type Notifications struct {
	mu   sync.Mutex
	rows []models.Notification

	// CreateErr, when set, is returned by Create.
	CreateErr error
	// CountErr, when set, is returned by CountUnread.
	CountErr error
}

// NewNotifications returns an empty store.
func NewNotifications() *Notifications {
	return &Notifications{}
}

func matches(n models.Notification, senderID, resourceID string, typ models.NotificationType) bool {
	return !n.Read && n.SenderID == senderID && n.ResourceID == resourceID && n.Type == typ
}

func (s *Notifications) ExistsUnread(_ context.Context, senderID, resourceID string, typ models.NotificationType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.ContainsFunc(s.rows, func(n models.Notification) bool {
		return matches(n, senderID, resourceID, typ)
	}), nil
}

func (s *Notifications) Create(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CreateErr != nil {
		return s.CreateErr
	}
	if n.Type.Deduplicated() && slices.ContainsFunc(s.rows, func(row models.Notification) bool {
		return matches(row, n.SenderID, n.ResourceID, n.Type)
	}) {
		return store.ErrDuplicate
	}

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	s.rows = append(s.rows, *n)
	return nil
}

func (s *Notifications) DeleteUnread(_ context.Context, senderID, resourceID string, typ models.NotificationType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.rows)
	s.rows = slices.DeleteFunc(s.rows, func(n models.Notification) bool {
		return matches(n, senderID, resourceID, typ)
	})
	return int64(before - len(s.rows)), nil
}

func (s *Notifications) CountUnread(_ context.Context, receiverID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CountErr != nil {
		return 0, s.CountErr
	}
	var n int64
	for _, row := range s.rows {
		if !row.Read && row.ReceiverID == receiverID {
			n++
		}
	}
	return n, nil
}

func (s *Notifications) ListUnread(_ context.Context, receiverID string, limit int) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Notification
	for i := len(s.rows) - 1; i >= 0; i-- {
		row := s.rows[i]
		if row.Read || row.ReceiverID != receiverID {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Notifications) MarkRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.rows {
		if s.rows[i].ID == id {
			s.rows[i].Read = true
			s.rows[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return store.ErrNotFound
}

// All returns a copy of every stored row in insertion order.
func (s *Notifications) All() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rows)
}

func (s *Notifications) Close() error {
	return nil
}
