// Package postgres stores notifications and the relational post count
// aggregate in PostgreSQL through GORM.
//
// [Store] implements [store.NotificationStore] and [store.AggregateSetter].
// The aggregate is written by overwriting the owner's row, never by
// incrementing it, so replaying a write is harmless.
//
// # Schema
//
// [Store.Migrate] creates the notifications and user_post_counts tables from
// their GORM models and adds a partial unique index that allows at most one
// unread like or comment per sender, resource and type:
//
//	CREATE UNIQUE INDEX idx_notifications_unread_unique
//	    ON notifications (sender_id, resource_id, type)
//	    WHERE read = false AND type IN ('like', 'comment')
//
// A Create that hits the index returns [store.ErrDuplicate].
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/surrealdb/postsync/pkg/models"
	"github.com/surrealdb/postsync/pkg/store"
)

// UserPostCount is the derived aggregate row.
type UserPostCount struct {
	OwnerID   string `gorm:"primaryKey"`
	Count     int64  `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName pins the table name used by GORM.
func (UserPostCount) TableName() string {
	return "user_post_counts"
}

// Store implements store.NotificationStore and store.AggregateSetter.
type Store struct {
	db *gorm.DB
}

// Open connects to PostgreSQL.
func Open(dsn string) (*Store, error) {
	// TranslateError turns unique violations into gorm.ErrDuplicatedKey.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&models.Notification{}, &UserPostCount{}); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	if err := db.Exec(store.UnreadUniqueIndexSQL).Error; err != nil {
		return fmt.Errorf("failed to create unread unique index: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SetCount overwrites the post count of ownerID.
func (s *Store) SetCount(ctx context.Context, ownerID string, value int64) error {
	row := UserPostCount{OwnerID: ownerID, Count: value, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"count", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to set post count of %s: %w", ownerID, err)
	}
	return nil
}

// GetCount returns the stored post count of ownerID.
func (s *Store) GetCount(ctx context.Context, ownerID string) (int64, bool, error) {
	var row UserPostCount
	err := s.db.WithContext(ctx).First(&row, "owner_id = ?", ownerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return row.Count, true, nil
}

func (s *Store) unread(ctx context.Context, senderID, resourceID string, typ models.NotificationType) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("sender_id = ? AND resource_id = ? AND type = ? AND read = ?", senderID, resourceID, typ, false)
}

func (s *Store) ExistsUnread(ctx context.Context, senderID, resourceID string, typ models.NotificationType) (bool, error) {
	var n int64
	if err := s.unread(ctx, senderID, resourceID, typ).Limit(1).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Create(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Create(n).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) DeleteUnread(ctx context.Context, senderID, resourceID string, typ models.NotificationType) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("sender_id = ? AND resource_id = ? AND type = ? AND read = ?", senderID, resourceID, typ, false).
		Delete(&models.Notification{})
	return res.RowsAffected, res.Error
}

func (s *Store) CountUnread(ctx context.Context, receiverID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("receiver_id = ? AND read = ?", receiverID, false).
		Count(&n).Error
	return n, err
}

func (s *Store) ListUnread(ctx context.Context, receiverID string, limit int) ([]models.Notification, error) {
	var out []models.Notification
	q := s.db.WithContext(ctx).
		Where("receiver_id = ? AND read = ?", receiverID, false).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ?", id).
		Updates(map[string]any{"read": true, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}
