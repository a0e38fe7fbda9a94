// Package sqlite is a single-node NotificationStore on the pure Go SQLite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/surrealdb/postsync/pkg/models"
	"github.com/surrealdb/postsync/pkg/store"
)

const schema = `CREATE TABLE IF NOT EXISTS notifications (
	id          TEXT PRIMARY KEY,
	sender_id   TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	type        TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	read        BOOLEAN NOT NULL DEFAULT false,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_receiver_read ON notifications (receiver_id, read);
CREATE INDEX IF NOT EXISTS idx_notifications_dedupe ON notifications (sender_id, resource_id, type);`

// Store provides SQLite-backed persistence for notifications.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens or creates the database at path and applies the schema.
// The path ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// An in-memory database exists per connection.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{sqlDB: sqlDB}
	if err := s.Migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Migrate applies the schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, schema); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, store.UnreadUniqueIndexSQL); err != nil {
		return fmt.Errorf("create unread unique index: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func (s *Store) ExistsUnread(ctx context.Context, senderID, resourceID string, typ models.NotificationType) (bool, error) {
	var one int
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT 1 FROM notifications
WHERE sender_id = ? AND resource_id = ? AND type = ? AND read = false
LIMIT 1`, senderID, resourceID, string(typ)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check unread notification: %w", err)
	}
	return true, nil
}

func (s *Store) Create(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO notifications (id, sender_id, receiver_id, resource_id, type, message, read, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.SenderID, n.ReceiverID, n.ResourceID, string(n.Type), n.Message, n.Read,
		toMillis(n.CreatedAt), toMillis(n.UpdatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *Store) DeleteUnread(ctx context.Context, senderID, resourceID string, typ models.NotificationType) (int64, error) {
	res, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM notifications
WHERE sender_id = ? AND resource_id = ? AND type = ? AND read = false`, senderID, resourceID, string(typ))
	if err != nil {
		return 0, fmt.Errorf("delete unread notifications: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) CountUnread(ctx context.Context, receiverID string) (int64, error) {
	var n int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM notifications WHERE receiver_id = ? AND read = false`, receiverID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}

func (s *Store) ListUnread(ctx context.Context, receiverID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, sender_id, receiver_id, resource_id, type, message, read, created_at, updated_at
FROM notifications
WHERE receiver_id = ? AND read = false
ORDER BY created_at DESC, rowid DESC
LIMIT ?`, receiverID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unread notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var (
			n                    models.Notification
			typ                  string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&n.ID, &n.SenderID, &n.ReceiverID, &n.ResourceID, &typ, &n.Message, &n.Read, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Type = models.NotificationType(typ)
		n.CreatedAt = fromMillis(createdAt)
		n.UpdatedAt = fromMillis(updatedAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) MarkRead(ctx context.Context, id string) error {
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE notifications SET read = true, updated_at = ? WHERE id = ?`, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
