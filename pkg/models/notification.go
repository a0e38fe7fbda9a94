package models

import "time"

// NotificationType is the durable kind of a Notification.
type NotificationType string

const (
	NotificationLike    NotificationType = "like"
	NotificationComment NotificationType = "comment"
	NotificationReply   NotificationType = "reply"
)

// Deduplicated reports whether at most one unread row of this type may exist
// per sender and resource.
func (t NotificationType) Deduplicated() bool {
	return t == NotificationLike || t == NotificationComment
}

// Notification is a durable record telling ReceiverID that SenderID acted on ResourceID.
type Notification struct {
	ID         string           `json:"id" gorm:"primaryKey;size:36"`
	SenderID   string           `json:"sender_id" gorm:"not null;index:idx_notifications_dedupe,priority:1"`
	ReceiverID string           `json:"receiver_id" gorm:"not null;index:idx_notifications_receiver_read,priority:1"`
	ResourceID string           `json:"resource_id" gorm:"not null;index:idx_notifications_dedupe,priority:2"`
	Type       NotificationType `json:"type" gorm:"size:16;not null;index:idx_notifications_dedupe,priority:3"`
	Message    string           `json:"message"`
	Read       bool             `json:"read" gorm:"not null;default:false;index:idx_notifications_receiver_read,priority:2"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// TableName pins the table name used by GORM.
func (Notification) TableName() string {
	return "notifications"
}
