package hub

import (
	"time"

	"github.com/surrealdb/postsync/pkg/models"
)

// EventType tags an Event.
type EventType string

const (
	EventCreated             EventType = "Created"
	EventUpdated             EventType = "Updated"
	EventDeleted             EventType = "Deleted"
	EventNotificationCreated EventType = "NotificationCreated"
)

// Event is what subscribers receive.
type Event struct {
	Type       EventType           `json:"type" cbor:"type"`
	EntityID   string              `json:"entity_id,omitempty" cbor:"entity_id,omitempty"`
	OwnerID    string              `json:"owner_id,omitempty" cbor:"owner_id,omitempty"`
	Payload    *models.PostPayload `json:"payload,omitempty" cbor:"payload,omitempty"`
	ObservedAt time.Time           `json:"observed_at" cbor:"observed_at"`

	// Set for EventNotificationCreated only.
	Notification *models.Notification `json:"notification,omitempty" cbor:"notification,omitempty"`
	UnreadCount  *int64               `json:"unread_count,omitempty" cbor:"unread_count,omitempty"`
}

var changeTypes = map[models.Operation]EventType{
	models.OperationCreated: EventCreated,
	models.OperationUpdated: EventUpdated,
	models.OperationDeleted: EventDeleted,
}

// ChangeEvent converts a post change into an Event.
func ChangeEvent(ev models.ChangeEvent) Event {
	return Event{
		Type:       changeTypes[ev.Operation],
		EntityID:   ev.EntityID,
		OwnerID:    ev.OwnerID,
		Payload:    ev.Payload,
		ObservedAt: ev.ObservedAt,
	}
}

// NotificationEvent tells a receiver about a new notification and their unread count.
func NotificationEvent(n models.Notification, unread int64) Event {
	return Event{
		Type:         EventNotificationCreated,
		EntityID:     n.ResourceID,
		OwnerID:      n.ReceiverID,
		ObservedAt:   n.CreatedAt,
		Notification: &n,
		UnreadCount:  &unread,
	}
}
