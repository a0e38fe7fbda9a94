package models

import "time"

// Operation is the kind of mutation a ChangeEvent describes.
type Operation string

const (
	OperationCreated Operation = "Created"
	OperationUpdated Operation = "Updated"
	OperationDeleted Operation = "Deleted"
)

func (o Operation) String() string {
	return string(o)
}

// AffectsCount reports whether the operation can change the number of posts
// owned by a user.
func (o Operation) AffectsCount() bool {
	return o == OperationCreated || o == OperationDeleted
}

// ChangeEvent is one normalized mutation of the posts table.
type ChangeEvent struct {
	Operation Operation `json:"operation"`
	EntityID  string    `json:"entity_id"`
	// OwnerID is empty when the owner could not be recovered,
	// which only happens for deletes without a before-image.
	OwnerID    string       `json:"owner_id,omitempty"`
	Payload    *PostPayload `json:"payload,omitempty"`
	ObservedAt time.Time    `json:"observed_at"`
}

// OwnerKnown reports whether the event is scoped to a single owner.
func (e ChangeEvent) OwnerKnown() bool {
	return e.OwnerID != ""
}

// PostPayload carries the fields live subscribers render.
// It is only set for created and updated posts.
type PostPayload struct {
	Message    string `json:"message,omitempty"`
	FirstImage string `json:"first_image,omitempty"`
	// Action is set when the mutation was caused by a social action
	// such as a like or a comment on the post.
	Action *SocialAction `json:"action,omitempty"`
}
