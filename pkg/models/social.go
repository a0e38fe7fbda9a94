package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownSocialAction = errors.New("unknown social action type")
	ErrSenderRequired      = errors.New("social action sender is required")
	ErrReceiverRequired    = errors.New("social action receiver is required")
	ErrResourceRequired    = errors.New("social action resource is required")
)

// SocialActionType names an action a user performed on someone else's resource.
type SocialActionType string

const (
	SocialLike      SocialActionType = "like"
	SocialUnlike    SocialActionType = "unlike"
	SocialComment   SocialActionType = "comment"
	SocialUncomment SocialActionType = "uncomment"
	SocialReply     SocialActionType = "reply"
)

// ParseSocialActionType normalizes raw into a known SocialActionType.
func ParseSocialActionType(raw string) (SocialActionType, error) {
	t := SocialActionType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case SocialLike, SocialUnlike, SocialComment, SocialUncomment, SocialReply:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSocialAction, raw)
	}
}

// Negative reports whether the action retracts an earlier one.
func (t SocialActionType) Negative() bool {
	return t == SocialUnlike || t == SocialUncomment
}

// NotificationType maps the action to the notification it creates or removes.
func (t SocialActionType) NotificationType() (NotificationType, bool) {
	switch t {
	case SocialLike, SocialUnlike:
		return NotificationLike, true
	case SocialComment, SocialUncomment:
		return NotificationComment, true
	case SocialReply:
		return NotificationReply, true
	default:
		return "", false
	}
}

// SocialAction is the metadata a post mutation carries when it was caused by
// another user's like, comment or reply.
type SocialAction struct {
	Type SocialActionType `json:"type"`
	// SenderID is the user who performed the action.
	SenderID string `json:"sender_id"`
	// ReceiverID owns the resource: the post author for likes and comments,
	// the comment author for replies.
	ReceiverID string `json:"receiver_id"`
	ResourceID string `json:"resource_id"`
	Message    string `json:"message,omitempty"`
}

// Validate checks that the action names a known type and all parties.
func (a SocialAction) Validate() error {
	if _, err := ParseSocialActionType(string(a.Type)); err != nil {
		return err
	}
	if strings.TrimSpace(a.SenderID) == "" {
		return ErrSenderRequired
	}
	if strings.TrimSpace(a.ReceiverID) == "" {
		return ErrReceiverRequired
	}
	if strings.TrimSpace(a.ResourceID) == "" {
		return ErrResourceRequired
	}
	return nil
}

// SelfAction reports whether the sender acted on their own resource.
func (a SocialAction) SelfAction() bool {
	return a.SenderID == a.ReceiverID
}
