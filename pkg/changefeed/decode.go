package changefeed

import (
	"errors"
	"fmt"
	"time"

	"github.com/surrealdb/postsync/pkg/models"
	"github.com/surrealdb/postsync/pkg/store"
)

var (
	// ErrUnknownOperation is returned for raw events of an unsupported kind.
	ErrUnknownOperation = errors.New("unknown change operation")
	// ErrMissingKey is returned when the mutated document cannot be identified.
	ErrMissingKey = errors.New("change event has no document key")
	// ErrMissingDocument is returned for a create or update without its document.
	ErrMissingDocument = errors.New("change event has no document")
	// ErrInvalidAction is returned alongside a usable event whose social
	// action metadata could not be decoded. The event carries no action.
	ErrInvalidAction = errors.New("invalid social action")
)

var operations = map[store.RawOperation]models.Operation{
	store.RawCreate: models.OperationCreated,
	store.RawUpdate: models.OperationUpdated,
	store.RawDelete: models.OperationDeleted,
}

// Decoder turns raw change events into ChangeEvents.
type Decoder struct {
	// OwnerField is the document field holding the owner id.
	OwnerField string
}

// Decode normalizes raw. Deletes take their owner from the before-image and
// have an unknown owner when there is none.
func (d Decoder) Decode(raw store.RawChangeEvent, observedAt time.Time) (models.ChangeEvent, error) {
	op, ok := operations[raw.Operation]
	if !ok {
		return models.ChangeEvent{}, fmt.Errorf("%w: %q", ErrUnknownOperation, raw.Operation)
	}

	ev := models.ChangeEvent{Operation: op, EntityID: raw.DocumentKey, ObservedAt: observedAt}

	if op == models.OperationDeleted {
		if ev.EntityID == "" {
			ev.EntityID = stringField(raw.FullDocumentBeforeChange, "id")
		}
		if ev.EntityID == "" {
			return models.ChangeEvent{}, ErrMissingKey
		}
		ev.OwnerID = stringField(raw.FullDocumentBeforeChange, d.OwnerField)
		return ev, nil
	}

	if raw.FullDocument == nil {
		return models.ChangeEvent{}, fmt.Errorf("%w: %s %s", ErrMissingDocument, op, raw.DocumentKey)
	}
	if ev.EntityID == "" {
		ev.EntityID = stringField(raw.FullDocument, "id")
	}
	if ev.EntityID == "" {
		return models.ChangeEvent{}, ErrMissingKey
	}
	ev.OwnerID = stringField(raw.FullDocument, d.OwnerField)

	payload, err := decodePayload(raw.FullDocument)
	ev.Payload = payload
	return ev, err
}

func stringField(doc map[string]any, field string) string {
	if doc == nil {
		return ""
	}
	s, _ := doc[field].(string)
	return s
}

func decodePayload(doc map[string]any) (*models.PostPayload, error) {
	p := &models.PostPayload{Message: stringField(doc, "message")}

	switch images := doc["images"].(type) {
	case []any:
		for _, img := range images {
			if s, ok := img.(string); ok && s != "" {
				p.FirstImage = s
				break
			}
		}
	case []string:
		if len(images) > 0 {
			p.FirstImage = images[0]
		}
	}

	raw, ok := doc["action"]
	if !ok || raw == nil {
		return p, nil
	}
	action, err := decodeAction(raw)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	p.Action = action
	return p, nil
}

func decodeAction(raw any) (*models.SocialAction, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("action is %T, not an object", raw)
	}

	typ, err := models.ParseSocialActionType(stringField(m, "type"))
	if err != nil {
		return nil, err
	}
	action := &models.SocialAction{
		Type:       typ,
		SenderID:   stringField(m, "sender_id"),
		ReceiverID: stringField(m, "receiver_id"),
		ResourceID: stringField(m, "resource_id"),
		Message:    stringField(m, "message"),
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}
	return action, nil
}
