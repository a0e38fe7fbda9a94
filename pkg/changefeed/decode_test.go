package changefeed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/postsync/pkg/models"
	"github.com/surrealdb/postsync/pkg/store"
)

func TestDecode(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d := Decoder{OwnerField: "owner_id"}

	tests := []struct {
		name    string
		raw     store.RawChangeEvent
		want    models.ChangeEvent
		wantErr error
	}{
		{
			name: "create",
			raw: store.RawChangeEvent{
				Operation:    store.RawCreate,
				DocumentKey:  "posts:1",
				FullDocument: map[string]any{"owner_id": "users:u", "message": "hi", "images": []any{"", "a.png", "b.png"}},
			},
			want: models.ChangeEvent{
				Operation: models.OperationCreated, EntityID: "posts:1", OwnerID: "users:u", ObservedAt: at,
				Payload: &models.PostPayload{Message: "hi", FirstImage: "a.png"},
			},
		},
		{
			name: "update with string images and key from document",
			raw: store.RawChangeEvent{
				Operation:    store.RawUpdate,
				FullDocument: map[string]any{"id": "posts:2", "owner_id": "users:u", "images": []string{"x.png"}},
			},
			want: models.ChangeEvent{
				Operation: models.OperationUpdated, EntityID: "posts:2", OwnerID: "users:u", ObservedAt: at,
				Payload: &models.PostPayload{FirstImage: "x.png"},
			},
		},
		{
			name: "delete with before-image",
			raw: store.RawChangeEvent{
				Operation:                store.RawDelete,
				DocumentKey:              "posts:3",
				FullDocumentBeforeChange: map[string]any{"owner_id": "users:v"},
			},
			want: models.ChangeEvent{Operation: models.OperationDeleted, EntityID: "posts:3", OwnerID: "users:v", ObservedAt: at},
		},
		{
			name: "delete without before-image",
			raw:  store.RawChangeEvent{Operation: store.RawDelete, DocumentKey: "posts:4"},
			want: models.ChangeEvent{Operation: models.OperationDeleted, EntityID: "posts:4", ObservedAt: at},
		},
		{
			name:    "unknown operation",
			raw:     store.RawChangeEvent{Operation: "truncate", DocumentKey: "posts:5"},
			wantErr: ErrUnknownOperation,
		},
		{
			name:    "delete without key",
			raw:     store.RawChangeEvent{Operation: store.RawDelete},
			wantErr: ErrMissingKey,
		},
		{
			name:    "create without document",
			raw:     store.RawChangeEvent{Operation: store.RawCreate, DocumentKey: "posts:6"},
			wantErr: ErrMissingDocument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Decode(tt.raw, at)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeSocialAction(t *testing.T) {
	d := Decoder{OwnerField: "owner_id"}

	raw := store.RawChangeEvent{
		Operation:   store.RawUpdate,
		DocumentKey: "posts:1",
		FullDocument: map[string]any{
			"owner_id": "users:bob",
			"action": map[string]any{
				"type":        "LIKE",
				"sender_id":   "users:alice",
				"receiver_id": "users:bob",
				"resource_id": "posts:1",
			},
		},
	}
	ev, err := d.Decode(raw, time.Now())
	require.NoError(t, err)
	require.NotNil(t, ev.Payload.Action)
	assert.Equal(t, models.SocialLike, ev.Payload.Action.Type)
	assert.Equal(t, "users:alice", ev.Payload.Action.SenderID)

	t.Run("invalid action keeps the event", func(t *testing.T) {
		raw.FullDocument["action"] = map[string]any{"type": "poke", "sender_id": "users:alice"}
		ev, err := d.Decode(raw, time.Now())
		assert.ErrorIs(t, err, ErrInvalidAction)
		assert.Equal(t, "posts:1", ev.EntityID)
		require.NotNil(t, ev.Payload)
		assert.Nil(t, ev.Payload.Action)
	})

	t.Run("action that is not an object", func(t *testing.T) {
		raw.FullDocument["action"] = "like"
		_, err := d.Decode(raw, time.Now())
		assert.ErrorIs(t, err, ErrInvalidAction)
	})
}
