package notify

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/postsync/pkg/hub"
	"github.com/surrealdb/postsync/pkg/logger/logtest"
	"github.com/surrealdb/postsync/pkg/models"
	"github.com/surrealdb/postsync/pkg/store/memory"
)

func action(typ models.SocialActionType) models.SocialAction {
	return models.SocialAction{
		Type:       typ,
		SenderID:   "users:alice",
		ReceiverID: "users:bob",
		ResourceID: "posts:1",
	}
}

func newTestChannel(t *testing.T) (*Channel, *memory.Notifications, *hub.Hub, *logtest.Recorder) {
	t.Helper()
	logs := logtest.NewRecorder()
	st := memory.NewNotifications()
	h := hub.New(16, nil)
	t.Cleanup(h.Close)
	return New(st, h, Config{}, logs.Logger()), st, h, logs
}

func unreadLikes(st *memory.Notifications) int {
	n := 0
	for _, row := range st.All() {
		if !row.Read && row.Type == models.NotificationLike {
			n++
		}
	}
	return n
}

func TestLikeUnlikeRelike(t *testing.T) {
	c, st, _, _ := newTestChannel(t)
	ctx := context.Background()

	res, err := c.Handle(ctx, action(models.SocialLike))
	require.NoError(t, err)
	assert.Equal(t, Created, res)

	res, err = c.Handle(ctx, action(models.SocialLike))
	require.NoError(t, err)
	assert.Equal(t, Skipped, res)
	assert.Equal(t, 1, unreadLikes(st))

	res, err = c.Handle(ctx, action(models.SocialUnlike))
	require.NoError(t, err)
	assert.Equal(t, Retracted, res)
	assert.Equal(t, 0, unreadLikes(st))

	res, err = c.Handle(ctx, action(models.SocialLike))
	require.NoError(t, err)
	assert.Equal(t, Created, res)
	assert.Equal(t, 1, unreadLikes(st))
	assert.Len(t, st.All(), 1)
}

func TestSelfActionIsSkipped(t *testing.T) {
	c, st, _, _ := newTestChannel(t)

	a := action(models.SocialComment)
	a.ReceiverID = a.SenderID
	res, err := c.Handle(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, Skipped, res)
	assert.Empty(t, st.All())
}

func TestRepliesAreNotDeduplicated(t *testing.T) {
	c, st, _, _ := newTestChannel(t)
	ctx := context.Background()

	for range 2 {
		res, err := c.Handle(ctx, action(models.SocialReply))
		require.NoError(t, err)
		assert.Equal(t, Created, res)
	}
	assert.Len(t, st.All(), 2)
}

func TestReadNotificationDoesNotBlockNewOne(t *testing.T) {
	c, st, _, _ := newTestChannel(t)
	ctx := context.Background()

	_, err := c.Handle(ctx, action(models.SocialComment))
	require.NoError(t, err)
	rows := st.All()
	require.Len(t, rows, 1)
	require.NoError(t, st.MarkRead(ctx, rows[0].ID))

	res, err := c.Handle(ctx, action(models.SocialComment))
	require.NoError(t, err)
	assert.Equal(t, Created, res)
}

func TestCreatedNotificationIsPushedToReceiver(t *testing.T) {
	c, _, h, _ := newTestChannel(t)
	ctx := context.Background()

	sub, err := h.SubscribeOwner("users:bob")
	require.NoError(t, err)
	other, err := h.SubscribeOwner("users:alice")
	require.NoError(t, err)

	_, err = c.Handle(ctx, action(models.SocialLike))
	require.NoError(t, err)
	a := action(models.SocialComment)
	a.Message = "nice"
	_, err = c.Handle(ctx, a)
	require.NoError(t, err)

	first := <-sub.Events()
	assert.Equal(t, hub.EventNotificationCreated, first.Type)
	require.NotNil(t, first.Notification)
	assert.Equal(t, models.NotificationLike, first.Notification.Type)
	require.NotNil(t, first.UnreadCount)
	assert.EqualValues(t, 1, *first.UnreadCount)

	second := <-sub.Events()
	assert.Equal(t, "nice", second.Notification.Message)
	assert.EqualValues(t, 2, *second.UnreadCount)

	assert.Empty(t, other.Events())
}

func TestPushFailureKeepsNotification(t *testing.T) {
	c, st, h, logs := newTestChannel(t)
	st.CountErr = errors.New("count failed")

	sub, err := h.SubscribeOwner("users:bob")
	require.NoError(t, err)

	res, err := c.Handle(context.Background(), action(models.SocialLike))
	require.NoError(t, err)
	assert.Equal(t, Created, res)
	assert.Len(t, st.All(), 1)
	assert.Empty(t, sub.Events())
	assert.Equal(t, 1, logs.Count(slog.LevelError, "Failed to count unread notifications"))
}

func TestHandleErrors(t *testing.T) {
	c, st, _, _ := newTestChannel(t)
	ctx := context.Background()

	_, err := c.Handle(ctx, models.SocialAction{Type: models.SocialLike, SenderID: "users:alice"})
	assert.ErrorIs(t, err, models.ErrReceiverRequired)

	st.CreateErr = errors.New("disk full")
	_, err = c.Handle(ctx, action(models.SocialLike))
	assert.ErrorContains(t, err, "disk full")
}

func TestWorker(t *testing.T) {
	c, st, _, logs := newTestChannel(t)
	c.Start(context.Background())

	assert.True(t, c.Enqueue(action(models.SocialLike)))
	assert.True(t, c.Enqueue(action(models.SocialLike)))
	assert.True(t, c.Enqueue(models.SocialAction{Type: models.SocialLike}))
	assert.True(t, c.Enqueue(action(models.SocialReply)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	assert.Len(t, st.All(), 2)
	assert.Equal(t, 1, logs.Count(slog.LevelError, "Failed to handle social action"))
	assert.False(t, c.Enqueue(action(models.SocialLike)))
	require.NoError(t, c.Stop(ctx))
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	st := memory.NewNotifications()
	c := New(st, hub.New(1, nil), Config{QueueSize: 1}, nil)

	assert.True(t, c.Enqueue(action(models.SocialLike)))
	assert.False(t, c.Enqueue(action(models.SocialReply)))
	assert.EqualValues(t, 1, c.Dropped())
}
