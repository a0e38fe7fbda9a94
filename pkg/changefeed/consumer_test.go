package changefeed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/postsync/pkg/hub"
	"github.com/surrealdb/postsync/pkg/logger/logtest"
	"github.com/surrealdb/postsync/pkg/models"
	"github.com/surrealdb/postsync/pkg/retry"
	"github.com/surrealdb/postsync/pkg/store"
	"github.com/surrealdb/postsync/pkg/store/memory"
)

const waitFor = 2 * time.Second

type recorder struct {
	mu       sync.Mutex
	triggers []string
	actions  []models.SocialAction
	sweeps   int
}

func (r *recorder) Trigger(ownerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, ownerID)
	return true
}

func (r *recorder) Enqueue(a models.SocialAction) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
	return true
}

func (r *recorder) RequestSweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps++
}

func (r *recorder) Triggers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.triggers...)
}

func (r *recorder) Actions() []models.SocialAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SocialAction(nil), r.actions...)
}

func (r *recorder) Sweeps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweeps
}

type fixture struct {
	posts    *memory.Posts
	hub      *hub.Hub
	rec      *recorder
	logs     *logtest.Recorder
	consumer *Consumer
}

func newFixture(t *testing.T, reconnect retry.Retryer) *fixture {
	t.Helper()

	f := &fixture{
		posts: memory.NewPosts("owner_id"),
		rec:   &recorder{},
		logs:  logtest.NewRecorder(),
	}
	f.hub = hub.New(16, f.logs.Logger())
	f.consumer = New(f.posts, f.hub, f.rec, Config{
		Table:      "posts",
		OwnerField: "owner_id",
		Reconnect:  reconnect,
	}, f.logs.Logger(), WithActionSink(f.rec), WithSweepRequester(f.rec))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = f.consumer.Stop(ctx)
		f.hub.Close()
	})
	return f
}

func (f *fixture) subscribe(t *testing.T, topic string) *hub.Subscription {
	t.Helper()
	sub, err := f.hub.Subscribe(topic)
	require.NoError(t, err)
	return sub
}

func (f *fixture) subscribeOwner(t *testing.T, owner string) *hub.Subscription {
	t.Helper()
	sub, err := f.hub.SubscribeOwner(owner)
	require.NoError(t, err)
	return sub
}

func receive(t *testing.T, sub *hub.Subscription) hub.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(waitFor):
		t.Fatal("no event received")
		return hub.Event{}
	}
}

func TestConsumerCreatedPublishesAndTriggers(t *testing.T) {
	f := newFixture(t, nil)
	topic := f.subscribe(t, "posts")
	owner := f.subscribeOwner(t, "users:u")
	require.NoError(t, f.consumer.Start(context.Background()))
	assert.Equal(t, StateRunning, f.consumer.State())

	f.posts.Insert("posts:1", map[string]any{"owner_id": "users:u", "message": "hello"})

	ev := receive(t, topic)
	assert.Equal(t, hub.EventCreated, ev.Type)
	assert.Equal(t, "posts:1", ev.EntityID)
	assert.Equal(t, "users:u", ev.OwnerID)
	require.NotNil(t, ev.Payload)
	assert.Equal(t, "hello", ev.Payload.Message)

	assert.Equal(t, ev, receive(t, owner))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"users:u"}, f.rec.Triggers())
	}, waitFor, 5*time.Millisecond)
}

func TestConsumerUpdatedDoesNotTrigger(t *testing.T) {
	f := newFixture(t, nil)
	topic := f.subscribe(t, "posts")
	require.NoError(t, f.consumer.Start(context.Background()))

	f.posts.Update("posts:1", map[string]any{"owner_id": "users:u", "message": "edited"})
	f.posts.Insert("posts:2", map[string]any{"owner_id": "users:w"})

	assert.Equal(t, hub.EventUpdated, receive(t, topic).Type)
	assert.Equal(t, hub.EventCreated, receive(t, topic).Type)
	assert.Eventually(t, func() bool {
		return len(f.rec.Triggers()) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"users:w"}, f.rec.Triggers())
}

func TestConsumerDeleted(t *testing.T) {
	t.Run("with before-image", func(t *testing.T) {
		f := newFixture(t, nil)
		f.posts.Insert("posts:1", map[string]any{"owner_id": "users:v"})
		topic := f.subscribe(t, "posts")
		owner := f.subscribeOwner(t, "users:v")
		require.NoError(t, f.consumer.Start(context.Background()))

		f.posts.Delete("posts:1")

		ev := receive(t, topic)
		assert.Equal(t, hub.EventDeleted, ev.Type)
		assert.Equal(t, "users:v", ev.OwnerID)
		assert.Nil(t, ev.Payload)
		assert.Equal(t, ev, receive(t, owner))
		assert.Eventually(t, func() bool {
			return assert.ObjectsAreEqual([]string{"users:v"}, f.rec.Triggers())
		}, waitFor, 5*time.Millisecond)
	})

	t.Run("without before-image", func(t *testing.T) {
		f := newFixture(t, nil)
		f.posts.BeforeImages = false
		f.posts.Insert("posts:1", map[string]any{"owner_id": "users:v"})
		topic := f.subscribe(t, "posts")
		require.NoError(t, f.consumer.Start(context.Background()))

		f.posts.Delete("posts:1")

		ev := receive(t, topic)
		assert.Equal(t, hub.EventDeleted, ev.Type)
		assert.Equal(t, "posts:1", ev.EntityID)
		assert.Empty(t, ev.OwnerID)
		assert.Eventually(t, func() bool {
			return f.logs.Count(slog.LevelWarn, "Cannot reconcile change without owner") == 1
		}, waitFor, 5*time.Millisecond)
		assert.Empty(t, f.rec.Triggers())
	})
}

func TestConsumerSurvivesBadEvents(t *testing.T) {
	f := newFixture(t, nil)
	topic := f.subscribe(t, "posts")
	require.NoError(t, f.consumer.Start(context.Background()))

	f.posts.Emit(store.RawChangeEvent{Operation: "truncate", DocumentKey: "posts:0"})
	f.posts.Emit(store.RawChangeEvent{Operation: store.RawCreate, DocumentKey: "posts:1"})
	f.posts.Insert("posts:2", map[string]any{"owner_id": "users:u"})

	ev := receive(t, topic)
	assert.Equal(t, "posts:2", ev.EntityID)
	assert.Equal(t, 2, f.logs.Count(slog.LevelError, "Failed to decode change event"))
	assert.Equal(t, StateRunning, f.consumer.State())
}

func TestConsumerForwardsSocialActions(t *testing.T) {
	f := newFixture(t, nil)
	topic := f.subscribe(t, "posts")
	require.NoError(t, f.consumer.Start(context.Background()))

	f.posts.Update("posts:1", map[string]any{
		"owner_id": "users:bob",
		"action": map[string]any{
			"type":        "like",
			"sender_id":   "users:alice",
			"receiver_id": "users:bob",
			"resource_id": "posts:1",
		},
	})
	f.posts.Update("posts:1", map[string]any{
		"owner_id": "users:bob",
		"action":   map[string]any{"type": "wave"},
	})

	receive(t, topic)
	receive(t, topic)

	actions := f.rec.Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, models.SocialLike, actions[0].Type)
	assert.Equal(t, 1, f.logs.Count(slog.LevelWarn, "Ignoring social action"))
}

func TestConsumerStartIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.consumer.Start(ctx))
	require.NoError(t, f.consumer.Start(ctx))
	assert.Equal(t, 1, f.posts.Opens())
}

func TestConsumerStartFails(t *testing.T) {
	f := newFixture(t, nil)
	f.posts.OpenErr = errors.New("connection refused")

	err := f.consumer.Start(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, StateStopped, f.consumer.State())
	assert.Nil(t, f.consumer.Done())
}

func TestConsumerStop(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.consumer.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.consumer.Stop(ctx))
	assert.Equal(t, StateStopped, f.consumer.State())

	require.NoError(t, f.consumer.Start(context.Background()))
	assert.Equal(t, StateRunning, f.consumer.State())
	assert.Equal(t, 2, f.posts.Opens())
}

func TestConsumerReconnectsAndRequestsSweep(t *testing.T) {
	f := newFixture(t, retry.NewFixed(5*time.Millisecond, 0))
	topic := f.subscribe(t, "posts")
	require.NoError(t, f.consumer.Start(context.Background()))

	f.posts.Disconnect()

	require.Eventually(t, func() bool {
		return f.posts.Opens() == 2 && f.consumer.State() == StateRunning && f.rec.Sweeps() == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, f.logs.Count(slog.LevelError, "Change feed lost"))
	assert.Equal(t, 1, f.posts.Closes(), "lost feed is closed before reopening")

	f.posts.Insert("posts:9", map[string]any{"owner_id": "users:u"})
	assert.Equal(t, "posts:9", receive(t, topic).EntityID)
}

func TestConsumerFailsWhenReconnectGivesUp(t *testing.T) {
	f := newFixture(t, retry.NewFixed(time.Millisecond, 2))
	require.NoError(t, f.consumer.Start(context.Background()))

	f.posts.OpenErr = errors.New("connection refused")
	f.posts.Disconnect()

	select {
	case <-f.consumer.Done():
	case <-time.After(waitFor):
		t.Fatal("consumer did not give up")
	}
	assert.Equal(t, StateFailed, f.consumer.State())
	assert.Equal(t, 2, f.logs.Count(slog.LevelWarn, "Failed to reopen change feed"))
	assert.Zero(t, f.rec.Sweeps())
}

// gatedOpener holds OpenChangeFeed until release is closed.
type gatedOpener struct {
	posts   *memory.Posts
	entered chan struct{}
	release chan struct{}
}

func (g *gatedOpener) OpenChangeFeed(ctx context.Context, table string) (store.ChangeFeed, error) {
	close(g.entered)
	<-g.release
	return g.posts.OpenChangeFeed(ctx, table)
}

func TestConsumerStopDoesNotWaitForOpen(t *testing.T) {
	opener := &gatedOpener{
		posts:   memory.NewPosts("owner_id"),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := New(opener, hub.New(1, nil), &recorder{}, Config{Table: "posts", OwnerField: "owner_id"}, nil)

	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background()) }()
	<-opener.entered

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		stopped <- c.Stop(ctx)
	}()

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Stop waited for the feed to open")
	}
	assert.Nil(t, c.Done())

	close(opener.release)
	require.NoError(t, <-started)
	assert.Equal(t, StateRunning, c.State())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, StateStopped, c.State())
}
