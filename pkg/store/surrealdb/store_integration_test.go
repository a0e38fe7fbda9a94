package surrealdb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	surrealdb "github.com/surrealdb/surrealdb.go"

	"github.com/surrealdb/postsync/pkg/logger/logtest"
	"github.com/surrealdb/postsync/pkg/store"
)

// openTestStore connects to the server named by POSTSYNC_TEST_SURREALDB_URL
// and starts from an empty posts table.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("POSTSYNC_TEST_SURREALDB_URL")
	if url == "" {
		t.Skip("POSTSYNC_TEST_SURREALDB_URL not set")
	}

	ctx := context.Background()
	s, err := Open(ctx, Config{
		URL:        url,
		Namespace:  "postsync_test",
		Database:   "store",
		Username:   "root",
		Password:   "root",
		Table:      "posts",
		OwnerField: "owner_id",
	}, logtest.NewRecorder().Logger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	_, err = surrealdb.Query[[]any](ctx, s.db, "REMOVE TABLE IF EXISTS posts", nil)
	require.NoError(t, err)
	return s
}

func createPost(t *testing.T, s *Store, owner string) {
	t.Helper()
	_, err := surrealdb.Query[[]any](context.Background(), s.db,
		"CREATE posts CONTENT { owner_id: $owner, message: 'hi', images: [] }",
		map[string]any{"owner": owner})
	require.NoError(t, err)
}

func TestIntegrationCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.CountByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)

	createPost(t, s, "u1")
	createPost(t, s, "u1")
	createPost(t, s, "u2")

	n, err = s.CountByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counts, err := s.EnumerateOwnersWithCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"u1": 2, "u2": 1}, counts)
}

func TestIntegrationChangeFeed(t *testing.T) {
	s := openTestStore(t)
	if u := os.Getenv("POSTSYNC_TEST_SURREALDB_URL"); len(u) < 2 || u[:2] != "ws" {
		t.Skip("live queries need a WebSocket endpoint")
	}
	ctx := context.Background()

	feed, err := s.OpenChangeFeed(ctx, "posts")
	require.NoError(t, err)

	createPost(t, s, "u1")

	select {
	case ev := <-feed.Events():
		assert.Equal(t, store.RawCreate, ev.Operation)
		assert.Equal(t, "u1", ev.FullDocument["owner_id"])
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for create event")
	}

	require.NoError(t, feed.Close(ctx))
	_, ok := <-feed.Events()
	assert.False(t, ok)
	assert.NoError(t, feed.Err())
}
