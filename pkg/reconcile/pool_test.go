package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/postsync/pkg/models"
	"github.com/surrealdb/postsync/pkg/store/memory"
)

// gatedSyncer blocks every SyncOne until release is closed.
type gatedSyncer struct {
	mu      sync.Mutex
	calls   map[string]int
	entered chan string
	release chan struct{}
}

func newGatedSyncer() *gatedSyncer {
	return &gatedSyncer{
		calls:   map[string]int{},
		entered: make(chan string, 64),
		release: make(chan struct{}),
	}
}

func (g *gatedSyncer) SyncOne(ctx context.Context, ownerID string) models.SyncOutcome {
	g.mu.Lock()
	g.calls[ownerID]++
	g.mu.Unlock()
	g.entered <- ownerID

	select {
	case <-g.release:
		return models.SyncOutcome{OwnerID: ownerID, Success: true, Attempts: 1}
	case <-ctx.Done():
		return models.SyncOutcome{OwnerID: ownerID, LastError: ctx.Err()}
	}
}

func (g *gatedSyncer) Calls(ownerID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[ownerID]
}

func TestPoolReportsOutcomes(t *testing.T) {
	posts := memory.NewPosts("owner_id")
	aggs := memory.NewAggregates()
	seedPosts(posts, "U", 4)

	p := NewPool(newTestEngine(posts, aggs), PoolConfig{Workers: 2}, nil)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	require.True(t, p.Trigger("U"))

	select {
	case outcome := <-p.Outcomes():
		assert.Equal(t, "U", outcome.OwnerID)
		assert.True(t, outcome.Success)
		assert.Equal(t, int64(4), outcome.ComputedCount)
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome reported")
	}

	v, _ := aggs.Get("U")
	assert.Equal(t, int64(4), v)
}

func TestPoolCoalescesPendingTriggers(t *testing.T) {
	g := newGatedSyncer()
	p := NewPool(g, PoolConfig{Workers: 1, QueueSize: 8}, nil)
	p.Start(context.Background())

	// Occupy the only worker.
	require.True(t, p.Trigger("busy"))
	assert.Equal(t, "busy", <-g.entered)

	for i := 0; i < 5; i++ {
		require.True(t, p.Trigger("U"))
	}

	close(g.release)
	p.Stop(context.Background())

	assert.Equal(t, 1, g.Calls("U"))
	assert.Equal(t, 1, g.Calls("busy"))
}

func TestPoolRequeuesTriggerDuringRun(t *testing.T) {
	g := newGatedSyncer()
	p := NewPool(g, PoolConfig{Workers: 1, QueueSize: 8}, nil)
	p.Start(context.Background())

	require.True(t, p.Trigger("U"))
	assert.Equal(t, "U", <-g.entered)

	// The running reconciliation may have counted before this change.
	require.True(t, p.Trigger("U"))

	close(g.release)
	p.Stop(context.Background())
	assert.Equal(t, 2, g.Calls("U"))
}

func TestPoolDropsWhenFull(t *testing.T) {
	g := newGatedSyncer()
	p := NewPool(g, PoolConfig{Workers: 1, QueueSize: 1}, nil)
	p.Start(context.Background())

	require.True(t, p.Trigger("busy"))
	<-g.entered

	assert.True(t, p.Trigger("A"))
	assert.False(t, p.Trigger("B"))
	assert.Equal(t, uint64(1), p.Dropped())

	close(g.release)
	p.Stop(context.Background())
	assert.Zero(t, g.Calls("B"))
}

func TestPoolTriggerDoesNotBlock(t *testing.T) {
	g := newGatedSyncer()
	p := NewPool(g, PoolConfig{Workers: 1, QueueSize: 1}, nil)
	p.Start(context.Background())
	defer func() {
		close(g.release)
		p.Stop(context.Background())
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			p.Trigger(string(rune('a' + i%26)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Trigger blocked")
	}
}

func TestPoolStopCancelsAfterDeadline(t *testing.T) {
	g := newGatedSyncer()
	p := NewPool(g, PoolConfig{Workers: 1}, nil)
	p.Start(context.Background())

	require.True(t, p.Trigger("U"))
	<-g.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	p.Stop(ctx)
	assert.Less(t, time.Since(start), 2*time.Second)

	outcome, ok := <-p.Outcomes()
	require.True(t, ok)
	assert.False(t, outcome.Success)
	assert.ErrorIs(t, outcome.LastError, context.Canceled)

	_, ok = <-p.Outcomes()
	assert.False(t, ok)
	assert.False(t, p.Trigger("U"))
}

func TestPoolDrainsAfterParentCancel(t *testing.T) {
	g := newGatedSyncer()
	p := NewPool(g, PoolConfig{Workers: 1}, nil)

	parent, cancelParent := context.WithCancel(context.Background())
	p.Start(parent)

	require.True(t, p.Trigger("U"))
	require.True(t, p.Trigger("V"))
	<-g.entered
	cancelParent()

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(g.release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Stop(ctx)

	var outcomes []models.SyncOutcome
	for o := range p.Outcomes() {
		outcomes = append(outcomes, o)
	}
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.True(t, o.Success, o.OwnerID)
		assert.NoError(t, o.LastError)
	}
}

func TestPoolRateLimit(t *testing.T) {
	posts := memory.NewPosts("owner_id")
	aggs := memory.NewAggregates()

	p := NewPool(newTestEngine(posts, aggs), PoolConfig{Workers: 2, RateLimit: 20, Burst: 1}, nil)
	p.Start(context.Background())

	start := time.Now()
	for _, owner := range []string{"A", "B", "C", "D"} {
		require.True(t, p.Trigger(owner))
	}
	p.Stop(context.Background())

	// Four runs at 20/s with a burst of one take at least 150ms.
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
	assert.Len(t, aggs.Snapshot(), 4)
}

func TestPoolStopWithoutStart(t *testing.T) {
	p := NewPool(newGatedSyncer(), PoolConfig{}, nil)
	p.Stop(context.Background())

	_, ok := <-p.Outcomes()
	assert.False(t, ok)
}
