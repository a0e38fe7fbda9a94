package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/surrealdb/postsync/pkg/store"
)

const feedBuffer = 256

// Posts is an in-memory primary store with a change feed.
type Posts struct {
	mu         sync.Mutex
	ownerField string
	docs       map[string]map[string]any
	feeds      map[*feed]struct{}

	// BeforeImages controls whether delete events carry the deleted document.
	BeforeImages bool

	// CountErr, when set, is returned by CountByOwner and EnumerateOwnersWithCounts.
	CountErr error

	// OpenErr, when set, is returned by OpenChangeFeed.
	OpenErr error
	opens   int
	closes  int
}

// NewPosts returns an empty store whose documents keep their owner in ownerField.
func NewPosts(ownerField string) *Posts {
	return &Posts{
		ownerField:   ownerField,
		docs:         map[string]map[string]any{},
		feeds:        map[*feed]struct{}{},
		BeforeImages: true,
	}
}

// Insert stores doc under id and emits a create event.
func (p *Posts) Insert(id string, doc map[string]any) {
	p.mu.Lock()
	stored := maps.Clone(doc)
	p.docs[id] = stored
	feeds := p.snapshotFeeds()
	p.mu.Unlock()

	p.emit(feeds, store.RawChangeEvent{Operation: store.RawCreate, DocumentKey: id, FullDocument: maps.Clone(stored)})
}

// Update replaces the document stored under id and emits an update event.
func (p *Posts) Update(id string, doc map[string]any) {
	p.mu.Lock()
	before := p.docs[id]
	stored := maps.Clone(doc)
	p.docs[id] = stored
	feeds := p.snapshotFeeds()
	p.mu.Unlock()

	ev := store.RawChangeEvent{Operation: store.RawUpdate, DocumentKey: id, FullDocument: maps.Clone(stored)}
	if p.BeforeImages && before != nil {
		ev.FullDocumentBeforeChange = maps.Clone(before)
	}
	p.emit(feeds, ev)
}

// Delete removes the document stored under id and emits a delete event.
func (p *Posts) Delete(id string) {
	p.mu.Lock()
	before, ok := p.docs[id]
	delete(p.docs, id)
	feeds := p.snapshotFeeds()
	p.mu.Unlock()

	if !ok {
		return
	}
	ev := store.RawChangeEvent{Operation: store.RawDelete, DocumentKey: id}
	if p.BeforeImages {
		ev.FullDocumentBeforeChange = maps.Clone(before)
	}
	p.emit(feeds, ev)
}

// Emit delivers ev to every open feed as is, without touching stored documents.
func (p *Posts) Emit(ev store.RawChangeEvent) {
	p.mu.Lock()
	feeds := p.snapshotFeeds()
	p.mu.Unlock()
	p.emit(feeds, ev)
}

// Disconnect ends every open feed with store.ErrFeedClosed, as a lost connection would.
func (p *Posts) Disconnect() {
	p.mu.Lock()
	feeds := p.snapshotFeeds()
	clear(p.feeds)
	p.mu.Unlock()

	for _, f := range feeds {
		f.finish(store.ErrFeedClosed)
	}
}

// Opens returns how many feeds were opened successfully.
func (p *Posts) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

// Closes returns how many feeds were closed by their consumer.
func (p *Posts) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *Posts) CountByOwner(_ context.Context, ownerID string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.CountErr != nil {
		return 0, p.CountErr
	}
	var n int64
	for _, doc := range p.docs {
		if owner, _ := doc[p.ownerField].(string); owner == ownerID {
			n++
		}
	}
	return n, nil
}

func (p *Posts) EnumerateOwnersWithCounts(_ context.Context) (map[string]int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.CountErr != nil {
		return nil, p.CountErr
	}
	counts := map[string]int64{}
	for _, doc := range p.docs {
		if owner, _ := doc[p.ownerField].(string); owner != "" {
			counts[owner]++
		}
	}
	return counts, nil
}

func (p *Posts) OpenChangeFeed(_ context.Context, table string) (store.ChangeFeed, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.OpenErr != nil {
		return nil, fmt.Errorf("open change feed on %s: %w", table, p.OpenErr)
	}
	f := &feed{
		events: make(chan store.RawChangeEvent, feedBuffer),
		done:   make(chan struct{}),
	}
	p.feeds[f] = struct{}{}
	p.opens++
	return &handle{posts: p, feed: f}, nil
}

func (p *Posts) snapshotFeeds() []*feed {
	out := make([]*feed, 0, len(p.feeds))
	for f := range p.feeds {
		out = append(out, f)
	}
	return out
}

func (p *Posts) emit(feeds []*feed, ev store.RawChangeEvent) {
	for _, f := range feeds {
		f.send(ev)
	}
}

func (p *Posts) remove(f *feed) {
	p.mu.Lock()
	delete(p.feeds, f)
	p.closes++
	p.mu.Unlock()
}

type feed struct {
	mu       sync.Mutex
	events   chan store.RawChangeEvent
	done     chan struct{}
	doneOnce sync.Once
	closed   bool
	err      error
}

func (f *feed) send(ev store.RawChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.events <- ev:
	case <-f.done:
	}
}

func (f *feed) finish(err error) {
	// Unblock a pending send before taking the lock it holds.
	f.doneOnce.Do(func() { close(f.done) })

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.events)
}

type handle struct {
	posts *Posts
	feed  *feed
}

func (h *handle) Events() <-chan store.RawChangeEvent {
	return h.feed.events
}

func (h *handle) Err() error {
	h.feed.mu.Lock()
	defer h.feed.mu.Unlock()
	return h.feed.err
}

func (h *handle) Close(context.Context) error {
	h.posts.remove(h.feed)
	h.feed.finish(nil)
	return nil
}
