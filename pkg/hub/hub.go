// Package hub fans events out to live subscribers.
//
// Subscribers register either on a topic or on an owner id. Delivery is
// best effort: a subscriber whose buffer is full misses the event, nothing
// is persisted and nothing is replayed after a reconnect.
package hub

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/surrealdb/postsync/pkg/logger"
)

// DefaultBufferSize is the per-subscriber buffer used when none is configured.
const DefaultBufferSize = 100

// ErrClosed is returned when subscribing to a closed Hub.
var ErrClosed = errors.New("hub closed")

type scope int

const (
	scopeTopic scope = iota
	scopeOwner
)

func (s scope) String() string {
	if s == scopeOwner {
		return "owner"
	}
	return "topic"
}

type registry map[string]map[*Subscription]struct{}

// Hub is a registry of subscribers keyed by topic and by owner.
type Hub struct {
	mu     sync.RWMutex
	topics registry
	owners registry
	closed bool

	bufferSize int
	delivered  atomic.Uint64
	dropped    atomic.Uint64

	logger logger.Logger
}

// New returns a Hub giving every subscriber a buffer of bufferSize events.
func New(bufferSize int, log logger.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		topics:     registry{},
		owners:     registry{},
		bufferSize: bufferSize,
		logger:     logger.OrDiscard(log),
	}
}

// Subscription is one live subscriber.
type Subscription struct {
	hub   *Hub
	scope scope
	key   string
	ch    chan Event
	once  sync.Once
}

// Events is closed when the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Key is the topic or owner id the subscription is registered on.
func (s *Subscription) Key() string {
	return s.key
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		s.hub.remove(s)
		close(s.ch)
	})
}

func (h *Hub) registry(sc scope) registry {
	if sc == scopeOwner {
		return h.owners
	}
	return h.topics
}

func (h *Hub) remove(s *Subscription) {
	reg := h.registry(s.scope)
	subs := reg[s.key]
	delete(subs, s)
	if len(subs) == 0 {
		delete(reg, s.key)
	}
}

func (h *Hub) subscribe(sc scope, key string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	s := &Subscription{hub: h, scope: sc, key: key, ch: make(chan Event, h.bufferSize)}
	reg := h.registry(sc)
	if reg[key] == nil {
		reg[key] = map[*Subscription]struct{}{}
	}
	reg[key][s] = struct{}{}

	h.logger.Debug("Subscriber registered", "scope", sc.String(), "key", key)
	return s, nil
}

// Subscribe registers a subscriber on topic.
func (h *Hub) Subscribe(topic string) (*Subscription, error) {
	return h.subscribe(scopeTopic, topic)
}

// SubscribeOwner registers a subscriber on the private queue of ownerID.
func (h *Hub) SubscribeOwner(ownerID string) (*Subscription, error) {
	return h.subscribe(scopeOwner, ownerID)
}

// Publish delivers ev to every subscriber of topic and returns how many
// received it. It never blocks.
func (h *Hub) Publish(topic string, ev Event) int {
	return h.publish(scopeTopic, topic, ev)
}

// PublishToOwner delivers ev to the subscribers of ownerID only and
// returns how many received it. It never blocks.
func (h *Hub) PublishToOwner(ownerID string, ev Event) int {
	return h.publish(scopeOwner, ownerID, ev)
}

func (h *Hub) publish(sc scope, key string, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for s := range h.registry(sc)[key] {
		select {
		case s.ch <- ev:
			delivered++
		default:
			h.dropped.Add(1)
			h.logger.Warn("Failed to deliver event, subscriber buffer is full",
				"scope", sc.String(), "key", key, "type", ev.Type)
		}
	}
	h.delivered.Add(uint64(delivered))
	return delivered
}

// Stats is a snapshot of the hub.
type Stats struct {
	Topics      int    `json:"topics"`
	Owners      int    `json:"owners"`
	Subscribers int    `json:"subscribers"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

// Stats returns current registry sizes and delivery counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := Stats{
		Topics:    len(h.topics),
		Owners:    len(h.owners),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
	for _, subs := range h.topics {
		st.Subscribers += len(subs)
	}
	for _, subs := range h.owners {
		st.Subscribers += len(subs)
	}
	return st
}

// Close closes every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true

	var subs []*Subscription
	for _, reg := range []registry{h.topics, h.owners} {
		for _, set := range reg {
			for s := range set {
				subs = append(subs, s)
			}
		}
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
