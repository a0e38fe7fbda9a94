package surrealdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	surrealdb "github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	sdkmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/surrealdb/postsync/pkg/store"
)

const (
	defaultProbeInterval = 10 * time.Second
	probeTimeout         = 5 * time.Second
	feedBuffer           = 100
)

// OpenChangeFeed starts a live query on table.
//
// SurrealDB live queries cannot resume from a position, so a feed that
// ends with an error has lost every mutation made until the next one is opened.
func (s *Store) OpenChangeFeed(ctx context.Context, table string) (store.ChangeFeed, error) {
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdent, table)
	}

	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	live, err := surrealdb.Live(ctx, db, sdkmodels.Table(table), false)
	if err != nil {
		s.markStale(db)
		return nil, fmt.Errorf("failed to start live query on %s: %w", table, err)
	}
	id := live.String()

	notifications, err := db.LiveNotifications(id)
	if err != nil {
		_ = surrealdb.Kill(ctx, db, id)
		return nil, fmt.Errorf("failed to get live notifications channel: %w", err)
	}

	interval := s.conf.ProbeInterval
	if interval <= 0 {
		interval = defaultProbeInterval
	}

	f := &liveFeed{
		store:  s,
		db:     db,
		id:     id,
		events: make(chan store.RawChangeEvent, feedBuffer),
		done:   make(chan struct{}),
	}
	f.wg.Add(1)
	go f.run(notifications, interval)

	s.log.Info("Live query started", "table", table, "live_id", id)
	return f, nil
}

type liveFeed struct {
	store *Store
	db    *surrealdb.DB
	id    string

	events    chan store.RawChangeEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error
}

func (f *liveFeed) Events() <-chan store.RawChangeEvent {
	return f.events
}

func (f *liveFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *liveFeed) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.store.markStale(f.db)
}

func (f *liveFeed) run(notifications chan connection.Notification, interval time.Duration) {
	defer f.wg.Done()
	defer close(f.events)

	probe := time.NewTicker(interval)
	defer probe.Stop()

	for {
		select {
		case <-f.done:
			return

		case n, ok := <-notifications:
			if !ok {
				select {
				case <-f.done:
				default:
					f.fail(store.ErrFeedClosed)
				}
				return
			}
			ev, ok := toRawEvent(n)
			if !ok {
				f.store.log.Debug("Ignoring live notification", "action", n.Action, "result_type", fmt.Sprintf("%T", n.Result))
				continue
			}
			select {
			case f.events <- ev:
			case <-f.done:
				return
			}

		case <-probe.C:
			// A dropped connection does not always close the notification
			// channel, so the connection is checked periodically.
			if err := f.ping(); err != nil {
				f.fail(fmt.Errorf("%w: %v", store.ErrFeedClosed, err))
				return
			}
		}
	}
}

func (f *liveFeed) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	_, err := surrealdb.Query[any](ctx, f.db, "RETURN 1", nil)
	return err
}

func (f *liveFeed) Close(ctx context.Context) error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		f.wg.Wait()

		if f.Err() != nil {
			// The connection is gone; there is nothing to kill.
			return
		}
		if kerr := surrealdb.Kill(ctx, f.db, f.id); kerr != nil {
			err = fmt.Errorf("failed to kill live query %s: %w", f.id, kerr)
		}
	})
	return err
}

// toRawEvent converts a live query notification into a store.RawChangeEvent.
// SurrealDB's DELETE notification carries the removed record, which
// becomes the before-image.
func toRawEvent(n connection.Notification) (store.RawChangeEvent, bool) {
	record, ok := n.Result.(map[string]any)
	if !ok {
		return store.RawChangeEvent{}, false
	}
	doc := normalizeDoc(record)
	key, _ := doc["id"].(string)

	switch n.Action {
	case connection.CreateAction:
		return store.RawChangeEvent{Operation: store.RawCreate, DocumentKey: key, FullDocument: doc}, true
	case connection.UpdateAction:
		return store.RawChangeEvent{Operation: store.RawUpdate, DocumentKey: key, FullDocument: doc}, true
	case connection.DeleteAction:
		return store.RawChangeEvent{Operation: store.RawDelete, DocumentKey: key, FullDocumentBeforeChange: doc}, true
	default:
		return store.RawChangeEvent{}, false
	}
}

// normalizeDoc renders SDK record ids and UUIDs as strings so that consumers
// never see SurrealDB types.
func normalizeDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case sdkmodels.RecordID:
		return t.String()
	case *sdkmodels.RecordID:
		if t == nil {
			return nil
		}
		return t.String()
	case sdkmodels.UUID:
		return t.String()
	case *sdkmodels.UUID:
		if t == nil {
			return nil
		}
		return t.String()
	case map[string]any:
		return normalizeDoc(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
