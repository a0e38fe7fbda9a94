// Package surrealdb is the primary store adapter: post counts and the
// posts change feed, read from SurrealDB through the official Go SDK.
package surrealdb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	surrealdb "github.com/surrealdb/surrealdb.go"

	"github.com/surrealdb/postsync/pkg/logger"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ErrInvalidIdent is returned when a table or field name is not a plain identifier.
var ErrInvalidIdent = errors.New("invalid identifier")

// Config describes how to reach SurrealDB.
type Config struct {
	// URL is a ws://, wss://, http:// or https:// endpoint. Live queries need ws or wss.
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string

	// Table holds the posts.
	Table string
	// OwnerField is the field of a post that references its owner.
	OwnerField string

	// ProbeInterval is how often an open change feed checks its connection.
	ProbeInterval time.Duration
}

func (c Config) validate() error {
	for _, ident := range []string{c.Table, c.OwnerField} {
		if !identPattern.MatchString(ident) {
			return fmt.Errorf("%w: %q", ErrInvalidIdent, ident)
		}
	}
	if c.URL == "" {
		return errors.New("surrealdb url is required")
	}
	return nil
}

// Store implements store.PrimaryStore and store.ChangeFeedOpener.
type Store struct {
	conf Config
	log  logger.Logger

	mu sync.Mutex
	db *surrealdb.DB
	// stale is set when a feed noticed the connection is gone,
	// so the next OpenChangeFeed dials again.
	stale bool
}

// Open connects, selects the namespace and database, and signs in.
func Open(ctx context.Context, conf Config, log logger.Logger) (*Store, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	s := &Store{conf: conf, log: logger.OrDiscard(log)}

	db, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.db = db
	return s, nil
}

func (s *Store) dial(ctx context.Context) (*surrealdb.DB, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, s.conf.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, s.conf.Namespace, s.conf.Database); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("failed to use namespace/database: %w", err)
	}

	if s.conf.Username != "" {
		token, err := db.SignIn(ctx, &surrealdb.Auth{
			Username: s.conf.Username,
			Password: s.conf.Password,
		})
		if err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("failed to sign in: %w", err)
		}
		if err := db.Authenticate(ctx, token); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	return db, nil
}

// conn returns the current connection, dialing again if it was marked stale.
func (s *Store) conn(ctx context.Context) (*surrealdb.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stale && s.db != nil {
		return s.db, nil
	}

	db, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	if s.db != nil {
		if err := s.db.Close(ctx); err != nil {
			s.log.Debug("Closing stale SurrealDB connection failed", "error", err)
		}
	}
	s.db = db
	s.stale = false
	s.log.Info("Reconnected to SurrealDB", "url", s.conf.URL)
	return db, nil
}

func (s *Store) markStale(db *surrealdb.DB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == db {
		s.stale = true
	}
}

type countRow struct {
	Owner string `json:"owner"`
	Count int64  `json:"c"`
}

// CountByOwner counts posts whose owner field, rendered as a string, equals ownerID.
// Owners stored as record ids are therefore matched by "table:id".
func (s *Store) CountByOwner(ctx context.Context, ownerID string) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(
		"SELECT count() AS c FROM type::table($tb) WHERE <string> %s = $owner GROUP ALL",
		s.conf.OwnerField,
	)
	res, err := surrealdb.Query[[]countRow](ctx, db, query, map[string]any{
		"tb":    s.conf.Table,
		"owner": ownerID,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count posts of %s: %w", ownerID, err)
	}

	// GROUP ALL over no rows yields no result row.
	if res == nil || len(*res) == 0 || len((*res)[0].Result) == 0 {
		return 0, nil
	}
	return (*res)[0].Result[0].Count, nil
}

// EnumerateOwnersWithCounts groups posts by owner. Owners without posts
// do not appear.
func (s *Store) EnumerateOwnersWithCounts(ctx context.Context) (map[string]int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		"SELECT <string> %[1]s AS owner, count() AS c FROM type::table($tb) WHERE %[1]s != NONE AND %[1]s != NULL GROUP BY owner",
		s.conf.OwnerField,
	)
	res, err := surrealdb.Query[[]countRow](ctx, db, query, map[string]any{
		"tb": s.conf.Table,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate owners: %w", err)
	}

	counts := map[string]int64{}
	if res == nil || len(*res) == 0 {
		return counts, nil
	}
	for _, row := range (*res)[0].Result {
		if row.Owner == "" || row.Count == 0 {
			continue
		}
		counts[row.Owner] = row.Count
	}
	return counts, nil
}

// Close closes the connection.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close(ctx)
	s.db = nil
	return err
}
