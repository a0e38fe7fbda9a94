package postsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/surrealdb/postsync/pkg/aggregate"
	"github.com/surrealdb/postsync/pkg/logger"
	"github.com/surrealdb/postsync/pkg/store"
	"github.com/surrealdb/postsync/pkg/store/memory"
	"github.com/surrealdb/postsync/pkg/store/postgres"
	"github.com/surrealdb/postsync/pkg/store/sqlite"
	"github.com/surrealdb/postsync/pkg/store/surrealdb"
)

// PrimaryFeed is the primary store: counts plus its change feed.
type PrimaryFeed interface {
	store.PrimaryStore
	store.ChangeFeedOpener
}

// Stores holds the storage collaborators of an App.
type Stores struct {
	Primary       PrimaryFeed
	Aggregates    store.AggregateSetter
	Notifications store.NotificationStore

	closers []func(context.Context) error
}

// Close closes the stores in reverse opening order.
func (s *Stores) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Stores) onClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

type storeOpener struct {
	conf *Config
	log  logger.Logger
	pg   *postgres.Store
	into *Stores
}

// OpenStores opens the primary store and the aggregate setter, plus the
// notification store when withNotifications is set.
func OpenStores(ctx context.Context, conf *Config, log logger.Logger, withNotifications bool) (*Stores, error) {
	o := &storeOpener{conf: conf, log: log, into: &Stores{}}
	if err := o.open(ctx, withNotifications); err != nil {
		_ = o.into.Close(ctx)
		return nil, err
	}
	return o.into, nil
}

func (o *storeOpener) open(ctx context.Context, withNotifications bool) error {
	primary, err := surrealdb.Open(ctx, surrealdb.Config{
		URL:           o.conf.SurrealDBURL,
		Namespace:     o.conf.SurrealDBNS,
		Database:      o.conf.SurrealDBDB,
		Username:      o.conf.SurrealDBUser,
		Password:      o.conf.SurrealDBPass,
		Table:         o.conf.PostsTable,
		OwnerField:    o.conf.OwnerField,
		ProbeInterval: o.conf.ProbeInterval,
	}, o.log)
	if err != nil {
		return err
	}
	o.into.Primary = primary
	o.into.onClose(primary.Close)
	o.log.Info("Connected to SurrealDB", "url", o.conf.SurrealDBURL, "table", o.conf.PostsTable)

	if err := o.openAggregates(ctx); err != nil {
		return err
	}
	if withNotifications {
		return o.openNotifications(ctx)
	}
	return nil
}

func (o *storeOpener) openPostgres(ctx context.Context) (*postgres.Store, error) {
	if o.pg != nil {
		return o.pg, nil
	}
	pg, err := postgres.Open(o.conf.PostgresDSN)
	if err != nil {
		return nil, err
	}
	o.into.onClose(func(context.Context) error { return pg.Close() })
	if o.conf.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	o.pg = pg
	o.log.Info("Connected to PostgreSQL")
	return pg, nil
}

func (o *storeOpener) openAggregates(ctx context.Context) error {
	switch o.conf.AggregateMode {
	case AggregateHTTP:
		client := aggregate.NewClient(o.conf.AggregateURL)
		if o.conf.AggregateToken != "" {
			client.SetAuthToken(o.conf.AggregateToken)
		}
		o.into.Aggregates = client
	case AggregatePostgres:
		pg, err := o.openPostgres(ctx)
		if err != nil {
			return err
		}
		o.into.Aggregates = pg
	case AggregateMemory:
		o.into.Aggregates = memory.NewAggregates()
	default:
		return fmt.Errorf("invalid aggregate mode: %q", o.conf.AggregateMode)
	}
	o.log.Info("Foreign aggregate ready", "mode", o.conf.AggregateMode)
	return nil
}

func (o *storeOpener) openNotifications(ctx context.Context) error {
	switch o.conf.NotificationStore {
	case NotificationsPostgres:
		pg, err := o.openPostgres(ctx)
		if err != nil {
			return err
		}
		o.into.Notifications = pg
	case NotificationsSQLite:
		st, err := sqlite.Open(o.conf.SQLitePath)
		if err != nil {
			return err
		}
		o.into.Notifications = st
		o.into.onClose(func(context.Context) error { return st.Close() })
	case NotificationsMemory:
		o.into.Notifications = memory.NewNotifications()
	default:
		return fmt.Errorf("invalid notification store: %q", o.conf.NotificationStore)
	}
	o.log.Info("Notification store ready", "kind", o.conf.NotificationStore)
	return nil
}

// Migrate creates the relational schema used by conf.
func Migrate(ctx context.Context, conf *Config, log logger.Logger) error {
	log = logger.OrDiscard(log)

	if conf.needsPostgres() {
		pg, err := postgres.Open(conf.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		log.Info("Migrated PostgreSQL")
	}

	if conf.NotificationStore == NotificationsSQLite {
		// Opening applies the schema.
		st, err := sqlite.Open(conf.SQLitePath)
		if err != nil {
			return err
		}
		defer st.Close()
		log.Info("Migrated SQLite", "path", conf.SQLitePath)
	}
	return nil
}
