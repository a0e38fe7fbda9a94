package postsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/surrealdb/postsync/pkg/aggregate"
	"github.com/surrealdb/postsync/pkg/changefeed"
	"github.com/surrealdb/postsync/pkg/logger"
	"github.com/surrealdb/postsync/pkg/store/postgres"
)

// ErrConsumerFailed is returned by Run when the change feed could not be reopened.
var ErrConsumerFailed = errors.New("change feed consumer failed")

// Run starts the app and serves its HTTP routes until ctx is cancelled,
// the server fails, or the change feed consumer gives up reconnecting.
// It always shuts the app down before returning.
func (a *App) Run(ctx context.Context, _ *RunCommand) error {
	if err := a.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.conf.ShutdownTimeout)
		defer cancel()
		return errors.Join(err, a.Shutdown(shutdownCtx))
	}

	server := &http.Server{
		Addr:              a.conf.ListenAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("Serving HTTP", "addr", a.conf.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	case <-a.consumer.Done():
		if a.consumer.State() == changefeed.StateFailed {
			runErr = ErrConsumerFailed
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.conf.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("http shutdown: %w", err))
	}
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

// ServeAggregates serves the set-count RPC on top of PostgreSQL until ctx is cancelled.
func ServeAggregates(ctx context.Context, conf *Config, log logger.Logger) error {
	log = logger.OrDiscard(log)

	pg, err := postgres.Open(conf.PostgresDSN)
	if err != nil {
		return err
	}
	defer pg.Close()

	if conf.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              conf.AggregateListenAddr,
		Handler:           aggregate.NewHandler(pg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Serving aggregate RPC", "addr", conf.AggregateListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), conf.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}
