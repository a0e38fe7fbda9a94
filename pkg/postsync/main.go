package postsync

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/surrealdb/postsync/pkg/logger"
)

// Main parses args, runs the selected command and returns its error.
// Sync results are written to stdout as JSON; logs go to stderr.
func Main(ctx context.Context, args []string) error {
	return run(ctx, args, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd, conf, err := Parse(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	log, err := logger.FromConfig(conf.LogFormat, conf.LogLevel, stderr)
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	switch cmd.(type) {
	case *MigrateCommand:
		if err := Migrate(ctx, conf, log); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		return nil
	case *AggregateServerCommand:
		if err := ServeAggregates(ctx, conf, log); err != nil {
			return fmt.Errorf("aggregate server failed: %w", err)
		}
		return nil
	}

	_, isRun := cmd.(*RunCommand)
	stores, err := OpenStores(ctx, conf, log, isRun)
	if err != nil {
		return fmt.Errorf("failed to open stores: %w", err)
	}
	app := New(conf, stores, log)

	switch c := cmd.(type) {
	case *RunCommand:
		if err := app.Run(ctx, c); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case *SyncCommand:
		summary, syncErr := app.SyncAll(ctx)
		if err := closeApp(ctx, app, conf.ShutdownTimeout); err != nil {
			log.Warn("Failed to close stores", "error", err)
		}
		if syncErr != nil {
			return fmt.Errorf("sync failed: %w", syncErr)
		}
		if err := writeJSON(stdout, summary); err != nil {
			return err
		}
		if summary.Failed > 0 {
			return fmt.Errorf("sync failed for %d of %d owners", summary.Failed, summary.TotalOwners)
		}
		return nil
	case *SyncOwnerCommand:
		outcome := app.SyncOne(ctx, c.OwnerID)
		if err := closeApp(ctx, app, conf.ShutdownTimeout); err != nil {
			log.Warn("Failed to close stores", "error", err)
		}
		if err := writeJSON(stdout, outcome); err != nil {
			return err
		}
		if !outcome.Success {
			return fmt.Errorf("sync of %s failed: %w", c.OwnerID, outcome.LastError)
		}
		return nil
	default:
		_ = closeApp(ctx, app, conf.ShutdownTimeout)
		return fmt.Errorf("unknown command type: %T", cmd)
	}
}

func closeApp(ctx context.Context, app *App, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return app.Shutdown(ctx)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
