package postsync

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/caarlos0/env/v11"
)

const usage = `Usage: postsync [flags] <command> [command flags]

Commands:
  run               Consume the change feed and serve the admin and websocket routes
  sync              Run one full reconciliation sweep
  sync-owner        Reconcile one owner (-owner <id>)
  migrate           Create relational tables and indexes
  aggregate-server  Serve the set-count RPC backed by PostgreSQL

Examples:
  postsync run
  postsync -log-level debug -aggregate memory run
  postsync sync
  postsync sync-owner -owner users:tobie
  POSTSYNC_NOTIFICATION_STORE=postgres postsync migrate`

// ErrUsage is returned when the command line does not name a valid command.
var ErrUsage = errors.New("invalid usage")

// Parse loads the configuration from the environment, applies flag
// overrides from args and returns the selected command.
func Parse(args []string, stderr io.Writer) (Command, *Config, error) {
	if stderr == nil {
		stderr = io.Discard
	}

	conf := &Config{}
	if err := env.Parse(conf); err != nil {
		return nil, nil, fmt.Errorf("parse env: %w", err)
	}

	fs := flag.NewFlagSet("postsync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage)
		fmt.Fprintln(stderr, "\nFlags:")
		fs.PrintDefaults()
	}
	fs.StringVar(&conf.ListenAddr, "listen", conf.ListenAddr, "admin and websocket listen address")
	fs.StringVar(&conf.AggregateListenAddr, "aggregate-listen", conf.AggregateListenAddr, "aggregate-server listen address")
	fs.StringVar(&conf.LogFormat, "log-format", conf.LogFormat, "log format: text, json or zerolog")
	fs.StringVar(&conf.LogLevel, "log-level", conf.LogLevel, "log level: debug, info, warn or error")
	fs.StringVar(&conf.AggregateMode, "aggregate", conf.AggregateMode, "aggregate mode: http, postgres or memory")
	fs.StringVar(&conf.NotificationStore, "notifications", conf.NotificationStore, "notification store: postgres, sqlite or memory")
	fs.DurationVar(&conf.SweepInterval, "sweep-interval", conf.SweepInterval, "interval between full sweeps")
	fs.IntVar(&conf.Workers, "workers", conf.Workers, "reconciliation workers")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return nil, nil, fmt.Errorf("%w: command required", ErrUsage)
	}

	var cmd Command
	switch rest[0] {
	case "run":
		cmd = &RunCommand{}
	case "sync":
		cmd = &SyncCommand{}
	case "sync-owner":
		sub := flag.NewFlagSet("sync-owner", flag.ContinueOnError)
		sub.SetOutput(stderr)
		owner := sub.String("owner", "", "owner id to reconcile")
		if err := sub.Parse(rest[1:]); err != nil {
			return nil, nil, err
		}
		if *owner == "" {
			return nil, nil, fmt.Errorf("%w: sync-owner requires -owner", ErrUsage)
		}
		cmd = &SyncOwnerCommand{OwnerID: *owner}
	case "migrate":
		cmd = &MigrateCommand{}
	case "aggregate-server":
		cmd = &AggregateServerCommand{}
	default:
		return nil, nil, fmt.Errorf("%w: unknown command %q", ErrUsage, rest[0])
	}

	if err := conf.Validate(); err != nil {
		return nil, nil, err
	}
	return cmd, conf, nil
}
