package postsync

// Command is one operation selected on the command line.
type Command interface {
	// Name returns the sub-command name it was parsed from.
	Name() string
}

// RunCommand consumes the change feed and serves the HTTP surface until
// the context is cancelled.
type RunCommand struct{}

func (c *RunCommand) Name() string {
	return "run"
}

// SyncCommand runs one full reconciliation sweep and exits.
type SyncCommand struct{}

func (c *SyncCommand) Name() string {
	return "sync"
}

// SyncOwnerCommand reconciles a single owner and exits.
type SyncOwnerCommand struct {
	OwnerID string
}

func (c *SyncOwnerCommand) Name() string {
	return "sync-owner"
}

// MigrateCommand creates the relational tables and indexes used by the
// configured aggregate and notification stores. It is safe to run repeatedly.
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string {
	return "migrate"
}

// AggregateServerCommand serves the set-count RPC, writing counts to
// PostgreSQL. It stands in for the foreign service in development and
// end-to-end tests.
type AggregateServerCommand struct{}

func (c *AggregateServerCommand) Name() string {
	return "aggregate-server"
}
