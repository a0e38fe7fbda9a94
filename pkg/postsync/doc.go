// Package postsync wires the change feed consumer, the reconciliation
// engine, the fan-out hub and the notification side-channel into one
// process, and exposes them through a small command line and an admin
// HTTP surface.
//
// # Commands
//
//	postsync run                      # consume the feed, sweep periodically, serve admin + websocket routes
//	postsync sync                     # one full reconciliation sweep, prints the summary as JSON
//	postsync sync-owner -owner users:1 # reconcile one owner, prints the outcome as JSON
//	postsync migrate                  # create the relational tables and indexes
//	postsync aggregate-server         # serve the set-count RPC on top of PostgreSQL
//
// # Environment
//
// Every setting is read from a POSTSYNC_* variable first; see [Config].
// A few of them can be overridden with flags placed before the command:
//
//	postsync -log-level debug -listen :9090 run
//
// # HTTP surface of run
//
//	GET  /health                          consumer state, sweep state, hub statistics
//	POST /admin/sync                      full sweep, returns a SyncSummary
//	POST /admin/sync/{ownerID}            single owner, returns a SyncOutcome
//	GET  /notifications/{receiverID}      unread notifications, newest first
//	POST /notifications/{id}/read         mark one notification read
//	GET  /ws/topics/{topic}               live change events of a topic
//	GET  /ws/owners/{ownerID}             live events private to one owner
package postsync
