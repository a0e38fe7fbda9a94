// Package reconcile keeps the foreign post count aggregate equal to the
// number of posts each owner has in the primary store.
//
// Reconciliation always recomputes the true count and overwrites the foreign
// value; it never applies deltas. Running it twice, concurrently, or out of
// order with respect to the triggering changes therefore converges on the
// same value.
//
// [Engine] performs single-owner and full-sweep reconciliation. [Pool] runs
// single-owner reconciliations triggered by the change feed on a bounded set
// of workers. [Scheduler] runs full sweeps at start and on an interval.
package reconcile

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/surrealdb/postsync/pkg/logger"
	"github.com/surrealdb/postsync/pkg/models"
	"github.com/surrealdb/postsync/pkg/retry"
	"github.com/surrealdb/postsync/pkg/store"
)

const (
	DefaultMaxAttempts = 3
	DefaultRPCTimeout  = 10 * time.Second
)

// Config tunes the retry behaviour of the Engine.
type Config struct {
	// MaxAttempts bounds the SetCount calls made for one owner.
	MaxAttempts int
	// RPCTimeout bounds each SetCount call.
	RPCTimeout time.Duration
	// Backoff decides the delay between attempts.
	Backoff retry.Retryer
}

// DefaultBackoff returns the delay policy used when Config.Backoff is nil.
func DefaultBackoff() retry.Retryer {
	return &retry.Exponential{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// Engine reconciles owners.
type Engine struct {
	primary store.PrimaryStore
	foreign store.AggregateSetter
	conf    Config
	logger  logger.Logger
}

// NewEngine returns an Engine. Zero fields of conf take their defaults.
func NewEngine(primary store.PrimaryStore, foreign store.AggregateSetter, conf Config, log logger.Logger) *Engine {
	if conf.MaxAttempts <= 0 {
		conf.MaxAttempts = DefaultMaxAttempts
	}
	if conf.RPCTimeout <= 0 {
		conf.RPCTimeout = DefaultRPCTimeout
	}
	if conf.Backoff == nil {
		conf.Backoff = DefaultBackoff()
	}
	return &Engine{
		primary: primary,
		foreign: foreign,
		conf:    conf,
		logger:  logger.OrDiscard(log),
	}
}

// SyncOne recomputes the post count of ownerID and writes it to the foreign store.
// Failures are reported in the outcome, never as a panic or an error return.
func (e *Engine) SyncOne(ctx context.Context, ownerID string) models.SyncOutcome {
	outcome := models.SyncOutcome{OwnerID: ownerID}

	count, err := e.primary.CountByOwner(ctx, ownerID)
	if err != nil {
		outcome.LastError = fmt.Errorf("count posts: %w", err)
		e.logger.Error("Failed to count posts", "owner_id", ownerID, "error", err)
		return outcome
	}
	outcome.ComputedCount = count

	outcome.Attempts, outcome.LastError = e.setWithRetry(ctx, ownerID, count)
	outcome.Success = outcome.LastError == nil
	return outcome
}

// SyncAll reconciles every owner that currently has posts, one after another.
// An owner's failure never stops the sweep. The error is non-nil only when
// the owners could not be enumerated or ctx was cancelled; the summary then
// holds whatever was done before.
//
// Owners whose last post was deleted are not enumerated, so a stale foreign
// value for them is only corrected by SyncOne.
func (e *Engine) SyncAll(ctx context.Context) (summary models.SyncSummary, err error) {
	summary.StartedAt = time.Now()
	defer func() { summary.Duration = time.Since(summary.StartedAt) }()

	counts, err := e.primary.EnumerateOwnersWithCounts(ctx)
	if err != nil {
		e.logger.Error("Failed to enumerate owners", "error", err)
		return summary, fmt.Errorf("enumerate owners: %w", err)
	}

	owners := make([]string, 0, len(counts))
	for owner := range counts {
		owners = append(owners, owner)
	}
	slices.Sort(owners)

	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("Full sync interrupted", "done", summary.TotalOwners, "total", len(owners))
			return summary, err
		}

		outcome := models.SyncOutcome{OwnerID: owner, ComputedCount: counts[owner]}
		outcome.Attempts, outcome.LastError = e.setWithRetry(ctx, owner, counts[owner])
		outcome.Success = outcome.LastError == nil
		summary.Add(outcome)
	}

	e.logger.Info("Full sync completed",
		"total_owners", summary.TotalOwners,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"total_aggregate_value", summary.TotalAggregateValue,
		"duration", time.Since(summary.StartedAt))
	return summary, nil
}

// setWithRetry writes value for ownerID, retrying transient failures.
// It returns the number of SetCount calls made and the last error.
func (e *Engine) setWithRetry(ctx context.Context, ownerID string, value int64) (int, error) {
	for attempt := 1; ; attempt++ {
		rpcCtx, cancel := context.WithTimeout(ctx, e.conf.RPCTimeout)
		err := e.foreign.SetCount(rpcCtx, ownerID, value)
		cancel()

		if err == nil {
			e.logger.Debug("Post count synced", "owner_id", ownerID, "count", value, "attempt", attempt)
			return attempt, nil
		}

		if store.IsPermanent(err) {
			e.logger.Error("Post count rejected", "owner_id", ownerID, "attempt", attempt, "error", err)
			return attempt, err
		}
		if attempt >= e.conf.MaxAttempts {
			e.logger.Error("Giving up on post count", "owner_id", ownerID, "attempts", attempt, "error", err)
			return attempt, err
		}

		delay, ok := e.conf.Backoff.NextDelay(attempt-1, err)
		if !ok {
			return attempt, err
		}
		e.logger.Warn("Post count sync failed, retrying",
			"owner_id", ownerID, "attempt", attempt, "delay", delay, "error", err)

		if serr := retry.Sleep(ctx, delay); serr != nil {
			return attempt, fmt.Errorf("%w (retry aborted: %v)", err, serr)
		}
	}
}
