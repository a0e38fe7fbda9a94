// Package retry holds the delay policies shared by the reconciliation
// engine and the change feed supervisor.
//
// Policies are stateless: the caller passes the attempt number, so one
// policy value can serve any number of concurrent retry loops.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Retryer decides how long to wait before the next attempt.
type Retryer interface {
	// NextDelay returns the delay before retry number attempt (0-based)
	// and whether another attempt should be made at all.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)
}

// exhausted reports whether attempt is past a limit, where 0 means no limit.
func exhausted(limit, attempt int) bool {
	return limit > 0 && attempt >= limit
}

// Exponential grows the delay by Multiplier on every attempt, capped at MaxDelay.
type Exponential struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxRetries of 0 means retry forever.
	MaxRetries int

	// JitterFactor in [0, 1] spreads the delay by up to that fraction either way.
	JitterFactor float64
}

// NewExponential returns the policy used by the change feed supervisor.
func NewExponential() *Exponential {
	return &Exponential{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.3,
	}
}

func (r *Exponential) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if exhausted(r.MaxRetries, attempt) {
		return 0, false
	}
	return r.jitter(r.base(attempt)), true
}

// base is InitialDelay grown attempt times, stopping once MaxDelay is reached.
func (r *Exponential) base(attempt int) time.Duration {
	factor := max(r.Multiplier, 1)
	delay := float64(r.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= factor
		if r.MaxDelay > 0 && delay >= float64(r.MaxDelay) {
			return r.MaxDelay
		}
		if delay >= float64(time.Hour) {
			break
		}
	}
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	return time.Duration(delay)
}

func (r *Exponential) jitter(d time.Duration) time.Duration {
	if r.JitterFactor <= 0 || d <= 0 {
		return d
	}
	//nolint:gosec // jitter is not security sensitive
	spread := float64(d) * r.JitterFactor * (2*rand.Float64() - 1)
	if out := d + time.Duration(spread); out > 0 {
		return out
	}
	return r.InitialDelay
}

// Fixed waits the same Delay between every attempt.
type Fixed struct {
	Delay time.Duration

	// MaxRetries of 0 means retry forever.
	MaxRetries int
}

// NewFixed returns a Fixed policy.
func NewFixed(delay time.Duration, maxRetries int) *Fixed {
	return &Fixed{Delay: delay, MaxRetries: maxRetries}
}

func (r *Fixed) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if exhausted(r.MaxRetries, attempt) {
		return 0, false
	}
	return r.Delay, true
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
