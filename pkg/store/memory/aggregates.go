package memory

import (
	"context"
	"sync"
)

// Aggregates is an in-memory foreign aggregate store.
type Aggregates struct {
	mu     sync.Mutex
	values map[string]int64
	calls  map[string]int

	// Fail, when set, is consulted before every write. A non-nil error
	// fails the write. call is 1 for the first write to ownerID.
	Fail func(ownerID string, call int) error
}

// NewAggregates returns an empty store.
func NewAggregates() *Aggregates {
	return &Aggregates{values: map[string]int64{}, calls: map[string]int{}}
}

func (a *Aggregates) SetCount(ctx context.Context, ownerID string, value int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls[ownerID]++
	if a.Fail != nil {
		if err := a.Fail(ownerID, a.calls[ownerID]); err != nil {
			return err
		}
	}
	a.values[ownerID] = value
	return nil
}

// Seed stores value for ownerID without counting it as a call.
func (a *Aggregates) Seed(ownerID string, value int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values[ownerID] = value
}

// Get returns the stored value for ownerID.
func (a *Aggregates) Get(ownerID string) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.values[ownerID]
	return v, ok
}

// Calls returns how many writes were attempted for ownerID.
func (a *Aggregates) Calls(ownerID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[ownerID]
}

// Snapshot returns a copy of all stored values.
func (a *Aggregates) Snapshot() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int64, len(a.values))
	for k, v := range a.values {
		out[k] = v
	}
	return out
}
