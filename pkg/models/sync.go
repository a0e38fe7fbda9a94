package models

import (
	"encoding/json"
	"time"
)

// SyncOutcome is the result of reconciling one owner's derived post count.
type SyncOutcome struct {
	OwnerID       string
	ComputedCount int64
	Success       bool
	// Attempts counts calls made to the foreign store, zero when the
	// true count could not be computed.
	Attempts  int
	LastError error
}

// MarshalJSON renders LastError as its message.
func (o SyncOutcome) MarshalJSON() ([]byte, error) {
	var lastErr string
	if o.LastError != nil {
		lastErr = o.LastError.Error()
	}
	return json.Marshal(struct {
		OwnerID       string `json:"owner_id"`
		ComputedCount int64  `json:"computed_count"`
		Success       bool   `json:"success"`
		Attempts      int    `json:"attempts"`
		LastError     string `json:"last_error,omitempty"`
	}{o.OwnerID, o.ComputedCount, o.Success, o.Attempts, lastErr})
}

// SyncSummary aggregates the outcomes of a full sweep.
type SyncSummary struct {
	TotalOwners         int           `json:"total_owners"`
	Succeeded           int           `json:"succeeded"`
	Failed              int           `json:"failed"`
	TotalAggregateValue int64         `json:"total_aggregate_value"`
	Outcomes            []SyncOutcome `json:"outcomes,omitempty"`
	StartedAt           time.Time     `json:"started_at"`
	Duration            time.Duration `json:"duration"`
}

// Add records one outcome in the summary.
func (s *SyncSummary) Add(o SyncOutcome) {
	s.TotalOwners++
	if o.Success {
		s.Succeeded++
	} else {
		s.Failed++
	}
	s.TotalAggregateValue += o.ComputedCount
	s.Outcomes = append(s.Outcomes, o)
}
