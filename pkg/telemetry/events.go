package telemetry

import "time"

// Event kinds emitted over the life of an analysis run.
const (
	EventRunStarted     = "run_started"
	EventSourceScanned  = "source_scanned"
	EventSourceExcluded = "source_excluded"
	EventFaultObserved  = "fault_observed"
	EventRunCompleted   = "run_completed"
	EventRunArchived    = "run_archived"
)

// RunEvent records one step of an analysis run.
type RunEvent struct {
	Timestamp  time.Time `json:"ts"`
	Kind       string    `json:"kind"`
	Source     string    `json:"source,omitempty"`
	Encoding   string    `json:"encoding,omitempty"`
	Sources    int       `json:"sources,omitempty"`
	Records    uint64    `json:"records,omitempty"`
	Events     uint64    `json:"events,omitempty"`
	Faults     uint64    `json:"faults,omitempty"`
	FaultKind  string    `json:"fault_kind,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs float64   `json:"duration_ms,omitempty"`
}
