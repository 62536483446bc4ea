package trace

import (
	"log/slog"
	"sync"
)

// FaultKind classifies a diagnostic finding.
type FaultKind string

const (
	FaultUnparsable      FaultKind = "unparsable-record"
	FaultDuplicateOpcode FaultKind = "duplicate-opcode"
	FaultOrphanResponse  FaultKind = "orphan-response"
	FaultNeverReturned   FaultKind = "never-returned"
	FaultNegativeLatency FaultKind = "negative-latency"
	FaultDoubleClose     FaultKind = "double-close"
	FaultUnknownHandle   FaultKind = "unknown-handle"
	FaultOutOfOrder      FaultKind = "out-of-order"
	FaultUnorderedSource FaultKind = "unordered-source"
)

// Fault records one protocol or data anomaly found during a run. Faults
// are findings, not errors: the run always continues past them.
type Fault struct {
	Kind   FaultKind
	Layer  Layer
	Call   string
	Opcode string
	Detail string
	Time   Time
}

// FaultLog collects faults in a ring buffer and keeps running per-kind
// counters. Old entries fall off once maxSize is exceeded; the counters
// keep full totals.
type FaultLog struct {
	mu      sync.Mutex
	entries []Fault
	maxSize int
	counts  map[FaultKind]uint64
	sink    func(Fault) // Optional external sink (e.g., metrics)
}

// NewFaultLog creates a fault log with the given ring buffer size.
func NewFaultLog(maxSize int, sink func(Fault)) *FaultLog {
	return &FaultLog{
		entries: make([]Fault, 0, maxSize),
		maxSize: maxSize,
		counts:  make(map[FaultKind]uint64),
		sink:    sink,
	}
}

// Record appends a fault.
func (fl *FaultLog) Record(f Fault) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	fl.entries = append(fl.entries, f)
	if len(fl.entries) > fl.maxSize {
		// Trim to maxSize, keeping most recent entries
		fl.entries = fl.entries[len(fl.entries)-fl.maxSize:]
	}
	fl.counts[f.Kind]++

	slog.Debug("Trace fault",
		"kind", string(f.Kind),
		"layer", f.Layer.String(),
		"call", f.Call,
		"opcode", f.Opcode,
		"detail", f.Detail)

	if fl.sink != nil {
		fl.sink(f)
	}
}

// Recent returns the last N recorded faults.
func (fl *FaultLog) Recent(limit int) []Fault {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if limit > len(fl.entries) {
		limit = len(fl.entries)
	}
	if limit == 0 {
		return nil
	}
	result := make([]Fault, limit)
	copy(result, fl.entries[len(fl.entries)-limit:])
	return result
}

// All returns every retained fault in record order.
func (fl *FaultLog) All() []Fault {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	result := make([]Fault, len(fl.entries))
	copy(result, fl.entries)
	return result
}

// Counts returns a copy of the per-kind totals.
func (fl *FaultLog) Counts() map[FaultKind]uint64 {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	out := make(map[FaultKind]uint64, len(fl.counts))
	for k, v := range fl.counts {
		out[k] = v
	}
	return out
}

// Total returns the number of faults recorded over the whole run,
// including entries the ring buffer has dropped.
func (fl *FaultLog) Total() uint64 {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	var n uint64
	for _, v := range fl.counts {
		n += v
	}
	return n
}

// Len returns the number of retained entries.
func (fl *FaultLog) Len() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.entries)
}
