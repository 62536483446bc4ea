// Package trace defines the record vocabulary shared by every stage of
// the analyzer: parsed events, trace timestamps, and the fault log.
package trace

import "time"

// Layer identifies which side of the proxy produced a record.
type Layer int

const (
	// LayerKernel covers FUSE calls arriving from the kernel.
	LayerKernel Layer = iota
	// LayerStore covers calls the proxy issues against the object store.
	LayerStore
)

func (l Layer) String() string {
	switch l {
	case LayerKernel:
		return "kernel"
	case LayerStore:
		return "store"
	}
	return "unknown"
}

// EventKind distinguishes a call being made from a call returning.
type EventKind int

const (
	KindRequest EventKind = iota
	KindResponse
)

func (k EventKind) String() string {
	if k == KindRequest {
		return "request"
	}
	return "response"
}

// Event is one parsed trace record. The parser hands events out fully
// formed; downstream stages never mutate them.
type Event struct {
	Kind   EventKind
	Layer  Layer
	Opcode string // correlation token, e.g. "0x00000102"; unique per in-flight call
	Call   string // call name; kernel responses carry none
	Time   Time

	// Object references. Zero means absent, except Handle: handle 0 is a
	// legal id, so its presence is tracked explicitly.
	Inode     uint64
	Parent    uint64
	Handle    uint64
	HasHandle bool
	Name      string // child name on lookups, object name on store calls
	PID       uint32

	// Payload.
	Offset  int64
	Size    int64
	Dir     bool          // response flagged the inode as a directory
	ErrText string        // response error text; empty means success
	Elapsed time.Duration // latency printed inline on store responses

	Source string // originating source, for diagnostics
	Host   string // originating host when parsing host-agent logs
}

// Failed reports whether a response event carried an error.
func (e *Event) Failed() bool {
	return e.Kind == KindResponse && e.ErrText != ""
}
