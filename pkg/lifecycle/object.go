package lifecycle

import (
	"fmt"
	"time"

	"github.com/warpdrive/warptrace/pkg/correlate"
	"github.com/warpdrive/warptrace/pkg/pattern"
	"github.com/warpdrive/warptrace/pkg/trace"
)

// RootInode is the kernel's root directory inode. The tracker seeds it
// as "/" before any event arrives.
const RootInode = 1

// Object is one node in the reconstructed naming hierarchy. Objects are
// append-only for a run: bindings can be rewritten, but an object once
// seen is never dropped.
type Object struct {
	Inode  uint64
	Parent uint64
	Name   string // name under Parent; empty until a lookup binds it
	Path   string // store-style path, no leading slash; root is ""
	Dir    bool

	// Resolved says the full parent chain is known. Unresolved objects
	// still accumulate stats and are reported by inode.
	Resolved bool

	bound bool // a lookup has bound (Parent, Name) at least once

	// Per-call stats, split by layer. Only calls in the tracker's scope
	// land here; everything is always counted globally by the engine.
	KernelCalls map[string]*correlate.Stats
	StoreCalls  map[string]*correlate.Stats

	// Handles opened against this object, in open order. Handle ids are
	// reused by the kernel, so this is a list, not a map.
	Handles []*Handle

	// Store-side I/O against the object, in stream order.
	ReadOps  []pattern.Op
	WriteOps []pattern.Op
}

// DisplayName returns the absolute name, or a placeholder for objects
// whose parent chain never resolved.
func (o *Object) DisplayName() string {
	if !o.Resolved {
		return fmt.Sprintf("(inode %d)", o.Inode)
	}
	if o.Path == "" {
		return "/"
	}
	return "/" + o.Path
}

func (o *Object) kernelStats(call string) *correlate.Stats {
	st, ok := o.KernelCalls[call]
	if !ok {
		st = &correlate.Stats{Call: call, Layer: trace.LayerKernel}
		o.KernelCalls[call] = st
	}
	return st
}

func (o *Object) storeStats(call string) *correlate.Stats {
	st, ok := o.StoreCalls[call]
	if !ok {
		st = &correlate.Stats{Call: call, Layer: trace.LayerStore}
		o.StoreCalls[call] = st
	}
	return st
}

// Handle is one file handle's life, from a matched open to a matched
// release. Closed handles are retained for reporting.
type Handle struct {
	ID        uint64
	Inode     uint64
	Synthetic bool // the unknown-handle bucket, not a real handle

	OpenedAt trace.Time
	ClosedAt trace.Time
	Closed   bool
	OpenSeq  uint64 // 1-based position among all opens
	CloseSeq uint64 // 1-based position among all closes; 0 while open

	Reads      uint64
	Writes     uint64
	ReadBytes  int64
	WriteBytes int64

	ReadOps  []pattern.Op
	WriteOps []pattern.Op

	ReadLatency  []time.Duration
	WriteLatency []time.Duration
}

// Label names the handle in reports.
func (h *Handle) Label() string {
	if h.Synthetic {
		return "(unknown)"
	}
	return fmt.Sprintf("%d", h.ID)
}

// Lifetime returns how long the handle stayed open, or 0 while open.
func (h *Handle) Lifetime() time.Duration {
	if !h.Closed {
		return 0
	}
	return h.ClosedAt.Sub(h.OpenedAt)
}

// Scope selects which call types accumulate per-object stats. Calls
// outside the scope still count globally.
type Scope map[trace.Layer]map[string]bool

// DefaultScope covers the data-path calls on both layers.
func DefaultScope() Scope {
	return Scope{
		trace.LayerKernel: {
			trace.CallReadFile:  true,
			trace.CallWriteFile: true,
			trace.CallFlushFile: true,
			trace.CallSyncFile:  true,
		},
		trace.LayerStore: {
			trace.CallStatObject:   true,
			trace.CallRead:         true,
			trace.CallCreateObject: true,
			trace.CallUpdateObject: true,
			trace.CallDeleteObject: true,
		},
	}
}

// Contains reports whether a call is object-scoped.
func (s Scope) Contains(layer trace.Layer, call string) bool {
	return s[layer][call]
}
