// Package lifecycle rebuilds the naming hierarchy and file-handle state
// a proxy run went through, from matched call pairs.
package lifecycle

import (
	"fmt"
	"sort"

	"github.com/warpdrive/warptrace/pkg/correlate"
	"github.com/warpdrive/warptrace/pkg/pattern"
	"github.com/warpdrive/warptrace/pkg/trace"
)

// Tracker consumes matches in stream order. Like the correlation
// engine it is single-threaded state behind the one analysis pass.
type Tracker struct {
	objects  map[uint64]*Object
	byName   map[string]*Object  // resolved store-style path -> object
	children map[uint64][]uint64 // parent inode -> child inodes
	handles  map[uint64]*Handle  // live view per handle id; ids get reused
	all      []*Handle           // every real handle, in open order
	unknown  *Handle             // synthetic bucket for unattributable I/O

	scope  Scope
	faults *trace.FaultLog

	openSeq  uint64
	closeSeq uint64
}

// NewTracker creates a tracker with the root inode pre-seeded as "/".
// A nil scope means DefaultScope.
func NewTracker(scope Scope, faults *trace.FaultLog) *Tracker {
	if scope == nil {
		scope = DefaultScope()
	}
	t := &Tracker{
		objects:  make(map[uint64]*Object),
		byName:   make(map[string]*Object),
		children: make(map[uint64][]uint64),
		handles:  make(map[uint64]*Handle),
		scope:    scope,
		faults:   faults,
	}
	root := t.ensureObject(RootInode)
	root.Dir = true
	root.Resolved = true
	root.bound = true
	t.byName[""] = root
	return t
}

// OnMatch feeds one settled request/response pair through the tracker.
// It is meant to be wired as the correlation engine's match hook.
func (t *Tracker) OnMatch(m correlate.Match) {
	switch m.Request.Layer {
	case trace.LayerKernel:
		t.kernelMatch(m)
	case trace.LayerStore:
		t.storeMatch(m)
	}
}

func (t *Tracker) kernelMatch(m correlate.Match) {
	req, resp := m.Request, m.Response

	if t.scope.Contains(trace.LayerKernel, req.Call) {
		ino := req.Inode
		if ino == 0 && req.HasHandle {
			// Degraded records can lose the inode; the handle table
			// usually still knows where the call landed.
			if h := t.handles[req.Handle]; h != nil {
				ino = h.Inode
			}
		}
		if ino != 0 {
			t.objectStats(t.ensureObject(ino).kernelStats(req.Call), m)
		}
	}

	switch req.Call {
	case trace.CallLookUpInode:
		if !resp.Failed() && resp.Inode != 0 && req.Name != "" {
			t.bind(req.Parent, req.Name, resp.Inode, resp.Dir)
		}
	case trace.CallMkDir:
		if !resp.Failed() && resp.Inode != 0 && req.Name != "" {
			t.bind(req.Parent, req.Name, resp.Inode, true)
		}
	case trace.CallCreateFile:
		if resp.Failed() {
			return
		}
		if resp.Inode != 0 && req.Name != "" {
			t.bind(req.Parent, req.Name, resp.Inode, false)
		}
		if resp.HasHandle && resp.Inode != 0 {
			t.openHandle(resp.Inode, resp.Handle, req.Time)
		}
	case trace.CallOpenFile:
		if !resp.Failed() && resp.HasHandle {
			t.openHandle(req.Inode, resp.Handle, req.Time)
		}
	case trace.CallOpenDir, trace.CallReadDir:
		if req.Inode != 0 {
			t.ensureObject(req.Inode).Dir = true
		}
	case trace.CallReadFile:
		t.handleIO(m, false)
	case trace.CallWriteFile:
		t.handleIO(m, true)
	case trace.CallReleaseFileHandle:
		t.closeHandle(m)
	}
}

func (t *Tracker) storeMatch(m correlate.Match) {
	req, resp := m.Request, m.Response
	if req.Name == "" {
		return
	}

	// Store calls address objects by name. Names outside the
	// reconstructed hierarchy stay global-only.
	obj := t.byName[req.Name]
	if obj == nil {
		return
	}

	if t.scope.Contains(trace.LayerStore, req.Call) {
		t.objectStats(obj.storeStats(req.Call), m)
	}
	if resp.Failed() {
		return
	}

	switch req.Call {
	case trace.CallRead:
		if req.Size > 0 {
			obj.ReadOps = append(obj.ReadOps, pattern.Op{Offset: req.Offset, Size: req.Size})
		}
	case trace.CallCreateObject, trace.CallUpdateObject:
		if req.Size > 0 {
			obj.WriteOps = append(obj.WriteOps, pattern.Op{Offset: req.Offset, Size: req.Size})
		}
	}
}

// objectStats applies one match to a per-object stats bucket. Only
// matched pairs reach the tracker, so made and returned move together.
func (t *Tracker) objectStats(st *correlate.Stats, m correlate.Match) {
	st.CallsMade++
	st.CallsReturned++
	if m.Response.Failed() {
		st.Errors++
	}
	if m.Latency >= 0 {
		st.TotalLatency += m.Latency
		st.Samples = append(st.Samples, m.Latency)
	}
}

// ─── Naming ─────────────────────────────────────────────────────────────

func (t *Tracker) ensureObject(ino uint64) *Object {
	obj, ok := t.objects[ino]
	if !ok {
		obj = &Object{
			Inode:       ino,
			KernelCalls: make(map[string]*correlate.Stats),
			StoreCalls:  make(map[string]*correlate.Stats),
		}
		t.objects[ino] = obj
	}
	return obj
}

// bind records (parent, name) -> inode. A repeat of the same binding is
// a no-op; a conflicting one is rewritten in place, last writer wins.
func (t *Tracker) bind(parentIno uint64, name string, ino uint64, dir bool) {
	if ino == RootInode || parentIno == 0 {
		return
	}

	child := t.ensureObject(ino)
	t.ensureObject(parentIno)

	same := child.bound && child.Parent == parentIno && child.Name == name
	if !same {
		if !child.bound || child.Parent != parentIno {
			t.children[parentIno] = append(t.children[parentIno], ino)
		}
		child.Parent = parentIno
		child.Name = name
		child.bound = true
	}
	child.Dir = child.Dir || dir
	t.resolve(child)
}

// resolve computes the absolute path once the parent chain is known,
// and pushes the resolution down to any children bound earlier.
func (t *Tracker) resolve(o *Object) {
	if !o.bound {
		return
	}
	par := t.objects[o.Parent]
	if par == nil || !par.Resolved {
		return
	}

	newPath := o.Name
	if par.Path != "" {
		newPath = par.Path + "/" + o.Name
	}
	if o.Resolved && o.Path == newPath {
		return
	}
	if o.Resolved && o.Path != "" {
		delete(t.byName, o.Path)
	}
	o.Path = newPath
	o.Resolved = true
	t.byName[newPath] = o

	for _, ci := range t.children[o.Inode] {
		if c := t.objects[ci]; c != nil && c.Parent == o.Inode {
			t.resolve(c)
		}
	}
}

// ─── Handles ────────────────────────────────────────────────────────────

func (t *Tracker) openHandle(ino, id uint64, at trace.Time) {
	t.openSeq++
	h := &Handle{
		ID:       id,
		Inode:    ino,
		OpenedAt: at,
		OpenSeq:  t.openSeq,
	}
	obj := t.ensureObject(ino)
	obj.Handles = append(obj.Handles, h)
	t.handles[id] = h
	t.all = append(t.all, h)
}

func (t *Tracker) handleIO(m correlate.Match, write bool) {
	req := m.Request
	if m.Response.Failed() {
		// Failed transfers move no data and would skew the histories.
		return
	}

	h := t.lookupHandle(req)
	if h.Synthetic {
		t.faults.Record(trace.Fault{
			Kind:   trace.FaultUnknownHandle,
			Layer:  trace.LayerKernel,
			Call:   req.Call,
			Opcode: req.Opcode,
			Detail: handleDetail(req),
			Time:   req.Time,
		})
	}

	op := pattern.Op{Offset: req.Offset, Size: req.Size}
	if write {
		h.Writes++
		h.WriteBytes += req.Size
		h.WriteOps = append(h.WriteOps, op)
		if m.Latency >= 0 {
			h.WriteLatency = append(h.WriteLatency, m.Latency)
		}
	} else {
		h.Reads++
		h.ReadBytes += req.Size
		h.ReadOps = append(h.ReadOps, op)
		if m.Latency >= 0 {
			h.ReadLatency = append(h.ReadLatency, m.Latency)
		}
	}
}

// lookupHandle finds the live handle a request refers to, or the
// synthetic bucket when the id is missing or was never opened.
func (t *Tracker) lookupHandle(req trace.Event) *Handle {
	if req.HasHandle {
		if h := t.handles[req.Handle]; h != nil {
			return h
		}
	}
	return t.unknownBucket()
}

func (t *Tracker) closeHandle(m correlate.Match) {
	req := m.Request
	if m.Response.Failed() {
		return
	}
	if !req.HasHandle {
		t.recordUnknownHandle(req)
		return
	}
	h := t.handles[req.Handle]
	if h == nil {
		t.recordUnknownHandle(req)
		return
	}
	if h.Closed {
		// Releasing twice leaves the first close untouched.
		t.faults.Record(trace.Fault{
			Kind:   trace.FaultDoubleClose,
			Layer:  trace.LayerKernel,
			Call:   req.Call,
			Opcode: req.Opcode,
			Detail: fmt.Sprintf("handle %d already closed at %s", req.Handle, h.ClosedAt),
			Time:   req.Time,
		})
		return
	}

	t.closeSeq++
	h.Closed = true
	h.ClosedAt = req.Time
	h.CloseSeq = t.closeSeq
}

func (t *Tracker) recordUnknownHandle(req trace.Event) {
	t.faults.Record(trace.Fault{
		Kind:   trace.FaultUnknownHandle,
		Layer:  trace.LayerKernel,
		Call:   req.Call,
		Opcode: req.Opcode,
		Detail: handleDetail(req),
		Time:   req.Time,
	})
}

func handleDetail(req trace.Event) string {
	if !req.HasHandle {
		return "record carries no handle id"
	}
	return fmt.Sprintf("handle %d was never opened", req.Handle)
}

func (t *Tracker) unknownBucket() *Handle {
	if t.unknown == nil {
		t.unknown = &Handle{Synthetic: true}
	}
	return t.unknown
}

// ─── Accessors ──────────────────────────────────────────────────────────

// Objects returns every tracked object ordered by inode.
func (t *Tracker) Objects() []*Object {
	out := make([]*Object, 0, len(t.objects))
	for _, o := range t.objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Inode < out[j].Inode })
	return out
}

// Lookup returns the object for an inode, or nil.
func (t *Tracker) Lookup(ino uint64) *Object {
	return t.objects[ino]
}

// LookupName returns the object bound to a store-style path, or nil.
func (t *Tracker) LookupName(path string) *Object {
	return t.byName[path]
}

// Handles returns every real handle in open order.
func (t *Tracker) Handles() []*Handle {
	return t.all
}

// Unknown returns the synthetic bucket, or nil when every I/O resolved.
func (t *Tracker) Unknown() *Handle {
	return t.unknown
}
