// Package correlate matches call-made records to call-returned records.
// Requests and responses are independent log lines tied only by an
// opcode token, so the engine keeps a pending table per (layer, opcode)
// and settles each pair as the response arrives.
package correlate

import (
	"fmt"
	"sort"
	"time"

	"github.com/warpdrive/warptrace/pkg/trace"
)

// Stats accumulates latency figures for one call type.
type Stats struct {
	Call          string
	Layer         trace.Layer
	CallsMade     uint64
	CallsReturned uint64
	Errors        uint64
	TotalLatency  time.Duration
	Samples       []time.Duration // completion order; report sorts its own copy
}

// Match is a settled request/response pair. Latency can be negative when
// the merged stream carried a response stamped before its request; such
// pairs still count as returned, but their sample is excluded from
// latency sequences everywhere.
type Match struct {
	Request  trace.Event
	Response trace.Event
	Latency  time.Duration
}

type pendingKey struct {
	layer  trace.Layer
	opcode string
}

type statsKey struct {
	layer trace.Layer
	call  string
}

// Engine consumes the ordered event stream. It is single-threaded:
// the stream is one logical pass and every table in here is ordinary
// map state, never shared across goroutines.
type Engine struct {
	pending map[pendingKey]trace.Event
	global  map[statsKey]*Stats
	faults  *trace.FaultLog
	onMatch func(Match)
	last    trace.Time
	seen    uint64
}

// NewEngine creates an engine. onMatch, when non-nil, receives every
// settled pair in stream order; the fault log must be non-nil.
func NewEngine(faults *trace.FaultLog, onMatch func(Match)) *Engine {
	return &Engine{
		pending: make(map[pendingKey]trace.Event),
		global:  make(map[statsKey]*Stats),
		faults:  faults,
		onMatch: onMatch,
	}
}

// Observe feeds one event through the engine.
func (e *Engine) Observe(ev trace.Event) {
	e.seen++

	// The merged stream should be time-ordered. Violations are recorded
	// and processing continues with the timestamps as written; there is
	// no clock correction.
	if e.seen > 1 && ev.Time.Before(e.last) {
		e.faults.Record(trace.Fault{
			Kind:   trace.FaultOutOfOrder,
			Layer:  ev.Layer,
			Call:   ev.Call,
			Opcode: ev.Opcode,
			Detail: fmt.Sprintf("timestamp %s precedes %s", ev.Time, e.last),
			Time:   ev.Time,
		})
	} else {
		e.last = ev.Time
	}

	switch ev.Kind {
	case trace.KindRequest:
		e.observeRequest(ev)
	case trace.KindResponse:
		e.observeResponse(ev)
	}
}

func (e *Engine) observeRequest(ev trace.Event) {
	st := e.stats(ev.Layer, ev.Call)
	st.CallsMade++

	key := pendingKey{ev.Layer, ev.Opcode}
	if prev, ok := e.pending[key]; ok {
		// Same opcode issued again before the first returned. Keep the
		// newer request; the older one can never be matched now.
		e.faults.Record(trace.Fault{
			Kind:   trace.FaultDuplicateOpcode,
			Layer:  ev.Layer,
			Call:   prev.Call,
			Opcode: ev.Opcode,
			Detail: fmt.Sprintf("%s still in flight when %s reused the opcode", prev.Call, ev.Call),
			Time:   ev.Time,
		})
	}
	e.pending[key] = ev
}

func (e *Engine) observeResponse(ev trace.Event) {
	key := pendingKey{ev.Layer, ev.Opcode}
	req, ok := e.pending[key]
	if !ok {
		// A response with no request in flight mutates nothing.
		e.faults.Record(trace.Fault{
			Kind:   trace.FaultOrphanResponse,
			Layer:  ev.Layer,
			Call:   ev.Call,
			Opcode: ev.Opcode,
			Detail: "response without a pending request",
			Time:   ev.Time,
		})
		return
	}
	delete(e.pending, key)

	st := e.stats(req.Layer, req.Call)
	st.CallsReturned++
	if ev.Failed() {
		st.Errors++
	}

	latency := ev.Time.Sub(req.Time)
	if latency < 0 {
		e.faults.Record(trace.Fault{
			Kind:   trace.FaultNegativeLatency,
			Layer:  req.Layer,
			Call:   req.Call,
			Opcode: req.Opcode,
			Detail: fmt.Sprintf("response precedes request by %s", -latency),
			Time:   ev.Time,
		})
	} else {
		st.TotalLatency += latency
		st.Samples = append(st.Samples, latency)
	}

	if e.onMatch != nil {
		e.onMatch(Match{Request: req, Response: ev, Latency: latency})
	}
}

// Finish settles the table at end of input: every call still pending is
// reported as never returned. The engine can keep observing afterwards,
// but a normal run calls Finish exactly once.
func (e *Engine) Finish() {
	keys := make([]pendingKey, 0, len(e.pending))
	for k := range e.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := e.pending[keys[i]], e.pending[keys[j]]
		if a.Time != b.Time {
			return a.Time.Before(b.Time)
		}
		return keys[i].opcode < keys[j].opcode
	})

	for _, k := range keys {
		req := e.pending[k]
		e.faults.Record(trace.Fault{
			Kind:   trace.FaultNeverReturned,
			Layer:  req.Layer,
			Call:   req.Call,
			Opcode: req.Opcode,
			Detail: "no response before end of input",
			Time:   req.Time,
		})
		delete(e.pending, k)
	}
}

func (e *Engine) stats(layer trace.Layer, call string) *Stats {
	if call == "" {
		call = "unknown"
	}
	key := statsKey{layer, call}
	st, ok := e.global[key]
	if !ok {
		st = &Stats{Call: call, Layer: layer}
		e.global[key] = st
	}
	return st
}

// Global returns every call-type stat, kernel layer first, then by name.
func (e *Engine) Global() []*Stats {
	out := make([]*Stats, 0, len(e.global))
	for _, st := range e.global {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Layer != out[j].Layer {
			return out[i].Layer < out[j].Layer
		}
		return out[i].Call < out[j].Call
	})
	return out
}

// Lookup returns the stats bucket for one call type, or nil.
func (e *Engine) Lookup(layer trace.Layer, call string) *Stats {
	return e.global[statsKey{layer, call}]
}

// InFlight returns the number of calls still waiting for a response.
func (e *Engine) InFlight() int {
	return len(e.pending)
}

// Events returns how many events the engine has observed.
func (e *Engine) Events() uint64 {
	return e.seen
}
