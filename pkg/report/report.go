// Package report turns engine and tracker state into the four result
// tables a run exports. Building a report reads state and performs no
// I/O; exporters decide where tables go.
package report

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/warpdrive/warptrace/pkg/correlate"
	"github.com/warpdrive/warptrace/pkg/lifecycle"
	"github.com/warpdrive/warptrace/pkg/pattern"
	"github.com/warpdrive/warptrace/pkg/trace"
)

// Standard table titles, in export order.
const (
	TableCalls    = "call_data"
	TableHandles  = "handle_data"
	TablePatterns = "pattern_data"
	TableFaults   = "fault_data"
)

// Table is one result set: a title, a header, and string rows.
type Table struct {
	Title  string     `json:"title"`
	Header []string   `json:"header"`
	Rows   [][]string `json:"rows"`
}

// Summary carries the run-level counts alongside the tables.
type Summary struct {
	Events        uint64 `json:"events"`
	CallsMade     uint64 `json:"calls_made"`
	CallsReturned uint64 `json:"calls_returned"`
	Errors        uint64 `json:"errors"`
	Objects       int    `json:"objects"`
	Handles       int    `json:"handles"`
	Faults        uint64 `json:"faults"`
}

// Report is the complete result of one analysis run.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Summary     Summary   `json:"summary"`
	Tables      []Table   `json:"tables"`
}

// Table returns a table by title, or nil.
func (r *Report) Table(title string) *Table {
	for i := range r.Tables {
		if r.Tables[i].Title == title {
			return &r.Tables[i]
		}
	}
	return nil
}

// Options tune report building.
type Options struct {
	// TopK bounds how many objects are ranked per object-scoped call
	// type in call_data. Zero means DefaultTopK.
	TopK int
	// MaxRun caps access-pattern run lengths. Zero means DefaultMaxRun.
	MaxRun int
}

const (
	DefaultTopK   = 5
	DefaultMaxRun = 500
)

// Build assembles the report from the run's final state.
func Build(eng *correlate.Engine, tr *lifecycle.Tracker, faults *trace.FaultLog, opts Options) *Report {
	if opts.TopK == 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MaxRun == 0 {
		opts.MaxRun = DefaultMaxRun
	}

	r := &Report{GeneratedAt: time.Now().UTC()}

	global := eng.Global()
	for _, st := range global {
		r.Summary.CallsMade += st.CallsMade
		r.Summary.CallsReturned += st.CallsReturned
		r.Summary.Errors += st.Errors
	}
	r.Summary.Events = eng.Events()
	r.Summary.Objects = len(tr.Objects())
	r.Summary.Handles = len(tr.Handles())
	r.Summary.Faults = faults.Total()

	r.Tables = []Table{
		buildCallTable(global, tr, opts.TopK),
		buildHandleTable(tr),
		buildPatternTable(tr, opts.MaxRun),
		buildFaultTable(faults),
	}
	return r
}

// ─── call_data ──────────────────────────────────────────────────────────

func buildCallTable(global []*correlate.Stats, tr *lifecycle.Tracker, topK int) Table {
	t := Table{
		Title: TableCalls,
		Header: []string{
			"scope", "layer", "call", "object", "rank",
			"calls_made", "calls_returned", "errors",
			"mean_ms", "median_ms", "p90_ms", "p95_ms", "max_ms", "total_ms",
		},
	}

	for _, st := range global {
		t.Rows = append(t.Rows, callRow("global", st, "", 0))
	}

	// Per-object rows are bounded: only the top K objects per call type
	// make it into the table, ranked by calls returned then total
	// latency spent.
	for _, key := range objectCallKeys(tr) {
		var entries []objEntry
		for _, obj := range tr.Objects() {
			if st := objectCallStats(obj, key.layer, key.call); st != nil {
				entries = append(entries, objEntry{obj: obj, st: st})
			}
		}
		for rank, e := range topObjects(entries, topK) {
			t.Rows = append(t.Rows, callRow("object", e.st, e.obj.DisplayName(), rank+1))
		}
	}
	return t
}

func callRow(scope string, st *correlate.Stats, object string, rank int) []string {
	ls := latencySummary(st)
	rankCell := ""
	if rank > 0 {
		rankCell = strconv.Itoa(rank)
	}
	return []string{
		scope,
		st.Layer.String(),
		st.Call,
		object,
		rankCell,
		strconv.FormatUint(st.CallsMade, 10),
		strconv.FormatUint(st.CallsReturned, 10),
		strconv.FormatUint(st.Errors, 10),
		fmtMS(ls.mean),
		fmtMS(ls.median),
		fmtMS(ls.p90),
		fmtMS(ls.p95),
		fmtMS(ls.max),
		fmtMS(st.TotalLatency),
	}
}

type callKey struct {
	layer trace.Layer
	call  string
}

// objectCallKeys lists every (layer, call) with at least one per-object
// stats bucket, kernel first, then by call name.
func objectCallKeys(tr *lifecycle.Tracker) []callKey {
	seen := make(map[callKey]bool)
	for _, obj := range tr.Objects() {
		for call := range obj.KernelCalls {
			seen[callKey{trace.LayerKernel, call}] = true
		}
		for call := range obj.StoreCalls {
			seen[callKey{trace.LayerStore, call}] = true
		}
	}
	keys := make([]callKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].layer != keys[j].layer {
			return keys[i].layer < keys[j].layer
		}
		return keys[i].call < keys[j].call
	})
	return keys
}

func objectCallStats(obj *lifecycle.Object, layer trace.Layer, call string) *correlate.Stats {
	if layer == trace.LayerKernel {
		return obj.KernelCalls[call]
	}
	return obj.StoreCalls[call]
}

// ─── handle_data ────────────────────────────────────────────────────────

func buildHandleTable(tr *lifecycle.Tracker) Table {
	t := Table{
		Title: TableHandles,
		Header: []string{
			"handle", "object", "opened_at", "closed_at", "open_seq", "close_seq", "lifetime_ms",
			"reads", "read_bytes", "mean_read_size", "mean_read_latency_ms",
			"writes", "write_bytes", "mean_write_size", "mean_write_latency_ms",
		},
	}
	for _, h := range tr.Handles() {
		t.Rows = append(t.Rows, handleRow(h, objectName(tr, h.Inode)))
	}
	if u := tr.Unknown(); u != nil {
		t.Rows = append(t.Rows, handleRow(u, ""))
	}
	return t
}

func handleRow(h *lifecycle.Handle, object string) []string {
	closedAt := ""
	closeSeq := ""
	lifetime := ""
	if h.Closed {
		closedAt = h.ClosedAt.String()
		closeSeq = strconv.FormatUint(h.CloseSeq, 10)
		lifetime = fmtMS(h.Lifetime())
	}
	openedAt := ""
	openSeq := ""
	if !h.Synthetic {
		openedAt = h.OpenedAt.String()
		openSeq = strconv.FormatUint(h.OpenSeq, 10)
	}
	return []string{
		h.Label(),
		object,
		openedAt,
		closedAt,
		openSeq,
		closeSeq,
		lifetime,
		strconv.FormatUint(h.Reads, 10),
		strconv.FormatInt(h.ReadBytes, 10),
		fmtMean(h.ReadBytes, h.Reads),
		fmtMS(meanLatency(h.ReadLatency)),
		strconv.FormatUint(h.Writes, 10),
		strconv.FormatInt(h.WriteBytes, 10),
		fmtMean(h.WriteBytes, h.Writes),
		fmtMS(meanLatency(h.WriteLatency)),
	}
}

func objectName(tr *lifecycle.Tracker, ino uint64) string {
	if obj := tr.Lookup(ino); obj != nil {
		return obj.DisplayName()
	}
	return fmt.Sprintf("(inode %d)", ino)
}

// ─── pattern_data ───────────────────────────────────────────────────────

func buildPatternTable(tr *lifecycle.Tracker, maxRun int) Table {
	t := Table{
		Title: TablePatterns,
		Header: []string{
			"scope", "subject", "object", "direction", "run", "kind", "ops", "bytes", "mean_size",
		},
	}

	appendRuns := func(scope, subject, object, direction string, ops []pattern.Op) {
		for i, run := range pattern.Classify(ops, maxRun) {
			t.Rows = append(t.Rows, []string{
				scope, subject, object, direction,
				strconv.Itoa(i + 1),
				run.Kind.String(),
				strconv.Itoa(run.Length),
				strconv.FormatInt(run.Bytes, 10),
				fmtFloat(run.MeanSize()),
			})
		}
	}

	for _, h := range tr.Handles() {
		obj := objectName(tr, h.Inode)
		appendRuns("handle", h.Label(), obj, "read", h.ReadOps)
		appendRuns("handle", h.Label(), obj, "write", h.WriteOps)
	}
	if u := tr.Unknown(); u != nil {
		appendRuns("handle", u.Label(), "", "read", u.ReadOps)
		appendRuns("handle", u.Label(), "", "write", u.WriteOps)
	}
	for _, obj := range tr.Objects() {
		name := obj.DisplayName()
		appendRuns("object", name, name, "read", obj.ReadOps)
		appendRuns("object", name, name, "write", obj.WriteOps)
	}
	return t
}

// ─── fault_data ─────────────────────────────────────────────────────────

func buildFaultTable(faults *trace.FaultLog) Table {
	t := Table{
		Title:  TableFaults,
		Header: []string{"record", "kind", "layer", "call", "opcode", "time", "detail"},
	}

	counts := faults.Counts()
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		t.Rows = append(t.Rows, []string{
			"total", k, "", "", "", "",
			strconv.FormatUint(counts[trace.FaultKind(k)], 10),
		})
	}

	for _, f := range faults.All() {
		t.Rows = append(t.Rows, []string{
			"fault",
			string(f.Kind),
			faultLayerCell(f),
			f.Call,
			f.Opcode,
			faultTimeCell(f),
			f.Detail,
		})
	}
	return t
}

// faultLayerCell leaves the layer blank for faults raised outside the
// protocol state machine, where the zero Layer would mislead.
func faultLayerCell(f trace.Fault) string {
	switch f.Kind {
	case trace.FaultUnparsable, trace.FaultUnorderedSource:
		return ""
	}
	return f.Layer.String()
}

func faultTimeCell(f trace.Fault) string {
	if f.Time.IsZero() {
		return ""
	}
	return f.Time.String()
}

// ─── Latency helpers ────────────────────────────────────────────────────

type latencyFigures struct {
	mean, median, p90, p95, max time.Duration
}

func latencySummary(st *correlate.Stats) latencyFigures {
	if len(st.Samples) == 0 {
		return latencyFigures{}
	}
	sorted := make([]time.Duration, len(st.Samples))
	copy(sorted, st.Samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return latencyFigures{
		mean:   st.TotalLatency / time.Duration(len(sorted)),
		median: percentile(sorted, 50),
		p90:    percentile(sorted, 90),
		p95:    percentile(sorted, 95),
		max:    sorted[len(sorted)-1],
	}
}

// percentile picks the nearest-rank sample from a sorted sequence.
func percentile(sorted []time.Duration, pct int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(pct)/100.0*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func meanLatency(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return total / time.Duration(len(samples))
}

func fmtMS(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 3, 64)
}

func fmtMean(bytes int64, ops uint64) string {
	if ops == 0 {
		return "0.0"
	}
	return fmtFloat(float64(bytes) / float64(ops))
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 1, 64)
}
