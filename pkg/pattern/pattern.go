// Package pattern classifies ordered I/O histories into access runs.
package pattern

// Kind classifies one run of operations against a handle or object.
type Kind int

const (
	// KindFirst is the opening op of a history. It has no predecessor to
	// compare against, so it always forms its own run of length one.
	KindFirst Kind = iota
	// KindSequential covers ops that start exactly where the previous
	// op ended.
	KindSequential
	// KindRandom covers everything else.
	KindRandom
)

func (k Kind) String() string {
	switch k {
	case KindFirst:
		return "first"
	case KindSequential:
		return "sequential"
	case KindRandom:
		return "random"
	}
	return "unknown"
}

// Op is one read or write in a history.
type Op struct {
	Offset int64
	Size   int64
}

// Run is a maximal stretch of same-kind ops.
type Run struct {
	Kind   Kind
	Length int
	Bytes  int64
}

// MeanSize returns the average request size across the run.
func (r Run) MeanSize() float64 {
	if r.Length == 0 {
		return 0
	}
	return float64(r.Bytes) / float64(r.Length)
}

// Classify run-length encodes an op history. Op i is sequential exactly
// when it starts at the previous op's end offset; a kind change closes
// the current run, as does reaching maxRun ops (maxRun <= 0 means no
// limit). Classify is a pure function: the same history always yields
// the same runs.
func Classify(ops []Op, maxRun int) []Run {
	if len(ops) == 0 {
		return nil
	}

	runs := make([]Run, 0, 4)
	cur := Run{Kind: KindFirst, Length: 1, Bytes: ops[0].Size}

	for i := 1; i < len(ops); i++ {
		kind := KindRandom
		if ops[i].Offset == ops[i-1].Offset+ops[i-1].Size {
			kind = KindSequential
		}

		if kind == cur.Kind && (maxRun <= 0 || cur.Length < maxRun) {
			cur.Length++
			cur.Bytes += ops[i].Size
			continue
		}

		runs = append(runs, cur)
		cur = Run{Kind: kind, Length: 1, Bytes: ops[i].Size}
	}
	return append(runs, cur)
}

// Totals sums op counts and bytes per kind across runs. Useful for
// summary rows that do not need the run structure.
func Totals(runs []Run) (seqOps, randOps int, bytes int64) {
	for _, r := range runs {
		switch r.Kind {
		case KindSequential:
			seqOps += r.Length
		case KindRandom:
			randOps += r.Length
		}
		bytes += r.Bytes
	}
	return seqOps, randOps, bytes
}
