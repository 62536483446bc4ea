package report

import (
	"container/heap"

	"github.com/warpdrive/warptrace/pkg/correlate"
	"github.com/warpdrive/warptrace/pkg/lifecycle"
)

// objEntry pairs an object with its stats bucket for one call type.
type objEntry struct {
	obj *lifecycle.Object
	st  *correlate.Stats
}

// objHeap is a min-heap on (calls returned, total latency): the weakest
// entry sits on top and gets evicted when the heap is over capacity.
// Display name breaks exact ties so rankings are deterministic.
type objHeap []objEntry

func (h objHeap) Len() int { return len(h) }

func (h objHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.st.CallsReturned != b.st.CallsReturned {
		return a.st.CallsReturned < b.st.CallsReturned
	}
	if a.st.TotalLatency != b.st.TotalLatency {
		return a.st.TotalLatency < b.st.TotalLatency
	}
	return a.obj.DisplayName() > b.obj.DisplayName()
}

func (h objHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *objHeap) Push(x any) {
	*h = append(*h, x.(objEntry))
}

func (h *objHeap) Pop() any {
	old := *h
	l := len(old)
	item := old[l-1]
	*h = old[:l-1]
	return item
}

// topObjects keeps the k highest-ranked entries out of a stream of any
// size, in O(n log k). The result is ordered best-first.
func topObjects(entries []objEntry, k int) []objEntry {
	if k <= 0 {
		return nil
	}
	h := make(objHeap, 0, k+1)
	heap.Init(&h)
	for _, e := range entries {
		heap.Push(&h, e)
		if h.Len() > k {
			heap.Pop(&h)
		}
	}

	out := make([]objEntry, h.Len())
	for i := h.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(objEntry)
	}
	return out
}
