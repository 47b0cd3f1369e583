package etl

import "bytes"

// heapElem is one candidate entry during the k-way merge of spilled runs:
// the next unread (key, value) from a single dataProvider, tagged with the
// run's index as the final tiebreak so entries equal in both key and value
// still merge deterministically, in run-flush order.
type heapElem struct {
	key, value []byte
	runID      int
}

// mergeHeap is a container/heap.Interface over heapElem, ordered by
// (key, value, runID), ported from the teacher's own k-way merge heap.
type mergeHeap []heapElem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].key, h[j].key); c != 0 {
		return c < 0
	}
	if c := bytes.Compare(h[i].value, h[j].value); c != 0 {
		return c < 0
	}
	return h[i].runID < h[j].runID
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) {
	*h = append(*h, x.(heapElem))
}

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
