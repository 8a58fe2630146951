package result

import (
	"container/heap"

	"github.com/distcore/router/row"
)

// Less reports whether a sorts before b, per the select's ORDER BY.
type Less func(a, b row.Row) bool

// Sorted produces the globally sorted union of N per-peer results that
// are each already sorted consistently with less. It gathers eagerly
// (not streaming), which is acceptable per the project's result
// composer design: only Serialized is required to stream.
type Sorted struct {
	rows  []row.Row
	idx   int
	cols  int32
	maxRows int64
}

type heapItem struct {
	row      row.Row
	srcIdx   int
}

type mergeHeap struct {
	items []heapItem
	less  Less
}

func (h *mergeHeap) Len() int            { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool  { return h.less(h.items[i].row, h.items[j].row) }
func (h *mergeHeap) Swap(i, j int)       { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)          { h.items = append(h.items, x.(heapItem)) }
func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// NewSorted performs an N-way merge of results using less, capping the
// output at maxRows (negative for unbounded).
func NewSorted(maxRows int64, results []Result, less Less) (*Sorted, error) {
	var cols int32
	if len(results) > 0 {
		cols = results[0].ColumnCount()
	}

	// drain every source into its own per-source queue, then seed the
	// heap with the first row of each queue.
	sources := make([][]row.Row, len(results))
	for i, r := range results {
		for {
			rr, err := r.Next()
			if err != nil {
				return nil, err
			}
			if rr == nil {
				break
			}
			sources[i] = append(sources[i], *rr)
		}
	}

	h := &mergeHeap{less: less}
	heads := make([]int, len(sources))
	for i, rows := range sources {
		if len(rows) > 0 {
			heap.Push(h, heapItem{row: rows[0], srcIdx: i})
			heads[i] = 1
		}
	}

	var out []row.Row
	for h.Len() > 0 && (maxRows < 0 || int64(len(out)) < maxRows) {
		top := heap.Pop(h).(heapItem)
		out = append(out, top.row)
		src := sources[top.srcIdx]
		if heads[top.srcIdx] < len(src) {
			heap.Push(h, heapItem{row: src[heads[top.srcIdx]], srcIdx: top.srcIdx})
			heads[top.srcIdx]++
		}
	}

	return &Sorted{rows: out, cols: cols, maxRows: maxRows}, nil
}

func (s *Sorted) Next() (*row.Row, error) {
	if s.idx >= len(s.rows) {
		return nil, nil
	}
	r := s.rows[s.idx]
	s.idx++
	return &r, nil
}

func (s *Sorted) ColumnCount() int32 { return s.cols }

func (s *Sorted) Close() error { return nil }
