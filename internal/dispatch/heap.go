package dispatch

import "container/heap"

// entry is a job held by the queue together with its heap bookkeeping.
type entry struct {
	job   Job
	seq   uint64
	index int
	in    *jobHeap
	lane  *lane
}

// jobHeap orders entries with a caller supplied comparison. The ready heap
// pops the best job to run next; the scheduled heap pops the earliest due.
type jobHeap struct {
	items []*entry
	less  func(a, b *entry) bool
}

func newReadyHeap() *jobHeap {
	return &jobHeap{less: func(a, b *entry) bool {
		if a.job.Priority != b.job.Priority {
			return a.job.Priority > b.job.Priority
		}
		if !a.job.NextRunAt.Equal(b.job.NextRunAt) {
			return a.job.NextRunAt.Before(b.job.NextRunAt)
		}
		return a.seq < b.seq
	}}
}

func newScheduledHeap() *jobHeap {
	return &jobHeap{less: func(a, b *entry) bool {
		if !a.job.NextRunAt.Equal(b.job.NextRunAt) {
			return a.job.NextRunAt.Before(b.job.NextRunAt)
		}
		return a.seq < b.seq
	}}
}

func (h *jobHeap) Len() int           { return len(h.items) }
func (h *jobHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }

func (h *jobHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(h.items)
	e.in = h
	h.items = append(h.items, e)
}

func (h *jobHeap) Pop() any {
	old := h.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	e.index = -1
	e.in = nil
	return e
}

func (h *jobHeap) peek() *entry {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

func (h *jobHeap) push(e *entry) { heap.Push(h, e) }
func (h *jobHeap) pop() *entry   { return heap.Pop(h).(*entry) }

// remove takes e out of whichever heap holds it.
func (e *entry) remove() {
	if e.in != nil && e.index >= 0 {
		heap.Remove(e.in, e.index)
	}
}
