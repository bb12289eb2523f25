// Package searcher provides the scratch structures used by graph
// traversal: value-based binary heaps of candidates and a pooled
// visited set.
package searcher

// Candidate pairs a dense node id with its distance to the query.
// Distances are always lower-is-better here; metric direction is
// resolved above this layer.
type Candidate struct {
	Node     uint32
	Distance float32
}

// Queue is a binary heap of candidates. Value-based storage, no
// container/heap: traversal pushes and pops in a tight loop and the
// interface indirection shows up in profiles.
type Queue struct {
	isMaxHeap bool
	items     []Candidate
}

// NewQueue creates a queue. A min-heap pops the closest candidate
// first (the frontier); a max-heap keeps its worst candidate on top
// (the bounded result set).
func NewQueue(isMaxHeap bool) *Queue {
	return &Queue{
		isMaxHeap: isMaxHeap,
		items:     make([]Candidate, 0, 16),
	}
}

// Reset clears the queue for reuse.
func (q *Queue) Reset() {
	q.items = q.items[:0]
}

// Len returns the number of candidates in the queue.
func (q *Queue) Len() int {
	return len(q.items)
}

// Top returns the root of the heap without removing it.
func (q *Queue) Top() (Candidate, bool) {
	if len(q.items) == 0 {
		return Candidate{}, false
	}
	return q.items[0], true
}

// Push inserts a candidate, maintaining the heap invariant.
func (q *Queue) Push(c Candidate) {
	q.items = append(q.items, c)
	q.siftUp(len(q.items) - 1)
}

// PushBounded inserts into a heap capped at capacity. On a full
// max-heap a closer candidate replaces the current worst; a farther
// one is dropped.
func (q *Queue) PushBounded(c Candidate, capacity int) {
	if len(q.items) < capacity {
		q.Push(c)
		return
	}

	top := q.items[0]
	if q.isMaxHeap {
		if c.Distance < top.Distance {
			q.items[0] = c
			q.siftDown(0)
		}
	} else {
		if c.Distance > top.Distance {
			q.items[0] = c
			q.siftDown(0)
		}
	}
}

// Pop removes and returns the root of the heap.
func (q *Queue) Pop() (Candidate, bool) {
	n := len(q.items)
	if n == 0 {
		return Candidate{}, false
	}

	c := q.items[0]
	q.items[0] = q.items[n-1]
	q.items = q.items[:n-1]
	if len(q.items) > 0 {
		q.siftDown(0)
	}
	return c, true
}

// Drain pops every candidate into a slice ordered root-first.
func (q *Queue) Drain() []Candidate {
	out := make([]Candidate, 0, len(q.items))
	for {
		c, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}

func (q *Queue) less(i, j int) bool {
	if q.isMaxHeap {
		return q.items[i].Distance > q.items[j].Distance
	}
	return q.items[i].Distance < q.items[j].Distance
}

func (q *Queue) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.less(i, parent) {
			break
		}
		q.items[i], q.items[parent] = q.items[parent], q.items[i]
		i = parent
	}
}

func (q *Queue) siftDown(i int) {
	n := len(q.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		child := left
		if right := left + 1; right < n && q.less(right, left) {
			child = right
		}
		if !q.less(child, i) {
			break
		}
		q.items[i], q.items[child] = q.items[child], q.items[i]
		i = child
	}
}
