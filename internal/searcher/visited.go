package searcher

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// VisitedSet tracks which dense node ids a traversal has touched.
type VisitedSet struct {
	bits *bitset.BitSet
}

// NewVisitedSet creates a visited set sized for capacity nodes. The
// underlying bitset grows on demand.
func NewVisitedSet(capacity int) *VisitedSet {
	if capacity < 64 {
		capacity = 64
	}
	return &VisitedSet{bits: bitset.New(uint(capacity))}
}

// Visit marks node as visited and reports whether it was unvisited.
func (v *VisitedSet) Visit(node uint32) bool {
	if v.bits.Test(uint(node)) {
		return false
	}
	v.bits.Set(uint(node))
	return true
}

// Visited reports whether node has been visited.
func (v *VisitedSet) Visited(node uint32) bool {
	return v.bits.Test(uint(node))
}

// Reset clears the set for reuse.
func (v *VisitedSet) Reset() {
	v.bits.ClearAll()
}

// Pool recycles visited sets across searches so concurrent queries do
// not allocate a bitset each.
type Pool struct {
	pool sync.Pool
}

// NewPool creates a pool producing sets sized for capacity nodes.
func NewPool(capacity int) *Pool {
	return &Pool{
		pool: sync.Pool{
			New: func() any { return NewVisitedSet(capacity) },
		},
	}
}

// Get returns a cleared visited set.
func (p *Pool) Get() *VisitedSet {
	return p.pool.Get().(*VisitedSet)
}

// Put resets the set and returns it to the pool.
func (p *Pool) Put(v *VisitedSet) {
	v.Reset()
	p.pool.Put(v)
}
