// Package hnsw implements a hierarchical navigable small world graph
// for approximate nearest neighbor search.
//
// Nodes are addressed internally by dense uint32 indices; external
// uint64 ids map onto them. Deletes are logical: a tombstoned node
// stays in the graph as a routing waypoint but never appears in
// results. Layer assignment hashes the external id, so rebuilding the
// graph from the same vectors in the same order reproduces the same
// topology.
package hnsw

import (
	"fmt"
	"math"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/internal/searcher"
)

// DimensionMismatchError is returned when a vector's length does not
// match the index dimension.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("hnsw: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// GraphStateError is returned when the graph holds live nodes but no
// usable entry point can be selected. It indicates structural damage.
type GraphStateError struct {
	Reason string
}

func (e *GraphStateError) Error() string {
	return fmt.Sprintf("hnsw: graph state: %s", e.Reason)
}

const noEntryPoint = ^uint32(0)

type node struct {
	id     uint64
	vector []float32
	layer  int
	// conns[l] holds the neighbor node indices at layer l,
	// 0 <= l <= layer. Capped at M, 2M at layer 0.
	conns [][]uint32
}

// Result is a single search hit: the external id and its internal
// lower-is-better distance to the query.
type Result struct {
	ID       uint64
	Distance float32
}

// Index is the in-memory HNSW graph.
type Index struct {
	mu sync.RWMutex

	dim    int
	params Params
	dist   distance.Func
	ml     float64

	nodes []*node
	byID  map[uint64]uint32
	tombs *bitset.BitSet
	dead  int

	ep       uint32
	maxLayer int

	visited *searcher.Pool
}

// New creates an empty index for vectors of the given dimension. The
// distance function must be lower-is-better; metric direction is
// handled by the caller.
func New(dim int, params Params, dist distance.Func) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("hnsw: invalid dimension %d", dim)
	}
	params = params.withDefaults()

	return &Index{
		dim:     dim,
		params:  params,
		dist:    dist,
		ml:      1 / math.Log(float64(params.M)),
		byID:    make(map[uint64]uint32),
		tombs:   bitset.New(1024),
		ep:      noEntryPoint,
		visited: searcher.NewPool(1024),
	}, nil
}

// splitmix64 is the finalizer of the SplitMix64 generator.
func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}

// layerFor draws the node's top layer from a geometric distribution,
// seeded by the external id so a rebuild reproduces the topology.
func (ix *Index) layerFor(id uint64) int {
	// 53 high bits give a uniform float in [0,1); flip to (0,1] so the
	// log is finite.
	u := 1 - float64(splitmix64(id)>>11)/float64(1<<53)
	l := int(math.Floor(-math.Log(u) * ix.ml))
	if l > 32 {
		l = 32
	}
	return l
}

// Insert adds id with the given vector. An existing id is upserted:
// the old node is tombstoned and a fresh node inserted.
func (ix *Index) Insert(id uint64, vec []float32) error {
	if len(vec) != ix.dim {
		return &DimensionMismatchError{Expected: ix.dim, Actual: len(vec)}
	}

	cp := make([]float32, len(vec))
	copy(cp, vec)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if old, ok := ix.byID[id]; ok {
		ix.tombstoneLocked(old)
	}

	n := &node{
		id:     id,
		vector: cp,
		layer:  ix.layerFor(id),
	}
	n.conns = make([][]uint32, n.layer+1)
	idx := uint32(len(ix.nodes))

	if ix.ep == noEntryPoint {
		ix.nodes = append(ix.nodes, n)
		ix.byID[id] = idx
		ix.ep = idx
		ix.maxLayer = n.layer
		return nil
	}

	// Greedy descent through the layers above the node's top layer.
	curr := ix.ep
	currDist := ix.dist(cp, ix.nodes[curr].vector)
	for level := ix.nodes[ix.ep].layer; level > n.layer; level-- {
		curr, currDist = ix.greedyStepLocked(cp, curr, currDist, level)
	}

	// Beam search each layer at and below the node's top layer, then
	// pick diverse neighbors and link both directions.
	for level := min(n.layer, ix.nodes[ix.ep].layer); level >= 0; level-- {
		found := ix.searchLayerLocked(cp, curr, currDist, ix.params.EfConstruction, level, true)

		m := ix.params.M
		neighbors := ix.selectNeighborsLocked(found, m)
		n.conns[level] = neighbors

		if len(found) > 0 {
			curr = found[0].Node
			currDist = found[0].Distance
		}
	}

	ix.nodes = append(ix.nodes, n)
	ix.byID[id] = idx

	for level := len(n.conns) - 1; level >= 0; level-- {
		for _, nb := range n.conns[level] {
			ix.linkLocked(nb, idx, level)
		}
	}

	if n.layer > ix.nodes[ix.ep].layer {
		ix.ep = idx
		ix.maxLayer = n.layer
	}
	return nil
}

// greedyStepLocked walks layer `level` greedily from curr until no
// neighbor is closer to q.
func (ix *Index) greedyStepLocked(q []float32, curr uint32, currDist float32, level int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		cn := ix.nodes[curr]
		if level >= len(cn.conns) {
			break
		}
		for _, nb := range cn.conns[level] {
			d := ix.dist(q, ix.nodes[nb].vector)
			if d < currDist {
				curr, currDist = nb, d
				changed = true
			}
		}
	}
	return curr, currDist
}

// searchLayerLocked runs a beam search of width ef on one layer,
// returning up to ef candidates ordered closest-first. Tombstoned
// nodes are expanded for connectivity; they are kept in the results
// only when includeDead is set (insertion wants them as link targets
// so the graph stays navigable).
func (ix *Index) searchLayerLocked(q []float32, entry uint32, entryDist float32, ef, level int, includeDead bool) []searcher.Candidate {
	visited := ix.visited.Get()
	defer ix.visited.Put(visited)
	visited.Visit(entry)

	frontier := searcher.NewQueue(false)
	frontier.Push(searcher.Candidate{Node: entry, Distance: entryDist})

	results := searcher.NewQueue(true)
	if includeDead || !ix.tombs.Test(uint(entry)) {
		results.Push(searcher.Candidate{Node: entry, Distance: entryDist})
	}

	for frontier.Len() > 0 {
		c, _ := frontier.Pop()
		if worst, ok := results.Top(); ok && results.Len() >= ef && c.Distance > worst.Distance {
			break
		}

		cn := ix.nodes[c.Node]
		if level >= len(cn.conns) {
			continue
		}
		for _, nb := range cn.conns[level] {
			if !visited.Visit(nb) {
				continue
			}
			d := ix.dist(q, ix.nodes[nb].vector)

			worst, ok := results.Top()
			if ok && results.Len() >= ef && d >= worst.Distance {
				continue
			}

			frontier.Push(searcher.Candidate{Node: nb, Distance: d})
			if includeDead || !ix.tombs.Test(uint(nb)) {
				results.PushBounded(searcher.Candidate{Node: nb, Distance: d}, ef)
			}
		}
	}

	// Max-heap drains worst-first; reverse to closest-first.
	out := results.Drain()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// selectNeighborsLocked picks up to m diverse neighbors from
// candidates (closest-first). A candidate is kept only if it is closer
// to the query than to every already-kept neighbor; skipped candidates
// fill up remaining slots afterwards.
func (ix *Index) selectNeighborsLocked(candidates []searcher.Candidate, m int) []uint32 {
	if len(candidates) <= m {
		out := make([]uint32, len(candidates))
		for i, c := range candidates {
			out[i] = c.Node
		}
		return out
	}

	kept := make([]searcher.Candidate, 0, m)
	var skipped []searcher.Candidate

	for _, c := range candidates {
		if len(kept) >= m {
			break
		}
		diverse := true
		for _, k := range kept {
			if ix.dist(ix.nodes[c.Node].vector, ix.nodes[k.Node].vector) < c.Distance {
				diverse = false
				break
			}
		}
		if diverse {
			kept = append(kept, c)
		} else {
			skipped = append(skipped, c)
		}
	}

	for _, c := range skipped {
		if len(kept) >= m {
			break
		}
		kept = append(kept, c)
	}

	out := make([]uint32, len(kept))
	for i, c := range kept {
		out[i] = c.Node
	}
	return out
}

// linkLocked adds a back-link from -> to at level, re-pruning with the
// diversity heuristic when the neighbor list overflows its cap.
func (ix *Index) linkLocked(from, to uint32, level int) {
	maxConns := ix.params.M
	if level == 0 {
		maxConns = 2 * ix.params.M
	}

	n := ix.nodes[from]
	if level >= len(n.conns) {
		return
	}
	n.conns[level] = append(n.conns[level], to)
	if len(n.conns[level]) <= maxConns {
		return
	}

	cands := make([]searcher.Candidate, 0, len(n.conns[level]))
	for _, nb := range n.conns[level] {
		cands = append(cands, searcher.Candidate{
			Node:     nb,
			Distance: ix.dist(n.vector, ix.nodes[nb].vector),
		})
	}
	q := searcher.NewQueue(false)
	for _, c := range cands {
		q.Push(c)
	}
	n.conns[level] = ix.selectNeighborsLocked(q.Drain(), maxConns)
}

// Search returns up to k live nodes closest to q, using a beam of
// width ef (raised to k when smaller). When ef reaches the live node
// count the beam would touch everything anyway, so it falls back to an
// exhaustive scan.
func (ix *Index) Search(q []float32, k, ef int) ([]Result, error) {
	if len(q) != ix.dim {
		return nil, &DimensionMismatchError{Expected: ix.dim, Actual: len(q)}
	}
	if k <= 0 {
		return nil, nil
	}
	if ef < k {
		ef = k
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	live := len(ix.byID)
	if live == 0 {
		return nil, nil
	}
	if ef >= live {
		return ix.exhaustiveLocked(q, k), nil
	}

	entry := ix.ep
	if entry == noEntryPoint {
		return nil, &GraphStateError{Reason: "live nodes but no entry point"}
	}

	curr := entry
	currDist := ix.dist(q, ix.nodes[curr].vector)
	for level := ix.nodes[entry].layer; level > 0; level-- {
		curr, currDist = ix.greedyStepLocked(q, curr, currDist, level)
	}

	found := ix.searchLayerLocked(q, curr, currDist, ef, 0, false)
	if len(found) > k {
		found = found[:k]
	}

	out := make([]Result, len(found))
	for i, c := range found {
		out[i] = Result{ID: ix.nodes[c.Node].id, Distance: c.Distance}
	}
	return out, nil
}

// exhaustiveLocked brute-force scans every live node.
func (ix *Index) exhaustiveLocked(q []float32, k int) []Result {
	results := searcher.NewQueue(true)
	for idx, n := range ix.nodes {
		if ix.tombs.Test(uint(idx)) {
			continue
		}
		results.PushBounded(searcher.Candidate{Node: uint32(idx), Distance: ix.dist(q, n.vector)}, k)
	}

	drained := results.Drain()
	out := make([]Result, len(drained))
	for i, c := range drained {
		out[len(drained)-1-i] = Result{ID: ix.nodes[c.Node].id, Distance: c.Distance}
	}
	return out
}

// Delete tombstones id. The node stays in the graph as a waypoint.
// Returns false if id is not present.
func (ix *Index) Delete(id uint64) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	idx, ok := ix.byID[id]
	if !ok {
		return false
	}
	ix.tombstoneLocked(idx)
	return true
}

func (ix *Index) tombstoneLocked(idx uint32) {
	ix.tombs.Set(uint(idx))
	ix.dead++
	delete(ix.byID, ix.nodes[idx].id)

	if idx == ix.ep {
		ix.recoverEntryPointLocked()
	}
}

// recoverEntryPointLocked reselects the live node with the highest
// layer after the entry point was tombstoned.
func (ix *Index) recoverEntryPointLocked() {
	best := noEntryPoint
	bestLayer := -1
	for _, idx := range ix.byID {
		if l := ix.nodes[idx].layer; l > bestLayer {
			best, bestLayer = idx, l
		}
	}
	ix.ep = best
	if best == noEntryPoint {
		ix.maxLayer = 0
	} else {
		ix.maxLayer = bestLayer
	}
}

// Contains reports whether id is live in the index.
func (ix *Index) Contains(id uint64) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.byID[id]
	return ok
}

// Len returns the number of live nodes.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

// Dimension returns the configured vector dimension.
func (ix *Index) Dimension() int {
	return ix.dim
}
