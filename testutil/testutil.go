// Package testutil provides helpers for tests and benchmarks: seeded
// random vector generation, exact nearest-neighbor ground truth, and
// recall computation. Not intended for production use.
package testutil

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/quiverdb/quiver/distance"
)

// SearchResult pairs an id with its distance, ordered by the caller.
type SearchResult struct {
	ID       uint64
	Distance float32
}

// RNG is a seeded, thread-safe random generator for reproducible test
// data.
type RNG struct {
	mu   sync.Mutex
	rand *rand.Rand
	seed int64
}

// NewRNG creates a generator with the given seed.
func NewRNG(seed int64) *RNG {
	return &RNG{rand: rand.New(rand.NewSource(seed)), seed: seed}
}

// Float32 returns a pseudo-random number in [0, 1).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// Intn returns a non-negative pseudo-random number in [0, n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// FillUniform fills dst with values in [0, 1).
func (r *RNG) FillUniform(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = r.rand.Float32()
	}
}

// UniformVectors generates num vectors with values in [0, 1), sharing
// one backing array.
func (r *RNG) UniformVectors(num, dim int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	vectors := make([][]float32, num)
	for i := range vectors {
		vec := data[i*dim : (i+1)*dim]
		for j := range vec {
			vec[j] = r.rand.Float32()
		}
		vectors[i] = vec
	}
	return vectors
}

// UnitVectors generates num L2-normalized vectors uniformly
// distributed on the hypersphere. Required for cosine and dot metrics.
func (r *RNG) UnitVectors(num, dim int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	vectors := make([][]float32, num)
	for i := range vectors {
		vec := data[i*dim : (i+1)*dim]
		var norm float64
		for j := range vec {
			v := r.rand.NormFloat64()
			vec[j] = float32(v)
			norm += v * v
		}
		if norm == 0 {
			norm = 1
		}
		inv := float32(1 / math.Sqrt(norm))
		for j := range vec {
			vec[j] *= inv
		}
		vectors[i] = vec
	}
	return vectors
}

// UnitVector generates a single L2-normalized vector.
func (r *RNG) UnitVector(dim int) []float32 {
	return r.UnitVectors(1, dim)[0]
}

// ExactTopK computes exact top-k ground truth over dataset, where id i
// is the index into dataset. Results are ordered closest-first by the
// lower-is-better distance function.
func ExactTopK(query []float32, dataset [][]float32, k int, dist distance.Func) []SearchResult {
	results := make([]SearchResult, 0, len(dataset))
	for i, vec := range dataset {
		results = append(results, SearchResult{ID: uint64(i), Distance: dist(query, vec)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// ComputeRecall returns the fraction of exact ids present in approx.
func ComputeRecall(approx, exact []SearchResult) float64 {
	if len(exact) == 0 {
		return 1
	}
	got := make(map[uint64]struct{}, len(approx))
	for _, r := range approx {
		got[r.ID] = struct{}{}
	}
	hits := 0
	for _, r := range exact {
		if _, ok := got[r.ID]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(exact))
}
