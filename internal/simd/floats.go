package simd

import "math"

var (
	dotImpl       = dotGeneric
	squaredL2Impl = squaredL2Generic
	hammingImpl   = hammingGeneric
)

// Dot calculates the dot product of two vectors.
//
// SAFETY: assumes len(a) == len(b). No bounds checks are performed for
// performance reasons; callers must ensure lengths match.
func Dot(a, b []float32) float32 {
	return dotImpl(a, b)
}

// SquaredL2 calculates the squared L2 (Euclidean) distance.
//
// SAFETY: assumes len(a) == len(b).
func SquaredL2(a, b []float32) float32 {
	return squaredL2Impl(a, b)
}

// Hamming counts the positions at which a and b differ.
//
// SAFETY: assumes len(a) == len(b).
func Hamming(a, b []float32) float32 {
	return hammingImpl(a, b)
}

// DotBatch calculates dot products for a batch of vectors.
// targets is a flattened array of N vectors, each of dimension dim.
// out must have length N (len(targets) / dim).
func DotBatch(query []float32, targets []float32, dim int, out []float32) {
	batch(dotImpl, query, targets, dim, out)
}

// SquaredL2Batch calculates squared L2 distances for a batch of vectors.
func SquaredL2Batch(query []float32, targets []float32, dim int, out []float32) {
	batch(squaredL2Impl, query, targets, dim, out)
}

// HammingBatch counts differing positions for a batch of vectors.
func HammingBatch(query []float32, targets []float32, dim int, out []float32) {
	batch(hammingImpl, query, targets, dim, out)
}

func batch(fn func(a, b []float32) float32, query, targets []float32, dim int, out []float32) {
	if dim <= 0 || len(out) == 0 || len(query) < dim {
		return
	}

	q := query[:dim]
	n := len(targets) / dim
	if len(out) < n {
		n = len(out)
	}

	for i := 0; i < n; i++ {
		off := i * dim
		out[i] = fn(q, targets[off:off+dim])
	}
}

// ScaleInPlace multiplies all elements of a by scalar.
//
// This is primarily used by distance normalization.
func ScaleInPlace(a []float32, scalar float32) {
	for i := range a {
		a[i] *= scalar
	}
}

// Sqrt returns the square root of x.
func Sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

func dotGeneric(a, b []float32) float32 {
	var ret float32
	for i := range a {
		ret += a[i] * b[i]
	}
	return ret
}

func squaredL2Generic(a, b []float32) float32 {
	var distance float32
	for i := range a {
		d := a[i] - b[i]
		distance += d * d
	}
	return distance
}

func hammingGeneric(a, b []float32) float32 {
	var diff float32
	for i := range a {
		if a[i] != b[i] {
			diff++
		}
	}
	return diff
}
