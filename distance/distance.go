package distance

import (
	"fmt"
	"slices"
	"strings"

	"github.com/quiverdb/quiver/internal/simd"
)

// Metric represents the distance metric used for vector comparison.
type Metric int

const (
	MetricEuclidean Metric = iota
	MetricCosine
	MetricDot
	MetricHamming
)

func (m Metric) String() string {
	switch m {
	case MetricEuclidean:
		return "euclidean"
	case MetricCosine:
		return "cosine"
	case MetricDot:
		return "dot"
	case MetricHamming:
		return "hamming"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseMetric parses a config-file metric name.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "euclidean", "l2":
		return MetricEuclidean, nil
	case "cosine":
		return MetricCosine, nil
	case "dot", "dotproduct":
		return MetricDot, nil
	case "hamming":
		return MetricHamming, nil
	default:
		return 0, fmt.Errorf("unsupported distance metric: %q", s)
	}
}

// Ascending reports the ordering direction of result scores for this
// metric: distance metrics rank ascending (closer is smaller),
// similarity metrics rank descending (closer is larger).
//
// The direction is tracked explicitly per metric; callers must never
// assume one.
func (m Metric) Ascending() bool {
	switch m {
	case MetricCosine, MetricDot:
		return false
	default:
		return true
	}
}

// RequiresNormalization reports whether stored vectors and queries must
// be L2-normalized for this metric.
func (m Metric) RequiresNormalization() bool {
	return m == MetricCosine
}

// Func is a function type for distance calculation. Smaller results
// always mean closer, regardless of metric.
type Func func(a, b []float32) float32

// BatchFunc computes the distance between query and every vector in
// targets (flattened, each of dimension dim), writing into out.
type BatchFunc func(query, targets []float32, dim int, out []float32)

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	return simd.Dot(a, b)
}

// SquaredL2 calculates the squared L2 (Euclidean) distance.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	return simd.SquaredL2(a, b)
}

// Hamming counts the positions at which a and b differ.
func Hamming(a, b []float32) float32 {
	return simd.Hamming(a, b)
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := simd.Dot(v, v)
	if norm2 == 0 {
		return false
	}
	simd.ScaleInPlace(v, 1/simd.Sqrt(norm2))
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// Provider returns the internal distance function for the given metric.
// The returned function is always lower-is-better; cosine assumes
// L2-normalized inputs.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricEuclidean:
		return SquaredL2, nil
	case MetricCosine:
		// For unit vectors |a-b|^2 = 2 - 2*cos, so half the squared L2
		// distance equals 1 - cos and is monotonic with cosine distance.
		return func(a, b []float32) float32 {
			return 0.5 * SquaredL2(a, b)
		}, nil
	case MetricDot:
		// Negate the similarity so that lower means closer.
		return func(a, b []float32) float32 {
			return -Dot(a, b)
		}, nil
	case MetricHamming:
		return Hamming, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}

// BatchProvider returns the batched distance function for the given
// metric, lower-is-better like Provider.
func BatchProvider(m Metric) (BatchFunc, error) {
	switch m {
	case MetricEuclidean:
		return simd.SquaredL2Batch, nil
	case MetricCosine:
		return func(query, targets []float32, dim int, out []float32) {
			simd.SquaredL2Batch(query, targets, dim, out)
			for i := range out {
				out[i] *= 0.5
			}
		}, nil
	case MetricDot:
		return func(query, targets []float32, dim int, out []float32) {
			simd.DotBatch(query, targets, dim, out)
			for i := range out {
				out[i] = -out[i]
			}
		}, nil
	case MetricHamming:
		return simd.HammingBatch, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}

// Score converts an internal lower-is-better distance into the
// metric-native score surfaced to callers: distances unchanged for
// euclidean/hamming, similarities for cosine/dot.
func (m Metric) Score(dist float32) float32 {
	switch m {
	case MetricCosine:
		// dist = 1 - cos for unit vectors.
		return 1 - dist
	case MetricDot:
		return -dist
	default:
		return dist
	}
}
