// Package distance provides the public API for vector distance and
// similarity calculations.
//
// All functions dispatch to the kernels in internal/simd, which select
// a widened implementation at startup when the CPU supports it.
package distance
