// Package simd provides the distance-computation kernels used on the
// search hot path.
//
// Two implementations exist for every kernel: a scalar reference and a
// widened, multi-accumulator variant selected at init when the CPU has
// a usable vector unit (AVX2+FMA on x86-64, ASIMD on arm64). The two
// produce results equivalent within floating-point tolerance; both are
// part of the tested contract. Set QUIVER_SIMD=generic|unrolled to
// override the selection.
package simd
