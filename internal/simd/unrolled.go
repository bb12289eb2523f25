package simd

// Widened kernels with four independent accumulators. The compiler
// keeps the accumulators in separate registers, which lets hardware
// with vector units retire the FMAs in parallel and breaks the loop's
// dependency chain on scalar CPUs too.
//
// Summation order differs from the generic kernels, so results match
// only within floating-point tolerance, not bit-exactly.

func dotUnrolled(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	ret := s0 + s1 + s2 + s3
	for i := n; i < len(a); i++ {
		ret += a[i] * b[i]
	}
	return ret
}

func squaredL2Unrolled(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	ret := s0 + s1 + s2 + s3
	for i := n; i < len(a); i++ {
		d := a[i] - b[i]
		ret += d * d
	}
	return ret
}

func hammingUnrolled(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		if a[i] != b[i] {
			s0++
		}
		if a[i+1] != b[i+1] {
			s1++
		}
		if a[i+2] != b[i+2] {
			s2++
		}
		if a[i+3] != b[i+3] {
			s3++
		}
	}
	ret := s0 + s1 + s2 + s3
	for i := n; i < len(a); i++ {
		if a[i] != b[i] {
			ret++
		}
	}
	return ret
}
