package simd

import (
	"os"
	"runtime"
	"strings"
)

// Kernel identifies the active distance-kernel implementation.
type Kernel uint8

const (
	// KernelGeneric is the pure scalar implementation.
	KernelGeneric Kernel = iota
	// KernelUnrolled is the wide, 4-accumulator implementation used on
	// CPUs with vector units (AVX2 on x86-64, ASIMD on arm64).
	KernelUnrolled
)

func (k Kernel) String() string {
	switch k {
	case KernelGeneric:
		return "generic"
	case KernelUnrolled:
		return "unrolled"
	default:
		return "unknown"
	}
}

// ParseKernel parses a string into a Kernel value.
func ParseKernel(s string) (Kernel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "generic":
		return KernelGeneric, true
	case "unrolled":
		return KernelUnrolled, true
	default:
		return KernelGeneric, false
	}
}

// Package-level state, initialized once at package init.
// No mutex needed: Go guarantees init() runs before any other code.
var (
	activeKernel Kernel

	// CPU feature flags (set by platform-specific init).
	hasAVX2  bool // x86-64 AVX2 + FMA
	hasASIMD bool // arm64 NEON
)

// initCapabilities is called from platform-specific init functions
// after CPU features are detected.
func initCapabilities() {
	if override := os.Getenv("QUIVER_SIMD"); override != "" {
		if k, ok := ParseKernel(override); ok {
			activeKernel = k
			bindKernel(activeKernel)
			return
		}
	}

	activeKernel = selectBestKernel()
	bindKernel(activeKernel)
}

func selectBestKernel() Kernel {
	switch runtime.GOARCH {
	case "amd64":
		if hasAVX2 {
			return KernelUnrolled
		}
	case "arm64":
		if hasASIMD {
			return KernelUnrolled
		}
	}
	return KernelGeneric
}

func bindKernel(k Kernel) {
	switch k {
	case KernelUnrolled:
		dotImpl = dotUnrolled
		squaredL2Impl = squaredL2Unrolled
		hammingImpl = hammingUnrolled
	default:
		dotImpl = dotGeneric
		squaredL2Impl = squaredL2Generic
		hammingImpl = hammingGeneric
	}
}

// ActiveKernel returns the kernel selected at startup.
func ActiveKernel() Kernel {
	return activeKernel
}

// SetKernel forces a specific kernel. Intended for tests that verify
// scalar/vector equivalence.
func SetKernel(k Kernel) {
	activeKernel = k
	bindKernel(k)
}
