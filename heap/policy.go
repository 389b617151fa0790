package heap

import (
	wasmbridge "github.com/wippyai/wasm-bridge"
)

// Policy controls how much headroom a growth reserves.
type Policy struct {
	// GeometricStep is the fraction of the old size added on the first
	// attempt. Ignored when LinearStep is positive.
	GeometricStep float64

	// GeometricCap bounds the reservation to requested+GeometricCap bytes.
	// Zero disables the cap.
	GeometricCap uint64

	// LinearStep, when positive, reserves old+LinearStep/cutDown bytes
	// instead of growing geometrically.
	LinearStep int64

	// Retries is the number of additional attempts after the first, each
	// with the cut-down factor doubled.
	Retries int
}

// DefaultPolicy returns 20% geometric growth capped at 96MiB over the
// request, with three retries.
func DefaultPolicy() Policy {
	return Policy{
		GeometricStep: 0.2,
		GeometricCap:  96 << 20,
		LinearStep:    -1,
		Retries:       3,
	}
}

// Candidate computes the size to try for one attempt. cutDown is 1 on the
// first attempt and doubles on each retry. maximum must be page-aligned.
func Candidate(oldSize, requested, maximum uint64, p Policy, cutDown int) uint64 {
	if cutDown < 1 {
		cutDown = 1
	}

	var overGrown uint64
	if p.LinearStep > 0 {
		overGrown = oldSize + uint64(p.LinearStep)/uint64(cutDown)
	} else {
		overGrown = uint64(float64(oldSize) * (1 + p.GeometricStep/float64(cutDown)))
	}
	if p.GeometricCap > 0 {
		overGrown = min(overGrown, requested+p.GeometricCap)
	}

	return min(alignUp(max(requested, overGrown), wasmbridge.PageSize), maximum)
}

func alignUp(x, align uint64) uint64 {
	if r := x % align; r != 0 {
		return x + align - r
	}
	return x
}

// Ceiling returns the effective maximum heap size for a configured limit:
// the limit rounded down to a page, never above wasmbridge.MaxHeapSize.
// Zero means no configured limit.
func Ceiling(configured uint64) uint64 {
	if configured == 0 || configured > wasmbridge.MaxHeapSize {
		return wasmbridge.MaxHeapSize
	}
	return configured - configured%wasmbridge.PageSize
}
