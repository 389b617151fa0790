// Package heap grows a guest's linear memory on request.
//
// Growth reallocates and copies the whole buffer, so the controller reserves
// more than was asked for to amortize repeated requests. The reservation is
// geometric by default:
//
//	overGrown = old * (1 + step/cutDown), capped at requested + cap
//	newSize   = min(alignUp(max(requested, overGrown), page), ceiling)
//
// When the host refuses the allocation the controller retries with the
// cut-down factor doubled (1, 2, 4, 8), trading headroom for a better chance
// of success. A request past the ceiling fails without touching the heap.
package heap
