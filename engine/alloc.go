package engine

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
)

// GuestAllocator allocates through the guest's exported malloc and free.
type GuestAllocator struct {
	ctx    context.Context
	malloc api.Function
	free   api.Function
}

var _ wasmbridge.Allocator = (*GuestAllocator)(nil)

// NewGuestAllocator binds the malloc and free exports of mod. free is
// optional; without it Free does nothing.
func NewGuestAllocator(ctx context.Context, mod api.Module) (*GuestAllocator, error) {
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", "malloc")
	}
	return &GuestAllocator{
		ctx:    ctx,
		malloc: malloc,
		free:   mod.ExportedFunction("free"),
	}, nil
}

// Alloc returns a guest pointer to size bytes.
func (a *GuestAllocator) Alloc(size uint32) (uint32, error) {
	results, err := a.malloc.Call(a.ctx, uint64(size))
	if err != nil {
		return 0, errors.Wrap(errors.PhaseRuntime, errors.KindAllocation, err, "call malloc")
	}
	ptr := api.DecodeU32(results[0])
	if ptr == 0 {
		return 0, errors.AllocationFailed(errors.PhaseRuntime, size)
	}
	return ptr, nil
}

// Free releases a pointer returned by Alloc.
func (a *GuestAllocator) Free(ptr uint32) {
	if a.free == nil || ptr == 0 {
		return
	}
	_, _ = a.free.Call(a.ctx, uint64(ptr))
}
