package memory

import (
	"fmt"
	"sync"
	"sync/atomic"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
)

// LinearMemory is a growable, page-aligned guest heap.
//
// The generation counter is bumped whenever the views are rebuilt: on Attach,
// on Resize and on Refresh. Views from an older generation refuse access.
type LinearMemory struct {
	store Store
	views *Views
	mu    sync.RWMutex
	gen   atomic.Uint64
}

var _ wasmbridge.Memory = (*LinearMemory)(nil)
var _ wasmbridge.MemorySizer = (*LinearMemory)(nil)

// New creates a LinearMemory over store. A nil store yields a detached memory
// that must be attached before use.
func New(store Store) (*LinearMemory, error) {
	m := &LinearMemory{}
	if store == nil {
		m.views = &Views{mem: m}
		return m, nil
	}
	if err := m.Attach(store); err != nil {
		return nil, err
	}
	return m, nil
}

// Attach replaces the backing store, typically with the memory exported by a
// freshly instantiated guest, and rebuilds the views.
func (m *LinearMemory) Attach(store Store) error {
	if store == nil {
		return errors.InvalidInput(errors.PhaseMemory, "nil store")
	}
	if size := store.Size(); size%wasmbridge.PageSize != 0 {
		return errors.InvalidInput(errors.PhaseMemory, fmt.Sprintf("store size %d is not page-aligned", size))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
	m.rebuildLocked()
	return nil
}

// Attached reports whether a store is present.
func (m *LinearMemory) Attached() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store != nil
}

// Size returns the current byte length.
func (m *LinearMemory) Size() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return 0
	}
	return m.store.Size()
}

// Generation returns the current view generation.
func (m *LinearMemory) Generation() uint64 {
	return m.gen.Load()
}

// Views returns the projections over the current buffer. If the store changed
// size behind the memory's back (the guest executed memory.grow itself), the
// views are rebuilt first.
func (m *LinearMemory) Views() *Views {
	m.mu.RLock()
	v := m.views
	store := m.store
	m.mu.RUnlock()

	if store == nil || uint64(len(v.buf)) == store.Size() {
		return v
	}
	return m.Refresh()
}

// Refresh rebuilds all views against the store's current buffer.
func (m *LinearMemory) Refresh() *Views {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store != nil {
		m.rebuildLocked()
	}
	return m.views
}

// Resize grows the memory to exactly newSize bytes and rebuilds all views.
// newSize must be page-aligned, larger than the current size and at most
// wasmbridge.MaxHeapSize. On failure the memory is unchanged.
//
// Only the heap growth controller is expected to call this.
func (m *LinearMemory) Resize(newSize uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store == nil {
		return errors.NotInitialized(errors.PhaseGrow, "linear memory")
	}
	old := m.store.Size()
	switch {
	case newSize%wasmbridge.PageSize != 0:
		return errors.InvalidInput(errors.PhaseGrow, fmt.Sprintf("size %d is not page-aligned", newSize))
	case newSize <= old:
		return errors.InvalidInput(errors.PhaseGrow, fmt.Sprintf("size %d does not exceed current size %d", newSize, old))
	case newSize > wasmbridge.MaxHeapSize:
		return errors.OutOfMemory(newSize, wasmbridge.MaxHeapSize, "exceeds maximum heap size")
	}

	if err := m.store.Grow(newSize); err != nil {
		return errors.Wrap(errors.PhaseGrow, errors.KindAllocation, err, fmt.Sprintf("grow from %d to %d bytes", old, newSize))
	}
	if got := m.store.Size(); got != newSize {
		return errors.InvalidData(errors.PhaseGrow, fmt.Sprintf("store grew to %d bytes, want %d", got, newSize))
	}
	m.rebuildLocked()
	return nil
}

func (m *LinearMemory) rebuildLocked() {
	gen := m.gen.Add(1)
	m.views = &Views{
		mem:   m,
		store: m.store,
		buf:   m.store.Bytes(),
		gen:   gen,
	}
}

// Read copies length bytes at offset.
func (m *LinearMemory) Read(offset uint32, length uint32) ([]byte, error) {
	b, err := m.Views().Slice(offset, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Write copies data to offset.
func (m *LinearMemory) Write(offset uint32, data []byte) error {
	return m.Views().Copy(offset, data)
}

// ReadU8 reads an unsigned 8-bit value.
func (m *LinearMemory) ReadU8(offset uint32) (uint8, error) {
	return m.Views().U8(offset)
}

// ReadU16 reads an unsigned 16-bit little-endian value.
func (m *LinearMemory) ReadU16(offset uint32) (uint16, error) {
	return m.Views().U16(offset)
}

// ReadU32 reads an unsigned 32-bit little-endian value.
func (m *LinearMemory) ReadU32(offset uint32) (uint32, error) {
	return m.Views().U32(offset)
}

// ReadU64 reads an unsigned 64-bit little-endian value.
func (m *LinearMemory) ReadU64(offset uint32) (uint64, error) {
	return m.Views().U64(offset)
}

// WriteU8 writes an unsigned 8-bit value.
func (m *LinearMemory) WriteU8(offset uint32, value uint8) error {
	return m.Views().SetU8(offset, value)
}

// WriteU16 writes an unsigned 16-bit little-endian value.
func (m *LinearMemory) WriteU16(offset uint32, value uint16) error {
	return m.Views().SetU16(offset, value)
}

// WriteU32 writes an unsigned 32-bit little-endian value.
func (m *LinearMemory) WriteU32(offset uint32, value uint32) error {
	return m.Views().SetU32(offset, value)
}

// WriteU64 writes an unsigned 64-bit little-endian value.
func (m *LinearMemory) WriteU64(offset uint32, value uint64) error {
	return m.Views().SetU64(offset, value)
}
