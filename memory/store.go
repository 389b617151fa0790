package memory

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
)

// Store is the backing buffer of a LinearMemory.
//
// Grow replaces the buffer with one of exactly newSize bytes, preserving the
// old contents. Implementations may move the buffer; slices obtained from Bytes
// before a successful Grow must not be used afterwards.
type Store interface {
	Bytes() []byte
	Size() uint64
	Grow(newSize uint64) error
}

// AllocFunc returns a zeroed buffer of size bytes or refuses.
type AllocFunc func(size uint64) ([]byte, error)

// DefaultAlloc allocates with make.
func DefaultAlloc(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

// BudgetAlloc refuses any allocation larger than limit bytes, emulating a
// host allocator under memory pressure.
func BudgetAlloc(limit uint64) AllocFunc {
	return func(size uint64) ([]byte, error) {
		if size > limit {
			return nil, fmt.Errorf("allocation of %d bytes exceeds host budget of %d bytes", size, limit)
		}
		return make([]byte, size), nil
	}
}

// SliceStore is a Go-owned buffer. Growth allocates a new buffer and copies
// the old contents into it.
type SliceStore struct {
	alloc AllocFunc
	buf   []byte
}

// NewSliceStore creates a store of size bytes. size must be page-aligned.
// A nil alloc uses DefaultAlloc.
func NewSliceStore(size uint64, alloc AllocFunc) (*SliceStore, error) {
	if size%wasmbridge.PageSize != 0 {
		return nil, errors.InvalidInput(errors.PhaseMemory, fmt.Sprintf("size %d is not a multiple of the page size", size))
	}
	if size > wasmbridge.MaxHeapSize {
		return nil, errors.OutOfMemory(size, wasmbridge.MaxHeapSize, "initial size exceeds maximum heap size")
	}
	if alloc == nil {
		alloc = DefaultAlloc
	}
	buf, err := alloc(size)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseMemory, errors.KindAllocation, err, "allocate initial memory")
	}
	return &SliceStore{alloc: alloc, buf: buf}, nil
}

// Bytes returns the current buffer.
func (s *SliceStore) Bytes() []byte {
	return s.buf
}

// Size returns the buffer length in bytes.
func (s *SliceStore) Size() uint64 {
	return uint64(len(s.buf))
}

// Grow reallocates to newSize bytes. On failure the old buffer is kept.
func (s *SliceStore) Grow(newSize uint64) error {
	if newSize <= uint64(len(s.buf)) {
		return nil
	}
	buf, err := s.alloc(newSize)
	if err != nil {
		return err
	}
	if uint64(len(buf)) != newSize {
		return fmt.Errorf("allocator returned %d bytes, want %d", len(buf), newSize)
	}
	copy(buf, s.buf)
	s.buf = buf
	return nil
}

// WazeroStore adapts a wazero api.Memory.
type WazeroStore struct {
	Mem api.Memory
}

// NewWazeroStore wraps mem. It returns nil for a nil memory.
func NewWazeroStore(mem api.Memory) *WazeroStore {
	if mem == nil {
		return nil
	}
	return &WazeroStore{Mem: mem}
}

// Bytes returns wazero's view of the whole memory. The slice is only valid
// until the next growth.
func (s *WazeroStore) Bytes() []byte {
	data, ok := s.Mem.Read(0, s.Mem.Size())
	if !ok {
		return nil
	}
	return data
}

// Size returns the memory size in bytes.
func (s *WazeroStore) Size() uint64 {
	return uint64(s.Mem.Size())
}

// Grow grows the memory by whole pages up to newSize bytes. wazero refuses
// growth past the module's declared maximum or the runtime's page limit.
func (s *WazeroStore) Grow(newSize uint64) error {
	cur := s.Size()
	if newSize <= cur {
		return nil
	}
	delta := (newSize - cur + wasmbridge.PageSize - 1) / wasmbridge.PageSize
	if _, ok := s.Mem.Grow(uint32(delta)); !ok {
		return fmt.Errorf("memory.grow of %d pages refused at %d bytes", delta, cur)
	}
	return nil
}
