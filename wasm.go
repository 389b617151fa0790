package wasmbridge

// PageSize is the WebAssembly page granularity. Linear memory sizes are always
// a multiple of it.
const PageSize = 65536

// MaxHeapSize is one page short of 4GiB. Heap sizes wrap to zero on the guest
// side at exactly 4GiB, so the bridge never grows past this.
const MaxHeapSize uint64 = 1<<32 - PageSize

// Memory represents WASM linear memory
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU8(offset uint32) (uint8, error)
	ReadU16(offset uint32) (uint16, error)
	ReadU32(offset uint32) (uint32, error)
	ReadU64(offset uint32) (uint64, error)
	WriteU8(offset uint32, value uint8) error
	WriteU16(offset uint32, value uint16) error
	WriteU32(offset uint32, value uint32) error
	WriteU64(offset uint32, value uint64) error
}

// MemorySizer provides the current size of WASM linear memory in bytes.
type MemorySizer interface {
	Size() uint64
}

// Allocator allocates memory in WASM linear memory
type Allocator interface {
	Alloc(size uint32) (uint32, error)
	Free(ptr uint32)
}
