package memory

import (
	"encoding/binary"
	"math"

	"github.com/wippyai/wasm-bridge/errors"
)

// Width is the size in bytes of an integer access.
type Width uint8

const (
	Width8  Width = 1
	Width16 Width = 2
	Width32 Width = 4
	Width64 Width = 8
)

// Views is the set of typed projections over one generation of the buffer.
// All projections share the buffer and are replaced together.
type Views struct {
	mem   *LinearMemory
	store Store
	buf   []byte
	gen   uint64
}

// Generation returns the generation these views were built for.
func (v *Views) Generation() uint64 {
	return v.gen
}

// Len returns the byte length visible through these views.
func (v *Views) Len() uint64 {
	return uint64(len(v.buf))
}

// Valid reports whether the views still match the memory's current buffer.
func (v *Views) Valid() bool {
	return v.check() == nil
}

func (v *Views) check() error {
	if cur := v.mem.gen.Load(); cur != v.gen {
		return errors.StaleView(v.gen, cur)
	}
	if v.store != nil && v.store.Size() != uint64(len(v.buf)) {
		// The guest grew memory without notifying us.
		v.mem.Refresh()
		return errors.StaleView(v.gen, v.mem.gen.Load())
	}
	return nil
}

func (v *Views) span(addr uint32, n uint32) ([]byte, error) {
	if err := v.check(); err != nil {
		return nil, err
	}
	end := uint64(addr) + uint64(n)
	if end > uint64(len(v.buf)) {
		return nil, errors.OutOfBounds(errors.PhaseMemory, uint64(addr), uint64(n), uint64(len(v.buf)))
	}
	return v.buf[addr:end], nil
}

// Slice returns n bytes at addr without copying. The slice aliases guest
// memory and is invalidated by growth.
func (v *Views) Slice(addr, n uint32) ([]byte, error) {
	return v.span(addr, n)
}

// From returns the bytes from addr to the end of memory without copying.
func (v *Views) From(addr uint32) ([]byte, error) {
	if err := v.check(); err != nil {
		return nil, err
	}
	if uint64(addr) > uint64(len(v.buf)) {
		return nil, errors.OutOfBounds(errors.PhaseMemory, uint64(addr), 0, uint64(len(v.buf)))
	}
	return v.buf[addr:], nil
}

// Copy writes data at addr.
func (v *Views) Copy(addr uint32, data []byte) error {
	b, err := v.span(addr, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// Fill sets n bytes at addr to value.
func (v *Views) Fill(addr uint32, value byte, n uint32) error {
	b, err := v.span(addr, n)
	if err != nil {
		return err
	}
	for i := range b {
		b[i] = value
	}
	return nil
}

// ReadInt reads an integer of the given width. Unsigned 64-bit values are
// returned with their bit pattern preserved.
func (v *Views) ReadInt(addr uint32, width Width, signed bool) (int64, error) {
	b, err := v.span(addr, uint32(width))
	if err != nil {
		return 0, err
	}
	switch width {
	case Width8:
		if signed {
			return int64(int8(b[0])), nil
		}
		return int64(b[0]), nil
	case Width16:
		u := binary.LittleEndian.Uint16(b)
		if signed {
			return int64(int16(u)), nil
		}
		return int64(u), nil
	case Width32:
		u := binary.LittleEndian.Uint32(b)
		if signed {
			return int64(int32(u)), nil
		}
		return int64(u), nil
	case Width64:
		return int64(binary.LittleEndian.Uint64(b)), nil
	}
	return 0, errors.InvalidInput(errors.PhaseMemory, "unsupported access width")
}

// WriteInt writes value truncated to width bytes.
func (v *Views) WriteInt(addr uint32, value int64, width Width) error {
	switch width {
	case Width8, Width16, Width32, Width64:
	default:
		return errors.InvalidInput(errors.PhaseMemory, "unsupported access width")
	}
	b, err := v.span(addr, uint32(width))
	if err != nil {
		return err
	}
	switch width {
	case Width8:
		b[0] = byte(value)
	case Width16:
		binary.LittleEndian.PutUint16(b, uint16(value))
	case Width32:
		binary.LittleEndian.PutUint32(b, uint32(value))
	case Width64:
		binary.LittleEndian.PutUint64(b, uint64(value))
	}
	return nil
}

// I8 reads a signed byte (HEAP8).
func (v *Views) I8(addr uint32) (int8, error) {
	b, err := v.span(addr, 1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

// U8 reads an unsigned byte (HEAPU8).
func (v *Views) U8(addr uint32) (uint8, error) {
	b, err := v.span(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// I16 reads a signed 16-bit value (HEAP16).
func (v *Views) I16(addr uint32) (int16, error) {
	u, err := v.U16(addr)
	return int16(u), err
}

// U16 reads an unsigned 16-bit value (HEAPU16).
func (v *Views) U16(addr uint32) (uint16, error) {
	b, err := v.span(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// I32 reads a signed 32-bit value (HEAP32).
func (v *Views) I32(addr uint32) (int32, error) {
	u, err := v.U32(addr)
	return int32(u), err
}

// U32 reads an unsigned 32-bit value (HEAPU32).
func (v *Views) U32(addr uint32) (uint32, error) {
	b, err := v.span(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// I64 reads a signed 64-bit value.
func (v *Views) I64(addr uint32) (int64, error) {
	u, err := v.U64(addr)
	return int64(u), err
}

// U64 reads an unsigned 64-bit value.
func (v *Views) U64(addr uint32) (uint64, error) {
	b, err := v.span(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// F32 reads a float32 (HEAPF32).
func (v *Views) F32(addr uint32) (float32, error) {
	u, err := v.U32(addr)
	return math.Float32frombits(u), err
}

// F64 reads a float64 (HEAPF64).
func (v *Views) F64(addr uint32) (float64, error) {
	u, err := v.U64(addr)
	return math.Float64frombits(u), err
}

// SetI8 writes a signed byte.
func (v *Views) SetI8(addr uint32, value int8) error {
	return v.SetU8(addr, uint8(value))
}

// SetU8 writes an unsigned byte.
func (v *Views) SetU8(addr uint32, value uint8) error {
	b, err := v.span(addr, 1)
	if err != nil {
		return err
	}
	b[0] = value
	return nil
}

// SetI16 writes a signed 16-bit value.
func (v *Views) SetI16(addr uint32, value int16) error {
	return v.SetU16(addr, uint16(value))
}

// SetU16 writes an unsigned 16-bit value.
func (v *Views) SetU16(addr uint32, value uint16) error {
	b, err := v.span(addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, value)
	return nil
}

// SetI32 writes a signed 32-bit value.
func (v *Views) SetI32(addr uint32, value int32) error {
	return v.SetU32(addr, uint32(value))
}

// SetU32 writes an unsigned 32-bit value.
func (v *Views) SetU32(addr uint32, value uint32) error {
	b, err := v.span(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, value)
	return nil
}

// SetI64 writes a signed 64-bit value.
func (v *Views) SetI64(addr uint32, value int64) error {
	return v.SetU64(addr, uint64(value))
}

// SetU64 writes an unsigned 64-bit value.
func (v *Views) SetU64(addr uint32, value uint64) error {
	b, err := v.span(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, value)
	return nil
}

// SetF32 writes a float32.
func (v *Views) SetF32(addr uint32, value float32) error {
	return v.SetU32(addr, math.Float32bits(value))
}

// SetF64 writes a float64.
func (v *Views) SetF64(addr uint32, value float64) error {
	return v.SetU64(addr, math.Float64bits(value))
}
