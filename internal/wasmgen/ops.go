package wasmgen

// Instruction encoders for the handful of opcodes test guests need.

func I32Const(v int32) []byte { return append([]byte{0x41}, EncodeSLEB128(v)...) }
func I64Const(v int64) []byte { return append([]byte{0x42}, EncodeSLEB128(v)...) }
func Call(idx uint32) []byte  { return append([]byte{0x10}, EncodeULEB128(idx)...) }
func LocalGet(i uint32) []byte { return append([]byte{0x20}, EncodeULEB128(i)...) }
func LocalSet(i uint32) []byte { return append([]byte{0x21}, EncodeULEB128(i)...) }

// I32Load loads an aligned i32 at the address on the stack plus offset.
func I32Load(offset uint32) []byte { return append([]byte{0x28, 0x02}, EncodeULEB128(offset)...) }

// I32Store stores an aligned i32; the stack holds address then value.
func I32Store(offset uint32) []byte { return append([]byte{0x36, 0x02}, EncodeULEB128(offset)...) }

// I32Store8 stores the low byte of an i32.
func I32Store8(offset uint32) []byte { return append([]byte{0x3a, 0x00}, EncodeULEB128(offset)...) }

func MemorySize() []byte  { return []byte{0x3f, 0x00} }
func MemoryGrow() []byte  { return []byte{0x40, 0x00} }
func Drop() []byte        { return []byte{0x1a} }
func Return() []byte      { return []byte{0x0f} }
func Unreachable() []byte { return []byte{0x00} }
func I32Add() []byte      { return []byte{0x6a} }
func I32Mul() []byte      { return []byte{0x6c} }
func I32Eqz() []byte      { return []byte{0x45} }

// If opens a block with no result; close it with End.
func If() []byte   { return []byte{0x04, 0x40} }
func Else() []byte { return []byte{0x05} }
func End() []byte  { return []byte{0x0b} }

// Code concatenates instruction sequences.
func Code(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
