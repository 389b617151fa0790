package memory

import (
	"fmt"
	"strings"

	"github.com/wippyai/wasm-bridge/errors"
)

// PtrToString formats a guest address the way diagnostics print it.
func PtrToString(ptr uint32) string {
	return fmt.Sprintf("0x%08x", ptr)
}

// GetValue reads a value by its Emscripten type name: i1, i8, i16, i32, i64,
// float, double, or any pointer type ending in '*'. The value is returned as
// a float64, so i64 values beyond 2^53 lose precision.
func GetValue(v *Views, ptr uint32, typ string) (float64, error) {
	if strings.HasSuffix(typ, "*") {
		typ = "*"
	}
	switch typ {
	case "i1", "i8":
		n, err := v.I8(ptr)
		return float64(n), err
	case "i16":
		n, err := v.I16(ptr)
		return float64(n), err
	case "i32":
		n, err := v.I32(ptr)
		return float64(n), err
	case "i64":
		n, err := v.I64(ptr)
		return float64(n), err
	case "float":
		f, err := v.F32(ptr)
		return float64(f), err
	case "double":
		return v.F64(ptr)
	case "*":
		n, err := v.U32(ptr)
		return float64(n), err
	}
	return 0, errors.InvalidInput(errors.PhaseMemory, fmt.Sprintf("invalid type for getValue: %s", typ))
}

// SetValue writes value by its Emscripten type name. Integer types truncate
// toward zero and wrap to the target width.
func SetValue(v *Views, ptr uint32, value float64, typ string) error {
	if strings.HasSuffix(typ, "*") {
		typ = "*"
	}
	switch typ {
	case "i1", "i8":
		return v.WriteInt(ptr, int64(value), Width8)
	case "i16":
		return v.WriteInt(ptr, int64(value), Width16)
	case "i32":
		return v.WriteInt(ptr, int64(value), Width32)
	case "i64":
		return v.WriteInt(ptr, int64(value), Width64)
	case "float":
		return v.SetF32(ptr, float32(value))
	case "double":
		return v.SetF64(ptr, value)
	case "*":
		return v.SetU32(ptr, uint32(int64(value)))
	}
	return errors.InvalidInput(errors.PhaseMemory, fmt.Sprintf("invalid type for setValue: %s", typ))
}
