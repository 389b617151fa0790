package memory

import (
	"unsafe"

	"github.com/wippyai/wasm-bridge/errors"
)

// CheckLittleEndian fails when the host is big-endian. Guests assume
// little-endian memory and the typed views rely on it.
func CheckLittleEndian() error {
	word := uint16(0x6373)
	b := (*[2]byte)(unsafe.Pointer(&word))
	if b[0] != 0x73 || b[1] != 0x63 {
		return errors.Unsupported(errors.PhaseMemory, "expected the system to be little-endian")
	}
	return nil
}
