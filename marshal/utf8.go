package marshal

import (
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/internal/diag"
	"github.com/wippyai/wasm-bridge/memory"
)

// bulkThreshold is the run length above which the bulk decoder is used.
const bulkThreshold = 16

// Warner reports a message at most once.
type Warner interface {
	WarnOnce(msg string, fields ...zap.Field) bool
}

// Marshaller decodes guest strings, reporting malformed input through its
// Warner.
type Marshaller struct {
	warn Warner
}

// New creates a Marshaller that warns through log.
func New(log *zap.Logger) *Marshaller {
	return &Marshaller{warn: diag.New(log)}
}

// NewWithWarner creates a Marshaller with a custom warning sink.
func NewWithWarner(w Warner) *Marshaller {
	return &Marshaller{warn: w}
}

// stringEnd returns the index one past the last byte to decode.
func stringEnd(buf []byte, idx, maxBytes int, ignoreNul bool) int {
	limit := len(buf)
	if maxBytes >= 0 && idx+maxBytes < limit {
		limit = idx + maxBytes
	}
	if ignoreNul {
		if maxBytes < 0 {
			return idx
		}
		return limit
	}
	for idx < limit && buf[idx] != 0 {
		idx++
	}
	return idx
}

// UTF8ArrayToString decodes the string starting at buf[idx]. With ignoreNul
// set and no bound, nothing is read.
func (m *Marshaller) UTF8ArrayToString(buf []byte, idx, maxBytes int, ignoreNul bool) string {
	if idx < 0 || idx >= len(buf) {
		return ""
	}
	end := stringEnd(buf, idx, maxBytes, ignoreNul)
	if end-idx > bulkThreshold {
		return decodeBulk(buf[idx:end])
	}

	at := func(i int) rune {
		if i < len(buf) {
			return rune(buf[i])
		}
		return 0
	}

	runes := make([]rune, 0, end-idx)
	for idx < end {
		u0 := at(idx)
		idx++
		if u0&0x80 == 0 {
			runes = append(runes, u0)
			continue
		}
		u1 := at(idx) & 63
		idx++
		if u0&0xe0 == 0xc0 {
			runes = append(runes, (u0&31)<<6|u1)
			continue
		}
		u2 := at(idx) & 63
		idx++
		if u0&0xf0 == 0xe0 {
			u0 = (u0&15)<<12 | u1<<6 | u2
		} else {
			if u0&0xf8 != 0xf0 {
				m.warn.WarnOnce(fmt.Sprintf("Invalid UTF-8 leading byte %s encountered when deserializing a UTF-8 string in wasm memory to a string!",
					memory.PtrToString(uint32(u0))))
			}
			u0 = (u0&7)<<18 | u1<<12 | u2<<6 | at(idx)&63
			idx++
		}
		runes = append(runes, u0)
	}
	return string(runes)
}

func decodeBulk(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return string([]rune(string(b)))
	}
	return string(out)
}

// UTF8ToString decodes the string at ptr. A null pointer yields "".
func (m *Marshaller) UTF8ToString(v *memory.Views, ptr uint32, maxBytes int, ignoreNul bool) (string, error) {
	if ptr == 0 {
		return "", nil
	}
	buf, err := v.From(ptr)
	if err != nil {
		return "", err
	}
	if len(buf) == 0 {
		return "", errors.OutOfBounds(errors.PhaseMarshal, uint64(ptr), 1, v.Len())
	}
	return m.UTF8ArrayToString(buf, 0, maxBytes, ignoreNul), nil
}

// LengthBytesUTF8 returns the encoded length of s without the terminator.
// Invalid bytes in s count as the three-byte replacement character.
func LengthBytesUTF8(s string) int {
	n := 0
	for _, r := range s {
		n += utf8.RuneLen(r)
	}
	return n
}

// StringToUTF8Array encodes s into buf at idx using at most maxBytes bytes,
// including the terminator. It returns the bytes written, excluding the
// terminator. Encoding stops before any sequence that would not fit.
func StringToUTF8Array(s string, buf []byte, idx, maxBytes int) int {
	if maxBytes <= 0 || idx < 0 || idx >= len(buf) {
		return 0
	}
	maxBytes = min(maxBytes, len(buf)-idx)
	start := idx
	end := idx + maxBytes - 1

	var tmp [utf8.UTFMax]byte
	for _, r := range s {
		n := utf8.EncodeRune(tmp[:], r)
		if idx+n > end {
			break
		}
		copy(buf[idx:], tmp[:n])
		idx += n
	}
	buf[idx] = 0
	return idx - start
}

// StringToUTF8 encodes s at ptr using at most maxBytes bytes of guest memory.
// The budget is capped at the end of memory.
func StringToUTF8(v *memory.Views, s string, ptr uint32, maxBytes int) (int, error) {
	if maxBytes <= 0 {
		return 0, nil
	}
	buf, err := v.From(ptr)
	if err != nil {
		return 0, err
	}
	return StringToUTF8Array(s, buf, 0, min(maxBytes, len(buf))), nil
}

// StringToNewUTF8 copies s into a fresh guest allocation and returns its
// address. The caller owns the allocation.
func StringToNewUTF8(mem *memory.LinearMemory, alloc wasmbridge.Allocator, s string) (uint32, error) {
	size := LengthBytesUTF8(s) + 1
	ptr, err := alloc.Alloc(uint32(size))
	if err != nil {
		return 0, err
	}
	if ptr == 0 {
		return 0, errors.AllocationFailed(errors.PhaseMarshal, uint32(size))
	}
	// The allocator may have grown memory, so views are fetched afterwards.
	if _, err := StringToUTF8(mem.Views(), s, ptr, size); err != nil {
		alloc.Free(ptr)
		return 0, err
	}
	return ptr, nil
}
