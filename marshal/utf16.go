package marshal

import (
	"encoding/binary"
	"unicode/utf16"

	"golang.org/x/text/encoding/unicode"

	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/memory"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func checkEven(ptr uint32) error {
	if ptr&1 != 0 {
		return errors.New(errors.PhaseMarshal, errors.KindMisaligned).
			Value(ptr).
			Detail("UTF-16 pointer %s is not 2-byte aligned", memory.PtrToString(ptr)).
			Build()
	}
	return nil
}

// UTF16ToString decodes the NUL-terminated UTF-16LE string at ptr, reading
// at most maxBytes bytes. Surrogate pairs combine; lone surrogates become
// U+FFFD.
func UTF16ToString(v *memory.Views, ptr uint32, maxBytes int, ignoreNul bool) (string, error) {
	if err := checkEven(ptr); err != nil {
		return "", err
	}
	buf, err := v.From(ptr)
	if err != nil {
		return "", err
	}
	limit := len(buf) &^ 1
	if maxBytes >= 0 {
		limit = min(limit, maxBytes&^1)
	}
	end := limit
	if !ignoreNul {
		for end = 0; end+1 < limit; end += 2 {
			if buf[end] == 0 && buf[end+1] == 0 {
				break
			}
		}
	}
	out, err := utf16le.NewDecoder().Bytes(buf[:end])
	if err != nil {
		return "", errors.Wrap(errors.PhaseMarshal, errors.KindInvalidData, err, "decode UTF-16")
	}
	return string(out), nil
}

// LengthBytesUTF16 returns the UTF-16 encoded length of s without the
// terminator.
func LengthBytesUTF16(s string) int {
	n := 0
	for _, r := range s {
		n += 2 * utf16.RuneLen(r)
	}
	return n
}

// StringToUTF16 encodes s as UTF-16LE at ptr using at most maxBytes bytes,
// including the two-byte terminator. Surrogate pairs are never split. It
// returns the bytes written, excluding the terminator.
func StringToUTF16(v *memory.Views, s string, ptr uint32, maxBytes int) (int, error) {
	if err := checkEven(ptr); err != nil {
		return 0, err
	}
	if maxBytes < 2 {
		return 0, nil
	}
	enc, err := utf16le.NewEncoder().String(s)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseMarshal, errors.KindInvalidData, err, "encode UTF-16")
	}
	n := min(len(enc), maxBytes-2) &^ 1
	// Drop a trailing high surrogate whose pair did not fit.
	if n >= 2 {
		if u := binary.LittleEndian.Uint16([]byte(enc[n-2 : n])); u >= 0xd800 && u < 0xdc00 {
			n -= 2
		}
	}

	dst, err := v.Slice(ptr, uint32(n+2))
	if err != nil {
		return 0, err
	}
	copy(dst, enc[:n])
	dst[n], dst[n+1] = 0, 0
	return n, nil
}
