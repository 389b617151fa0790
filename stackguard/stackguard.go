// Package stackguard detects stack overflow in a guest by writing sentinel
// words just past the end of its stack region and re-checking them at entry
// and exit points.
package stackguard

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/memory"
)

// Sentinel values. The canary at address zero is "emsc" read little-endian.
const (
	CookieLow  uint32 = 0x02135467
	CookieHigh uint32 = 0x89BACDFE
	Canary     uint32 = 0x63736d65
)

// EndFunc returns the lowest address of the guest stack. Emscripten guests
// export it as emscripten_stack_get_end.
type EndFunc func() (uint32, error)

// Aborter is the runtime's abort path.
type Aborter interface {
	Aborted() bool
	Abort(reason string) error
}

// Guard writes and verifies the stack cookie of one guest.
type Guard struct {
	mem     *memory.LinearMemory
	end     EndFunc
	aborter Aborter
	log     *zap.Logger
}

// New creates a guard. A nil log discards debug output.
func New(mem *memory.LinearMemory, end EndFunc, aborter Aborter, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{mem: mem, end: end, aborter: aborter, log: log}
}

func (g *Guard) cookieAddr() (uint32, error) {
	end, err := g.end()
	if err != nil {
		return 0, errors.Wrap(errors.PhaseStack, errors.KindInvalidState, err, "read stack end")
	}
	if end&3 != 0 {
		return 0, errors.New(errors.PhaseStack, errors.KindMisaligned).
			Value(end).
			Detail("stack end %s is not 4-byte aligned", memory.PtrToString(end)).
			Build()
	}
	// Address zero holds the canary.
	if end == 0 {
		end += 4
	}
	return end, nil
}

// WriteCookie places the two cookie words at the stack end and the canary
// at address zero.
func (g *Guard) WriteCookie() error {
	addr, err := g.cookieAddr()
	if err != nil {
		return err
	}
	v := g.mem.Views()
	if err := v.SetU32(addr, CookieLow); err != nil {
		return err
	}
	if err := v.SetU32(addr+4, CookieHigh); err != nil {
		return err
	}
	if err := v.SetU32(0, Canary); err != nil {
		return err
	}
	g.log.Debug("stack cookie written", zap.String("addr", memory.PtrToString(addr)))
	return nil
}

// CheckCookie verifies the cookie and canary. It does nothing once the
// runtime has aborted. On a mismatch it aborts the runtime and returns the
// abort error.
func (g *Guard) CheckCookie() error {
	if g.aborter != nil && g.aborter.Aborted() {
		return nil
	}
	addr, err := g.cookieAddr()
	if err != nil {
		return err
	}
	v := g.mem.Views()
	low, err := v.U32(addr)
	if err != nil {
		return err
	}
	high, err := v.U32(addr + 4)
	if err != nil {
		return err
	}
	if low != CookieLow || high != CookieHigh {
		reason := fmt.Sprintf("Stack overflow! Stack cookie has been overwritten at %s, expected hex dwords 0x89BACDFE and 0x2135467, but received 0x%08x 0x%08x",
			memory.PtrToString(addr), high, low)
		return g.fail(errors.KindStackOverflow, reason, addr)
	}
	canary, err := v.U32(0)
	if err != nil {
		return err
	}
	if canary != Canary {
		return g.fail(errors.KindHeapCorruption,
			"Runtime error: The application has corrupted its heap memory area (address zero)!", 0)
	}
	return nil
}

func (g *Guard) fail(kind errors.Kind, reason string, addr uint32) error {
	if g.aborter != nil {
		return g.aborter.Abort(reason)
	}
	return errors.New(errors.PhaseStack, kind).Value(addr).Detail("%s", reason).Build()
}
