package stackguard

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/memory"
)

type fakeAborter struct {
	aborted bool
	reasons []string
}

func (a *fakeAborter) Aborted() bool { return a.aborted }

func (a *fakeAborter) Abort(reason string) error {
	a.aborted = true
	a.reasons = append(a.reasons, reason)
	return fmt.Errorf("Aborted(%s)", reason)
}

func newGuard(t *testing.T, end uint32) (*Guard, *memory.LinearMemory, *fakeAborter) {
	t.Helper()
	store, err := memory.NewSliceStore(wasmbridge.PageSize, nil)
	require.NoError(t, err)
	mem, err := memory.New(store)
	require.NoError(t, err)
	ab := &fakeAborter{}
	g := New(mem, func() (uint32, error) { return end, nil }, ab, nil)
	return g, mem, ab
}

func TestCookie_RoundTrip(t *testing.T) {
	g, mem, ab := newGuard(t, 1024)
	require.NoError(t, g.WriteCookie())
	require.NoError(t, g.CheckCookie())
	assert.Empty(t, ab.reasons)

	v := mem.Views()
	low, _ := v.U32(1024)
	high, _ := v.U32(1028)
	canary, _ := v.U32(0)
	assert.Equal(t, CookieLow, low)
	assert.Equal(t, CookieHigh, high)
	assert.Equal(t, Canary, canary)

	b, _ := v.Slice(0, 4)
	assert.Equal(t, "emsc", string(b))
}

func TestCookie_EachWordDetected(t *testing.T) {
	tests := []struct {
		name   string
		addr   uint32
		reason string
	}{
		{"low cookie", 1024, "Stack overflow! Stack cookie has been overwritten at 0x00000400, expected hex dwords 0x89BACDFE and 0x2135467, but received 0x89bacdfe 0x00000000"},
		{"high cookie", 1028, "Stack overflow! Stack cookie has been overwritten at 0x00000400, expected hex dwords 0x89BACDFE and 0x2135467, but received 0x00000000 0x02135467"},
		{"canary", 0, "Runtime error: The application has corrupted its heap memory area (address zero)!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, mem, ab := newGuard(t, 1024)
			require.NoError(t, g.WriteCookie())
			require.NoError(t, mem.Views().SetU32(tt.addr, 0))

			err := g.CheckCookie()
			require.Error(t, err)
			require.Len(t, ab.reasons, 1)
			assert.Equal(t, tt.reason, ab.reasons[0])
		})
	}
}

func TestCookie_ZeroStackEndOffset(t *testing.T) {
	g, mem, _ := newGuard(t, 0)
	require.NoError(t, g.WriteCookie())

	v := mem.Views()
	canary, _ := v.U32(0)
	low, _ := v.U32(4)
	high, _ := v.U32(8)
	assert.Equal(t, Canary, canary)
	assert.Equal(t, CookieLow, low)
	assert.Equal(t, CookieHigh, high)
	assert.NoError(t, g.CheckCookie())
}

func TestCookie_NoOpAfterAbort(t *testing.T) {
	g, mem, ab := newGuard(t, 1024)
	require.NoError(t, g.WriteCookie())
	require.NoError(t, mem.Views().Fill(1024, 0xff, 8))
	ab.aborted = true

	assert.NoError(t, g.CheckCookie())
	assert.Empty(t, ab.reasons)
}

func TestCookie_Misaligned(t *testing.T) {
	g, _, _ := newGuard(t, 1026)
	err := g.WriteCookie()
	var e *errors.Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, errors.KindMisaligned, e.Kind)
}

func TestCookie_WithoutAborter(t *testing.T) {
	store, err := memory.NewSliceStore(wasmbridge.PageSize, nil)
	require.NoError(t, err)
	mem, err := memory.New(store)
	require.NoError(t, err)
	g := New(mem, func() (uint32, error) { return 64, nil }, nil, nil)

	require.NoError(t, g.WriteCookie())
	require.NoError(t, mem.Views().SetU32(64, 1))
	err = g.CheckCookie()
	var e *errors.Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, errors.KindStackOverflow, e.Kind)
	assert.Equal(t, errors.PhaseStack, e.Phase)
}

func TestCookie_OutOfBoundsStackEnd(t *testing.T) {
	g, _, _ := newGuard(t, wasmbridge.PageSize-4)
	assert.Error(t, g.WriteCookie())
}
