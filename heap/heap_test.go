package heap

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/memory"
)

const page = wasmbridge.PageSize

type recordingObserver struct {
	succeeded []int
	failed    []int
}

func (r *recordingObserver) GrowthSucceeded(_, _ uint64, attempts int) {
	r.succeeded = append(r.succeeded, attempts)
}

func (r *recordingObserver) GrowthFailed(_ uint64, attempts int) {
	r.failed = append(r.failed, attempts)
}

func newMemory(t *testing.T, pages uint64, alloc memory.AllocFunc) *memory.LinearMemory {
	t.Helper()
	store, err := memory.NewSliceStore(pages*page, alloc)
	require.NoError(t, err)
	m, err := memory.New(store)
	require.NoError(t, err)
	return m
}

func TestCandidate(t *testing.T) {
	def := DefaultPolicy()
	tests := []struct {
		name      string
		old       uint64
		requested uint64
		maximum   uint64
		policy    Policy
		cutDown   int
		want      uint64
	}{
		{"one page to 70000", page, 70000, wasmbridge.MaxHeapSize, def, 1, 2 * page},
		{"geometric headroom", 100 * page, 101 * page, wasmbridge.MaxHeapSize, def, 1, 120 * page},
		{"cut down 2", 100 * page, 101 * page, wasmbridge.MaxHeapSize, def, 2, 110 * page},
		{"cut down 4", 100 * page, 101 * page, wasmbridge.MaxHeapSize, def, 4, 105 * page},
		{"cut down 8", 100 * page, 101 * page, wasmbridge.MaxHeapSize, def, 8, 103 * page},
		{"capped at request plus 96MiB", 1 << 30, 1<<30 + 1, wasmbridge.MaxHeapSize, def, 1, 1<<30 + 96<<20 + page},
		{"clamped to ceiling", 2 * page, 2*page + 1, 3 * page, def, 1, 3 * page},
		{"linear step", 10 * page, 10*page + 1, wasmbridge.MaxHeapSize,
			Policy{LinearStep: 4 * page, GeometricCap: 96 << 20}, 1, 14 * page},
		{"linear step cut down", 10 * page, 10*page + 1, wasmbridge.MaxHeapSize,
			Policy{LinearStep: 4 * page, GeometricCap: 96 << 20}, 2, 12 * page},
		{"request dominates headroom", page, 10 * page, wasmbridge.MaxHeapSize, def, 1, 10 * page},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Candidate(tt.old, tt.requested, tt.maximum, tt.policy, tt.cutDown)
			assert.Equal(t, tt.want, got)
			assert.Zero(t, got%page)
		})
	}
}

func TestCeiling(t *testing.T) {
	assert.Equal(t, wasmbridge.MaxHeapSize, Ceiling(0))
	assert.Equal(t, wasmbridge.MaxHeapSize, Ceiling(1<<33))
	assert.Equal(t, uint64(2*page), Ceiling(3*page-1))
	assert.Equal(t, uint64(128<<20), Ceiling(128<<20))
}

func TestGrow_ConcreteScenario(t *testing.T) {
	mem := newMemory(t, 1, nil)
	c := New(mem, Config{Policy: DefaultPolicy()}, nil)

	require.NoError(t, c.Grow(70000))
	assert.Equal(t, uint64(131072), mem.Size())
	assert.True(t, c.Resize(70000), "already satisfied request succeeds")
	assert.Equal(t, uint64(131072), mem.Size())
}

func TestGrow_Monotonic(t *testing.T) {
	mem := newMemory(t, 1, nil)
	c := New(mem, Config{Maximum: 64 * page, Policy: DefaultPolicy()}, nil)

	requests := []uint64{70000, 1, 3 * page, 2 * page, 17*page + 3, 40 * page, 5, 64 * page}
	last := mem.Size()
	for _, r := range requests {
		require.NoError(t, c.Grow(r), "request %d", r)
		size := mem.Size()
		assert.GreaterOrEqual(t, size, last)
		assert.GreaterOrEqual(t, size, r)
		assert.Zero(t, size%page)
		assert.LessOrEqual(t, size, c.Maximum())
		last = size
	}
}

func TestGrow_CeilingLeavesHeapUntouched(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	obs := &recordingObserver{}
	mem := newMemory(t, 1, nil)
	require.NoError(t, mem.Views().SetU32(8, 0xcafebabe))
	gen := mem.Generation()

	c := New(mem, Config{Maximum: 4 * page, Policy: DefaultPolicy(), Observer: obs}, zap.New(core))
	err := c.Grow(5 * page)

	require.Error(t, err)
	var e *errors.Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, errors.KindOutOfMemory, e.Kind)
	assert.Equal(t, uint64(page), mem.Size())
	assert.Equal(t, gen, mem.Generation())
	v, err := mem.Views().U32(8)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xcafebabe), v)

	assert.Equal(t, 1, logs.FilterMessage("Cannot enlarge memory, requested 327680 bytes, but the limit is 262144 bytes!").Len())
	assert.Equal(t, []int{0}, obs.failed)
	assert.False(t, c.Resize(5*page))
}

func TestGrow_RetriesWithSmallerHeadroom(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	obs := &recordingObserver{}
	mem := newMemory(t, 100, memory.BudgetAlloc(104*page))
	c := New(mem, Config{Policy: DefaultPolicy(), Observer: obs}, zap.New(core))

	require.NoError(t, c.Grow(101*page))
	assert.Equal(t, uint64(103*page), mem.Size())
	assert.Equal(t, []int{4}, obs.succeeded)
	assert.Equal(t, 3, logs.FilterMessage("heap growth attempt refused").Len())
	assert.Equal(t, 1, logs.FilterMessage("heap grown").Len())
}

func TestGrow_ExhaustedRetries(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	obs := &recordingObserver{}
	mem := newMemory(t, 100, memory.BudgetAlloc(102*page))
	old := mem.Views()
	c := New(mem, Config{Policy: DefaultPolicy(), Observer: obs}, zap.New(core))

	err := c.Grow(101 * page)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.New(errors.PhaseGrow, errors.KindOutOfMemory).Build()))
	assert.Equal(t, uint64(100*page), mem.Size())
	assert.True(t, old.Valid(), "views survive a failed growth")
	assert.Equal(t, []int{4}, obs.failed)
	assert.Equal(t, 4, logs.FilterMessage("heap growth attempt refused").Len())
	assert.Equal(t, 1, logs.FilterMessage("Failed to grow the heap from 6553600 bytes to 6750208 bytes, not enough memory!").Len())
}

func TestGrow_RetriesConfigurable(t *testing.T) {
	obs := &recordingObserver{}
	mem := newMemory(t, 100, memory.BudgetAlloc(104*page))
	p := DefaultPolicy()
	p.Retries = 1
	c := New(mem, Config{Policy: p, Observer: obs}, nil)

	require.Error(t, c.Grow(101*page))
	assert.Equal(t, []int{2}, obs.failed)
}

func TestGrow_ZeroInvalid(t *testing.T) {
	c := New(newMemory(t, 1, nil), Config{Policy: DefaultPolicy()}, nil)
	err := c.Grow(0)
	var e *errors.Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, errors.KindInvalidInput, e.Kind)
}

func TestGrow_InvalidatesOldViews(t *testing.T) {
	mem := newMemory(t, 1, nil)
	before := mem.Views()
	c := New(mem, Config{Policy: DefaultPolicy()}, nil)

	require.NoError(t, c.Grow(2*page))
	assert.False(t, before.Valid())
	_, err := before.U8(0)
	assert.Error(t, err)
	assert.Equal(t, mem.Size(), mem.Views().Len())
}
