package rundeps

import (
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/wasm-bridge/errors"
)

func TestSingleFire(t *testing.T) {
	orders := [][]string{
		{"a", "b", "c"},
		{"c", "b", "a"},
		{"b", "a", "c"},
	}

	for _, order := range orders {
		s := New(nil, Options{ReportInterval: -1})
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.Add(id))
		}
		fired := 0
		require.True(t, s.WhenFulfilled(func() { fired++ }))

		for i, id := range order {
			require.NoError(t, s.Remove(id))
			if i < len(order)-1 {
				assert.Zero(t, fired, "fired before last removal")
			}
		}
		assert.Equal(t, 1, fired)

		require.NoError(t, s.Add("d"))
		require.NoError(t, s.Remove("d"))
		assert.Equal(t, 1, fired, "callback is one-shot")
	}
}

func TestWhenFulfilled_EmptySet(t *testing.T) {
	s := New(nil, Options{ReportInterval: -1})
	assert.False(t, s.WhenFulfilled(func() { t.Fatal("must not be called") }))
}

func TestReentrantAddDefersReadiness(t *testing.T) {
	s := New(nil, Options{ReportInterval: -1})
	require.NoError(t, s.Add("wasm-instantiate"))

	var calls []string
	var run func()
	run = func() {
		calls = append(calls, "run")
		if len(calls) == 1 {
			require.NoError(t, s.Add("pre-run"))
			require.True(t, s.WhenFulfilled(run))
		}
	}
	require.True(t, s.WhenFulfilled(run))

	require.NoError(t, s.Remove("wasm-instantiate"))
	assert.Equal(t, []string{"run"}, calls)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Remove("pre-run"))
	assert.Equal(t, []string{"run", "run"}, calls)
	assert.Zero(t, s.Len())
}

func TestErrors(t *testing.T) {
	s := New(nil, Options{ReportInterval: -1})
	var e *errors.Error

	err := s.Add("")
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, errors.KindInvalidInput, e.Kind)

	require.NoError(t, s.Add("x"))
	err = s.Add("x")
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, errors.KindDuplicate, e.Kind)

	err = s.Remove("y")
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, errors.KindNotFound, e.Kind)

	assert.Error(t, s.Remove(""))
}

func TestMonitorAndPendingOrder(t *testing.T) {
	var counts []int
	s := New(nil, Options{ReportInterval: -1, Monitor: func(n int) { counts = append(counts, n) }})

	require.NoError(t, s.Add("one"))
	require.NoError(t, s.Add("two"))
	require.NoError(t, s.Add("three"))
	assert.Equal(t, []string{"one", "two", "three"}, s.Pending())

	require.NoError(t, s.Remove("two"))
	assert.Equal(t, []string{"one", "three"}, s.Pending())
	assert.Equal(t, []int{1, 2, 3, 2}, counts)
}

func TestWatcherReportsPending(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := New(zap.New(core), Options{ReportInterval: 5 * time.Millisecond})
	defer s.Stop()

	require.NoError(t, s.Add("fetch"))
	require.NoError(t, s.Add("fonts"))

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("(end of list)").Len() > 0
	}, time.Second, time.Millisecond)
	assert.Positive(t, logs.FilterMessage("still waiting on run dependencies:").Len())
	assert.Positive(t, logs.FilterMessage("dependency: fetch").Len())
	assert.Positive(t, logs.FilterMessage("dependency: fonts").Len())
}

func TestWatcherStopsWhenEmpty(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := New(zap.New(core), Options{ReportInterval: 5 * time.Millisecond})

	require.NoError(t, s.Add("x"))
	require.NoError(t, s.Remove("x"))
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, logs.Len())
}

func TestWatcherSilencedByAbort(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	var aborted atomic.Bool
	aborted.Store(true)
	s := New(zap.New(core), Options{
		ReportInterval: 5 * time.Millisecond,
		Aborted:        aborted.Load,
	})
	defer s.Stop()

	require.NoError(t, s.Add("x"))
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, logs.Len())
}
