package runtime

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wippyai/wasm-bridge/marshal"
)

func TestConsole_LineBuffering(t *testing.T) {
	var out, errOut bytes.Buffer
	c := newConsole(&out, &errOut, marshal.New(nil))

	require.True(t, c.write(streamStdout, []byte("ab\x00cd\nef")))
	require.True(t, c.write(streamStderr, []byte("oops\n")))
	assert.Equal(t, "ab\ncd\n", out.String())
	assert.Equal(t, "oops\n", errOut.String())

	c.flush()
	assert.Equal(t, "ab\ncd\nef\n", out.String())

	assert.False(t, c.write(0, []byte("x")))
	assert.False(t, c.write(3, []byte("x")))
}

func TestConsole_DiscardPendingDropsOutput(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&out, nil, marshal.New(nil))

	require.True(t, c.write(streamStdout, []byte("partial")))
	assert.True(t, c.discardPending(func() {}))
	assert.Empty(t, out.String())

	assert.False(t, c.discardPending(func() {}), "nothing left to flush")

	flushed := c.discardPending(func() { c.write(streamStderr, []byte("late")) })
	assert.True(t, flushed)

	require.True(t, c.write(streamStdout, []byte("after\n")))
	assert.Equal(t, "after\n", out.String())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Result
	}{
		{"nil", nil, Ok(0)},
		{"exit", sys.NewExitError(4), Ok(4)},
		{"wrapped exit", fmt.Errorf("call main: %w", sys.NewExitError(2)), Ok(2)},
		{"unwind", fmt.Errorf("%w (recovered by wazero)", ErrUnwind), Unwind(0)},
		{"wasm trap", stderrors.New("wasm error: unreachable\nwasm stack trace:\n\tmain"), Trap("wasm error: unreachable", nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.want.Outcome, got.Outcome)
			assert.Equal(t, tt.want.ExitCode, got.ExitCode)
			assert.Equal(t, tt.want.Reason, got.Reason)
		})
	}

	trap := &TrapError{Reason: "bad"}
	got := Classify(fmt.Errorf("%w", trap))
	assert.Equal(t, "bad", got.Reason)
	assert.ErrorIs(t, got.Err, trap)
}

func TestResult_String(t *testing.T) {
	assert.Equal(t, "Ok(3)", Ok(3).String())
	assert.Equal(t, "Trap(boom)", Trap("boom", nil).String())
	assert.Equal(t, "Unwind(0)", Unwind(0).String())
	assert.Equal(t, "exit", OutcomeOk.String())
	assert.Equal(t, "trap", OutcomeTrap.String())
	assert.Equal(t, "unwind", OutcomeUnwind.String())
	assert.Equal(t, "running", StateRunning.String())
}
