package runtime

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/sys"
)

// Outcome tags how a program run ended.
type Outcome uint8

const (
	// OutcomeOk means the entry point returned or the program exited.
	OutcomeOk Outcome = iota
	// OutcomeTrap means the runtime aborted.
	OutcomeTrap
	// OutcomeUnwind means the program asked to return to the host event
	// loop without exiting.
	OutcomeUnwind
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "exit"
	case OutcomeTrap:
		return "trap"
	case OutcomeUnwind:
		return "unwind"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// Result is the tagged outcome of Run: Ok(exit code), Trap(reason) or
// Unwind.
type Result struct {
	Outcome  Outcome
	ExitCode int32
	Reason   string
	// Err is the error that caused a trap, if any.
	Err error
}

// Ok returns a Result for a normal exit.
func Ok(code int32) Result {
	return Result{Outcome: OutcomeOk, ExitCode: code}
}

// Trap returns a Result for an abort. The exit code of a trapped program
// is 1.
func Trap(reason string, err error) Result {
	return Result{Outcome: OutcomeTrap, ExitCode: 1, Reason: reason, Err: err}
}

// Unwind returns a Result for a program that unwound to the event loop with
// the given status.
func Unwind(code int32) Result {
	return Result{Outcome: OutcomeUnwind, ExitCode: code}
}

// Trapped reports whether the run aborted.
func (r Result) Trapped() bool {
	return r.Outcome == OutcomeTrap
}

func (r Result) String() string {
	switch r.Outcome {
	case OutcomeTrap:
		return fmt.Sprintf("Trap(%s)", r.Reason)
	case OutcomeUnwind:
		return fmt.Sprintf("Unwind(%d)", r.ExitCode)
	}
	return fmt.Sprintf("Ok(%d)", r.ExitCode)
}

// ErrUnwind is raised by a guest that returns to the host event loop. It is
// control flow, not a failure.
var ErrUnwind = stderrors.New("unwind")

// TrapError is raised by Abort and unwinds the guest to the top-level
// handler.
type TrapError struct {
	Reason string
}

func (e *TrapError) Error() string {
	return "Aborted(" + e.Reason + ")"
}

// Classify maps an error returned by a guest call to its Result without
// touching runtime state. A nil error is Ok(0).
func Classify(err error) Result {
	if err == nil {
		return Ok(0)
	}
	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		return Ok(int32(exit.ExitCode()))
	}
	if stderrors.Is(err, ErrUnwind) {
		return Unwind(0)
	}
	var trap *TrapError
	if stderrors.As(err, &trap) {
		return Trap(trap.Reason, err)
	}
	return Trap(firstLine(err.Error()), err)
}

// firstLine drops wazero's stack trace from a trap message.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
