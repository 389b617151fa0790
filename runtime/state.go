package runtime

import "fmt"

// State is the lifecycle position of a Runtime.
type State int32

const (
	StateIdle         State = iota // created, nothing loaded
	StateLoading                   // binary fetch and compile in flight
	StateInstantiated              // exports bound, memory views built
	StateRunning                   // entry point invoked
	StateExited                    // exited, unwound or aborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateInstantiated:
		return "instantiated"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
