package runtime

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/internal/diag"
	"github.com/wippyai/wasm-bridge/metrics"
)

// WASI errno values returned by the stdio imports.
const (
	errnoSuccess = 0
	errnoBadf    = 8
	errnoFault   = 21
	errnoSpipe   = 70
)

// AbortJS implements engine.Host.
func (r *Runtime) AbortJS(context.Context) {
	panic(r.Abort("native code called abort()"))
}

// ResizeHeap implements engine.Host through the heap controller.
func (r *Runtime) ResizeHeap(_ context.Context, requested uint32) bool {
	if r.heap.Resize(requested) {
		return true
	}
	if r.cfg.AbortOnCannotGrow {
		panic(r.Abort(fmt.Sprintf("Cannot enlarge memory arrays to size %d bytes (OOM). Either (1) raise the initial memory, (2) allow memory growth, or (3) let malloc return NULL (0) instead of this abort; the current heap size is %d bytes",
			requested, r.mem.Size())))
	}
	return false
}

// NotifyMemoryGrowth implements engine.Host. The guest grew its memory
// itself, so the views are rebuilt.
func (r *Runtime) NotifyMemoryGrowth(_ context.Context, memoryIndex uint32) {
	if memoryIndex != 0 {
		panic(r.Abort(fmt.Sprintf("Assertion failed: memory growth notified for memory index %d", memoryIndex)))
	}
	v := r.mem.Refresh()
	r.metrics.SetHeapSize(v.Len())
	r.log.Debug("guest grew memory", zap.Uint64("size", v.Len()), zap.Uint64("generation", v.Generation()))
}

// UnwindToEventLoop implements engine.Host.
func (r *Runtime) UnwindToEventLoop(context.Context) {
	panic(ErrUnwind)
}

// FdWrite implements engine.Host for stdout and stderr. Each iovec is a
// pointer and a length, 8 bytes apart.
func (r *Runtime) FdWrite(_ context.Context, fd, iov, iovcnt, pnum uint32) uint32 {
	v := r.mem.Views()
	var num uint32
	for i := uint32(0); i < iovcnt; i++ {
		ptr, err := v.U32(iov)
		if err != nil {
			return errnoFault
		}
		n, err := v.U32(iov + 4)
		if err != nil {
			return errnoFault
		}
		iov += 8
		data, err := v.Slice(ptr, n)
		if err != nil {
			return errnoFault
		}
		if !r.console.write(fd, data) {
			return errnoBadf
		}
		num += n
	}
	if err := v.SetU32(pnum, num); err != nil {
		return errnoFault
	}
	return errnoSuccess
}

// FdClose implements engine.Host. Without a filesystem there is nothing a
// guest may close.
func (r *Runtime) FdClose(context.Context, uint32) uint32 {
	panic(r.Abort("fd_close called without SYSCALLS_REQUIRE_FILESYSTEM"))
}

// FdSeek implements engine.Host. Streams are not seekable.
func (r *Runtime) FdSeek(context.Context, uint32, uint32, uint32, uint32, uint32) uint32 {
	return errnoSpipe
}

// ProcExit implements engine.Host. It records the status and raises the
// exit signal, which the top-level handler absorbs.
func (r *Runtime) ProcExit(ctx context.Context, code uint32) {
	status := int32(code)
	r.exitStatus.Store(status)
	r.procExit(ctx, status)
	panic(sys.NewExitError(code))
}

// countingWarner counts malformed UTF-8 warnings before deduplicating them.
type countingWarner struct {
	*diag.Reporter
	metrics *metrics.Metrics
}

func (w *countingWarner) WarnOnce(msg string, fields ...zap.Field) bool {
	w.metrics.RecordWarning("invalid_utf8")
	return w.Reporter.WarnOnce(msg, fields...)
}
