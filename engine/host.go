package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-bridge/errors"
)

// Host implements the imports of one guest instance. Methods run on the
// guest's goroutine, inside the exported call that reached them. A method
// raises a trap by panicking with an error.
type Host interface {
	// AbortJS handles _abort_js, the guest's abort().
	AbortJS(ctx context.Context)

	// ResizeHeap handles emscripten_resize_heap. It reports whether the heap
	// now holds at least requested bytes.
	ResizeHeap(ctx context.Context, requested uint32) bool

	// NotifyMemoryGrowth handles emscripten_notify_memory_growth, sent after
	// the guest executed memory.grow itself.
	NotifyMemoryGrowth(ctx context.Context, memoryIndex uint32)

	// UnwindToEventLoop handles emscripten_unwind_to_js_event_loop.
	UnwindToEventLoop(ctx context.Context)

	// FdWrite handles fd_write and returns a WASI errno.
	FdWrite(ctx context.Context, fd, iov, iovcnt, pnum uint32) uint32

	// FdClose handles fd_close and returns a WASI errno.
	FdClose(ctx context.Context, fd uint32) uint32

	// FdSeek handles fd_seek with a legalized 64-bit offset and returns a
	// WASI errno.
	FdSeek(ctx context.Context, fd, offsetLow, offsetHigh, whence, newOffset uint32) uint32

	// ProcExit handles proc_exit. It must not return normally.
	ProcExit(ctx context.Context, code uint32)
}

// provided lists every import the host modules export, keyed by importKey.
var provided = map[string]struct{}{
	importKey(ModuleEnv, "_abort_js"):                          {},
	importKey(ModuleEnv, "emscripten_resize_heap"):             {},
	importKey(ModuleEnv, "emscripten_notify_memory_growth"):    {},
	importKey(ModuleEnv, "emscripten_unwind_to_js_event_loop"): {},
	importKey(ModuleWASI, "fd_write"):                          {},
	importKey(ModuleWASI, "fd_close"):                          {},
	importKey(ModuleWASI, "fd_seek"):                           {},
	importKey(ModuleWASI, "proc_exit"):                         {},
}

// Provides reports whether the engine satisfies the given import.
func Provides(module, name string) bool {
	_, ok := provided[importKey(module, name)]
	return ok
}

// host returns the Host registered for the calling instance.
func (e *WazeroEngine) host(m api.Module) Host {
	if h, ok := e.hosts.Load(m.Name()); ok {
		return h.(Host)
	}
	panic(errors.NotFound(errors.PhaseLinking, "host for instance", m.Name()))
}

func (e *WazeroEngine) buildEnv(ctx context.Context) error {
	_, err := e.runtime.NewHostModuleBuilder(ModuleEnv).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module) {
			e.host(m).AbortJS(ctx)
		}).
		Export("_abort_js").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, requested uint32) uint32 {
			if e.host(m).ResizeHeap(ctx, requested) {
				return 1
			}
			return 0
		}).
		WithParameterNames("requested_size").
		Export("emscripten_resize_heap").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, index uint32) {
			e.host(m).NotifyMemoryGrowth(ctx, index)
		}).
		WithParameterNames("memory_index").
		Export("emscripten_notify_memory_growth").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module) {
			e.host(m).UnwindToEventLoop(ctx)
		}).
		Export("emscripten_unwind_to_js_event_loop").
		Instantiate(ctx)
	return err
}

func (e *WazeroEngine) buildWASI(ctx context.Context) error {
	_, err := e.runtime.NewHostModuleBuilder(ModuleWASI).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, fd, iov, iovcnt, pnum uint32) uint32 {
			return e.host(m).FdWrite(ctx, fd, iov, iovcnt, pnum)
		}).
		WithParameterNames("fd", "iovs", "iovs_len", "result.nwritten").
		Export("fd_write").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, fd uint32) uint32 {
			return e.host(m).FdClose(ctx, fd)
		}).
		WithParameterNames("fd").
		Export("fd_close").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, fd, lo, hi, whence, newOffset uint32) uint32 {
			return e.host(m).FdSeek(ctx, fd, lo, hi, whence, newOffset)
		}).
		WithParameterNames("fd", "offset_low", "offset_high", "whence", "result.newoffset").
		Export("fd_seek").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, code uint32) {
			e.host(m).ProcExit(ctx, code)
		}).
		WithParameterNames("rval").
		Export("proc_exit").
		Instantiate(ctx)
	return err
}

// initHostModules instantiates env and wasi_snapshot_preview1 once.
// Safe for concurrent calls from runtimes sharing the engine.
func (e *WazeroEngine) initHostModules(ctx context.Context) error {
	if e.hostInitDone.Load() {
		return nil
	}

	e.hostInitMu.Lock()
	defer e.hostInitMu.Unlock()

	if e.hostInitDone.Load() {
		return nil
	}

	if e.runtime.Module(ModuleEnv) == nil {
		if err := e.buildEnv(ctx); err != nil {
			return errors.Wrap(errors.PhaseLinking, errors.KindInstantiation, err, "instantiate env host module")
		}
	}
	if e.runtime.Module(ModuleWASI) == nil {
		if err := e.buildWASI(ctx); err != nil {
			return errors.Wrap(errors.PhaseLinking, errors.KindInstantiation, err, "instantiate WASI host module")
		}
	}

	e.hostInitDone.Store(true)
	return nil
}

// CheckImports verifies that every import of compiled is satisfied by the
// engine's host modules. Guests that import their memory are rejected too,
// since the bridge expects an exported memory.
func CheckImports(compiled wazero.CompiledModule) error {
	var missing []string
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		if !Provides(module, name) {
			missing = append(missing, importKey(module, name))
		}
	}
	for _, def := range compiled.ImportedMemories() {
		module, name, _ := def.Import()
		missing = append(missing, importKey(module, name))
	}
	if len(missing) > 0 {
		return errors.NewMissingImportsError(missing)
	}
	return nil
}
