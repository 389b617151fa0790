// Package engine hosts Emscripten-built core WebAssembly modules on wazero.
//
// One WazeroEngine owns one wazero runtime shared by every guest instance.
// The host imports a guest expects from Emscripten's JavaScript glue are
// provided by two host modules instantiated once per engine:
//
//	env                     _abort_js, emscripten_resize_heap,
//	                        emscripten_notify_memory_growth,
//	                        emscripten_unwind_to_js_event_loop
//	wasi_snapshot_preview1  fd_write, fd_close, fd_seek, proc_exit
//
// Each call is dispatched to the Host registered under the calling
// instance's name, so instances sharing the runtime never see each other's
// state. Instance names are made unique by the engine.
//
// # Compilation
//
// Compiled modules are cached by the SHA-256 of their binary in a bounded
// LRU. Concurrent compiles of the same binary are collapsed into one.
// Evicted modules are closed; instances already created from them keep
// running.
//
// # Traps
//
// A Host raises a trap by panicking with an error from inside a host call.
// wazero unwinds the guest and returns the error from the exported call,
// where errors.As recovers it. proc_exit panics with *sys.ExitError, which
// wazero returns unwrapped.
package engine
