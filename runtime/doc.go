// Package runtime sequences the life of one Emscripten-built guest: fetch,
// compile and instantiate the binary, wait for run dependencies, write the
// stack cookie, run pre-run hooks, constructors and main, then post-run
// hooks.
//
// # Quick Start
//
//	ctx := context.Background()
//	eng, err := engine.NewWazeroEngine(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	rt, err := runtime.New(eng, runtime.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	res, err := rt.Start(ctx, fetch.File("hello.wasm"))
//	if err != nil && !res.Trapped() {
//	    log.Fatal(err)
//	}
//	fmt.Println(res) // Ok(0)
//
// # States
//
//	Idle -> Loading -> Instantiated -> Running -> Exited
//
// Instantiate moves Idle to Loading and holds the "wasm-instantiate" run
// dependency until the guest's memory is bound. Run proceeds only once every
// run dependency has cleared and the runtime has not aborted. A pre-run hook
// that adds a dependency defers the rest of the sequence until it is
// removed.
//
// # Results
//
// Run never reports guest failures as errors. It returns a Result:
//
//	Ok(code)      main returned or the guest called exit
//	Trap(reason)  the runtime aborted; post-run hooks did not run
//	Unwind        the guest returned to the host event loop
//
// Inside host functions the same three conditions travel as panics with
// *sys.ExitError, *TrapError and ErrUnwind, which wazero turns into errors
// returned from the guest call. The top-level handler converts them.
//
// # Host Imports
//
// The runtime is the engine.Host of its instance: heap resizes go through
// the heap controller, fd_write feeds line-buffered stdout and stderr, and
// abort, fd_close and failed stack checks abort the runtime.
package runtime
