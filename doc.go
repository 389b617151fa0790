// Package wasmbridge is a host-side runtime bridge for Emscripten-style
// WebAssembly modules, written in Go on top of wazero.
//
// The bridge owns everything a generated JavaScript preamble would normally do
// around a compiled C/C++ program: it keeps the growable linear memory and its
// typed projections, grows the heap with controlled over-reservation, guards
// the native stack with sentinel cookies, moves UTF-8 strings across the
// boundary, and sequences asynchronous loading before calling main.
//
// # Architecture Overview
//
//	wasmbridge/          Root package with Memory and Allocator interfaces
//	├── memory/          LinearMemory, backing stores and typed views
//	├── heap/            Heap growth controller
//	├── stackguard/      Stack cookie writer and checker
//	├── marshal/         UTF-8 and UTF-16 string marshalling
//	├── rundeps/         Run dependency tracking
//	├── engine/          wazero integration and host imports
//	├── fetch/           Module binary sources
//	├── runtime/         Instantiation sequencer and runtime context
//	├── metrics/         Prometheus collectors
//	├── config/          YAML configuration
//	├── internal/        Diagnostics, tracing and test module synthesis
//	├── cmd/run/         CLI runner and heap inspector
//	└── errors/          Structured error types
//
// # Quick Start
//
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
// # Memory Model
//
// WASM linear memory can only grow, never shrink. Growth may move the backing
// buffer, so every typed view carries the generation it was built for and
// refuses access once the memory has moved on. Always fetch views from the
// LinearMemory again after anything that may have grown the heap.
//
// # Thread Safety
//
// An Engine is safe for concurrent use and may be shared by many Runtimes.
// A Runtime follows the single-threaded guest model: one goroutine drives it.
package wasmbridge
