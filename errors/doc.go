// Package errors provides structured error types for the wasm-bridge library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the guest module name, a detail message and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseGrow, errors.KindOutOfMemory).
//		Module("hello.wasm").
//		Value(requested).
//		Detail("requested %d bytes", requested).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.OutOfBounds(errors.PhaseMemory, addr, 4, size)
//	err := errors.StaleView(viewGen, memGen)
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
