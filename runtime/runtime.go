package runtime

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/fetch"
	"github.com/wippyai/wasm-bridge/heap"
	"github.com/wippyai/wasm-bridge/internal/diag"
	"github.com/wippyai/wasm-bridge/marshal"
	"github.com/wippyai/wasm-bridge/memory"
	"github.com/wippyai/wasm-bridge/metrics"
	"github.com/wippyai/wasm-bridge/rundeps"
	"github.com/wippyai/wasm-bridge/stackguard"
)

const tracerName = "github.com/wippyai/wasm-bridge/runtime"

// depInstantiate is the run dependency held while the binary loads.
const depInstantiate = "wasm-instantiate"

// Guest exports the sequencer looks for.
const (
	exportCallCtors    = "__wasm_call_ctors"
	exportStackInit    = "emscripten_stack_init"
	exportStackEnd     = "emscripten_stack_get_end"
	exportStackCurrent = "emscripten_stack_get_current"
	exportFflush       = "fflush"
)

// entryPoints are tried in order.
var entryPoints = []string{"main", "__main_argc_argv", "_start"}

// Runtime owns one guest instance and the state the bridge keeps for it:
// linear memory and its views, the heap controller, the stack guard, run
// dependencies, stdio buffers and the aborted flag.
type Runtime struct {
	eng     *engine.WazeroEngine
	cfg     Config
	log     *zap.Logger
	diag    *diag.Reporter
	metrics *metrics.Metrics
	tracer  trace.Tracer
	stdout  io.Writer
	stderr  io.Writer

	preRun        []Hook
	postRun       []Hook
	onInitialized Hook
	onAbort       func(reason string)
	onExit        func(code int32)
	onReady       func()
	monitorDeps   func(count int)
	instantiate   InstantiateFunc

	marshal *marshal.Marshaller
	console *console
	deps    *rundeps.Set
	mem     *memory.LinearMemory
	heap    *heap.Controller
	guard   *stackguard.Guard
	mod     api.Module
	name    string

	// ready is closed by the fulfilment callback registered on deps.
	ready chan struct{}

	state       atomic.Int32
	aborted     atomic.Bool
	exitStatus  atomic.Int32
	initialized bool
	calledRun   bool
	mu          sync.Mutex // serializes Instantiate, Run and Close
}

var (
	_ engine.Host        = (*Runtime)(nil)
	_ stackguard.Aborter = (*Runtime)(nil)
)

// New creates an idle runtime on eng. It fails on big-endian hosts.
func New(eng *engine.WazeroEngine, cfg Config, opts ...Option) (*Runtime, error) {
	if eng == nil {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "nil engine")
	}
	if err := memory.CheckLittleEndian(); err != nil {
		return nil, err
	}
	if cfg.Growth == (heap.Policy{}) {
		cfg.Growth = heap.DefaultPolicy()
	}

	r := &Runtime{
		eng:    eng,
		cfg:    cfg,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = Logger()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}

	r.diag = diag.New(r.log)
	r.marshal = marshal.NewWithWarner(&countingWarner{Reporter: r.diag, metrics: r.metrics})
	r.console = newConsole(r.stdout, r.stderr, r.marshal)

	mem, err := memory.New(nil)
	if err != nil {
		return nil, err
	}
	r.mem = mem

	var obs heap.Observer
	if r.metrics != nil {
		obs = r.metrics
	}
	r.heap = heap.New(mem, heap.Config{Maximum: cfg.MaxHeap, Policy: cfg.Growth, Observer: obs}, r.log)

	r.deps = rundeps.New(r.log, rundeps.Options{
		ReportInterval: cfg.DependencyReportInterval,
		Monitor:        r.monitor,
		Aborted:        r.Aborted,
	})
	return r, nil
}

// State returns the lifecycle state.
func (r *Runtime) State() State {
	return State(r.state.Load())
}

// Aborted reports whether the runtime hit a fatal condition, or exited with
// Config.ExitRuntime set.
func (r *Runtime) Aborted() bool {
	return r.aborted.Load()
}

// ExitStatus returns the last recorded exit status.
func (r *Runtime) ExitStatus() int32 {
	return r.exitStatus.Load()
}

// Name returns the guest name used in logs.
func (r *Runtime) Name() string {
	return r.name
}

// Memory returns the guest's linear memory. It is detached until
// Instantiate succeeds.
func (r *Runtime) Memory() *memory.LinearMemory {
	return r.mem
}

// Heap returns the heap growth controller.
func (r *Runtime) Heap() *heap.Controller {
	return r.heap
}

// Module returns the guest instance, or nil before Instantiate.
func (r *Runtime) Module() api.Module {
	return r.mod
}

// Marshaller returns the string marshaller bound to this runtime's
// diagnostics.
func (r *Runtime) Marshaller() *marshal.Marshaller {
	return r.marshal
}

// AddRunDependency registers a precondition that must clear before Run
// proceeds.
func (r *Runtime) AddRunDependency(id string) error {
	return r.deps.Add(id)
}

// RemoveRunDependency clears a precondition.
func (r *Runtime) RemoveRunDependency(id string) error {
	return r.deps.Remove(id)
}

// PendingRunDependencies lists outstanding preconditions in order.
func (r *Runtime) PendingRunDependencies() []string {
	return r.deps.Pending()
}

// Abort marks the runtime aborted and returns the trap to raise. Host
// functions panic with it; other callers return it.
func (r *Runtime) Abort(reason string) error {
	if r.onAbort != nil {
		r.onAbort(reason)
	}
	trap := &TrapError{Reason: reason}
	r.log.Error(trap.Error())
	r.aborted.Store(true)
	r.metrics.RecordTrap(trapCause(reason))
	return trap
}

func trapCause(reason string) string {
	switch {
	case strings.HasPrefix(reason, "Stack overflow!"):
		return "stack_cookie"
	case strings.HasPrefix(reason, "Runtime error: The application has corrupted its heap"):
		return "heap_corruption"
	case strings.HasPrefix(reason, "Cannot enlarge memory"):
		return "out_of_memory"
	}
	return "abort"
}

// Start instantiates src and runs it.
func (r *Runtime) Start(ctx context.Context, src fetch.Source) (Result, error) {
	if err := r.Instantiate(ctx, src); err != nil {
		if !r.Aborted() {
			return Result{}, err
		}
		res := Trap(err.Error(), err)
		r.exitStatus.Store(res.ExitCode)
		r.metrics.RecordResult(res.Outcome.String())
		return res, err
	}
	return r.Run(ctx)
}

// Instantiate fetches, compiles and instantiates src, then binds the views
// to the guest's exported memory. Failure aborts the runtime; it is not
// retried.
func (r *Runtime) Instantiate(ctx context.Context, src fetch.Source) error {
	if src == nil {
		return errors.InvalidInput(errors.PhaseInstantiate, "nil source")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateLoading)) {
		return errors.InvalidState(errors.PhaseInstantiate, "instantiate", r.State().String())
	}

	ctx, span := r.tracer.Start(ctx, "runtime.instantiate",
		trace.WithAttributes(attribute.String("wasm.source", src.Name())))
	defer span.End()

	if err := r.deps.Add(depInstantiate); err != nil {
		return err
	}
	r.armReady()

	start := time.Now()
	mod, err := r.load(ctx, src)
	r.metrics.RecordInstantiation(err, time.Since(start))
	if err != nil {
		r.log.Error("failed to asynchronously prepare wasm",
			zap.String("source", src.Name()),
			zap.Error(err))
		_ = r.Abort(err.Error())
		r.deps.Stop()
		r.state.Store(int32(StateExited))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := r.bind(mod); err != nil {
		_ = r.eng.Release(ctx, mod)
		_ = r.Abort(err.Error())
		r.deps.Stop()
		r.state.Store(int32(StateExited))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	r.state.Store(int32(StateInstantiated))
	r.log.Debug("guest instantiated",
		zap.String("name", mod.Name()),
		zap.Uint64("heap", r.mem.Size()),
		zap.Bool("stack_guard", r.guard != nil))
	return r.deps.Remove(depInstantiate)
}

func (r *Runtime) load(ctx context.Context, src fetch.Source) (api.Module, error) {
	fctx, span := r.tracer.Start(ctx, "runtime.fetch")
	bin, err := src.Fetch(fctx)
	span.End()
	if err != nil {
		return nil, err
	}
	if err := fetch.ValidateHeader(bin); err != nil {
		return nil, err
	}

	cctx, span := r.tracer.Start(ctx, "runtime.compile",
		trace.WithAttributes(attribute.Int("wasm.bytes", len(bin))))
	compiled, err := r.eng.Compile(cctx, bin)
	span.End()
	if err != nil {
		return nil, err
	}

	r.name = r.cfg.Name
	if r.name == "" {
		r.name = filepath.Base(src.Name())
	}

	if r.instantiate == nil {
		return DefaultInstantiate(ctx, r.eng, compiled, r.name, r)
	}
	mod, err := r.instantiate(ctx, r.eng, compiled, r.name, r)
	if err != nil {
		r.log.Error("instantiate callback failed", zap.Error(err))
		return nil, err
	}
	if mod == nil {
		return nil, errors.New(errors.PhaseInstantiate, errors.KindInstantiation).
			Module(r.name).
			Detail("instantiate callback returned no instance").
			Build()
	}
	return mod, nil
}

// bind attaches the views to the guest's memory and sets up the stack guard.
func (r *Runtime) bind(mod api.Module) error {
	if mod.Memory() == nil {
		return errors.New(errors.PhaseInstantiate, errors.KindInstantiation).
			Module(mod.Name()).
			Detail("guest does not export a memory").
			Build()
	}
	if err := r.mem.Attach(memory.NewWazeroStore(mod.Memory())); err != nil {
		return err
	}
	r.mod = mod
	r.metrics.SetHeapSize(r.mem.Size())

	if r.cfg.CheckStackCookie {
		if mod.ExportedFunction(exportStackEnd) != nil {
			r.guard = stackguard.New(r.mem, r.stackEnd, r, r.log)
		} else {
			r.log.Debug("guest exports no stack end, stack cookie disabled")
		}
	}
	return nil
}

func (r *Runtime) stackEnd() (uint32, error) {
	res, err := r.mod.ExportedFunction(exportStackEnd).Call(context.Background())
	if err != nil {
		return 0, err
	}
	return api.DecodeU32(res[0]), nil
}

// Run waits for run dependencies, initializes the runtime and calls the
// entry point. A trap is a Result, not an error; the error is reserved for
// misuse and for ctx ending while dependencies are pending.
func (r *Runtime) Run(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.State(); s != StateInstantiated || r.calledRun {
		return Result{}, errors.InvalidState(errors.PhaseRuntime, "run", s.String())
	}

	ctx, span := r.tracer.Start(ctx, "runtime.run")
	defer span.End()

	res, err := r.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	if !(r.cfg.NoInitialRun && res.Outcome == OutcomeOk && !r.Aborted()) {
		r.state.Store(int32(StateExited))
	}
	r.metrics.RecordResult(res.Outcome.String())
	span.SetAttributes(
		attribute.String("wasm.outcome", res.Outcome.String()),
		attribute.Int("wasm.exit_code", int(res.ExitCode)))
	if res.Trapped() {
		span.SetStatus(codes.Error, res.Reason)
	}
	r.log.Debug("run finished", zap.Stringer("result", res))
	return res, nil
}

func (r *Runtime) run(ctx context.Context) (Result, error) {
	for {
		if err := r.awaitReady(ctx); err != nil {
			return Result{}, errors.Wrap(errors.PhaseRuntime, errors.KindUnavailable, err, "wait for run dependencies")
		}
		if r.Aborted() {
			return r.abortedBeforeRun(), nil
		}
		if err := r.stackCheckInit(ctx); err != nil {
			return r.handleException(ctx, err), nil
		}
		if err := r.runPreRun(ctx); err != nil {
			return r.handleException(ctx, err), nil
		}
		if r.deps.Len() == 0 {
			break
		}
		r.log.Debug("pre-run added run dependencies, deferring",
			zap.Strings("pending", r.deps.Pending()))
	}

	r.calledRun = true
	if r.Aborted() {
		return r.abortedBeforeRun(), nil
	}
	if r.onReady != nil {
		r.onReady()
	}
	r.state.Store(int32(StateRunning))

	res := r.doRun(ctx)
	if !res.Trapped() {
		if err := r.checkCookie(); err != nil {
			return r.handleException(ctx, err), nil
		}
	}
	return res, nil
}

func (r *Runtime) doRun(ctx context.Context) Result {
	if err := r.initRuntime(ctx); err != nil {
		return r.handleException(ctx, err)
	}
	// preMain
	if err := r.checkCookie(); err != nil {
		return r.handleException(ctx, err)
	}
	if r.onInitialized != nil {
		if err := r.onInitialized(ctx, r); err != nil {
			return r.handleException(ctx, err)
		}
	}

	res := Ok(0)
	if !r.cfg.NoInitialRun {
		res = r.callMain(ctx)
		if res.Trapped() {
			return res
		}
	}

	if err := r.runPostRun(ctx); err != nil {
		return r.handleException(ctx, err)
	}
	return res
}

// armReady registers the fulfilment callback for the next time the run
// dependencies clear. It reports false when none are pending.
func (r *Runtime) armReady() bool {
	ch := make(chan struct{})
	if !r.deps.WhenFulfilled(func() { close(ch) }) {
		return false
	}
	r.ready = ch
	return true
}

// awaitReady blocks until the fulfilment callback has fired and no
// dependency was added since. A dependency added while the callback ran
// re-arms it for the next wave.
func (r *Runtime) awaitReady(ctx context.Context) error {
	for {
		if r.ready == nil && !r.armReady() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.ready:
		}
		r.ready = nil
	}
}

func (r *Runtime) stackCheckInit(ctx context.Context) error {
	if fn := r.mod.ExportedFunction(exportStackInit); fn != nil {
		if _, err := fn.Call(ctx); err != nil {
			return err
		}
	}
	if r.guard == nil {
		return nil
	}
	return r.guard.WriteCookie()
}

func (r *Runtime) checkCookie() error {
	if r.guard == nil {
		return nil
	}
	return r.guard.CheckCookie()
}

// runPreRun consumes the pre-run queue. Hooks run once even when Run is
// deferred by the dependencies they add.
func (r *Runtime) runPreRun(ctx context.Context) error {
	for len(r.preRun) > 0 {
		h := r.preRun[0]
		r.preRun = r.preRun[1:]
		if err := h(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) runPostRun(ctx context.Context) error {
	if err := r.checkCookie(); err != nil {
		return err
	}
	for len(r.postRun) > 0 {
		h := r.postRun[0]
		r.postRun = r.postRun[1:]
		if err := h(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) initRuntime(ctx context.Context) error {
	if r.initialized {
		return errors.InvalidState(errors.PhaseRuntime, "initialize runtime", "initialized")
	}
	r.initialized = true

	if err := r.checkCookie(); err != nil {
		return err
	}
	if fn := r.mod.ExportedFunction(exportCallCtors); fn != nil {
		if _, err := fn.Call(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) entryPoint() (api.Function, string) {
	for _, name := range entryPoints {
		if fn := r.mod.ExportedFunction(name); fn != nil {
			return fn, name
		}
	}
	return nil, ""
}

// callMain invokes the entry point with argc and argv zero.
func (r *Runtime) callMain(ctx context.Context) Result {
	fn, name := r.entryPoint()
	if fn == nil {
		return r.handleException(ctx, r.Abort("guest exports no entry point (main, __main_argc_argv or _start)"))
	}

	ctx, span := r.tracer.Start(ctx, "runtime.main",
		trace.WithAttributes(attribute.String("wasm.entry", name)))
	defer span.End()

	args := make([]uint64, len(fn.Definition().ParamTypes()))
	results, err := fn.Call(ctx, args...)
	if err != nil {
		return r.handleException(ctx, err)
	}

	var ret int32
	if len(results) > 0 {
		ret = api.DecodeI32(results[0])
	}
	r.exit(ctx, ret)
	return Ok(ret)
}

// exit records the status after main returned on its own.
func (r *Runtime) exit(ctx context.Context, status int32) {
	r.exitStatus.Store(status)
	r.checkUnflushedContent(ctx)
	r.procExit(ctx, status)
}

// procExit tears the runtime down when it is not kept alive: libc's stdio
// and the console are flushed before onExit.
func (r *Runtime) procExit(ctx context.Context, status int32) {
	if !r.cfg.ExitRuntime {
		return
	}
	r.fflush(ctx)
	r.console.flush()
	if r.onExit != nil {
		r.onExit(status)
	}
	r.aborted.Store(true)
}

// fflush calls the guest's fflush(0), if exported.
func (r *Runtime) fflush(ctx context.Context) {
	if fn := r.mod.ExportedFunction(exportFflush); fn != nil {
		_, _ = fn.Call(ctx, 0)
	}
}

// checkUnflushedContent warns about stdio a kept-alive runtime would never
// flush. The content is dropped and the warning points at the missing
// newline. With ExitRuntime, procExit flushes instead.
func (r *Runtime) checkUnflushedContent(ctx context.Context) {
	if r.cfg.ExitRuntime {
		return
	}
	if r.console.discardPending(func() { r.fflush(ctx) }) {
		r.diag.WarnOnce("stdio streams had content in them that was not flushed. you should set EXIT_RUNTIME to 1 (see the Emscripten FAQ), or make sure to emit a newline when you printf etc.")
		r.diag.WarnOnce("(this may also be due to not including full filesystem support - try building with -sFORCE_FILESYSTEM)")
		r.metrics.RecordWarning("unflushed_stdio")
	}
}

// handleException is the top-level handler for anything a guest call
// raised. Exits and unwinds are control flow and yield the recorded status.
// Anything else is a trap.
func (r *Runtime) handleException(ctx context.Context, err error) Result {
	res := Classify(err)
	switch res.Outcome {
	case OutcomeOk:
		r.exitStatus.Store(res.ExitCode)
		return res
	case OutcomeUnwind:
		res.ExitCode = r.exitStatus.Load()
		return res
	}

	// A smashed cookie explains the trap better than the trap itself.
	if cerr := r.checkCookie(); cerr != nil {
		res = Classify(cerr)
	}
	if r.stackExhausted(ctx) {
		r.log.Error("Stack overflow detected.  You can try increasing -sSTACK_SIZE")
		r.metrics.RecordTrap("stack_overflow")
	}
	if !r.aborted.Swap(true) {
		r.log.Error("runtime error", zap.String("reason", res.Reason))
		r.metrics.RecordTrap("runtime_error")
	}
	r.exitStatus.Store(res.ExitCode)
	return res
}

func (r *Runtime) abortedBeforeRun() Result {
	res := Trap("aborted before run", nil)
	r.exitStatus.Store(res.ExitCode)
	return res
}

func (r *Runtime) stackExhausted(ctx context.Context) bool {
	if r.mod == nil {
		return false
	}
	fn := r.mod.ExportedFunction(exportStackCurrent)
	if fn == nil {
		return false
	}
	res, err := fn.Call(ctx)
	if err != nil || len(res) == 0 {
		return false
	}
	return api.DecodeI32(res[0]) <= 0
}

func (r *Runtime) monitor(count int) {
	r.metrics.SetRunDependencies(count)
	if r.monitorDeps != nil {
		r.monitorDeps(count)
	}
}

// ReadString decodes the NUL-terminated UTF-8 string at ptr.
func (r *Runtime) ReadString(ptr uint32) (string, error) {
	return r.marshal.UTF8ToString(r.mem.Views(), ptr, -1, false)
}

// NewString copies s into memory allocated with the guest's malloc and
// returns its address. The caller owns the allocation.
func (r *Runtime) NewString(ctx context.Context, s string) (uint32, error) {
	if r.mod == nil {
		return 0, errors.NotInitialized(errors.PhaseMarshal, "guest instance")
	}
	alloc, err := engine.NewGuestAllocator(ctx, r.mod)
	if err != nil {
		return 0, err
	}
	return marshal.StringToNewUTF8(r.mem, alloc, s)
}

// Close releases the guest instance. The runtime cannot be reused.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deps.Stop()
	r.state.Store(int32(StateExited))
	if r.mod == nil {
		return nil
	}
	mod := r.mod
	r.mod = nil
	return r.eng.Release(ctx, mod)
}
