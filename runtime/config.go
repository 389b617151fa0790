package runtime

import (
	"context"
	"io"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/heap"
	"github.com/wippyai/wasm-bridge/metrics"
)

// Config holds the settings of one runtime. config.Config.Runtime derives
// it from a YAML file.
type Config struct {
	// Name labels the guest instance in logs. Empty uses the source name.
	Name string

	// MaxHeap is the heap ceiling in bytes. Zero means one page short of 4GiB.
	MaxHeap uint64

	// Growth is the heap over-reservation policy. The zero value means
	// heap.DefaultPolicy.
	Growth heap.Policy

	// AbortOnCannotGrow aborts the runtime when emscripten_resize_heap
	// fails, instead of letting malloc return NULL.
	AbortOnCannotGrow bool

	// CheckStackCookie enables the stack guard.
	CheckStackCookie bool

	// DependencyReportInterval between "still waiting on run dependencies"
	// reports. Zero uses rundeps.DefaultReportInterval; negative disables.
	DependencyReportInterval time.Duration

	// NoInitialRun initializes the runtime without calling main. The
	// instance stays running so the host can call exports.
	NoInitialRun bool

	// ExitRuntime tears the runtime down when the program exits. When false
	// the runtime is kept alive after main returns, the way Emscripten
	// builds without EXIT_RUNTIME behave.
	ExitRuntime bool
}

// DefaultConfig returns a config with stack checks on and the default
// growth policy.
func DefaultConfig() Config {
	return Config{
		Growth:           heap.DefaultPolicy(),
		CheckStackCookie: true,
	}
}

// Hook runs at a lifecycle point. An error, such as the one Abort returns,
// ends the run through the top-level handler.
type Hook func(ctx context.Context, r *Runtime) error

// InstantiateFunc replaces the default instantiation. It must dispatch the
// guest's imports to host, which engine.WazeroEngine.Instantiate does.
type InstantiateFunc func(ctx context.Context, eng *engine.WazeroEngine, compiled wazero.CompiledModule, name string, host engine.Host) (api.Module, error)

// DefaultInstantiate is the instantiation used without WithInstantiate.
// Custom callbacks usually wrap it.
func DefaultInstantiate(ctx context.Context, eng *engine.WazeroEngine, compiled wazero.CompiledModule, name string, host engine.Host) (api.Module, error) {
	return eng.Instantiate(ctx, compiled, name, host)
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) {
		r.log = l
	}
}

// WithMetrics records runtime metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runtime) {
		r.metrics = m
	}
}

// WithTracer sets the tracer used for lifecycle spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) {
		r.tracer = t
	}
}

// WithStdout sets where guest stdout lines go.
func WithStdout(w io.Writer) Option {
	return func(r *Runtime) {
		r.stdout = w
	}
}

// WithStderr sets where guest stderr lines go.
func WithStderr(w io.Writer) Option {
	return func(r *Runtime) {
		r.stderr = w
	}
}

// WithPreRun adds a hook run before the runtime initializes. A pre-run hook
// may add run dependencies; Run then waits for them.
func WithPreRun(h Hook) Option {
	return func(r *Runtime) {
		r.preRun = append(r.preRun, h)
	}
}

// WithPostRun adds a hook run after main returns.
func WithPostRun(h Hook) Option {
	return func(r *Runtime) {
		r.postRun = append(r.postRun, h)
	}
}

// WithOnRuntimeInitialized sets the hook run after constructors and before
// main.
func WithOnRuntimeInitialized(h Hook) Option {
	return func(r *Runtime) {
		r.onInitialized = h
	}
}

// WithOnAbort sets the callback told about every abort.
func WithOnAbort(fn func(reason string)) Option {
	return func(r *Runtime) {
		r.onAbort = fn
	}
}

// WithOnExit sets the callback told the exit status when the runtime
// exits. It only fires with Config.ExitRuntime.
func WithOnExit(fn func(code int32)) Option {
	return func(r *Runtime) {
		r.onExit = fn
	}
}

// WithOnReady sets the callback told once, when every run dependency has
// cleared and the run goes ahead. Dependencies added by pre-run hooks or
// while the set drains delay it until they clear too.
func WithOnReady(fn func()) Option {
	return func(r *Runtime) {
		r.onReady = fn
	}
}

// WithMonitorRunDependencies sets the callback told the pending count after
// every change.
func WithMonitorRunDependencies(fn func(count int)) Option {
	return func(r *Runtime) {
		r.monitorDeps = fn
	}
}

// WithInstantiate replaces the default instantiation.
func WithInstantiate(fn InstantiateFunc) Option {
	return func(r *Runtime) {
		r.instantiate = fn
	}
}
