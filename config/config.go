// Package config loads bridge settings from YAML and maps them onto the
// runtime, engine and fetch configurations.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/fetch"
	"github.com/wippyai/wasm-bridge/heap"
	"github.com/wippyai/wasm-bridge/runtime"
)

// Growth modes.
const (
	GrowthGeometric = "geometric"
	GrowthLinear    = "linear"
)

// Log formats. Auto picks console output on a terminal and JSON otherwise.
const (
	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatJSON    = "json"
)

// DefaultMaxHeap matches the heap ceiling Emscripten builds link with by
// default.
const DefaultMaxHeap uint64 = 128 << 20

// Config is the top-level configuration file.
type Config struct {
	Heap    HeapConfig    `yaml:"heap"`
	Stack   StackConfig   `yaml:"stack"`
	Run     RunConfig     `yaml:"run"`
	Engine  EngineConfig  `yaml:"engine"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type HeapConfig struct {
	// MaxBytes is the heap ceiling. Zero means one page short of 4GiB.
	MaxBytes          uint64       `yaml:"max_bytes"`
	Growth            GrowthConfig `yaml:"growth"`
	AbortOnCannotGrow bool         `yaml:"abort_on_cannot_grow"`
}

type GrowthConfig struct {
	Mode       string  `yaml:"mode"`
	Step       float64 `yaml:"step"`
	CapBytes   uint64  `yaml:"cap_bytes"`
	LinearStep int64   `yaml:"linear_step_bytes"`
	Retries    int     `yaml:"retries"`
}

type StackConfig struct {
	CheckCookie bool `yaml:"check_cookie"`
}

type RunConfig struct {
	Name                     string        `yaml:"name"`
	DependencyReportInterval time.Duration `yaml:"dependency_report_interval"`
	NoInitialRun             bool          `yaml:"no_initial_run"`
	ExitRuntime              bool          `yaml:"exit_runtime"`
}

type EngineConfig struct {
	MemoryLimitPages   uint32 `yaml:"memory_limit_pages"`
	CompileCacheSize   int    `yaml:"compile_cache_size"`
	CloseOnContextDone bool   `yaml:"close_on_context_done"`
}

type FetchConfig struct {
	Timeout  time.Duration       `yaml:"timeout"`
	MaxBytes int64               `yaml:"max_bytes"`
	Breaker  fetch.BreakerConfig `yaml:"breaker"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Listen is the address serving /metrics. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

type TracingConfig struct {
	// JaegerEndpoint is the collector URL. Empty disables export.
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
	ServiceName    string `yaml:"service_name"`
	Environment    string `yaml:"environment"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	p := heap.DefaultPolicy()
	return &Config{
		Heap: HeapConfig{
			MaxBytes: DefaultMaxHeap,
			Growth: GrowthConfig{
				Mode:     GrowthGeometric,
				Step:     p.GeometricStep,
				CapBytes: p.GeometricCap,
				Retries:  p.Retries,
			},
		},
		Stack: StackConfig{CheckCookie: true},
		Fetch: FetchConfig{
			Timeout:  30 * time.Second,
			MaxBytes: fetch.DefaultMaxBytes,
			Breaker:  fetch.DefaultBreakerConfig(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: FormatAuto,
		},
		Tracing: TracingConfig{
			ServiceName: "wasm-bridge",
			Environment: "development",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read config "+path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "decode yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return errors.New(errors.PhaseConfig, errors.KindInvalidInput).Detail(format, args...).Build()
}

// Validate reports the first setting out of range.
func (c *Config) Validate() error {
	h := c.Heap
	if h.MaxBytes > wasmbridge.MaxHeapSize {
		return invalid("heap.max_bytes %d exceeds %d", h.MaxBytes, wasmbridge.MaxHeapSize)
	}
	if h.MaxBytes != 0 && h.MaxBytes < wasmbridge.PageSize {
		return invalid("heap.max_bytes %d is below one page", h.MaxBytes)
	}

	g := h.Growth
	switch strings.ToLower(g.Mode) {
	case GrowthGeometric, "":
		if g.Step < 0 {
			return invalid("heap.growth.step must not be negative")
		}
	case GrowthLinear:
		if g.LinearStep <= 0 {
			return invalid("heap.growth.linear_step_bytes must be positive in linear mode")
		}
	default:
		return invalid("heap.growth.mode %q is not %s or %s", g.Mode, GrowthGeometric, GrowthLinear)
	}
	if g.Retries < 0 || g.Retries > 16 {
		return invalid("heap.growth.retries %d is outside 0..16", g.Retries)
	}

	if c.Engine.MemoryLimitPages > 65536 {
		return invalid("engine.memory_limit_pages %d exceeds 65536", c.Engine.MemoryLimitPages)
	}
	if c.Engine.CompileCacheSize < 0 {
		return invalid("engine.compile_cache_size must not be negative")
	}

	if c.Fetch.Timeout < 0 {
		return invalid("fetch.timeout must not be negative")
	}
	if c.Fetch.MaxBytes < 0 {
		return invalid("fetch.max_bytes must not be negative")
	}
	if c.Fetch.Breaker.FailureThreshold == 0 {
		return invalid("fetch.breaker.failure_threshold must be at least 1")
	}

	if _, err := c.Level(); err != nil {
		return invalid("log.level: %v", err)
	}
	switch c.Log.Format {
	case FormatAuto, FormatConsole, FormatJSON, "":
	default:
		return invalid("log.format %q is not auto, console or json", c.Log.Format)
	}
	return nil
}

// Level parses the log level.
func (c *Config) Level() (zapcore.Level, error) {
	if c.Log.Level == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(c.Log.Level)
}

// Policy converts the growth section.
func (c *Config) Policy() heap.Policy {
	g := c.Heap.Growth
	p := heap.Policy{
		GeometricStep: g.Step,
		GeometricCap:  g.CapBytes,
		LinearStep:    -1,
		Retries:       g.Retries,
	}
	if strings.ToLower(g.Mode) == GrowthLinear {
		p.LinearStep = g.LinearStep
	}
	return p
}

// Runtime returns the runtime settings.
func (c *Config) Runtime() runtime.Config {
	return runtime.Config{
		Name:                     c.Run.Name,
		MaxHeap:                  c.Heap.MaxBytes,
		Growth:                   c.Policy(),
		AbortOnCannotGrow:        c.Heap.AbortOnCannotGrow,
		CheckStackCookie:         c.Stack.CheckCookie,
		DependencyReportInterval: c.Run.DependencyReportInterval,
		NoInitialRun:             c.Run.NoInitialRun,
		ExitRuntime:              c.Run.ExitRuntime,
	}
}

// EngineConfig returns the engine settings. The caller sets the cache
// observer.
func (c *Config) EngineConfig() *engine.Config {
	return &engine.Config{
		MemoryLimitPages:   c.Engine.MemoryLimitPages,
		CompileCacheSize:   c.Engine.CompileCacheSize,
		CloseOnContextDone: c.Engine.CloseOnContextDone,
	}
}

// HTTPOptions returns download settings with a breaker shared by every
// source built from them.
func (c *Config) HTTPOptions(log *zap.Logger) fetch.HTTPOptions {
	return fetch.HTTPOptions{
		Breaker:  fetch.NewBreaker("fetch", c.Fetch.Breaker, log),
		Logger:   log,
		Timeout:  c.Fetch.Timeout,
		MaxBytes: c.Fetch.MaxBytes,
	}
}
