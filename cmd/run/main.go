package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-bridge/config"
	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/fetch"
	"github.com/wippyai/wasm-bridge/heap"
	"github.com/wippyai/wasm-bridge/internal/tracing"
	"github.com/wippyai/wasm-bridge/metrics"
	"github.com/wippyai/wasm-bridge/runtime"
)

type options struct {
	wasm        string
	configFile  string
	maxHeap     uint64
	noRun       bool
	exitRuntime bool
	metricsAddr string
	jaeger      string
	logLevel    string
	jsonLogs    bool
	interactive bool
}

func main() {
	var o options
	flag.StringVar(&o.wasm, "wasm", "", "Path or URL of the Emscripten module")
	flag.StringVar(&o.configFile, "config", "", "YAML configuration file")
	flag.Uint64Var(&o.maxHeap, "max-heap", 0, "Heap ceiling in bytes (overrides config)")
	flag.BoolVar(&o.noRun, "no-run", false, "Initialize the runtime without calling main")
	flag.BoolVar(&o.exitRuntime, "exit-runtime", false, "Tear the runtime down when main returns")
	flag.StringVar(&o.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	flag.StringVar(&o.jaeger, "jaeger", "", "Jaeger collector endpoint")
	flag.StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&o.jsonLogs, "json", false, "Write JSON logs")
	flag.BoolVar(&o.interactive, "i", false, "Interactive heap inspector")
	flag.Parse()

	if o.wasm == "" {
		fmt.Fprintln(os.Stderr, "Usage: run -wasm <file.wasm|url> [-config bridge.yaml] [-max-heap bytes]")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -i  (interactive mode)")
		os.Exit(1)
	}

	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	code, err := run(cfg, o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(o options) (*config.Config, error) {
	cfg := config.Default()
	if o.configFile != "" {
		var err error
		if cfg, err = config.Load(o.configFile); err != nil {
			return nil, err
		}
	}
	if o.maxHeap != 0 {
		cfg.Heap.MaxBytes = o.maxHeap
	}
	if o.noRun {
		cfg.Run.NoInitialRun = true
	}
	if o.exitRuntime {
		cfg.Run.ExitRuntime = true
	}
	if o.metricsAddr != "" {
		cfg.Metrics.Listen = o.metricsAddr
	}
	if o.jaeger != "" {
		cfg.Tracing.JaegerEndpoint = o.jaeger
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.jsonLogs {
		cfg.Log.Format = config.FormatJSON
	}
	return cfg, cfg.Validate()
}

// newLogger writes to stderr so guest stdout stays clean. Auto format picks
// console output on a terminal.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	format := cfg.Log.Format
	if format == config.FormatAuto || format == "" {
		format = config.FormatJSON
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = config.FormatConsole
		}
	}

	zc := zap.NewProductionConfig()
	if format == config.FormatConsole {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.DisableStacktrace = true
	return zc.Build()
}

func run(cfg *config.Config, o options) (int, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log, err := newLogger(cfg)
	if err != nil {
		return 1, fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	engine.SetLogger(log.Named("engine"))
	heap.SetLogger(log.Named("heap"))
	runtime.SetLogger(log.Named("runtime"))

	tracer, shutdown, err := tracing.Setup(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		Environment:    cfg.Tracing.Environment,
	})
	if err != nil {
		return 1, err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, reg, log)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	ec := cfg.EngineConfig()
	ec.Observer = m
	eng, err := engine.NewWazeroEngineWithConfig(ctx, ec)
	if err != nil {
		return 1, fmt.Errorf("create engine: %w", err)
	}
	defer eng.Close(context.Background())

	src, err := fetch.Open(o.wasm, cfg.HTTPOptions(log))
	if err != nil {
		return 1, err
	}

	opts := []runtime.Option{
		runtime.WithLogger(log.Named("runtime")),
		runtime.WithMetrics(m),
		runtime.WithTracer(tracer),
	}
	var guestOut bytes.Buffer
	if o.interactive {
		opts = append(opts, runtime.WithStdout(&guestOut), runtime.WithStderr(&guestOut))
	}

	rt, err := runtime.New(eng, cfg.Runtime(), opts...)
	if err != nil {
		return 1, fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close(context.Background())

	if o.interactive {
		return 0, runInteractive(ctx, rt, src, &guestOut)
	}

	res, err := rt.Start(ctx, src)
	if err != nil && !res.Trapped() {
		return 1, err
	}
	log.Debug("guest finished", zap.Stringer("result", res))
	return int(res.ExitCode), nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}
