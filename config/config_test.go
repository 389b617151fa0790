package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/heap"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	rc := cfg.Runtime()
	assert.Equal(t, DefaultMaxHeap, rc.MaxHeap)
	assert.True(t, rc.CheckStackCookie)
	assert.Equal(t, heap.DefaultPolicy(), rc.Growth)
	assert.False(t, rc.ExitRuntime)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)
}

func TestParse(t *testing.T) {
	data := []byte(`
heap:
  max_bytes: 268435456
  abort_on_cannot_grow: true
  growth:
    mode: linear
    linear_step_bytes: 1048576
    retries: 2
stack:
  check_cookie: false
run:
  name: app
  dependency_report_interval: 2s
  exit_runtime: true
engine:
  memory_limit_pages: 4096
  compile_cache_size: 8
fetch:
  timeout: 5s
  breaker:
    failure_threshold: 2
log:
  level: debug
  format: json
metrics:
  listen: ":9090"
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	rc := cfg.Runtime()
	assert.Equal(t, "app", rc.Name)
	assert.Equal(t, uint64(256<<20), rc.MaxHeap)
	assert.True(t, rc.AbortOnCannotGrow)
	assert.False(t, rc.CheckStackCookie)
	assert.Equal(t, 2*time.Second, rc.DependencyReportInterval)
	assert.True(t, rc.ExitRuntime)
	assert.Equal(t, int64(1<<20), rc.Growth.LinearStep)
	assert.Equal(t, 2, rc.Growth.Retries)

	ec := cfg.EngineConfig()
	assert.Equal(t, uint32(4096), ec.MemoryLimitPages)
	assert.Equal(t, 8, ec.CompileCacheSize)

	opts := cfg.HTTPOptions(zap.NewNop())
	assert.Equal(t, 5*time.Second, opts.Timeout)
	assert.NotNil(t, opts.Breaker)
	assert.Equal(t, uint32(2), cfg.Fetch.Breaker.FailureThreshold)
	// Unset breaker fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Fetch.Breaker.Timeout)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)
	assert.Equal(t, FormatJSON, cfg.Log.Format)
	assert.Equal(t, ":9090", cfg.Metrics.Listen)
}

func TestParse_GeometricKeepsLinearOff(t *testing.T) {
	cfg, err := Parse([]byte("heap:\n  growth:\n    step: 0.5\n    linear_step_bytes: 4096\n"))
	require.NoError(t, err)
	p := cfg.Policy()
	assert.Equal(t, 0.5, p.GeometricStep)
	assert.Equal(t, int64(-1), p.LinearStep)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"heap too large", "heap: {max_bytes: 4294967296}"},
		{"heap below a page", "heap: {max_bytes: 100}"},
		{"unknown growth mode", "heap: {growth: {mode: exponential}}"},
		{"linear without step", "heap: {growth: {mode: linear}}"},
		{"negative step", "heap: {growth: {step: -0.1}}"},
		{"too many retries", "heap: {growth: {retries: 40}}"},
		{"memory limit", "engine: {memory_limit_pages: 70000}"},
		{"cache size", "engine: {compile_cache_size: -1}"},
		{"timeout", "fetch: {timeout: -1s}"},
		{"breaker threshold", "fetch: {breaker: {failure_threshold: 0}}"},
		{"log level", "log: {level: loud}"},
		{"log format", "log: {format: xml}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindInvalidInput})
		})
	}
}

func TestParse_BadYAML(t *testing.T) {
	_, err := Parse([]byte("heap: [unterminated"))
	require.Error(t, err)
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindInvalidData})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run:\n  no_initial_run: true\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Runtime().NoInitialRun)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindNotFound})
}
