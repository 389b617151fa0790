package engine

import (
	"context"
	"crypto/sha256"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/wasm-bridge/errors"
)

// DefaultCompileCacheSize is the number of compiled modules kept when
// Config.CompileCacheSize is zero.
const DefaultCompileCacheSize = 16

// CacheObserver receives compile cache outcomes. metrics.Metrics
// implements it.
type CacheObserver interface {
	CompileCacheHit()
	CompileCacheMiss()
}

// WazeroEngine owns the wazero runtime shared by all guest instances.
type WazeroEngine struct {
	runtime      wazero.Runtime
	cache        *lru.Cache[[sha256.Size]byte, wazero.CompiledModule]
	observer     CacheObserver
	hosts        sync.Map // instance name -> Host
	compiles     singleflight.Group
	seq          atomic.Uint64
	hostInitMu   sync.Mutex
	hostInitDone atomic.Bool
}

// Config holds configuration for engine creation
type Config struct {
	// Observer receives compile cache hits and misses. Optional.
	Observer CacheObserver

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32

	// CompileCacheSize bounds the compiled module cache.
	// 0 means DefaultCompileCacheSize.
	CompileCacheSize int

	// CloseOnContextDone makes guest calls stop when their context is
	// canceled, at some cost to execution speed.
	CloseOnContextDone bool
}

// NewWazeroEngine creates a new wazero-based engine
func NewWazeroEngine(ctx context.Context) (*WazeroEngine, error) {
	return NewWazeroEngineWithConfig(ctx, nil)
}

// NewWazeroEngineWithConfig creates a new engine with custom configuration
func NewWazeroEngineWithConfig(ctx context.Context, cfg *Config) (*WazeroEngine, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	if cfg.CloseOnContextDone {
		runtimeCfg = runtimeCfg.WithCloseOnContextDone(true)
	}

	size := cfg.CompileCacheSize
	if size <= 0 {
		size = DefaultCompileCacheSize
	}
	cache, err := lru.NewWithEvict(size, func(key [sha256.Size]byte, compiled wazero.CompiledModule) {
		debugf("evicting compiled module %x", key[:8])
		_ = compiled.Close(context.Background())
	})
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "create compile cache")
	}

	return &WazeroEngine{
		runtime:  wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		cache:    cache,
		observer: cfg.Observer,
	}, nil
}

// Runtime exposes the underlying wazero runtime.
func (e *WazeroEngine) Runtime() wazero.Runtime {
	return e.runtime
}

// Compile compiles bin, returning a cached module when the same binary was
// compiled before.
func (e *WazeroEngine) Compile(ctx context.Context, bin []byte) (wazero.CompiledModule, error) {
	key := sha256.Sum256(bin)
	if compiled, ok := e.cache.Get(key); ok {
		e.cacheHit()
		return compiled, nil
	}

	v, err, shared := e.compiles.Do(string(key[:]), func() (any, error) {
		if compiled, ok := e.cache.Get(key); ok {
			return compiled, nil
		}
		compiled, err := e.runtime.CompileModule(ctx, bin)
		if err != nil {
			return nil, errors.Compile(err)
		}
		e.cache.Add(key, compiled)
		return compiled, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		e.cacheHit()
	} else {
		e.cacheMiss()
	}
	Logger().Debug("module compiled",
		zap.Int("bytes", len(bin)),
		zap.Bool("shared", shared),
		zap.Int("cached", e.cache.Len()))
	return v.(wazero.CompiledModule), nil
}

func (e *WazeroEngine) cacheHit() {
	if e.observer != nil {
		e.observer.CompileCacheHit()
	}
}

func (e *WazeroEngine) cacheMiss() {
	if e.observer != nil {
		e.observer.CompileCacheMiss()
	}
}

// CachedModules returns the number of compiled modules in the cache.
func (e *WazeroEngine) CachedModules() int {
	return e.cache.Len()
}

// Instantiate creates an instance of compiled whose imports dispatch to
// host. The instance gets a unique name derived from base. Start functions
// other than the module's start section are not run.
func (e *WazeroEngine) Instantiate(ctx context.Context, compiled wazero.CompiledModule, base string, host Host) (api.Module, error) {
	if host == nil {
		return nil, errors.InvalidInput(errors.PhaseInstantiate, "nil host")
	}
	if err := CheckImports(compiled); err != nil {
		return nil, err
	}
	if err := e.initHostModules(ctx); err != nil {
		return nil, err
	}

	name := instanceName(base, e.seq.Add(1))
	e.hosts.Store(name, host)

	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions()
	mod, err := e.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		e.hosts.Delete(name)
		return nil, errors.Instantiation(err)
	}
	Logger().Debug("instance created", zap.String("name", name))
	return mod, nil
}

// Release closes an instance and forgets its host.
func (e *WazeroEngine) Release(ctx context.Context, mod api.Module) error {
	if mod == nil {
		return nil
	}
	e.hosts.Delete(mod.Name())
	return mod.Close(ctx)
}

// Close closes the runtime, every instance and every cached module.
func (e *WazeroEngine) Close(ctx context.Context) error {
	e.cache.Purge()
	return e.runtime.Close(ctx)
}
