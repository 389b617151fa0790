package heap

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/internal/diag"
	"github.com/wippyai/wasm-bridge/memory"
)

// Observer receives growth outcomes. metrics.Metrics implements it.
type Observer interface {
	GrowthSucceeded(oldSize, newSize uint64, attempts int)
	GrowthFailed(requested uint64, attempts int)
}

// Config configures a Controller.
type Config struct {
	// Maximum is the heap ceiling in bytes. Zero means wasmbridge.MaxHeapSize.
	Maximum  uint64
	Policy   Policy
	Observer Observer
}

// Controller is the only component allowed to replace a LinearMemory's
// buffer.
type Controller struct {
	mem    *memory.LinearMemory
	obs    Observer
	log    *zap.Logger
	diag   *diag.Reporter
	policy Policy
	max    uint64
	mu     sync.Mutex
}

// New creates a controller for mem. A nil log uses the package logger.
func New(mem *memory.LinearMemory, cfg Config, log *zap.Logger) *Controller {
	if log == nil {
		log = Logger()
	}
	if cfg.Policy.Retries < 0 {
		cfg.Policy.Retries = 0
	}
	return &Controller{
		mem:    mem,
		obs:    cfg.Observer,
		log:    log,
		diag:   diag.New(log),
		policy: cfg.Policy,
		max:    Ceiling(cfg.Maximum),
	}
}

// Maximum returns the effective ceiling in bytes.
func (c *Controller) Maximum() uint64 {
	return c.max
}

// Memory returns the controlled memory.
func (c *Controller) Memory() *memory.LinearMemory {
	return c.mem
}

// Grow makes the heap at least requested bytes long. A request the heap
// already satisfies succeeds without growing. A request past the ceiling,
// or one the host refuses on every attempt, returns an out_of_memory error
// and leaves the heap unchanged.
func (c *Controller) Grow(requested uint64) error {
	if requested == 0 {
		return errors.InvalidInput(errors.PhaseGrow, "requested heap size is zero")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	oldSize := c.mem.Size()
	if requested <= oldSize {
		return nil
	}

	if requested > c.max {
		c.log.Warn(fmt.Sprintf("Cannot enlarge memory, requested %d bytes, but the limit is %d bytes!", requested, c.max))
		if c.obs != nil {
			c.obs.GrowthFailed(requested, 0)
		}
		return errors.OutOfMemory(requested, c.max, "requested size exceeds heap limit")
	}

	var (
		lastErr  error
		newSize  uint64
		attempts = c.policy.Retries + 1
	)
	for i, cutDown := 0, 1; i < attempts; i, cutDown = i+1, cutDown*2 {
		newSize = Candidate(oldSize, requested, c.max, c.policy, cutDown)
		err := c.mem.Resize(newSize)
		if err == nil {
			c.diag.WarnOnce("Enlarging memory arrays, this is not fast!")
			c.log.Warn("heap grown",
				zap.Uint64("old", oldSize),
				zap.Uint64("requested", requested),
				zap.Uint64("new", newSize),
				zap.Int("cut_down", cutDown),
				zap.Uint64("generation", c.mem.Generation()))
			if c.obs != nil {
				c.obs.GrowthSucceeded(oldSize, newSize, i+1)
			}
			return nil
		}
		lastErr = err
		c.log.Warn("heap growth attempt refused",
			zap.Uint64("old", oldSize),
			zap.Uint64("candidate", newSize),
			zap.Int("cut_down", cutDown),
			zap.Error(err))
	}

	c.log.Warn(fmt.Sprintf("Failed to grow the heap from %d bytes to %d bytes, not enough memory!", oldSize, newSize))
	if c.obs != nil {
		c.obs.GrowthFailed(requested, attempts)
	}
	return errors.New(errors.PhaseGrow, errors.KindOutOfMemory).
		Value(requested).
		Cause(lastErr).
		Detail("failed to grow the heap from %d bytes to %d bytes", oldSize, newSize).
		Build()
}

// Resize is the guest-facing form of Grow, with the emscripten_resize_heap
// contract: it reports success instead of returning an error.
func (c *Controller) Resize(requested uint32) bool {
	return c.Grow(uint64(requested)) == nil
}
