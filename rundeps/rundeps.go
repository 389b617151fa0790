// Package rundeps tracks the named asynchronous preconditions that must
// clear before a guest may run, and fires a one-shot callback when they do.
package rundeps

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/errors"
)

// DefaultReportInterval is how often outstanding dependencies are logged.
const DefaultReportInterval = 10 * time.Second

// Options configures a Set.
type Options struct {
	// ReportInterval between "still waiting" reports. Zero uses
	// DefaultReportInterval; negative disables the watcher.
	ReportInterval time.Duration

	// Monitor is called with the pending count after every add and remove.
	Monitor func(count int)

	// Aborted silences and stops the watcher once it reports true.
	Aborted func() bool
}

// Set is a named set of pending run dependencies.
type Set struct {
	log       *zap.Logger
	opts      Options
	index     map[string]struct{}
	fulfilled func()
	stopWatch chan struct{}
	watchDone chan struct{}
	pending   []string
	mu        sync.Mutex
}

// New creates an empty set. A nil log discards the watcher's reports.
func New(log *zap.Logger, opts Options) *Set {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ReportInterval == 0 {
		opts.ReportInterval = DefaultReportInterval
	}
	return &Set{
		log:   log,
		opts:  opts,
		index: make(map[string]struct{}),
	}
}

// Add registers a pending dependency. IDs must be non-empty and unique
// among pending dependencies.
func (s *Set) Add(id string) error {
	if id == "" {
		return errors.InvalidInput(errors.PhaseRuntime, "run dependency requires an ID")
	}

	s.mu.Lock()
	if _, ok := s.index[id]; ok {
		s.mu.Unlock()
		return errors.Duplicate(errors.PhaseRuntime, "run dependency", id)
	}
	s.index[id] = struct{}{}
	s.pending = append(s.pending, id)
	count := len(s.pending)
	s.startWatcherLocked()
	s.mu.Unlock()

	s.log.Debug("run dependency added", zap.String("id", id), zap.Int("pending", count))
	s.monitor(count)
	return nil
}

// Remove clears a pending dependency. When the set becomes empty the
// fulfilment callback, if any, is taken and invoked. The count is re-read
// after each callback, so a dependency added from inside the callback
// defers the next callback until it too is removed.
func (s *Set) Remove(id string) error {
	if id == "" {
		return errors.InvalidInput(errors.PhaseRuntime, "run dependency requires an ID")
	}

	s.mu.Lock()
	if _, ok := s.index[id]; !ok {
		s.mu.Unlock()
		return errors.NotFound(errors.PhaseRuntime, "run dependency", id)
	}
	delete(s.index, id)
	s.pending = slices.DeleteFunc(s.pending, func(p string) bool { return p == id })
	count := len(s.pending)
	if count == 0 {
		s.stopWatcherLocked()
	}
	s.mu.Unlock()

	s.log.Debug("run dependency removed", zap.String("id", id), zap.Int("pending", count))
	s.monitor(count)
	s.drain()
	return nil
}

func (s *Set) drain() {
	for {
		s.mu.Lock()
		if len(s.pending) != 0 || s.fulfilled == nil {
			s.mu.Unlock()
			return
		}
		cb := s.fulfilled
		s.fulfilled = nil
		s.mu.Unlock()

		cb()
	}
}

// WhenFulfilled registers cb to run once the set next becomes empty,
// replacing any earlier registration. It returns false without registering
// when nothing is pending; the caller should proceed directly.
func (s *Set) WhenFulfilled(cb func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return false
	}
	s.fulfilled = cb
	return true
}

// Len returns the number of pending dependencies.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Pending returns the pending IDs in the order they were added.
func (s *Set) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending)
}

// Stop halts the watcher. Pending dependencies are kept.
func (s *Set) Stop() {
	s.mu.Lock()
	done := s.watchDone
	s.stopWatcherLocked()
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Set) monitor(count int) {
	if s.opts.Monitor != nil {
		s.opts.Monitor(count)
	}
}

func (s *Set) startWatcherLocked() {
	if s.stopWatch != nil || s.opts.ReportInterval < 0 {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stopWatch = stop
	s.watchDone = done
	go s.watch(stop, done)
}

func (s *Set) stopWatcherLocked() {
	if s.stopWatch == nil {
		return
	}
	close(s.stopWatch)
	s.stopWatch = nil
	s.watchDone = nil
}

func (s *Set) watch(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if s.opts.Aborted != nil && s.opts.Aborted() {
			s.mu.Lock()
			if s.stopWatch == stop {
				s.stopWatch = nil
				s.watchDone = nil
			}
			s.mu.Unlock()
			return
		}

		pending := s.Pending()
		if len(pending) == 0 {
			continue
		}
		s.log.Warn("still waiting on run dependencies:")
		for _, id := range pending {
			s.log.Warn("dependency: " + id)
		}
		s.log.Warn("(end of list)")
	}
}
