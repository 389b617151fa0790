package runtime

import (
	"io"
	"sync"

	"github.com/wippyai/wasm-bridge/marshal"
)

const (
	streamStdout = 1
	streamStderr = 2
)

// console line-buffers guest stdio for builds without a filesystem: bytes
// collect per stream until a newline or NUL, then the line is decoded as
// UTF-8 and written out.
type console struct {
	mu      sync.Mutex
	bufs    [3][]byte
	writers [3]io.Writer
	marshal *marshal.Marshaller

	// While discarding, flushed lines are dropped and only noted.
	discarding bool
	flushed    bool
}

func newConsole(stdout, stderr io.Writer, m *marshal.Marshaller) *console {
	c := &console{marshal: m}
	c.writers[streamStdout] = stdout
	c.writers[streamStderr] = stderr
	return c
}

// write feeds data to a stream. It reports false for anything other than
// stdout or stderr.
func (c *console) write(stream uint32, data []byte) bool {
	if stream != streamStdout && stream != streamStderr {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range data {
		c.printCharLocked(int(stream), b)
	}
	return true
}

func (c *console) printCharLocked(stream int, b byte) {
	if b == 0 || b == '\n' {
		c.emitLocked(stream)
		return
	}
	c.bufs[stream] = append(c.bufs[stream], b)
}

func (c *console) emitLocked(stream int) {
	line := c.marshal.UTF8ArrayToString(c.bufs[stream], 0, -1, false)
	c.bufs[stream] = c.bufs[stream][:0]
	if c.discarding {
		c.flushed = true
		return
	}
	if w := c.writers[stream]; w != nil {
		_, _ = io.WriteString(w, line+"\n")
	}
}

// flush emits any partial line on both streams.
func (c *console) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *console) flushLocked() {
	for _, s := range []int{streamStdout, streamStderr} {
		if len(c.bufs[s]) > 0 {
			c.emitLocked(s)
		}
	}
}

// discardPending runs fn, which may write to the console, then flushes. Lines
// flushed this way are discarded. It reports whether there were
// any.
func (c *console) discardPending(fn func()) bool {
	c.mu.Lock()
	c.discarding = true
	c.flushed = false
	c.mu.Unlock()

	fn()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
	c.discarding = false
	return c.flushed
}
