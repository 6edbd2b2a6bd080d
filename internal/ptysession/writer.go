package ptysession

import (
	"sync"

	"github.com/forgehub/agenthub/internal/frame"
)

// FrameWriter sends an encoded frame to the hub. The broker's writer task
// implements this over the live Unix-domain socket connection.
type FrameWriter interface {
	WriteFrame(f frame.Frame) error
}

// WriterCell is the "shared_writer" indirection every PTY session's reader
// goroutine routes output through. A broker serves exactly one hub
// connection at a time, but that connection may be replaced across a hub
// restart: rather than restart every reader goroutine, the broker swaps the
// target inside this cell and every live reader immediately routes through
// the new socket.
//
// Writes against a nil target (no hub currently connected) are silently
// dropped: PTY output keeps accumulating in the ring buffer and shadow
// screen regardless of whether anyone is listening.
type WriterCell struct {
	mu sync.RWMutex
	w  FrameWriter
}

// NewWriterCell returns an empty cell with no writer installed.
func NewWriterCell() *WriterCell {
	return &WriterCell{}
}

// Swap installs a new writer target, replacing any previous one.
func (c *WriterCell) Swap(w FrameWriter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w = w
}

// Clear removes the current writer target, e.g. on hub disconnect.
func (c *WriterCell) Clear() {
	c.Swap(nil)
}

// Write sends a frame through the current target. Returns nil (a no-op)
// if no target is currently installed.
func (c *WriterCell) Write(f frame.Frame) error {
	c.mu.RLock()
	w := c.w
	c.mu.RUnlock()

	if w == nil {
		return nil
	}
	return w.WriteFrame(f)
}
