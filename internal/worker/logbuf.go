package worker

import (
	"bytes"
	"sync"
)

const truncationMarker = "\n[log truncated]\n"

// cappedBuffer keeps the first limit bytes written to it and silently drops
// the rest, so a chatty crawl process cannot exhaust memory.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

// Write never fails; it reports len(p) so that io.MultiWriter keeps feeding
// the other writers.
func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - int64(c.buf.Len())
	switch {
	case room <= 0:
		c.truncated = true
	case int64(len(p)) > room:
		c.buf.Write(p[:room])
		c.truncated = true
	default:
		c.buf.Write(p)
	}
	return len(p), nil
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// Bytes returns a copy of the captured log, with a marker appended when
// output was dropped.
func (c *cappedBuffer) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, 0, c.buf.Len()+len(truncationMarker))
	out = append(out, c.buf.Bytes()...)
	if c.truncated {
		out = append(out, truncationMarker...)
	}
	return out
}
