package runner

import (
	"unicode/utf8"
)

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	n   int
	buf []byte
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n, buf: make([]byte, 0, 2*n)}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	written := len(p)
	if len(p) >= t.n {
		t.buf = append(t.buf[:0], p[len(p)-t.n:]...)
		return written, nil
	}
	if len(t.buf)+len(p) > 2*t.n {
		keep := t.buf[len(t.buf)-t.n:]
		t.buf = append(t.buf[:0], keep...)
	}
	t.buf = append(t.buf, p...)
	return written, nil
}

// String returns at most n bytes, starting on a rune boundary.
func (t *tailBuffer) String() string {
	b := t.buf
	if len(b) > t.n {
		b = b[len(b)-t.n:]
	}
	for i := 0; i < utf8.UTFMax && len(b) > 0 && !utf8.RuneStart(b[0]); i++ {
		b = b[1:]
	}
	return string(b)
}
