// Package tailbuffer keeps the last bytes written to it so that the end of a
// subprocess's output can be attached to an error.
package tailbuffer

import (
	"io"
	"strings"
	"sync"
)

// TailBuffer is a fixed-capacity ring buffer. Writes never fail; once the
// capacity is reached the oldest bytes are overwritten.
type TailBuffer struct {
	lock     sync.Mutex
	buf      []byte
	capacity int
	size     int
	start    int
}

var _ io.ReadWriter = (*TailBuffer)(nil)

// NewTailBuffer creates a buffer retaining at most size bytes.
func NewTailBuffer(size int) *TailBuffer {
	if size < 0 {
		size = 0
	}
	return &TailBuffer{
		buf:      make([]byte, size),
		capacity: size,
	}
}

// Write implements io.Writer. It always reports the full input as written.
func (t *TailBuffer) Write(p []byte) (int, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	n := len(p)
	if t.capacity == 0 {
		return n, nil
	}
	if len(p) > t.capacity {
		p = p[len(p)-t.capacity:]
	}
	for _, b := range p {
		end := (t.start + t.size) % t.capacity
		t.buf[end] = b
		if t.size < t.capacity {
			t.size++
		} else {
			t.start = (t.start + 1) % t.capacity
		}
	}
	return n, nil
}

// Read implements io.Reader, consuming buffered bytes oldest first.
func (t *TailBuffer) Read(p []byte) (int, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.size == 0 {
		return 0, io.EOF
	}
	read := 0
	for read < len(p) && t.size > 0 {
		p[read] = t.buf[t.start]
		t.start = (t.start + 1) % t.capacity
		t.size--
		read++
	}
	return read, nil
}

// Len returns the number of buffered bytes.
func (t *TailBuffer) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.size
}

// String drains the buffer and returns its contents with surrounding
// whitespace trimmed.
func (t *TailBuffer) String() string {
	var sb strings.Builder
	_, _ = io.Copy(&sb, t)
	return strings.TrimSpace(sb.String())
}
