package rpc

import (
	"io"
	"sync"
)

// stderrRing retains the last capacity bytes written to it. The child's
// stderr is drained through one of these so that transport failures can
// surface recent diagnostics without unbounded memory growth.
//
// Index math: writes land at (start+length)%capacity; once full, start
// advances so the buffer always holds the most recent capacity bytes.
type stderrRing struct {
	mu       sync.Mutex
	buf      []byte
	start    int
	length   int
	received int64
}

// defaultStderrCapacity bounds retained child stderr per transport.
const defaultStderrCapacity = 16 * 1024

func newStderrRing(capacity int) *stderrRing {
	if capacity <= 0 {
		capacity = defaultStderrCapacity
	}
	return &stderrRing{buf: make([]byte, capacity)}
}

// Write implements io.Writer; it never fails and never blocks on a full
// buffer, overwriting the oldest bytes instead.
func (r *stderrRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	r.received += int64(n)

	// Only the last capacity bytes of an oversized write can survive.
	if n >= len(r.buf) {
		copy(r.buf, p[n-len(r.buf):])
		r.start = 0
		r.length = len(r.buf)
		return n, nil
	}

	for _, b := range p {
		idx := (r.start + r.length) % len(r.buf)
		r.buf[idx] = b
		if r.length < len(r.buf) {
			r.length++
		} else {
			r.start = (r.start + 1) % len(r.buf)
		}
	}
	return n, nil
}

// Tail returns a copy of the retained bytes in write order.
func (r *stderrRing) Tail() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, r.length)
	for i := 0; i < r.length; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// TailString returns up to max trailing bytes as a string, for inclusion
// in error messages and teardown logs.
func (r *stderrRing) TailString(max int) string {
	tail := r.Tail()
	if max > 0 && len(tail) > max {
		tail = tail[len(tail)-max:]
	}
	return string(tail)
}

// Received reports the total bytes ever written, retained or not.
func (r *stderrRing) Received() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received
}

// drain copies from the child's stderr pipe until EOF.
func (r *stderrRing) drain(src io.Reader) {
	_, _ = io.Copy(r, src)
}
