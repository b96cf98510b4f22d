package registry

import "sync"

// OutputRing keeps the most recent PTY output of one session so a
// reconnecting owner can be brought up to date.
type OutputRing struct {
	mu       sync.RWMutex
	buffer   []byte
	writePos int
	wrapped  bool
}

func NewOutputRing(size int) *OutputRing {
	if size <= 0 {
		size = 64 * 1024
	}
	return &OutputRing{buffer: make([]byte, size)}
}

func (r *OutputRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	if n >= len(r.buffer) {
		copy(r.buffer, p[n-len(r.buffer):])
		r.writePos = 0
		r.wrapped = true
		return n, nil
	}
	c := copy(r.buffer[r.writePos:], p)
	if c < n {
		copy(r.buffer, p[c:])
		r.writePos = n - c
		r.wrapped = true
	} else {
		r.writePos += c
		if r.writePos == len(r.buffer) {
			r.writePos = 0
			r.wrapped = true
		}
	}
	return n, nil
}

// Bytes returns a copy of the retained output, oldest first.
func (r *OutputRing) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.wrapped {
		return append([]byte(nil), r.buffer[:r.writePos]...)
	}
	out := make([]byte, 0, len(r.buffer))
	out = append(out, r.buffer[r.writePos:]...)
	return append(out, r.buffer[:r.writePos]...)
}

func (r *OutputRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writePos = 0
	r.wrapped = false
}
