package jobs

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
)

// DefaultLogRingSize bounds the retained log of one job
const DefaultLogRingSize = 64 << 10

// logRing keeps the newest bytes written to a job log. When bytes are
// dropped, reads are prefixed with a single marker counting them.
type logRing struct {
	mu      sync.Mutex
	size    int
	buf     []byte
	dropped int64
}

func newLogRing(size int) *logRing {
	if size <= 0 {
		size = DefaultLogRingSize
	}
	return &logRing{size: size}
}

func (r *logRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(p)
	if len(p) >= r.size {
		r.dropped += int64(len(r.buf) + len(p) - r.size)
		r.buf = append(r.buf[:0], p[len(p)-r.size:]...)
		return n, nil
	}
	if over := len(r.buf) + len(p) - r.size; over > 0 {
		r.dropped += int64(over)
		r.buf = append(r.buf[:0], r.buf[over:]...)
	}
	r.buf = append(r.buf, p...)
	return n, nil
}

func (r *logRing) marker() string {
	return fmt.Sprintf("[... %d bytes dropped ...]\n", r.dropped)
}

// Bytes returns the retained log
func (r *logRing) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dropped == 0 {
		return append([]byte(nil), r.buf...)
	}
	out := []byte(r.marker())
	return append(out, r.buf...)
}

// Dropped returns the number of bytes lost to overflow
func (r *logRing) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// excerpt returns the first and last ten lines
func (r *logRing) excerpt() string {
	data := r.Bytes()
	if len(data) == 0 {
		return ""
	}
	lines := strings.SplitAfter(string(bytes.TrimRight(data, "\n")), "\n")
	if len(lines) <= 20 {
		return string(data)
	}
	head := strings.Join(lines[:10], "")
	tail := strings.Join(lines[len(lines)-10:], "")
	return fmt.Sprintf("%s... %d more lines ...\n%s\n", head, len(lines)-20, tail)
}
