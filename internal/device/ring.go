package device

import (
	"encoding/binary"
	"sync"
)

// ring is the byte ring the capture callback writes into. The write cursor
// doubles as the read cursor: everything behind it is complete PCM.
type ring struct {
	mu        sync.Mutex
	data      []byte
	sliceSize int
	writePos  int
	written   int64 // total bytes written since reset
}

func newRing(size, sliceSize int) *ring {
	return &ring{data: make([]byte, size), sliceSize: sliceSize}
}

// write stores samples as little-endian int16 and reports how many slice
// boundaries the write crossed
func (r *ring) write(samples []int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := r.written / int64(r.sliceSize)
	for _, s := range samples {
		binary.LittleEndian.PutUint16(r.data[r.writePos:], uint16(s))
		r.writePos += 2
		if r.writePos >= len(r.data) {
			r.writePos = 0
		}
	}
	r.written += int64(2 * len(samples))
	return int(r.written/int64(r.sliceSize) - before)
}

// position returns the current write cursor
func (r *ring) position() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writePos
}

// readAt copies len(p) bytes from offset, wrapping at the end
func (r *ring) readAt(p []byte, offset int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	offset %= len(r.data)
	n := copy(p, r.data[offset:])
	if n < len(p) {
		n += copy(p[n:], r.data[:len(p)-n])
	}
	return n
}

func (r *ring) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.data)
	r.writePos = 0
	r.written = 0
}
