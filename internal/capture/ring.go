// SPDX-License-Identifier: MIT
package capture

import (
	"sync"

	"lumen/pkg/bitint"
)

// Ring is the sample buffer between the capture callback and the
// analysis loop: a fixed-capacity ring of mono int32 samples, written by
// exactly one producer and read by exactly one consumer. The writer
// overwrites the oldest samples and never blocks on the reader; the
// critical section is a short copy, safe for the real-time callback.
// The ring is never cleared, only overwritten.
type Ring struct {
	mu       sync.Mutex
	buf      []int32
	writePos int
	written  uint64 // total samples ever written
}

// NewRing creates a ring holding at least capacity samples, rounded up
// to a power of two. Size it generously (about two seconds of capture)
// so the analysis side can never starve the callback.
func NewRing(capacity int) *Ring {
	return &Ring{
		buf: make([]int32, bitint.NextPowerOfTwo(capacity)),
	}
}

// Write appends samples, overwriting the oldest data when full.
func (r *Ring) Write(samples []int32) {
	r.mu.Lock()
	for len(samples) > 0 {
		n := copy(r.buf[r.writePos:], samples)
		samples = samples[n:]
		r.writePos = (r.writePos + n) & (len(r.buf) - 1)
		r.written += uint64(n)
	}
	r.mu.Unlock()
}

// Latest copies the most recent len(dst) samples into dst, newest last,
// and returns the number copied. Less is returned only while the ring is
// still warming up.
func (r *Ring) Latest(dst []int32) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	requested := len(dst)
	if requested > len(r.buf) {
		requested = len(r.buf)
	}
	if avail := r.written; avail < uint64(requested) {
		requested = int(avail)
	}
	if requested == 0 {
		return 0
	}

	start := (r.writePos - requested + len(r.buf)) & (len(r.buf) - 1)
	if start+requested <= len(r.buf) {
		copy(dst, r.buf[start:start+requested])
	} else {
		first := len(r.buf) - start
		copy(dst[:first], r.buf[start:])
		copy(dst[first:requested], r.buf[:requested-first])
	}
	return requested
}

// Written returns the total number of samples ever written.
func (r *Ring) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Capacity returns the ring size in samples.
func (r *Ring) Capacity() int {
	return len(r.buf)
}
