// Package jitter provides the FIFO that decouples the network receive path
// from the audio playback callback.
//
// Producers call [Buffer.Push] from the network goroutine; the consumer calls
// [Buffer.TryPop] from the real-time playback callback. TryPop never blocks
// waiting for data: an empty buffer is reported immediately so the caller can
// emit silence instead of stalling the device.
package jitter

import (
	"sync"
	"time"
)

// Entry is one decoded block waiting for playback.
type Entry struct {
	// Audio holds the decoded int16 samples. Ownership passes to whoever pops
	// the entry.
	Audio []int16

	// Latency is the round-trip time measured when the block was received:
	// receive wall clock minus the capture timestamp echoed by the server.
	Latency time.Duration
}

// Option configures a [Buffer].
type Option func(*Buffer)

// WithCapacity bounds the buffer to n entries. When full, Push discards the
// oldest entry to make room and increments [Buffer.Dropped]. n <= 0 leaves
// the buffer unbounded.
func WithCapacity(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.capacity = n
		}
	}
}

const initialSlots = 16

// Buffer is a thread-safe FIFO of [Entry] values backed by a growable ring.
// The critical section of every operation is a few slice index updates, so a
// real-time consumer never waits on a producer for long.
type Buffer struct {
	mu       sync.Mutex
	ring     []Entry
	head     int
	size     int
	capacity int
	dropped  uint64
}

// New creates an empty buffer. Without options it is unbounded.
func New(opts ...Option) *Buffer {
	b := &Buffer{}
	for _, o := range opts {
		o(b)
	}
	slots := initialSlots
	if b.capacity > 0 {
		slots = b.capacity
	}
	b.ring = make([]Entry, slots)
	return b
}

// Push appends e at the tail. It never blocks on the consumer.
func (b *Buffer) Push(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity > 0 && b.size == b.capacity {
		b.ring[b.head] = Entry{}
		b.head = (b.head + 1) % len(b.ring)
		b.size--
		b.dropped++
	}
	if b.size == len(b.ring) {
		b.grow()
	}
	b.ring[(b.head+b.size)%len(b.ring)] = e
	b.size++
}

// TryPop removes and returns the head entry. ok is false when the buffer is
// empty; in that case the call has no other effect.
func (b *Buffer) TryPop() (e Entry, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return Entry{}, false
	}
	e = b.ring[b.head]
	b.ring[b.head] = Entry{}
	b.head = (b.head + 1) % len(b.ring)
	b.size--
	return e, true
}

// Len returns the number of queued entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped returns how many entries were discarded by a bounded buffer.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Reset discards every queued entry and returns how many were discarded.
func (b *Buffer) Reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.size
	clear(b.ring)
	b.head = 0
	b.size = 0
	return n
}

// grow doubles the ring, unrolling it so the head lands at index zero.
// Must be called with b.mu held.
func (b *Buffer) grow() {
	next := make([]Entry, len(b.ring)*2)
	n := copy(next, b.ring[b.head:])
	copy(next[n:], b.ring[:b.head])
	b.ring = next
	b.head = 0
}
