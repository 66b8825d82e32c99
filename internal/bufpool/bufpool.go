// Package bufpool provides size-classed buffer recycling for the
// byte-slices handed from the DSP kernels to the disk writer queue.
// Buffers are bucketed small/medium/large so a pool of one size class
// never gets starved by callers requesting another, and each buffer
// carries a reference count so it returns to its pool exactly once.
package bufpool

import (
	"sync"
	"sync/atomic"
)

// Config sizes the three buckets, in bytes.
type Config struct {
	SmallSize  int
	MediumSize int
	LargeSize  int
}

// DefaultConfig sizes buckets for typical 10-20ms blocks of 16/32-bit
// stereo PCM at 48kHz: small covers mic-only blocks, medium covers
// mixed stereo blocks, large covers worst-case jitter bursts.
func DefaultConfig() Config {
	return Config{
		SmallSize:  4 * 1024,
		MediumSize: 16 * 1024,
		LargeSize:  64 * 1024,
	}
}

// Stats reports pool activity for diagnostics/metrics export.
type Stats struct {
	Rented    int64
	Returned  int64
	Oversized int64
	Active    int64
}

// Buffer is a pooled, reference-counted byte slice. Callers rent one
// via Pool.Get, write up to Len() bytes, and call Release when done;
// the buffer only returns to the pool once the reference count drops
// to zero, so a buffer handed to both the disk writer and an event
// payload is not recycled out from under either consumer.
type Buffer struct {
	data     []byte
	length   int
	refCount int32
	pool     *Pool
}

// Bytes returns the valid portion of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.length]
}

// Len returns the valid length.
func (b *Buffer) Len() int {
	return b.length
}

// Cap returns the backing capacity.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Acquire increments the reference count, e.g. when handing the same
// block to a second consumer (mix output alongside system-only output).
func (b *Buffer) Acquire() {
	atomic.AddInt32(&b.refCount, 1)
}

// Release decrements the reference count and returns the buffer to its
// pool once no consumer still holds it. Safe to call exactly once per
// Acquire/initial rent.
func (b *Buffer) Release() {
	if b.pool == nil {
		return
	}
	if atomic.AddInt32(&b.refCount, -1) == 0 {
		b.pool.put(b)
	}
}

// Pool hands out size-classed buffers and recycles them on Release.
type Pool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
	config Config

	mu    sync.Mutex
	stats Stats
}

// New creates a Pool with the given bucket sizes.
func New(config Config) *Pool {
	p := &Pool{config: config}
	p.small.New = func() any {
		return &Buffer{data: make([]byte, config.SmallSize), pool: p}
	}
	p.medium.New = func() any {
		return &Buffer{data: make([]byte, config.MediumSize), pool: p}
	}
	p.large.New = func() any {
		return &Buffer{data: make([]byte, config.LargeSize), pool: p}
	}
	return p
}

// Get rents a buffer with capacity for at least size bytes, with a
// reference count of one.
func (p *Pool) Get(size int) *Buffer {
	var buf *Buffer
	switch {
	case size <= p.config.SmallSize:
		buf = p.small.Get().(*Buffer)
	case size <= p.config.MediumSize:
		buf = p.medium.Get().(*Buffer)
	case size <= p.config.LargeSize:
		buf = p.large.Get().(*Buffer)
	default:
		buf = &Buffer{data: make([]byte, size), pool: p}
		p.mu.Lock()
		p.stats.Oversized++
		p.mu.Unlock()
	}

	if cap(buf.data) < size {
		buf.data = make([]byte, size)
	}
	buf.length = size
	buf.refCount = 1

	p.mu.Lock()
	p.stats.Rented++
	p.stats.Active++
	p.mu.Unlock()

	return buf
}

func (p *Pool) put(buf *Buffer) {
	p.mu.Lock()
	p.stats.Returned++
	p.stats.Active--
	p.mu.Unlock()

	buf.length = 0
	buf.refCount = 0

	capacity := cap(buf.data)
	switch {
	case capacity <= p.config.SmallSize:
		p.small.Put(buf)
	case capacity <= p.config.MediumSize:
		p.medium.Put(buf)
	case capacity <= p.config.LargeSize:
		p.large.Put(buf)
	default:
		// Oversized buffers are not recycled.
	}
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
