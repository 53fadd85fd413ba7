//go:build windows

package webgpu

import (
	"math/bits"
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const maxPerClass = 16 // Max idle buffers per size class and usage.

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opkernel_webgpu_staging_hits_total",
		Help: "Staging buffer requests served from the pool",
	})
	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opkernel_webgpu_staging_misses_total",
		Help: "Staging buffer requests that allocated a new buffer",
	})
	poolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opkernel_webgpu_staging_idle",
		Help: "Idle staging buffers held by the pool",
	})
)

type poolKey struct {
	class int // log2 of the rounded size
	usage wgpu.BufferUsage
}

// BufferPool reuses read-back staging buffers. Sizes are rounded up to a
// power of two so buffers of nearby sizes share a class.
type BufferPool struct {
	device *wgpu.Device

	mu   sync.Mutex
	idle map[poolKey][]*wgpu.Buffer
}

// NewBufferPool creates a new buffer pool for the given device.
func NewBufferPool(device *wgpu.Device) *BufferPool {
	return &BufferPool{device: device, idle: make(map[poolKey][]*wgpu.Buffer)}
}

// sizeClass returns the class of size and the allocation size of the class.
func sizeClass(size uint64) (int, uint64) {
	if size <= 1 {
		return 0, 1
	}
	c := bits.Len64(size - 1)
	return c, 1 << c
}

// Acquire gets a buffer of at least size bytes with the given usage.
func (p *BufferPool) Acquire(size uint64, usage wgpu.BufferUsage) *wgpu.Buffer {
	class, alloc := sizeClass(size)
	key := poolKey{class, usage}

	p.mu.Lock()
	if free := p.idle[key]; len(free) > 0 {
		buf := free[len(free)-1]
		p.idle[key] = free[:len(free)-1]
		p.mu.Unlock()
		poolHits.Inc()
		poolIdle.Dec()
		return buf
	}
	p.mu.Unlock()

	poolMisses.Inc()
	return p.device.CreateBuffer(&wgpu.BufferDescriptor{Usage: usage, Size: alloc})
}

// Release returns a buffer to the pool. If its class is full, the buffer
// is released immediately.
func (p *BufferPool) Release(buffer *wgpu.Buffer, size uint64, usage wgpu.BufferUsage) {
	class, _ := sizeClass(size)
	key := poolKey{class, usage}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle[key]) >= maxPerClass {
		buffer.Release()
		return
	}
	p.idle[key] = append(p.idle[key], buffer)
	poolIdle.Inc()
}

// Clear releases all pooled buffers.
func (p *BufferPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, free := range p.idle {
		for _, buf := range free {
			buf.Release()
			poolIdle.Dec()
		}
		delete(p.idle, key)
	}
}
