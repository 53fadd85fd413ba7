//go:build windows

package webgpu

import (
	"testing"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSizeClass(t *testing.T) {
	cases := []struct {
		size  uint64
		class int
		alloc uint64
	}{
		{0, 0, 1},
		{1, 0, 1},
		{2, 1, 2},
		{3, 2, 4},
		{4, 2, 4},
		{100, 7, 128},
		{4096, 12, 4096},
		{4097, 13, 8192},
	}
	for _, c := range cases {
		class, alloc := sizeClass(c.size)
		assert.Equal(t, c.class, class, "size %d", c.size)
		assert.Equal(t, c.alloc, alloc, "size %d", c.size)
		assert.GreaterOrEqual(t, alloc, c.size)
	}
}

func TestBufferPool_Reuse(t *testing.T) {
	dev := openDevice(t)
	pool := NewBufferPool(dev.device)
	defer pool.Clear()

	const usage = wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst
	hits := testutil.ToFloat64(poolHits)
	misses := testutil.ToFloat64(poolMisses)

	buf := pool.Acquire(100, usage)
	assert.NotNil(t, buf)
	assert.Equal(t, misses+1, testutil.ToFloat64(poolMisses))

	pool.Release(buf, 100, usage)
	// 120 rounds to the same 128-byte class.
	again := pool.Acquire(120, usage)
	assert.Same(t, buf, again)
	assert.Equal(t, hits+1, testutil.ToFloat64(poolHits))
	pool.Release(again, 120, usage)
}

func TestBufferPool_ClassLimit(t *testing.T) {
	dev := openDevice(t)
	pool := NewBufferPool(dev.device)
	defer pool.Clear()

	const usage = wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst
	bufs := make([]*wgpu.Buffer, maxPerClass+2)
	for i := range bufs {
		bufs[i] = pool.Acquire(64, usage)
	}
	for _, b := range bufs {
		pool.Release(b, 64, usage)
	}

	class, _ := sizeClass(64)
	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.Len(t, pool.idle[poolKey{class, usage}], maxPerClass)
}
