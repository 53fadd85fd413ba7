//go:build windows

package webgpu

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/opkernel/internal/device"
)

var errReleased = errors.New("webgpu: buffer released")

// compileShader compiles WGSL shader code into a ShaderModule.
// Results are cached in the Device's shaders map.
func (d *Device) compileShader(key, code string) *wgpu.ShaderModule {
	d.mu.RLock()
	if shader, exists := d.shaders[key]; exists {
		d.mu.RUnlock()
		return shader
	}
	d.mu.RUnlock()

	shader := d.device.CreateShaderModuleWGSL(code)

	d.mu.Lock()
	d.shaders[key] = shader
	d.mu.Unlock()
	return shader
}

// getOrCreatePipeline returns a cached ComputePipeline or creates a new one
// with auto layout for the named entry point.
func (d *Device) getOrCreatePipeline(key, entryPoint string, shader *wgpu.ShaderModule) *wgpu.ComputePipeline {
	d.mu.RLock()
	if pipeline, exists := d.pipelines[key]; exists {
		d.mu.RUnlock()
		return pipeline
	}
	d.mu.RUnlock()

	pipeline := d.device.CreateComputePipelineSimple(nil, shader, entryPoint)

	d.mu.Lock()
	d.pipelines[key] = pipeline
	d.mu.Unlock()
	return pipeline
}

// createBuffer creates a GPU buffer initialized with data.
func (d *Device) createBuffer(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(len(data))
	buffer := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})

	mappedPtr := buffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	copy(unsafe.Slice((*byte)(mappedPtr), size), data)
	buffer.Unmap()
	return buffer
}

// createUniformBuffer creates a uniform buffer; data is already 16-byte aligned.
func (d *Device) createUniformBuffer(data []byte) *wgpu.Buffer {
	return d.createBuffer(data, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
}

// readBuffer reads size bytes of a storage buffer through a pooled staging
// buffer. Pending launches are submitted first; mapping blocks until they
// have completed.
func (d *Device) readBuffer(src *wgpu.Buffer, size uint64) ([]byte, error) {
	d.flushCommands()

	const usage = wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst
	staging := d.staging.Acquire(size, usage)
	defer d.staging.Release(staging, size, usage)

	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	d.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(d.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, fmt.Errorf("webgpu: map staging buffer: %w", err)
	}
	mappedPtr := staging.GetMappedRange(0, size)
	result := make([]byte, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	copy(result, unsafe.Slice((*byte)(mappedPtr), size))
	staging.Unmap()
	return result, nil
}

// queueCommand adds a command buffer and the transient objects it uses to
// the pending batch.
func (d *Device) queueCommand(cmd *wgpu.CommandBuffer, keep ...releaser) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pendingCommands = append(d.pendingCommands, cmd)
	d.inflight = append(d.inflight, keep...)
}

// flushCommands submits all pending command buffers to the GPU queue.
func (d *Device) flushCommands() {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if len(d.pendingCommands) == 0 {
		return
	}
	d.queue.Submit(d.pendingCommands...)
	d.pendingCommands = d.pendingCommands[:0]
}

func (d *Device) releaseInflight() {
	d.pendingMu.Lock()
	keep := d.inflight
	d.inflight = nil
	d.pendingMu.Unlock()
	for _, r := range keep {
		r.Release()
	}
}

// Buffer is a storage buffer with a host shadow. Writes go to the shadow
// and are uploaded when a launch binds the buffer; reads after a launch
// copy the GPU contents back once.
type Buffer struct {
	dev    *Device
	access device.Access
	shadow []uint32
	gpu    *wgpu.Buffer

	dirty bool // shadow newer than gpu
	stale bool // gpu newer than shadow
}

var _ device.Buffer = (*Buffer)(nil)

// Len returns the buffer length in words.
func (b *Buffer) Len() int { return len(b.shadow) }

// Access returns the access mode the buffer was created with.
func (b *Buffer) Access() device.Access { return b.access }

func (b *Buffer) span(offset, n int) ([]uint32, error) {
	if b.shadow == nil {
		return nil, errReleased
	}
	if offset < 0 || offset+n > len(b.shadow) {
		return nil, fmt.Errorf("webgpu: range [%d, %d) outside %d words", offset, offset+n, len(b.shadow))
	}
	return b.shadow[offset : offset+n], nil
}

// WriteFloat32 stores data at the word offset.
func (b *Buffer) WriteFloat32(offset int, data []float32) error {
	dst, err := b.span(offset, len(data))
	if err != nil {
		return err
	}
	for i, v := range data {
		dst[i] = math.Float32bits(v)
	}
	b.dirty = true
	return nil
}

// WriteUint32 stores data at the word offset.
func (b *Buffer) WriteUint32(offset int, data []uint32) error {
	dst, err := b.span(offset, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	b.dirty = true
	return nil
}

// ReadFloat32 loads len(dst) words from the word offset, synchronizing
// with the GPU first if a launch wrote the buffer.
func (b *Buffer) ReadFloat32(offset int, dst []float32) error {
	if b.stale {
		if err := b.sync(); err != nil {
			return err
		}
	}
	src, err := b.span(offset, len(dst))
	if err != nil {
		return err
	}
	for i, v := range src {
		dst[i] = math.Float32frombits(v)
	}
	return nil
}

// Release frees the GPU buffer.
func (b *Buffer) Release() {
	if b.gpu != nil {
		b.gpu.Release()
		b.gpu = nil
	}
	b.shadow = nil
}

func (b *Buffer) bytes() []byte {
	//nolint:gosec // reinterpret the word shadow as its little-endian bytes
	return unsafe.Slice((*byte)(unsafe.Pointer(&b.shadow[0])), len(b.shadow)*4)
}

func (b *Buffer) size() uint64 { return uint64(len(b.shadow) * 4) }

// materialize returns the GPU buffer, uploading the shadow if it changed.
func (b *Buffer) materialize() (*wgpu.Buffer, error) {
	if b.shadow == nil {
		return nil, errReleased
	}
	if b.gpu != nil && !b.dirty {
		return b.gpu, nil
	}
	if b.gpu != nil {
		b.gpu.Release()
	}
	b.gpu = b.dev.createBuffer(b.bytes(), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc|wgpu.BufferUsageCopyDst)
	b.dirty = false
	return b.gpu, nil
}

func (b *Buffer) sync() error {
	data, err := b.dev.readBuffer(b.gpu, b.size())
	if err != nil {
		return err
	}
	copy(b.bytes(), data)
	b.stale = false
	return nil
}

// Queue encodes one compute pass per launch.
type Queue struct {
	dev *Device
	mu  sync.Mutex
}

var _ device.Queue = (*Queue)(nil)

// Launch binds args and records a dispatch of g. Storage buffers take
// bindings 0..n-1 in argument order and the packed scalars binding n.
func (q *Queue) Launch(e device.Entry, args []device.Arg, g device.Geometry) error {
	ent, ok := e.(*entry)
	if !ok {
		return fmt.Errorf("webgpu: entry %s was not built by this device", e.Name())
	}
	d := q.dev
	if err := g.Validate(d.maxWorkGroup); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	src, err := ShaderSource(ent.name, ent.source, g.Local)
	if err != nil {
		return err
	}
	key := shaderKey(ent.name, ent.source, g.Local)
	pipeline := d.getOrCreatePipeline(key, ent.name, d.compileShader(key, src))

	buffers, scalars := splitArgs(args)
	entries := make([]wgpu.BindGroupEntry, 0, len(buffers)+1)
	var written []*Buffer
	for i, a := range buffers {
		b, ok := a.Buffer.(*Buffer)
		if !ok || b.dev != d {
			return fmt.Errorf("webgpu: argument %s is not a buffer of this device", a.Name)
		}
		gpu, err := b.materialize()
		if err != nil {
			return fmt.Errorf("webgpu: argument %s: %w", a.Name, err)
		}
		//nolint:gosec // G115: binding indices are small
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i), gpu, 0, b.size()))
		if b.access.Writable() {
			written = append(written, b)
		}
	}

	params := packParams(scalars)
	paramBuf := d.createUniformBuffer(params)
	//nolint:gosec // G115: binding indices are small
	entries = append(entries, wgpu.BufferBindingEntry(uint32(len(buffers)), paramBuf, 0, uint64(len(params))))

	bindGroup := d.device.CreateBindGroupSimple(pipeline.GetBindGroupLayout(0), entries)

	encoder := d.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	groups := g.Groups()
	//nolint:gosec // G115: workgroup counts are positive after Validate
	pass.DispatchWorkgroups(uint32(groups[0]), uint32(groups[1]), uint32(groups[2]))
	pass.End()

	d.queueCommand(encoder.Finish(nil), bindGroup, paramBuf)
	for _, b := range written {
		b.stale = true
	}
	return nil
}

// Finish submits every recorded launch and releases per-launch objects.
// Read-back through Buffer.ReadFloat32 blocks until the GPU is done.
func (q *Queue) Finish() error {
	q.dev.flushCommands()
	q.dev.releaseInflight()
	return nil
}
