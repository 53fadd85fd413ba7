//go:build windows

package webgpu

import (
	"fmt"
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/opkernel/internal/device"
	"github.com/born-ml/opkernel/internal/layer"
)

// Device is a WebGPU adapter and device with its shader and pipeline cache.
type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	// Shader and pipeline cache, keyed by entry, source and workgroup size.
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
	mu        sync.RWMutex

	adapterInfo  *wgpu.AdapterInfo
	maxWorkGroup int

	// Staging buffers for read-back.
	staging *BufferPool

	// Launches are encoded immediately and submitted together on Finish.
	pendingCommands []*wgpu.CommandBuffer
	inflight        []releaser
	pendingMu       sync.Mutex

	q *Queue
}

var _ device.Device = (*Device)(nil)

type releaser interface {
	Release()
}

// New opens the default adapter.
// Returns ErrUnavailable if WebGPU is not available or initialization fails.
func New(opts Options) (dev *Device, err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			dev = nil
			err = fmt.Errorf("%w: native library: %v", ErrUnavailable, r)
		}
	}()

	instance := wgpu.CreateInstance(nil)

	var adapterOpts *wgpu.RequestAdapterOptions
	if opts.HighPerformance {
		adapterOpts = &wgpu.RequestAdapterOptions{PowerPreference: wgpu.PowerPreferenceHighPerformance}
	}
	adapter, err := instance.RequestAdapter(adapterOpts)
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("%w: request adapter: %w", ErrUnavailable, err)
	}
	adapterInfo := adapter.GetInfo()

	gpu, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: request device: %w", ErrUnavailable, err)
	}

	queue := gpu.GetQueue()
	if queue == nil {
		gpu.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: no queue", ErrUnavailable)
	}

	d := &Device{
		instance:     instance,
		adapter:      adapter,
		device:       gpu,
		queue:        queue,
		shaders:      make(map[string]*wgpu.ShaderModule),
		pipelines:    make(map[string]*wgpu.ComputePipeline),
		adapterInfo:  &adapterInfo,
		maxWorkGroup: opts.maxWorkGroupSize(),
		staging:      NewBufferPool(gpu),
	}
	d.q = &Queue{dev: d}
	return d, nil
}

// Name returns the adapter description.
func (d *Device) Name() string {
	if d.adapterInfo != nil {
		return fmt.Sprintf("webgpu (%v %v)", d.adapterInfo.Vendor, d.adapterInfo.Device)
	}
	return "webgpu"
}

// MaxWorkGroupSize returns the configured invocations-per-workgroup limit.
func (d *Device) MaxWorkGroupSize() int { return d.maxWorkGroup }

// Queue returns the device queue.
func (d *Device) Queue() device.Queue { return d.q }

// Programs returns the program registry of the device.
func (d *Device) Programs() device.Registry { return Registry{} }

// NewBuffer returns a buffer of n words. Storage is created on the GPU at
// the first launch that binds it.
func (d *Device) NewBuffer(access device.Access, n int) (device.Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("webgpu: buffer of %d words", n)
	}
	return &Buffer{dev: d, access: access, shadow: make([]uint32, n), dirty: true}, nil
}

// Release releases all WebGPU resources.
// Must be called when the device is no longer needed.
func (d *Device) Release() {
	d.flushCommands()
	d.releaseInflight()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.staging != nil {
		d.staging.Clear()
		d.staging = nil
	}
	for _, p := range d.pipelines {
		p.Release()
	}
	d.pipelines = nil
	for _, s := range d.shaders {
		s.Release()
	}
	d.shaders = nil

	if d.queue != nil {
		d.queue.Release()
		d.queue = nil
	}
	if d.device != nil {
		d.device.Release()
		d.device = nil
	}
	if d.adapter != nil {
		d.adapter.Release()
		d.adapter = nil
	}
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}
}

// IsAvailable checks if WebGPU is available on this system.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// Adapters describes the available adapters. WebGPU only exposes the
// default one.
func Adapters() (names []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			names = nil
			err = fmt.Errorf("%w: native library: %v", ErrUnavailable, r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer adapter.Release()

	info := adapter.GetInfo()
	return []string{fmt.Sprintf("%v %v (%v)", info.Vendor, info.Device, info.Description)}, nil
}

// Registry hands out the forward programs of a Device. Shaders are
// compiled lazily per workgroup size at launch.
type Registry struct{}

var _ device.Registry = Registry{}

// Program returns the program of kind. A non-empty source replaces the
// built-in WGSL template.
func (Registry) Program(d device.Device, kind layer.Kind, source string) (device.Program, error) {
	if _, ok := d.(*Device); !ok {
		return nil, fmt.Errorf("webgpu: cannot build programs for device %s", d.Name())
	}
	name := device.EntryFor(kind)
	if _, ok := builtinShaders[name]; !ok {
		return nil, fmt.Errorf("webgpu: no program for %s", kind)
	}
	return &program{entry: &entry{name: name, source: source}}, nil
}

type program struct {
	entry *entry
}

func (p *program) Entry(name string) (device.Entry, error) {
	if p.entry.name != name {
		return nil, fmt.Errorf("%w: %q", device.ErrUnknownEntry, name)
	}
	return p.entry, nil
}

type entry struct {
	name   string
	source string
}

func (e *entry) Name() string { return e.name }
