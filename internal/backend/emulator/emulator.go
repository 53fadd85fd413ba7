// Package emulator is a software accelerator. It implements the device
// interfaces over host memory and runs the forward entry points once per
// work item, in launch order, when the queue is finished.
package emulator

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/born-ml/opkernel/internal/device"
	"github.com/born-ml/opkernel/internal/layer"
)

// Name is the device name reported by the emulator.
const Name = "emulator"

// DefaultMaxWorkGroupSize matches the WebGPU default limit.
const DefaultMaxWorkGroupSize = 256

var (
	// ErrReleased reports use of a released buffer.
	ErrReleased = errors.New("emulator: buffer released")
	// ErrOutOfRange reports an access outside a buffer.
	ErrOutOfRange = errors.New("emulator: access out of range")
	// ErrForeignBuffer reports a buffer argument not allocated by this device.
	ErrForeignBuffer = errors.New("emulator: buffer belongs to another device")
)

// Option configures a Device.
type Option func(*Device)

// WithMaxWorkGroupSize sets the work-group limit reported to kernels.
func WithMaxWorkGroupSize(n int) Option {
	return func(d *Device) { d.maxWorkGroup = n }
}

// Device is the software accelerator.
type Device struct {
	maxWorkGroup int
	queue        *Queue

	mu        sync.Mutex
	allocated int
}

var _ device.Device = (*Device)(nil)

// New returns an emulator device.
func New(opts ...Option) *Device {
	d := &Device{maxWorkGroup: DefaultMaxWorkGroupSize}
	for _, o := range opts {
		o(d)
	}
	d.queue = &Queue{dev: d}
	return d
}

// Name returns "emulator".
func (d *Device) Name() string { return Name }

// MaxWorkGroupSize returns the configured work-group limit.
func (d *Device) MaxWorkGroupSize() int { return d.maxWorkGroup }

// Queue returns the device's single in-order queue.
func (d *Device) Queue() device.Queue { return d.queue }

// NewBuffer allocates n zeroed words.
func (d *Device) NewBuffer(access device.Access, n int) (device.Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("emulator: buffer of %d words", n)
	}
	d.mu.Lock()
	d.allocated++
	d.mu.Unlock()
	return &Buffer{dev: d, access: access, data: make([]uint32, n)}, nil
}

// Live returns the number of allocated, unreleased buffers.
func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

// Buffer is host memory standing in for device memory.
type Buffer struct {
	dev    *Device
	access device.Access
	data   []uint32
}

var _ device.Buffer = (*Buffer)(nil)

// Len returns the buffer length in words.
func (b *Buffer) Len() int { return len(b.data) }

// Access returns the access mode the buffer was created with.
func (b *Buffer) Access() device.Access { return b.access }

func (b *Buffer) span(offset, n int) ([]uint32, error) {
	if b.data == nil {
		return nil, ErrReleased
	}
	if offset < 0 || offset+n > len(b.data) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d words", ErrOutOfRange, offset, offset+n, len(b.data))
	}
	return b.data[offset : offset+n], nil
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
	return nil
}

// WriteUint32 stores data at the word offset.
func (b *Buffer) WriteUint32(offset int, data []uint32) error {
	dst, err := b.span(offset, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// ReadFloat32 loads len(dst) words from the word offset.
func (b *Buffer) ReadFloat32(offset int, dst []float32) error {
	src, err := b.span(offset, len(dst))
	if err != nil {
		return err
	}
	for i, v := range src {
		dst[i] = math.Float32frombits(v)
	}
	return nil
}

// Release frees the buffer. Releasing twice is a no-op.
func (b *Buffer) Release() {
	if b.data == nil {
		return
	}
	b.data = nil
	b.dev.mu.Lock()
	b.dev.allocated--
	b.dev.mu.Unlock()
}

// entry is a launchable emulated entry point.
type entry struct {
	name  string
	nargs int
	run   func(f *frame, gid [3]int)
}

func (e *entry) Name() string { return e.name }

var entries = map[string]*entry{
	device.EntryConvolution:    {name: device.EntryConvolution, nargs: convArgs, run: convolution},
	device.EntryAveragePooling: {name: device.EntryAveragePooling, nargs: poolArgs, run: averagePooling},
	device.EntryFullyConnected: {name: device.EntryFullyConnected, nargs: fullyArgs, run: fullyConnected},
}

// Program exposes the entry point of one layer kind.
type Program struct {
	entry *entry
}

// Entry returns the named entry point.
func (p *Program) Entry(name string) (device.Entry, error) {
	if p.entry == nil || p.entry.name != name {
		return nil, fmt.Errorf("%w: %q", device.ErrUnknownEntry, name)
	}
	return p.entry, nil
}

// Registry hands out the built-in programs. Generated kernel source cannot
// be compiled by the emulator.
type Registry struct{}

var _ device.Registry = Registry{}

// Program returns the built-in program of kind.
func (Registry) Program(d device.Device, kind layer.Kind, source string) (device.Program, error) {
	if _, ok := d.(*Device); !ok {
		return nil, fmt.Errorf("emulator: cannot build programs for device %s", d.Name())
	}
	if source != "" {
		return nil, fmt.Errorf("emulator: generated kernel source is not supported (%s)", kind)
	}
	e, ok := entries[device.EntryFor(kind)]
	if !ok {
		return nil, fmt.Errorf("emulator: no program for %s", kind)
	}
	return &Program{entry: e}, nil
}
