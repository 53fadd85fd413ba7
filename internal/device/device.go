// Package device defines the accelerator collaborators the op kernels
// drive: devices, buffers, command queues and compiled programs.
//
// The interfaces are deliberately small so the staging and launch protocol
// can be exercised without any particular GPU API.
package device

import (
	"errors"
	"math"

	"github.com/born-ml/opkernel/internal/layer"
)

// ErrUnknownEntry reports a program without the requested entry point.
var ErrUnknownEntry = errors.New("device: unknown entry point")

// Entry point names. They are the wire contract between the accelerator
// kernels and the device programs; see the argument orders below.
const (
	// EntryConvolution arguments: in, in_offset, W, W_offset, bias,
	// bias_offset, out, out_offset, in_w, in_h, out_w, out_h,
	// connect_table, in_depth, window_w, window_h, stride, out_depth,
	// has_bias.
	EntryConvolution = "CFMulti"
	// EntryAveragePooling arguments: in, in_offset, W, W_offset, bias,
	// bias_offset, out, out_offset, in_w, in_h, out_w, out_h, in_depth,
	// pool_w, pool_h, stride, scale_factor.
	EntryAveragePooling = "AveragePooling"
	// EntryFullyConnected arguments: in, in_offset, W, W_offset, bias,
	// bias_offset, out, out_offset, in_size, out_size, has_bias.
	EntryFullyConnected = "FullyConnected"
)

// EntryFor returns the forward entry point name of a layer kind.
func EntryFor(kind layer.Kind) string {
	switch kind {
	case layer.Convolution:
		return EntryConvolution
	case layer.AveragePooling:
		return EntryAveragePooling
	case layer.FullyConnected:
		return EntryFullyConnected
	default:
		return ""
	}
}

// Access is the access mode of a device buffer as seen by a program.
type Access int

// Buffer access modes.
const (
	ReadOnly Access = iota
	WriteOnly
	ReadWrite
)

// String returns the access mode name.
func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "read-only"
	case WriteOnly:
		return "write-only"
	case ReadWrite:
		return "read-write"
	default:
		return "unknown"
	}
}

// Readable reports whether the host uploads the buffer before launch.
func (a Access) Readable() bool { return a == ReadOnly || a == ReadWrite }

// Writable reports whether the host downloads the buffer after launch.
func (a Access) Writable() bool { return a == WriteOnly || a == ReadWrite }

// Buffer is device-resident memory of 32-bit words.
type Buffer interface {
	// Len returns the buffer length in words.
	Len() int
	Access() Access
	// WriteFloat32 copies data to the buffer starting at word offset.
	WriteFloat32(offset int, data []float32) error
	// WriteUint32 copies data to the buffer starting at word offset.
	WriteUint32(offset int, data []uint32) error
	// ReadFloat32 copies len(dst) words starting at offset into dst.
	ReadFloat32(offset int, dst []float32) error
	Release()
}

// Entry is a launchable entry point of a compiled program.
type Entry interface {
	Name() string
}

// Program is a compiled device program.
type Program interface {
	Entry(name string) (Entry, error)
}

// Queue issues launches. Launch may return before the program has run;
// Finish blocks until every issued launch has completed.
type Queue interface {
	Launch(e Entry, args []Arg, g Geometry) error
	Finish() error
}

// Device is an accelerator handle.
type Device interface {
	Name() string
	// MaxWorkGroupSize is the largest permitted product of local extents.
	MaxWorkGroupSize() int
	NewBuffer(access Access, n int) (Buffer, error)
	Queue() Queue
}

// Registry hands out compiled programs. Compilation and caching policy
// belong to the registry; kernels only look up entry points.
type Registry interface {
	Program(d Device, kind layer.Kind, source string) (Program, error)
}

// Arg is one positional kernel argument: a buffer or a 32-bit scalar.
type Arg struct {
	Name   string
	Buffer Buffer

	bits  uint32
	float bool
}

// BufferArg binds a buffer.
func BufferArg(name string, b Buffer) Arg {
	return Arg{Name: name, Buffer: b}
}

// Uint32Arg binds an unsigned scalar.
func Uint32Arg(name string, v uint32) Arg {
	return Arg{Name: name, bits: v}
}

// Float32Arg binds a float scalar.
func Float32Arg(name string, v float32) Arg {
	return Arg{Name: name, bits: math.Float32bits(v), float: true}
}

// IsBuffer reports whether the argument is a buffer.
func (a Arg) IsBuffer() bool { return a.Buffer != nil }

// IsFloat reports whether the scalar holds a float.
func (a Arg) IsFloat() bool { return a.float }

// Bits returns the raw scalar word.
func (a Arg) Bits() uint32 { return a.bits }

// Uint32 returns the scalar as an unsigned integer.
func (a Arg) Uint32() uint32 { return a.bits }

// Int returns the scalar as an int.
func (a Arg) Int() int { return int(a.bits) }

// Float32 returns the scalar as a float.
func (a Arg) Float32() float32 { return math.Float32frombits(a.bits) }
