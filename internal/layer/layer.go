// Package layer describes the layers whose computation the op kernels carry
// out: their kind tag, immutable parameters and prebuilt connection tables.
package layer

import (
	"fmt"

	"github.com/born-ml/opkernel/internal/conntable"
	"github.com/born-ml/opkernel/internal/tensor"
)

// Kind tags a layer type. It selects kernel factories and device programs.
type Kind int

// Supported layer kinds.
const (
	Convolution Kind = iota
	AveragePooling
	FullyConnected
)

// String returns the layer type name.
func (k Kind) String() string {
	switch k {
	case Convolution:
		return "conv"
	case AveragePooling:
		return "ave-pool"
	case FullyConnected:
		return "fully-connected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Layer is the view of a layer that kernels borrow for one call.
type Layer interface {
	Kind() Kind
	// InSize, OutSize, WeightSize and BiasSize are per-sample slot lengths.
	InSize() int
	OutSize() int
	WeightSize() int
	BiasSize() int
	// KernelSource returns generated device program source, or "" to use
	// the device's built-in program for the kind.
	KernelSource() string
}

var (
	_ Layer = (*Conv)(nil)
	_ Layer = (*AvgPool)(nil)
	_ Layer = (*Fully)(nil)
)

// ConvParams are the immutable parameters of a convolution layer.
type ConvParams struct {
	In       tensor.Shape3D
	WindowW  int
	WindowH  int
	Stride   int
	OutDepth int
	Connect  conntable.ChannelMask
	HasBias  bool
}

// Conv is a convolution layer with its connection table.
type Conv struct {
	params ConvParams
	out    tensor.Shape3D
	table  *conntable.Table
	source string
}

// NewConv validates p and builds the connection table.
func NewConv(p ConvParams) (*Conv, error) {
	out, err := conntable.ConvOutShape(p.In, p.WindowW, p.WindowH, p.Stride, p.OutDepth)
	if err != nil {
		return nil, fmt.Errorf("layer: conv: %w", err)
	}
	tbl, err := conntable.Convolution(p.In, p.WindowW, p.WindowH, p.Stride, p.OutDepth, p.Connect, p.HasBias)
	if err != nil {
		return nil, fmt.Errorf("layer: conv: %w", err)
	}
	return &Conv{params: p, out: out, table: tbl}, nil
}

// Kind returns Convolution.
func (l *Conv) Kind() Kind { return Convolution }

// Params returns the layer parameters.
func (l *Conv) Params() ConvParams { return l.params }

// Out returns the output shape.
func (l *Conv) Out() tensor.Shape3D { return l.out }

// Table returns the shared, read-only connection table.
func (l *Conv) Table() *conntable.Table { return l.table }

func (l *Conv) InSize() int  { return l.params.In.Size() }
func (l *Conv) OutSize() int { return l.out.Size() }

func (l *Conv) WeightSize() int {
	return l.params.WindowW * l.params.WindowH * l.params.In.Depth * l.params.OutDepth
}

func (l *Conv) BiasSize() int {
	if l.params.HasBias {
		return l.params.OutDepth
	}
	return 0
}

func (l *Conv) KernelSource() string { return l.source }

// WithKernelSource returns a copy of the layer that carries generated device program source.
func (l *Conv) WithKernelSource(src string) *Conv {
	c := *l
	c.source = src
	return &c
}

// PoolParams are the immutable parameters of an average pooling layer.
// A zero ScaleFactor means 1/(PoolW*PoolH).
type PoolParams struct {
	In          tensor.Shape3D
	PoolW       int
	PoolH       int
	Stride      int
	ScaleFactor float32
}

// AvgPool is an average pooling layer with one weight and bias per channel.
type AvgPool struct {
	params PoolParams
	out    tensor.Shape3D
	scale  float32
	table  *conntable.Table
	source string
}

// NewAvgPool validates p and builds the connection table.
func NewAvgPool(p PoolParams) (*AvgPool, error) {
	out, err := conntable.PoolOutShape(p.In, p.PoolW, p.PoolH, p.Stride)
	if err != nil {
		return nil, fmt.Errorf("layer: ave-pool: %w", err)
	}
	tbl, err := conntable.AveragePooling(p.In, p.PoolW, p.PoolH, p.Stride)
	if err != nil {
		return nil, fmt.Errorf("layer: ave-pool: %w", err)
	}
	scale := p.ScaleFactor
	if scale == 0 {
		scale = 1 / float32(p.PoolW*p.PoolH)
	}
	return &AvgPool{params: p, out: out, scale: scale, table: tbl}, nil
}

// Kind returns AveragePooling.
func (l *AvgPool) Kind() Kind { return AveragePooling }

// Params returns the layer parameters as given.
func (l *AvgPool) Params() PoolParams { return l.params }

// Out returns the output shape.
func (l *AvgPool) Out() tensor.Shape3D { return l.out }

// ScaleFactor returns the fixed normalization applied to the channel weight.
func (l *AvgPool) ScaleFactor() float32 { return l.scale }

// Table returns the shared, read-only connection table.
func (l *AvgPool) Table() *conntable.Table { return l.table }

func (l *AvgPool) InSize() int          { return l.params.In.Size() }
func (l *AvgPool) OutSize() int         { return l.out.Size() }
func (l *AvgPool) WeightSize() int      { return l.params.In.Depth }
func (l *AvgPool) BiasSize() int        { return l.params.In.Depth }
func (l *AvgPool) KernelSource() string { return l.source }

// WithKernelSource returns a copy of the layer that carries generated device program source.
func (l *AvgPool) WithKernelSource(src string) *AvgPool {
	c := *l
	c.source = src
	return &c
}

// FullyParams are the immutable parameters of a fully-connected layer.
// Weight (i, o) is stored at i*OutSize + o.
type FullyParams struct {
	InSize  int
	OutSize int
	HasBias bool
}

// Fully is a fully-connected layer. It is computed with dense loops, so it
// carries no connection table.
type Fully struct {
	params FullyParams
	source string
}

// NewFully validates p.
func NewFully(p FullyParams) (*Fully, error) {
	if p.InSize <= 0 || p.OutSize <= 0 {
		return nil, fmt.Errorf("layer: fully-connected: %w: in=%d out=%d", conntable.ErrGeometry, p.InSize, p.OutSize)
	}
	return &Fully{params: p}, nil
}

// Kind returns FullyConnected.
func (l *Fully) Kind() Kind { return FullyConnected }

// Params returns the layer parameters.
func (l *Fully) Params() FullyParams { return l.params }

func (l *Fully) InSize() int     { return l.params.InSize }
func (l *Fully) OutSize() int    { return l.params.OutSize }
func (l *Fully) WeightSize() int { return l.params.InSize * l.params.OutSize }

func (l *Fully) BiasSize() int {
	if l.params.HasBias {
		return l.params.OutSize
	}
	return 0
}

func (l *Fully) KernelSource() string { return l.source }

// WithKernelSource returns a copy of the layer that carries generated device program source.
func (l *Fully) WithKernelSource(src string) *Fully {
	c := *l
	c.source = src
	return &c
}
