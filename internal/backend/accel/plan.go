// Package accel implements the accelerator op kernels: each forward call is
// described by a binding plan from which buffer staging, argument binding
// and read-back are derived, then launched on a device.Device.
package accel

import (
	"fmt"

	"github.com/born-ml/opkernel/internal/device"
	"github.com/born-ml/opkernel/internal/kernel"
	"github.com/born-ml/opkernel/internal/layer"
)

// ArgKind classifies one positional argument of a plan.
type ArgKind int

// Argument kinds.
const (
	// SlotArg is a buffer staged from (and possibly read back into) a tensor slot.
	SlotArg ArgKind = iota
	// ConstArg is a read-only buffer uploaded from fixed words, e.g. the connect table.
	ConstArg
	// ScalarArg is a 32-bit value.
	ScalarArg
)

// ArgSpec describes one positional argument.
type ArgSpec struct {
	Name string
	Kind ArgKind

	// SlotArg
	Role   kernel.Role
	Access device.Access

	// ConstArg
	Words []uint32

	// ScalarArg
	Scalar device.Arg
}

// Plan is the declarative launch description of one forward call.
type Plan struct {
	Entry    string
	Args     []ArgSpec
	Geometry device.Geometry
}

// Bindings returns the slot arguments in positional order.
func (p *Plan) Bindings() []ArgSpec {
	var out []ArgSpec
	for _, a := range p.Args {
		if a.Kind == SlotArg {
			out = append(out, a)
		}
	}
	return out
}

// Scalars returns the scalar arguments in positional order.
func (p *Plan) Scalars() []ArgSpec {
	var out []ArgSpec
	for _, a := range p.Args {
		if a.Kind == ScalarArg {
			out = append(out, a)
		}
	}
	return out
}

// Names returns every argument name in positional order.
func (p *Plan) Names() []string {
	names := make([]string, len(p.Args))
	for i, a := range p.Args {
		names[i] = a.Name
	}
	return names
}

func slot(name string, r kernel.Role, access device.Access) ArgSpec {
	return ArgSpec{Name: name, Kind: SlotArg, Role: r, Access: access}
}

func uintArg(name string, v int) ArgSpec {
	return ArgSpec{Name: name, Kind: ScalarArg, Scalar: device.Uint32Arg(name, uint32(v))}
}

func floatArg(name string, v float32) ArgSpec {
	return ArgSpec{Name: name, Kind: ScalarArg, Scalar: device.Float32Arg(name, v)}
}

func boolArg(name string, v bool) ArgSpec {
	if v {
		return uintArg(name, 1)
	}
	return uintArg(name, 0)
}

// ioArgs are the leading arguments shared by every entry point. Every slot
// holds the whole batch, so the offsets are zero.
func ioArgs() []ArgSpec {
	return []ArgSpec{
		slot("in", kernel.In, device.ReadOnly),
		uintArg("in_offset", 0),
		slot("W", kernel.Weights, device.ReadOnly),
		uintArg("W_offset", 0),
		slot("bias", kernel.Bias, device.ReadOnly),
		uintArg("bias_offset", 0),
		slot("out", kernel.Out, device.WriteOnly),
		uintArg("out_offset", 0),
	}
}

// PlanFor returns the forward plan of l for a batch of the given size.
func PlanFor(l layer.Layer, batch int) (*Plan, error) {
	if batch <= 0 {
		return nil, fmt.Errorf("%w: batch %d", kernel.ErrPrecondition, batch)
	}
	switch l := l.(type) {
	case *layer.Conv:
		return convPlan(l, batch), nil
	case *layer.AvgPool:
		return poolPlan(l, batch), nil
	case *layer.Fully:
		return fullyPlan(l, batch), nil
	default:
		return nil, fmt.Errorf("%w: no device program for %T", kernel.ErrConfiguration, l)
	}
}

func convPlan(l *layer.Conv, batch int) *Plan {
	p := l.Params()
	out := l.Out()
	args := append(ioArgs(),
		uintArg("in_w", p.In.Width),
		uintArg("in_h", p.In.Height),
		uintArg("out_w", out.Width),
		uintArg("out_h", out.Height),
		ArgSpec{Name: "connect_table", Kind: ConstArg, Words: p.Connect.Words(p.In.Depth, p.OutDepth)},
		uintArg("in_depth", p.In.Depth),
		uintArg("window_w", p.WindowW),
		uintArg("window_h", p.WindowH),
		uintArg("stride", p.Stride),
		uintArg("out_depth", p.OutDepth),
		boolArg("has_bias", p.HasBias),
	)
	return &Plan{
		Entry:    device.EntryConvolution,
		Args:     args,
		Geometry: device.Spatial(out.Width, out.Height, out.Depth, batch),
	}
}

func poolPlan(l *layer.AvgPool, batch int) *Plan {
	p := l.Params()
	out := l.Out()
	args := append(ioArgs(),
		uintArg("in_w", p.In.Width),
		uintArg("in_h", p.In.Height),
		uintArg("out_w", out.Width),
		uintArg("out_h", out.Height),
		uintArg("in_depth", p.In.Depth),
		uintArg("pool_w", p.PoolW),
		uintArg("pool_h", p.PoolH),
		uintArg("stride", p.Stride),
		floatArg("scale_factor", l.ScaleFactor()),
	)
	return &Plan{
		Entry:    device.EntryAveragePooling,
		Args:     args,
		Geometry: device.Spatial(out.Width, out.Height, out.Depth, batch),
	}
}

func fullyPlan(l *layer.Fully, batch int) *Plan {
	p := l.Params()
	args := append(ioArgs(),
		uintArg("in_size", p.InSize),
		uintArg("out_size", p.OutSize),
		boolArg("has_bias", p.HasBias),
	)
	return &Plan{
		Entry:    device.EntryFullyConnected,
		Args:     args,
		Geometry: device.Dense(p.OutSize, batch),
	}
}
