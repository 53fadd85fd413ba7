package kernel

import (
	"cmp"
	"fmt"
	"slices"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/born-ml/opkernel/internal/device"
	"github.com/born-ml/opkernel/internal/layer"
	"github.com/born-ml/opkernel/internal/parallel"
	"github.com/born-ml/opkernel/internal/tensor"
)

// Op selects the forward or backward computation.
type Op int

// Operations.
const (
	Forward Op = iota
	Backward
)

// String returns the op name.
func (o Op) String() string {
	if o == Backward {
		return "backward"
	}
	return "forward"
}

// Role names a tensor slot of one invocation.
type Role int

// Slot roles.
const (
	In         Role = iota // input activations (prev_out in backward)
	Weights                // one sample
	Bias                   // one sample; empty if the layer has no bias
	Out                    // output activations
	OutGrad                // gradient w.r.t. Out (curr_delta)
	InGrad                 // gradient w.r.t. In (prev_delta)
	WeightGrad             // per-sample weight gradient
	BiasGrad               // per-sample bias gradient
)

var roleNames = [...]string{"in", "weights", "bias", "out", "out_grad", "in_grad", "weight_grad", "bias_grad"}

// String returns the role name.
func (r Role) String() string {
	if r < 0 || int(r) >= len(roleNames) {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

// Slots holds the tensors of one invocation. The caller owns and sizes
// them; kernels never resize a slot.
type Slots struct {
	In, Weights, Bias, Out                tensor.Tensor
	OutGrad, InGrad, WeightGrad, BiasGrad tensor.Tensor
}

// Get returns the tensor bound to role.
func (s *Slots) Get(r Role) tensor.Tensor {
	switch r {
	case In:
		return s.In
	case Weights:
		return s.Weights
	case Bias:
		return s.Bias
	case Out:
		return s.Out
	case OutGrad:
		return s.OutGrad
	case InGrad:
		return s.InGrad
	case WeightGrad:
		return s.WeightGrad
	case BiasGrad:
		return s.BiasGrad
	default:
		return nil
	}
}

// OpContext is the transient bundle handed to one kernel invocation. It
// references the caller's slots and the layer; it holds no state between calls.
type OpContext struct {
	op       Op
	layer    layer.Layer
	device   device.Device
	programs device.Registry
	slots    *Slots
	parallel parallel.Config
	log      zerolog.Logger
}

// Op returns the operation being computed.
func (c *OpContext) Op() Op { return c.op }

// Layer returns the owning layer.
func (c *OpContext) Layer() layer.Layer { return c.layer }

// Device returns the bound accelerator, or nil on the CPU path.
func (c *OpContext) Device() device.Device { return c.device }

// Programs returns the program registry of the bound accelerator.
func (c *OpContext) Programs() device.Registry { return c.programs }

// Input returns a read-only slot.
func (c *OpContext) Input(r Role) tensor.Tensor { return c.slots.Get(r) }

// Output returns a mutable slot.
func (c *OpContext) Output(r Role) tensor.Tensor { return c.slots.Get(r) }

// Batch returns the number of samples of the call.
func (c *OpContext) Batch() int { return len(c.slots.In) }

// Parallel returns the parallel-for configuration of the call.
func (c *OpContext) Parallel() parallel.Config { return c.parallel }

// Parallelize reports whether the call may run concurrently.
func (c *OpContext) Parallelize() bool { return c.parallel.Enabled }

// Log returns the diagnostics sink of the call.
func (c *OpContext) Log() *zerolog.Logger { return &c.log }

// NewOpContext builds a context directly, bypassing a Dispatcher. Kernels
// are normally invoked through Instance.
func NewOpContext(op Op, l layer.Layer, dev device.Device, programs device.Registry, slots *Slots, cfg parallel.Config, log zerolog.Logger) *OpContext {
	return &OpContext{op: op, layer: l, device: dev, programs: programs, slots: slots, parallel: cfg, log: log}
}

// ValidateSlots checks every slot op reads or writes against the layer
// geometry. Weights and Bias hold one sample; everything else holds one
// sample per input sample.
func ValidateSlots(op Op, l layer.Layer, s *Slots) error {
	batch := len(s.In)
	if batch == 0 {
		return fmt.Errorf("%w: empty input batch", ErrPrecondition)
	}

	type check struct {
		role  Role
		batch int
		n     int
	}
	checks := []check{
		{In, batch, l.InSize()},
		{Weights, 1, l.WeightSize()},
	}
	if l.BiasSize() > 0 {
		checks = append(checks, check{Bias, 1, l.BiasSize()})
	}
	if op == Forward {
		checks = append(checks, check{Out, batch, l.OutSize()})
	} else {
		checks = append(checks,
			check{OutGrad, batch, l.OutSize()},
			check{InGrad, batch, l.InSize()},
			check{WeightGrad, batch, l.WeightSize()},
		)
		if l.BiasSize() > 0 {
			checks = append(checks, check{BiasGrad, batch, l.BiasSize()})
		}
	}

	for _, c := range checks {
		if err := s.Get(c.role).Validate(c.batch, c.n); err != nil {
			return fmt.Errorf("%w: %s slot: %v", ErrPrecondition, c.role, err)
		}
	}
	if op == Backward {
		for _, r := range []Role{WeightGrad, BiasGrad} {
			if err := checkNoAlias(s.Get(r)); err != nil {
				return fmt.Errorf("%w: %s slot: %v", ErrPrecondition, r, err)
			}
		}
	}
	return nil
}

// checkNoAlias rejects per-sample gradient slots whose storage overlaps.
func checkNoAlias(t tensor.Tensor) error {
	if t.SampleLen() == 0 {
		return nil
	}
	type span struct {
		start, end uintptr
		sample     int
	}
	spans := make([]span, len(t))
	for i, s := range t {
		start := uintptr(unsafe.Pointer(unsafe.SliceData(s)))
		spans[i] = span{start, start + uintptr(len(s))*unsafe.Sizeof(s[0]), i}
	}
	slices.SortFunc(spans, func(a, b span) int { return cmp.Compare(a.start, b.start) })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			a, b := spans[i-1].sample, spans[i].sample
			return fmt.Errorf("samples %d and %d share storage", min(a, b), max(a, b))
		}
	}
	return nil
}
