package accel

import (
	"context"
	"fmt"

	"github.com/born-ml/opkernel/internal/backend/cpu"
	"github.com/born-ml/opkernel/internal/kernel"
	"github.com/born-ml/opkernel/internal/layer"
)

// Register installs the accelerator kernels. Forward runs a device
// program for every kind. The device programs have no backward entry
// points: pooling and fully-connected backward run the host math, and
// convolution backward is not implemented.
func Register(r *kernel.Registry) {
	for _, kind := range []layer.Kind{layer.Convolution, layer.AveragePooling, layer.FullyConnected} {
		r.Register(kind, kernel.Forward, kernel.Accelerator, newForward)
	}
	r.Register(layer.AveragePooling, kernel.Backward, kernel.Accelerator, cpu.AvgPoolBackward)
	r.Register(layer.FullyConnected, kernel.Backward, kernel.Accelerator, cpu.FullyBackward)
	r.Register(layer.Convolution, kernel.Backward, kernel.Accelerator, func(kernel.Construction) (kernel.OpKernel, error) {
		return kernel.NotImplemented("conv backward on accelerator"), nil
	})
}

// forward launches the forward entry point of one layer.
type forward struct {
	layer layer.Layer
}

func newForward(c kernel.Construction) (kernel.OpKernel, error) {
	if _, err := PlanFor(c.Layer, 1); err != nil {
		return nil, err
	}
	return &forward{layer: c.Layer}, nil
}

// Compute runs the staging protocol: program, entry point, plan, geometry
// check, staging, launch, wait, read back. Buffers are released on return.
func (k *forward) Compute(_ context.Context, oc *kernel.OpContext) error {
	dev, programs := oc.Device(), oc.Programs()
	if dev == nil || programs == nil {
		return fmt.Errorf("%w: %s forward", kernel.ErrNotCompiled, k.layer.Kind())
	}

	prog, err := programs.Program(dev, k.layer.Kind(), k.layer.KernelSource())
	if err != nil {
		return fmt.Errorf("%w: program for %s: %v", kernel.ErrLaunch, k.layer.Kind(), err)
	}

	plan, err := PlanFor(k.layer, oc.Batch())
	if err != nil {
		return err
	}
	entry, err := prog.Entry(plan.Entry)
	if err != nil {
		return fmt.Errorf("%w: %v", kernel.ErrLaunch, err)
	}
	if err := plan.Geometry.Validate(dev.MaxWorkGroupSize()); err != nil {
		return fmt.Errorf("%w: %s on %s: %w", kernel.ErrDeviceLimit, plan.Entry, dev.Name(), err)
	}

	s, err := stage(dev, plan, oc)
	defer s.release()
	if err != nil {
		return err
	}
	bytesUploaded.WithLabelValues(dev.Name()).Add(float64(s.uploaded))

	q := dev.Queue()
	if err := q.Launch(entry, s.args, plan.Geometry); err != nil {
		return fmt.Errorf("%w: %s: %v", kernel.ErrLaunch, plan.Entry, err)
	}
	if err := q.Finish(); err != nil {
		return fmt.Errorf("%w: %s: %v", kernel.ErrLaunch, plan.Entry, err)
	}
	launchesTotal.WithLabelValues(plan.Entry, dev.Name()).Inc()

	read, err := s.readBack()
	bytesDownloaded.WithLabelValues(dev.Name()).Add(float64(read))
	if err != nil {
		return err
	}

	oc.Log().Debug().
		Str("entry", plan.Entry).
		Str("device", dev.Name()).
		Ints("local", plan.Geometry.Local[:]).
		Ints("global", plan.Geometry.Global[:]).
		Int("uploaded", s.uploaded).
		Int("downloaded", read).
		Msg("device launch")
	return nil
}
