// Package cpu implements the reference CPU op kernels.
package cpu

import (
	"context"
	"fmt"

	"github.com/born-ml/opkernel/internal/kernel"
	"github.com/born-ml/opkernel/internal/layer"
)

// Register installs the CPU kernels of every layer kind.
func Register(r *kernel.Registry) {
	r.Register(layer.AveragePooling, kernel.Forward, kernel.CPU, poolFactory(avgPoolForward))
	r.Register(layer.AveragePooling, kernel.Backward, kernel.CPU, poolFactory(avgPoolBackward))
	r.Register(layer.FullyConnected, kernel.Forward, kernel.CPU, fullyFactory(fullyForward))
	r.Register(layer.FullyConnected, kernel.Backward, kernel.CPU, fullyFactory(fullyBackward))
	r.Register(layer.Convolution, kernel.Forward, kernel.CPU, convFactory(convForward))
	r.Register(layer.Convolution, kernel.Backward, kernel.CPU, convFactory(convBackward))
}

// AvgPoolBackward returns the host backward kernel of an average pooling
// layer. Accelerator backends without a device program for the backward
// pass use it directly.
func AvgPoolBackward(c kernel.Construction) (kernel.OpKernel, error) {
	return poolFactory(avgPoolBackward)(c)
}

// FullyBackward returns the host backward kernel of a fully-connected layer.
func FullyBackward(c kernel.Construction) (kernel.OpKernel, error) {
	return fullyFactory(fullyBackward)(c)
}

func poolFactory(f func(oc *kernel.OpContext, l *layer.AvgPool)) kernel.Factory {
	return func(c kernel.Construction) (kernel.OpKernel, error) {
		l, ok := c.Layer.(*layer.AvgPool)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not an average pooling layer", kernel.ErrConfiguration, c.Layer)
		}
		return kernel.Func(func(_ context.Context, oc *kernel.OpContext) error {
			f(oc, l)
			return nil
		}), nil
	}
}

func fullyFactory(f func(oc *kernel.OpContext, p layer.FullyParams)) kernel.Factory {
	return func(c kernel.Construction) (kernel.OpKernel, error) {
		l, ok := c.Layer.(*layer.Fully)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a fully-connected layer", kernel.ErrConfiguration, c.Layer)
		}
		p := l.Params()
		return kernel.Func(func(_ context.Context, oc *kernel.OpContext) error {
			f(oc, p)
			return nil
		}), nil
	}
}

func convFactory(f func(oc *kernel.OpContext, l *layer.Conv)) kernel.Factory {
	return func(c kernel.Construction) (kernel.OpKernel, error) {
		l, ok := c.Layer.(*layer.Conv)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a convolution layer", kernel.ErrConfiguration, c.Layer)
		}
		return kernel.Func(func(_ context.Context, oc *kernel.OpContext) error {
			f(oc, l)
			return nil
		}), nil
	}
}
