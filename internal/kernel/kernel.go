// Package kernel is the op-kernel execution framework: it binds a layer to
// swappable CPU or accelerator kernels and runs one forward or backward
// invocation at a time through a transient OpContext.
package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/born-ml/opkernel/internal/device"
	"github.com/born-ml/opkernel/internal/layer"
)

// OpKernel is one implementation of a layer's forward or backward math.
// Kernels read their inputs from and write their results to the context
// slots; they keep no state between calls.
type OpKernel interface {
	Compute(ctx context.Context, oc *OpContext) error
}

// Func adapts a function to OpKernel.
type Func func(ctx context.Context, oc *OpContext) error

// Compute calls f.
func (f Func) Compute(ctx context.Context, oc *OpContext) error {
	return f(ctx, oc)
}

// NotImplemented returns a kernel that always fails with ErrNotImplemented.
func NotImplemented(what string) OpKernel {
	return Func(func(context.Context, *OpContext) error {
		return fmt.Errorf("%w: %s", ErrNotImplemented, what)
	})
}

// Backend is the execution backend of a kernel.
type Backend int

// Backends.
const (
	CPU Backend = iota
	Accelerator
)

// String returns the backend name.
func (b Backend) String() string {
	if b == Accelerator {
		return "accelerator"
	}
	return "cpu"
}

// Construction is what a factory sees when a layer is bound.
type Construction struct {
	Layer    layer.Layer
	Device   device.Device
	Programs device.Registry
}

// Factory builds the kernel of one (kind, op, backend) triple.
type Factory func(c Construction) (OpKernel, error)

type registryKey struct {
	kind    layer.Kind
	op      Op
	backend Backend
}

// Registry maps (layer kind, op, backend) to kernel factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[registryKey]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[registryKey]Factory)}
}

// Register installs f, replacing any previous factory for the same triple.
func (r *Registry) Register(kind layer.Kind, op Op, backend Backend, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[registryKey{kind, op, backend}] = f
}

// Lookup returns the factory for the triple.
func (r *Registry) Lookup(kind layer.Kind, op Op, backend Backend) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[registryKey{kind, op, backend}]
	return f, ok
}
