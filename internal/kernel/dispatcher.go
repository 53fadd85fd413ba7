package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/born-ml/opkernel/internal/device"
	"github.com/born-ml/opkernel/internal/layer"
	"github.com/born-ml/opkernel/internal/parallel"
)

var tracer = otel.Tracer("github.com/born-ml/opkernel/internal/kernel")

// Options configure a Dispatcher.
type Options struct {
	// Device is the accelerator; nil selects the CPU kernels.
	Device   device.Device
	Programs device.Registry
	Parallel parallel.Config
	// Logger is the default diagnostics sink of every call.
	Logger zerolog.Logger
}

// Dispatcher binds layers to kernels of one backend.
type Dispatcher struct {
	registry *Registry
	opts     Options
}

// NewDispatcher returns a dispatcher over the registry's kernels.
func NewDispatcher(r *Registry, opts Options) *Dispatcher {
	return &Dispatcher{registry: r, opts: opts}
}

// Backend returns the backend chosen for bound layers: Accelerator when a
// device is configured, CPU otherwise.
func (d *Dispatcher) Backend() Backend {
	if d.opts.Device != nil {
		return Accelerator
	}
	return CPU
}

// Device returns the configured accelerator, or nil.
func (d *Dispatcher) Device() device.Device {
	return d.opts.Device
}

// Bind selects the kernels of l once, on the dispatcher's backend.
func (d *Dispatcher) Bind(l layer.Layer) (*Instance, error) {
	return d.BindBackend(l, d.Backend())
}

// BindBackend selects the kernels of l on an explicit backend. Binding the
// accelerator backend without a device succeeds; its calls then fail with
// ErrNotCompiled.
func (d *Dispatcher) BindBackend(l layer.Layer, b Backend) (*Instance, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: nil layer", ErrConfiguration)
	}
	c := Construction{Layer: l}
	if b == Accelerator {
		c.Device = d.opts.Device
		c.Programs = d.opts.Programs
	}

	inst := &Instance{
		layer:    l,
		backend:  b,
		device:   c.Device,
		programs: c.Programs,
		parallel: d.opts.Parallel,
		log:      d.opts.Logger,
	}
	for _, op := range []Op{Forward, Backward} {
		f, ok := d.registry.Lookup(l.Kind(), op, b)
		if !ok {
			inst.kernels[op] = NotImplemented(fmt.Sprintf("%s %s on %s", l.Kind(), op, b))
			continue
		}
		k, err := f(c)
		if err != nil {
			return nil, fmt.Errorf("bind %s %s on %s: %w", l.Kind(), op, b, err)
		}
		inst.kernels[op] = k
	}
	return inst, nil
}

// Instance is a layer bound to its forward and backward kernels.
// It is safe for concurrent use; every call gets its own OpContext.
type Instance struct {
	layer    layer.Layer
	backend  Backend
	kernels  [2]OpKernel
	device   device.Device
	programs device.Registry
	parallel parallel.Config
	log      zerolog.Logger
}

// Layer returns the bound layer.
func (i *Instance) Layer() layer.Layer { return i.layer }

// Backend returns the selected backend.
func (i *Instance) Backend() Backend { return i.backend }

// CallOption adjusts a single invocation.
type CallOption func(*callOptions)

type callOptions struct {
	parallelize bool
	log         *zerolog.Logger
}

// WithParallelize enables or disables concurrency for the call. It only
// affects performance.
func WithParallelize(enabled bool) CallOption {
	return func(o *callOptions) { o.parallelize = enabled }
}

// WithDiagnostics directs the call's diagnostics to logger.
func WithDiagnostics(logger zerolog.Logger) CallOption {
	return func(o *callOptions) { o.log = &logger }
}

// Forward computes Out from In, Weights and Bias.
func (i *Instance) Forward(ctx context.Context, s *Slots, opts ...CallOption) error {
	return i.run(ctx, Forward, s, opts)
}

// Backward propagates OutGrad into InGrad, WeightGrad and BiasGrad.
// Average pooling overwrites InGrad; convolution and fully-connected add to
// it. WeightGrad and BiasGrad are always added to, so zero them first when a
// previous pass must not carry over.
func (i *Instance) Backward(ctx context.Context, s *Slots, opts ...CallOption) error {
	return i.run(ctx, Backward, s, opts)
}

func (i *Instance) run(ctx context.Context, op Op, s *Slots, opts []CallOption) (err error) {
	co := callOptions{parallelize: true}
	for _, o := range opts {
		o(&co)
	}
	log := i.log
	if co.log != nil {
		log = *co.log
	}

	kind := i.layer.Kind().String()
	ctx, span := tracer.Start(ctx, "kernel.Compute", trace.WithAttributes(
		attribute.String("layer", kind),
		attribute.String("op", op.String()),
		attribute.String("backend", i.backend.String()),
		attribute.Int("batch", len(s.In)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		observe(kind, op, i.backend, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := ValidateSlots(op, i.layer, s); err != nil {
		return fmt.Errorf("%s %s: %w", kind, op, err)
	}

	oc := &OpContext{
		op:       op,
		layer:    i.layer,
		device:   i.device,
		programs: i.programs,
		slots:    s,
		parallel: i.parallel.With(co.parallelize),
		log:      log,
	}
	if err := i.kernels[op].Compute(ctx, oc); err != nil {
		return fmt.Errorf("%s %s: %w", kind, op, err)
	}
	log.Debug().
		Str("layer", kind).
		Str("op", op.String()).
		Str("backend", i.backend.String()).
		Int("batch", len(s.In)).
		Dur("took", time.Since(start)).
		Msg("kernel computed")
	return nil
}
