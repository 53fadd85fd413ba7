// Package engine assembles the kernel registry, the configured device and
// the dispatcher into one handle.
package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/opkernel/internal/backend/accel"
	"github.com/born-ml/opkernel/internal/backend/cpu"
	"github.com/born-ml/opkernel/internal/backend/emulator"
	"github.com/born-ml/opkernel/internal/backend/webgpu"
	"github.com/born-ml/opkernel/internal/config"
	"github.com/born-ml/opkernel/internal/device"
	"github.com/born-ml/opkernel/internal/kernel"
	"github.com/born-ml/opkernel/internal/layer"
	"github.com/born-ml/opkernel/internal/tensor"
)

// Engine owns a device and the dispatcher bound to it.
type Engine struct {
	kind       tensor.Device
	dev        device.Device
	release    func()
	dispatcher *kernel.Dispatcher
	log        zerolog.Logger
}

// New opens the device named by cfg and registers the CPU and accelerator
// kernels. A WebGPU device that cannot be opened is reported as
// kernel.ErrNotCompiled.
func New(cfg config.Config, logger zerolog.Logger) (*Engine, error) {
	kind, ok := tensor.ParseDevice(cfg.Device)
	if !ok {
		return nil, fmt.Errorf("%w: unknown device %q", kernel.ErrConfiguration, cfg.Device)
	}

	e := &Engine{kind: kind, release: func() {}, log: logger}
	var programs device.Registry
	switch kind {
	case tensor.Emulator:
		var opts []emulator.Option
		if cfg.MaxWorkGroup > 0 {
			opts = append(opts, emulator.WithMaxWorkGroupSize(cfg.MaxWorkGroup))
		}
		e.dev = emulator.New(opts...)
		programs = emulator.Registry{}
	case tensor.WebGPU:
		dev, err := webgpu.New(webgpu.Options{MaxWorkGroupSize: cfg.MaxWorkGroup, HighPerformance: true})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", kernel.ErrNotCompiled, err)
		}
		e.dev = dev
		e.release = dev.Release
		programs = dev.Programs()
	}

	r := kernel.NewRegistry()
	cpu.Register(r)
	accel.Register(r)
	e.dispatcher = kernel.NewDispatcher(r, kernel.Options{
		Device:   e.dev,
		Programs: programs,
		Parallel: cfg.ParallelConfig(),
		Logger:   logger,
	})

	logger.Debug().
		Str("device", e.DeviceName()).
		Str("backend", e.dispatcher.Backend().String()).
		Msg("engine ready")
	return e, nil
}

// Kind returns the configured device kind.
func (e *Engine) Kind() tensor.Device { return e.kind }

// Device returns the accelerator, or nil for the CPU engine.
func (e *Engine) Device() device.Device { return e.dev }

// DeviceName returns the accelerator name, or "cpu".
func (e *Engine) DeviceName() string {
	if e.dev == nil {
		return config.DeviceCPU
	}
	return e.dev.Name()
}

// Dispatcher returns the dispatcher of the engine.
func (e *Engine) Dispatcher() *kernel.Dispatcher { return e.dispatcher }

// Bind binds l on the engine's default backend.
func (e *Engine) Bind(l layer.Layer) (*kernel.Instance, error) {
	return e.dispatcher.Bind(l)
}

// Close releases the device. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.release()
	e.release = func() {}
}

// SyntheticSlots returns slots sized for l and batch, with In, Weights,
// Bias and OutGrad filled with small integers drawn from seed. Integer data
// keeps float32 sums exact, so backends can be compared bit for bit.
func SyntheticSlots(l layer.Layer, batch int, seed int64) *kernel.Slots {
	rng := rand.New(rand.NewSource(seed))
	s := &kernel.Slots{
		In:         tensor.New(batch, l.InSize()),
		Weights:    tensor.New(1, l.WeightSize()),
		Bias:       tensor.New(1, l.BiasSize()),
		Out:        tensor.New(batch, l.OutSize()),
		OutGrad:    tensor.New(batch, l.OutSize()),
		InGrad:     tensor.New(batch, l.InSize()),
		WeightGrad: tensor.New(batch, l.WeightSize()),
		BiasGrad:   tensor.New(batch, l.BiasSize()),
	}
	for _, t := range []tensor.Tensor{s.In, s.Weights, s.Bias, s.OutGrad} {
		for _, v := range t {
			for i := range v {
				v[i] = float32(rng.Intn(7) - 3)
			}
		}
	}
	return s
}

// Comparison is the outcome of running one forward pass on both backends.
type Comparison struct {
	Layer       string
	Device      string
	Batch       int
	MaxRelError float64
	CPU         time.Duration
	Accelerator time.Duration
}

// Compare runs the forward pass of l on the CPU and on the engine's
// accelerator over the same synthetic inputs and reports the largest
// relative difference of the outputs.
func (e *Engine) Compare(ctx context.Context, l layer.Layer, batch int, seed int64) (Comparison, error) {
	cmp := Comparison{Layer: l.Kind().String(), Device: e.DeviceName(), Batch: batch}

	host, err := e.dispatcher.BindBackend(l, kernel.CPU)
	if err != nil {
		return cmp, err
	}
	dev, err := e.dispatcher.BindBackend(l, kernel.Accelerator)
	if err != nil {
		return cmp, err
	}

	want := SyntheticSlots(l, batch, seed)
	got := &kernel.Slots{In: want.In, Weights: want.Weights, Bias: want.Bias, Out: want.Out.Clone()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		defer func() { cmp.CPU = time.Since(start) }()
		return host.Forward(ctx, want)
	})
	g.Go(func() error {
		start := time.Now()
		defer func() { cmp.Accelerator = time.Since(start) }()
		return dev.Forward(ctx, got)
	})
	if err := g.Wait(); err != nil {
		return cmp, err
	}

	cmp.MaxRelError = MaxRelError(want.Out, got.Out)
	e.log.Debug().
		Str("layer", cmp.Layer).
		Str("device", cmp.Device).
		Float64("max_rel_error", cmp.MaxRelError).
		Msg("compared backends")
	return cmp, nil
}

// MaxRelError returns the largest |a-b| / max(|a|, 1) over matching
// elements. Tensors of different shape compare as +Inf.
func MaxRelError(a, b tensor.Tensor) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	worst := 0.0
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return math.Inf(1)
		}
		for j := range a[i] {
			x, y := float64(a[i][j]), float64(b[i][j])
			worst = max(worst, math.Abs(x-y)/max(math.Abs(x), 1))
		}
	}
	return worst
}
