package kernel

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/opkernel/internal/conntable"
	"github.com/born-ml/opkernel/internal/layer"
	"github.com/born-ml/opkernel/internal/parallel"
	"github.com/born-ml/opkernel/internal/tensor"
)

func fullyLayer(t *testing.T, in, out int, bias bool) *layer.Fully {
	t.Helper()
	l, err := layer.NewFully(layer.FullyParams{InSize: in, OutSize: out, HasBias: bias})
	require.NoError(t, err)
	return l
}

func forwardSlots(batch int, l layer.Layer) *Slots {
	return &Slots{
		In:      tensor.New(batch, l.InSize()),
		Weights: tensor.New(1, l.WeightSize()),
		Bias:    tensor.New(1, l.BiasSize()),
		Out:     tensor.New(batch, l.OutSize()),
	}
}

func backwardSlots(batch int, l layer.Layer) *Slots {
	s := forwardSlots(batch, l)
	s.OutGrad = tensor.New(batch, l.OutSize())
	s.InGrad = tensor.New(batch, l.InSize())
	s.WeightGrad = tensor.New(batch, l.WeightSize())
	s.BiasGrad = tensor.New(batch, l.BiasSize())
	return s
}

func TestValidateSlots(t *testing.T) {
	l := fullyLayer(t, 3, 2, true)

	require.NoError(t, ValidateSlots(Forward, l, forwardSlots(2, l)))
	require.NoError(t, ValidateSlots(Backward, l, backwardSlots(2, l)))

	s := forwardSlots(2, l)
	s.Out = tensor.New(2, 3)
	assert.ErrorIs(t, ValidateSlots(Forward, l, s), ErrPrecondition)

	s = forwardSlots(2, l)
	s.Weights = tensor.New(2, 6)
	assert.ErrorIs(t, ValidateSlots(Forward, l, s), ErrPrecondition)

	s = backwardSlots(2, l)
	s.WeightGrad = tensor.New(1, 6)
	assert.ErrorIs(t, ValidateSlots(Backward, l, s), ErrPrecondition)

	s = forwardSlots(2, l)
	s.In = nil
	assert.ErrorIs(t, ValidateSlots(Forward, l, s), ErrPrecondition)
}

func TestValidateSlots_NoBias(t *testing.T) {
	l := fullyLayer(t, 3, 2, false)

	s := backwardSlots(1, l)
	s.Bias = nil
	s.BiasGrad = nil
	assert.NoError(t, ValidateSlots(Backward, l, s))
}

func TestValidateSlots_AliasedGradients(t *testing.T) {
	l := fullyLayer(t, 2, 2, false)

	s := backwardSlots(2, l)
	shared := make(tensor.Vec, 4)
	s.WeightGrad = tensor.Tensor{shared, shared}

	err := ValidateSlots(Backward, l, s)
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.Contains(t, err.Error(), "share storage")
}

func TestValidateSlots_OverlappingGradients(t *testing.T) {
	l := fullyLayer(t, 2, 2, false)
	backing := make(tensor.Vec, 8)

	s := backwardSlots(2, l)
	s.WeightGrad = tensor.Tensor{backing[:4], backing[2:6]}
	err := ValidateSlots(Backward, l, s)
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.Contains(t, err.Error(), "samples 0 and 1 share storage")

	// Adjacent samples of one backing array do not overlap.
	s.WeightGrad = tensor.Tensor{backing[4:], backing[:4]}
	assert.NoError(t, ValidateSlots(Backward, l, s))
}

func TestDispatcher_SelectsBackend(t *testing.T) {
	reg := NewRegistry()
	var ran []Backend
	for _, b := range []Backend{CPU, Accelerator} {
		b := b
		reg.Register(layer.FullyConnected, Forward, b, func(Construction) (OpKernel, error) {
			return Func(func(context.Context, *OpContext) error {
				ran = append(ran, b)
				return nil
			}), nil
		})
	}

	d := NewDispatcher(reg, Options{Parallel: parallel.Sequential(), Logger: zerolog.Nop()})
	assert.Equal(t, CPU, d.Backend())

	l := fullyLayer(t, 2, 2, true)
	inst, err := d.Bind(l)
	require.NoError(t, err)
	assert.Equal(t, CPU, inst.Backend())
	assert.Equal(t, l, inst.Layer())

	require.NoError(t, inst.Forward(context.Background(), forwardSlots(1, l)))

	acc, err := d.BindBackend(l, Accelerator)
	require.NoError(t, err)
	require.NoError(t, acc.Forward(context.Background(), forwardSlots(1, l)))

	assert.Equal(t, []Backend{CPU, Accelerator}, ran)
}

func TestDispatcher_MissingKernel(t *testing.T) {
	d := NewDispatcher(NewRegistry(), Options{Logger: zerolog.Nop()})
	l := fullyLayer(t, 2, 2, true)

	inst, err := d.Bind(l)
	require.NoError(t, err)

	err = inst.Backward(context.Background(), backwardSlots(1, l))
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestDispatcher_FactoryError(t *testing.T) {
	reg := NewRegistry()
	reg.Register(layer.FullyConnected, Forward, CPU, func(Construction) (OpKernel, error) {
		return nil, ErrConfiguration
	})

	_, err := NewDispatcher(reg, Options{}).Bind(fullyLayer(t, 1, 1, false))
	assert.True(t, IsConfiguration(err))

	_, err = NewDispatcher(reg, Options{}).Bind(nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestInstance_CallOptions(t *testing.T) {
	reg := NewRegistry()
	var parallelized bool
	reg.Register(layer.FullyConnected, Forward, CPU, func(Construction) (OpKernel, error) {
		return Func(func(_ context.Context, oc *OpContext) error {
			parallelized = oc.Parallelize()
			oc.Log().Info().Msg("inside kernel")
			assert.Nil(t, oc.Device())
			assert.Equal(t, Forward, oc.Op())
			assert.Equal(t, 3, oc.Batch())
			return nil
		}), nil
	})

	d := NewDispatcher(reg, Options{
		Parallel: parallel.Config{Enabled: true, NumWorkers: 2},
		Logger:   zerolog.Nop(),
	})
	l := fullyLayer(t, 2, 2, true)
	inst, err := d.Bind(l)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, inst.Forward(context.Background(), forwardSlots(3, l),
		WithParallelize(false), WithDiagnostics(zerolog.New(&buf))))

	assert.False(t, parallelized)
	assert.Contains(t, buf.String(), "inside kernel")

	require.NoError(t, inst.Forward(context.Background(), forwardSlots(3, l)))
	assert.True(t, parallelized)
}

func TestInstance_Metrics(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("boom")
	reg.Register(layer.AveragePooling, Forward, CPU, func(Construction) (OpKernel, error) {
		return Func(func(context.Context, *OpContext) error { return boom }), nil
	})

	l, err := layer.NewAvgPool(layer.PoolParams{In: tensor.NewShape3D(2, 2, 1), PoolW: 2, PoolH: 2, Stride: 2})
	require.NoError(t, err)
	inst, err := NewDispatcher(reg, Options{Logger: zerolog.Nop()}).Bind(l)
	require.NoError(t, err)

	labels := prometheus.Labels{"layer": "ave-pool", "op": "forward", "backend": "cpu"}
	before := testutil.ToFloat64(computeErrors.With(labels))
	total := testutil.ToFloat64(computeTotal.With(labels))

	err = inst.Forward(context.Background(), forwardSlots(1, l))
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, before+1, testutil.ToFloat64(computeErrors.With(labels)))
	assert.Equal(t, total+1, testutil.ToFloat64(computeTotal.With(labels)))
}

func TestIsConfiguration(t *testing.T) {
	_, err := layer.NewFully(layer.FullyParams{})
	assert.True(t, IsConfiguration(err))
	assert.True(t, IsConfiguration(conntable.ErrGeometry))
	assert.False(t, IsConfiguration(ErrLaunch))
}

func TestNames(t *testing.T) {
	assert.Equal(t, "backward", Backward.String())
	assert.Equal(t, "accelerator", Accelerator.String())
	assert.Equal(t, "weight_grad", WeightGrad.String())
	assert.Equal(t, "role(99)", Role(99).String())
}
