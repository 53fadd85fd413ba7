package layer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/opkernel/internal/conntable"
	"github.com/born-ml/opkernel/internal/tensor"
)

func TestNewConv(t *testing.T) {
	l, err := NewConv(ConvParams{
		In:       tensor.NewShape3D(32, 32, 1),
		WindowW:  5,
		WindowH:  5,
		Stride:   1,
		OutDepth: 6,
		HasBias:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, Convolution, l.Kind())
	assert.Equal(t, tensor.NewShape3D(28, 28, 6), l.Out())
	assert.Equal(t, 1024, l.InSize())
	assert.Equal(t, 28*28*6, l.OutSize())
	assert.Equal(t, 5*5*6, l.WeightSize())
	assert.Equal(t, 6, l.BiasSize())
	assert.Equal(t, l.WeightSize(), l.Table().WeightSize())
	assert.Equal(t, l.BiasSize(), l.Table().BiasSize())
	assert.Empty(t, l.KernelSource())
}

func TestNewConv_InvalidGeometry(t *testing.T) {
	_, err := NewConv(ConvParams{In: tensor.NewShape3D(4, 4, 1), WindowW: 5, WindowH: 5, Stride: 1, OutDepth: 1})
	assert.ErrorIs(t, err, conntable.ErrGeometry)
}

func TestNewAvgPool(t *testing.T) {
	l, err := NewAvgPool(PoolParams{In: tensor.NewShape3D(28, 28, 6), PoolW: 2, PoolH: 2, Stride: 2})
	require.NoError(t, err)

	assert.Equal(t, AveragePooling, l.Kind())
	assert.Equal(t, tensor.NewShape3D(14, 14, 6), l.Out())
	assert.Equal(t, float32(0.25), l.ScaleFactor())
	assert.Equal(t, 6, l.WeightSize())
	assert.Equal(t, 6, l.BiasSize())

	l, err = NewAvgPool(PoolParams{In: tensor.NewShape3D(2, 2, 1), PoolW: 2, PoolH: 2, Stride: 2, ScaleFactor: 1})
	require.NoError(t, err)
	assert.Equal(t, float32(1), l.ScaleFactor())
}

func TestNewFully(t *testing.T) {
	l, err := NewFully(FullyParams{InSize: 3, OutSize: 2, HasBias: true})
	require.NoError(t, err)
	assert.Equal(t, 6, l.WeightSize())
	assert.Equal(t, 2, l.BiasSize())

	l, err = NewFully(FullyParams{InSize: 3, OutSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 0, l.BiasSize())

	_, err = NewFully(FullyParams{InSize: 0, OutSize: 2})
	assert.ErrorIs(t, err, conntable.ErrGeometry)
}

func TestWithKernelSource(t *testing.T) {
	l, err := NewFully(FullyParams{InSize: 1, OutSize: 1})
	require.NoError(t, err)

	g := l.WithKernelSource("// generated")
	assert.Equal(t, "// generated", g.KernelSource())
	assert.Empty(t, l.KernelSource())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "conv", Convolution.String())
	assert.Equal(t, "ave-pool", AveragePooling.String())
	assert.Equal(t, "fully-connected", FullyConnected.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
