package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape3D_Index(t *testing.T) {
	s := NewShape3D(4, 3, 2)

	assert.Equal(t, 12, s.Area())
	assert.Equal(t, 24, s.Size())
	assert.Equal(t, 0, s.Index(0, 0, 0))
	assert.Equal(t, 5, s.Index(1, 1, 0))
	assert.Equal(t, 12, s.Index(0, 0, 1))
	assert.Equal(t, 23, s.Index(3, 2, 1))
	assert.Equal(t, "4x3x2", s.String())
}

func TestShape3D_Validate(t *testing.T) {
	require.NoError(t, NewShape3D(1, 1, 1).Validate())
	assert.Error(t, NewShape3D(0, 1, 1).Validate())
	assert.Error(t, NewShape3D(1, -1, 1).Validate())
}

func TestTensor_Validate(t *testing.T) {
	x := New(3, 4)

	require.NoError(t, x.Validate(3, 4))
	require.NoError(t, x.Validate(-1, 4))
	assert.Error(t, x.Validate(2, 4))
	assert.Error(t, x.Validate(3, 5))

	x[1] = make(Vec, 2)
	assert.Error(t, x.Validate(-1, 4))
}

func TestTensor_FlattenUnflatten(t *testing.T) {
	x := FromSlices([]float32{1, 2}, []float32{3, 4}, []float32{5, 6})

	flat := x.Flatten()
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, flat)

	y := New(3, 2)
	require.NoError(t, y.Unflatten(flat))
	assert.Equal(t, x, y)

	assert.Error(t, y.Unflatten(flat[:5]))
}

func TestTensor_FillAndClone(t *testing.T) {
	x := New(2, 3)
	x.Fill(7)
	c := x.Clone()
	x.Zero()

	assert.Equal(t, Vec{7, 7, 7}, c[1])
	assert.Equal(t, Vec{0, 0, 0}, x[1])
	assert.Equal(t, 6, c.NumElements())
}

func TestParseDevice(t *testing.T) {
	d, ok := ParseDevice("webgpu")
	assert.True(t, ok)
	assert.Equal(t, WebGPU, d)

	d, ok = ParseDevice("emulator")
	assert.True(t, ok)
	assert.Equal(t, "Emulator", d.String())

	_, ok = ParseDevice("cuda")
	assert.False(t, ok)
}
