package emulator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/opkernel/internal/device"
	"github.com/born-ml/opkernel/internal/layer"
)

func buffer(t *testing.T, d *Device, access device.Access, data []float32) device.Buffer {
	t.Helper()
	b, err := d.NewBuffer(access, len(data))
	require.NoError(t, err)
	require.NoError(t, b.WriteFloat32(0, data))
	return b
}

func fullyArgList(in, w, bias, out device.Buffer, inSize, outSize int, hasBias bool) []device.Arg {
	hb := uint32(0)
	if hasBias {
		hb = 1
	}
	return []device.Arg{
		device.BufferArg("in", in), device.Uint32Arg("in_offset", 0),
		device.BufferArg("W", w), device.Uint32Arg("W_offset", 0),
		device.BufferArg("bias", bias), device.Uint32Arg("bias_offset", 0),
		device.BufferArg("out", out), device.Uint32Arg("out_offset", 0),
		device.Uint32Arg("in_size", uint32(inSize)),
		device.Uint32Arg("out_size", uint32(outSize)),
		device.Uint32Arg("has_bias", hb),
	}
}

func entryFor(t *testing.T, d *Device, kind layer.Kind) device.Entry {
	t.Helper()
	p, err := Registry{}.Program(d, kind, "")
	require.NoError(t, err)
	e, err := p.Entry(device.EntryFor(kind))
	require.NoError(t, err)
	return e
}

func TestFullyConnected(t *testing.T) {
	d := New()
	in := buffer(t, d, device.ReadOnly, []float32{1, 2, -1, 0})
	w := buffer(t, d, device.ReadOnly, []float32{1, 2, 3, 4, 5, 6})
	bias := buffer(t, d, device.ReadOnly, []float32{0.5, 0, -1})
	out, err := d.NewBuffer(device.WriteOnly, 6)
	require.NoError(t, err)

	q := d.Queue()
	e := entryFor(t, d, layer.FullyConnected)
	require.NoError(t, q.Launch(e, fullyArgList(in, w, bias, out, 2, 3, true), device.Dense(3, 2)))

	got := make([]float32, 6)
	// Nothing runs before Finish.
	require.NoError(t, out.ReadFloat32(0, got))
	assert.Equal(t, make([]float32, 6), got)

	require.NoError(t, q.Finish())
	require.NoError(t, out.ReadFloat32(0, got))
	assert.Equal(t, []float32{9.5, 12, 14, -0.5, -2, -4}, got)
}

func TestFinish_WaitsForLaunchesTakenByAnotherFinish(t *testing.T) {
	d := New()
	in := buffer(t, d, device.ReadOnly, []float32{1, 2, -1, 0})
	w := buffer(t, d, device.ReadOnly, []float32{1, 2, 3, 4, 5, 6})
	bias := buffer(t, d, device.ReadOnly, []float32{0.5, 0, -1})
	out, err := d.NewBuffer(device.WriteOnly, 6)
	require.NoError(t, err)

	q := d.Queue().(*Queue)
	require.NoError(t, q.Launch(entryFor(t, d, layer.FullyConnected), fullyArgList(in, w, bias, out, 2, 3, true), device.Dense(3, 2)))

	// Stand in for a Finish that has taken the pending launches but not run them yet.
	q.exec.Lock()
	q.mu.Lock()
	taken := q.pending
	q.pending = nil
	q.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- q.Finish() }()

	select {
	case <-done:
		t.Fatal("Finish returned while an earlier launch was still running")
	case <-time.After(20 * time.Millisecond):
	}

	for _, l := range taken {
		require.NoError(t, l.run(d))
	}
	q.exec.Unlock()

	require.NoError(t, <-done)
	got := make([]float32, 6)
	require.NoError(t, out.ReadFloat32(0, got))
	assert.Equal(t, []float32{9.5, 12, 14, -0.5, -2, -4}, got)
}

func TestFinish_Concurrent(t *testing.T) {
	d := New()
	e := entryFor(t, d, layer.FullyConnected)
	q := d.Queue()

	const workers = 8
	outs := make([]device.Buffer, workers)
	errs := make(chan error, workers)
	for i := range outs {
		in := buffer(t, d, device.ReadOnly, []float32{1, 2, -1, 0})
		w := buffer(t, d, device.ReadOnly, []float32{1, 2, 3, 4, 5, 6})
		bias := buffer(t, d, device.ReadOnly, []float32{0.5, 0, -1})
		out, err := d.NewBuffer(device.WriteOnly, 6)
		require.NoError(t, err)
		outs[i] = out
		go func() {
			if err := q.Launch(e, fullyArgList(in, w, bias, out, 2, 3, true), device.Dense(3, 2)); err != nil {
				errs <- err
				return
			}
			errs <- q.Finish()
		}()
	}
	for range outs {
		require.NoError(t, <-errs)
	}
	for _, out := range outs {
		got := make([]float32, 6)
		require.NoError(t, out.ReadFloat32(0, got))
		assert.Equal(t, []float32{9.5, 12, 14, -0.5, -2, -4}, got)
	}
}

func TestAveragePooling(t *testing.T) {
	d := New()
	in := buffer(t, d, device.ReadOnly, []float32{1, 2, 3, 4, 10, 20, 30, 40})
	w := buffer(t, d, device.ReadOnly, []float32{1, 1})
	bias := buffer(t, d, device.ReadOnly, []float32{0, 0})
	out, err := d.NewBuffer(device.WriteOnly, 2)
	require.NoError(t, err)

	args := []device.Arg{
		device.BufferArg("in", in), device.Uint32Arg("in_offset", 0),
		device.BufferArg("W", w), device.Uint32Arg("W_offset", 0),
		device.BufferArg("bias", bias), device.Uint32Arg("bias_offset", 0),
		device.BufferArg("out", out), device.Uint32Arg("out_offset", 0),
		device.Uint32Arg("in_w", 2), device.Uint32Arg("in_h", 2),
		device.Uint32Arg("out_w", 1), device.Uint32Arg("out_h", 1),
		device.Uint32Arg("in_depth", 2),
		device.Uint32Arg("pool_w", 2), device.Uint32Arg("pool_h", 2),
		device.Uint32Arg("stride", 2),
		device.Float32Arg("scale_factor", 0.25),
	}
	q := d.Queue()
	require.NoError(t, q.Launch(entryFor(t, d, layer.AveragePooling), args, device.Spatial(1, 1, 2, 1)))
	require.NoError(t, q.Finish())

	got := make([]float32, 2)
	require.NoError(t, out.ReadFloat32(0, got))
	assert.Equal(t, []float32{2.5, 25}, got)
}

func TestLaunchErrors(t *testing.T) {
	d := New(WithMaxWorkGroupSize(4))
	in := buffer(t, d, device.ReadOnly, []float32{1, 2})
	w := buffer(t, d, device.ReadOnly, make([]float32, 16))
	bias := buffer(t, d, device.ReadOnly, []float32{0})
	out, err := d.NewBuffer(device.WriteOnly, 8)
	require.NoError(t, err)
	e := entryFor(t, d, layer.FullyConnected)
	q := d.Queue()

	t.Run("argument count", func(t *testing.T) {
		args := fullyArgList(in, w, bias, out, 2, 8, false)
		assert.Error(t, q.Launch(e, args[:5], device.Dense(4, 1)))
	})

	t.Run("work group limit", func(t *testing.T) {
		err := q.Launch(e, fullyArgList(in, w, bias, out, 2, 8, false), device.Dense(8, 1))
		assert.ErrorIs(t, err, device.ErrWorkGroupSize)
	})

	t.Run("foreign buffer", func(t *testing.T) {
		other := buffer(t, New(), device.ReadOnly, []float32{1, 2})
		require.NoError(t, q.Launch(e, fullyArgList(other, w, bias, out, 2, 4, false), device.Dense(4, 1)))
		assert.ErrorIs(t, q.Finish(), ErrForeignBuffer)
	})

	t.Run("store to read-only", func(t *testing.T) {
		ro := buffer(t, d, device.ReadOnly, make([]float32, 4))
		require.NoError(t, q.Launch(e, fullyArgList(in, w, bias, ro, 2, 4, false), device.Dense(4, 1)))
		assert.Error(t, q.Finish())
	})

	t.Run("out of range", func(t *testing.T) {
		// in holds 2 words; in_size 4 reads past it.
		require.NoError(t, q.Launch(e, fullyArgList(in, w, bias, out, 4, 4, false), device.Dense(4, 1)))
		assert.ErrorIs(t, q.Finish(), ErrOutOfRange)
	})

	t.Run("released buffer", func(t *testing.T) {
		gone := buffer(t, d, device.ReadOnly, []float32{1, 2})
		gone.Release()
		require.NoError(t, q.Launch(e, fullyArgList(gone, w, bias, out, 2, 4, false), device.Dense(4, 1)))
		assert.ErrorIs(t, q.Finish(), ErrReleased)
	})
}

func TestBuffer(t *testing.T) {
	d := New()
	b, err := d.NewBuffer(device.ReadWrite, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, device.ReadWrite, b.Access())
	assert.Equal(t, 1, d.Live())

	require.NoError(t, b.WriteFloat32(1, []float32{1.5, -2}))
	assert.ErrorIs(t, b.WriteFloat32(2, []float32{1, 2}), ErrOutOfRange)
	got := make([]float32, 3)
	require.NoError(t, b.ReadFloat32(0, got))
	assert.Equal(t, []float32{0, 1.5, -2}, got)

	b.Release()
	b.Release()
	assert.Equal(t, 0, d.Live())
	assert.ErrorIs(t, b.ReadFloat32(0, got), ErrReleased)

	_, err = d.NewBuffer(device.ReadOnly, 0)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	d := New()

	p, err := Registry{}.Program(d, layer.Convolution, "")
	require.NoError(t, err)
	e, err := p.Entry(device.EntryConvolution)
	require.NoError(t, err)
	assert.Equal(t, "CFMulti", e.Name())

	_, err = p.Entry(device.EntryFullyConnected)
	assert.ErrorIs(t, err, device.ErrUnknownEntry)

	_, err = Registry{}.Program(d, layer.Convolution, "@compute fn main() {}")
	assert.Error(t, err)
}
