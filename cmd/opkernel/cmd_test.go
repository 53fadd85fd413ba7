package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/opkernel/internal/kernel"
	"github.com/born-ml/opkernel/internal/tensor"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OPKERNEL_DEVICE", "")
	t.Setenv("OPKERNEL_DEBUG", "")

	var out bytes.Buffer
	cmd := NewCLI()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "opkernel "+version+"\n", out)
}

func TestRun_CPU(t *testing.T) {
	for _, name := range layerNames {
		t.Run(name, func(t *testing.T) {
			out, err := execute(t, "run", name, "--backward", "--batch", "2")
			require.NoError(t, err)
			assert.Contains(t, out, "forward")
			assert.Contains(t, out, "backward")
			assert.Contains(t, out, "cpu")
		})
	}
}

func TestRun_EmulatorConvBackward(t *testing.T) {
	out, err := execute(t, "--device", "emulator", "run", "conv", "--backward")
	require.NoError(t, err)
	assert.Contains(t, out, "accelerator")
	assert.Contains(t, out, "not implemented")
}

func TestRun_UnknownLayer(t *testing.T) {
	_, err := execute(t, "run", "lstm")
	assert.ErrorContains(t, err, "unknown layer")
}

func TestRun_DeviceLimit(t *testing.T) {
	_, err := execute(t, "--device", "emulator", "--max-workgroup", "8", "run", "pool", "--in", "8x8x1", "--window", "2", "--stride", "2")
	assert.ErrorIs(t, err, kernel.ErrDeviceLimit)
}

func TestCompare_Emulator(t *testing.T) {
	out, err := execute(t, "--device", "emulator", "compare", "--batch", "3", "--seed", "9")
	require.NoError(t, err)
	assert.Contains(t, out, "conv")
	assert.Contains(t, out, "ave-pool")
	assert.Contains(t, out, "fully-connected")
	assert.NotContains(t, out, "MISMATCH")
}

func TestCompare_NeedsDevice(t *testing.T) {
	_, err := execute(t, "compare", "fc")
	assert.ErrorIs(t, err, kernel.ErrNotCompiled)
}

func TestUnknownDevice(t *testing.T) {
	_, err := execute(t, "--device", "tpu", "version")
	assert.ErrorContains(t, err, "unknown device")
}

func TestDevices(t *testing.T) {
	out, err := execute(t, "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "emulator")
	assert.Contains(t, out, "webgpu")
}

func TestEnv(t *testing.T) {
	out, err := execute(t, "env")
	require.NoError(t, err)
	assert.Contains(t, out, "OPKERNEL_DEVICE")
	assert.Contains(t, out, "OPKERNEL_MAX_WORKGROUP")
}

func TestParseShape(t *testing.T) {
	s, err := parseShape("6X5x2")
	require.NoError(t, err)
	assert.Equal(t, tensor.NewShape3D(6, 5, 2), s)

	_, err = parseShape("6x5")
	assert.Error(t, err)
	_, err = parseShape("0x5x2")
	assert.Error(t, err)
}
