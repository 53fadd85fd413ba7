//go:build !windows

package webgpu

import (
	"github.com/born-ml/opkernel/internal/device"
	"github.com/born-ml/opkernel/internal/layer"
)

// Device is unavailable on this platform.
type Device struct{}

var _ device.Device = (*Device)(nil)

// New always fails with ErrUnavailable.
func New(Options) (*Device, error) { return nil, ErrUnavailable }

// IsAvailable reports false.
func IsAvailable() bool { return false }

// Adapters always fails with ErrUnavailable.
func Adapters() ([]string, error) { return nil, ErrUnavailable }

func (*Device) Name() string                                        { return "webgpu" }
func (*Device) MaxWorkGroupSize() int                               { return 0 }
func (*Device) Queue() device.Queue                                 { return nil }
func (*Device) Programs() device.Registry                           { return Registry{} }
func (*Device) Release()                                            {}
func (*Device) NewBuffer(device.Access, int) (device.Buffer, error) { return nil, ErrUnavailable }

// Registry builds no programs on this platform.
type Registry struct{}

// Program always fails with ErrUnavailable.
func (Registry) Program(device.Device, layer.Kind, string) (device.Program, error) {
	return nil, ErrUnavailable
}
