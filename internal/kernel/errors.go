package kernel

import (
	"errors"

	"github.com/born-ml/opkernel/internal/conntable"
)

// Error taxonomy. Every error returned by a kernel wraps one of these and is
// returned synchronously to the caller; none is retried or swallowed.
var (
	// ErrConfiguration reports malformed geometry or mismatched tables,
	// detected when a layer is built or bound.
	ErrConfiguration = errors.New("kernel: configuration error")
	// ErrNotImplemented reports an op that has no implementation for the
	// selected backend.
	ErrNotImplemented = errors.New("kernel: not implemented")
	// ErrNotCompiled reports an accelerator path invoked without
	// accelerator support.
	ErrNotCompiled = errors.New("kernel: not compiled with accelerator support")
	// ErrDeviceLimit reports a launch geometry the device cannot run.
	ErrDeviceLimit = errors.New("kernel: device limit exceeded")
	// ErrLaunch reports a device failure while staging, launching or
	// reading back.
	ErrLaunch = errors.New("kernel: device launch failed")
	// ErrPrecondition reports tensor slots that do not match the layer geometry.
	ErrPrecondition = errors.New("kernel: precondition violated")
)

// IsConfiguration reports whether err is a configuration error, including
// geometry errors raised while building connection tables.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, conntable.ErrGeometry)
}
