// Package webgpu implements the accelerator device on WebGPU compute.
// Uses go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO WebGPU bindings.
//
// The device is only built on windows; elsewhere New reports ErrUnavailable.
package webgpu

import "errors"

// ErrUnavailable reports that no WebGPU adapter could be opened.
var ErrUnavailable = errors.New("webgpu: not available")

// DefaultMaxWorkGroupSize is the WebGPU default for
// maxComputeInvocationsPerWorkgroup.
const DefaultMaxWorkGroupSize = 256

// Options configure a Device.
type Options struct {
	// MaxWorkGroupSize overrides the work-group limit; 0 uses the default.
	MaxWorkGroupSize int
	// HighPerformance prefers a discrete adapter.
	HighPerformance bool
}

func (o Options) maxWorkGroupSize() int {
	if o.MaxWorkGroupSize > 0 {
		return o.MaxWorkGroupSize
	}
	return DefaultMaxWorkGroupSize
}
