package device

import (
	"errors"
	"fmt"
)

// ErrWorkGroupSize reports a local extent the device cannot run.
var ErrWorkGroupSize = errors.New("device: work-group size exceeds device limit")

// Geometry is the work division of one launch. Local is the per-workgroup
// extent and Global the total number of work items along each dimension.
type Geometry struct {
	Local  [3]int
	Global [3]int
}

// Spatial returns the geometry of ops that tile samples along x: one work
// group per output channel plane, local (w, h, 1), global (w*batch, h, depth).
func Spatial(width, height, depth, batch int) Geometry {
	return Geometry{
		Local:  [3]int{width, height, 1},
		Global: [3]int{width * batch, height, depth},
	}
}

// Dense returns the geometry of fully-connected ops: local (outSize, 1, 1),
// global (outSize, batch, 1).
func Dense(outSize, batch int) Geometry {
	return Geometry{
		Local:  [3]int{outSize, 1, 1},
		Global: [3]int{outSize, batch, 1},
	}
}

// LocalSize returns the product of the local extents.
func (g Geometry) LocalSize() int {
	return g.Local[0] * g.Local[1] * g.Local[2]
}

// Groups returns the number of work groups along each dimension.
func (g Geometry) Groups() [3]int {
	var n [3]int
	for i := range n {
		n[i] = (g.Global[i] + g.Local[i] - 1) / g.Local[i]
	}
	return n
}

// Validate checks extents against the device work-group limit.
func (g Geometry) Validate(maxWorkGroupSize int) error {
	for i := range g.Local {
		if g.Local[i] <= 0 || g.Global[i] <= 0 {
			return fmt.Errorf("device: invalid geometry local=%v global=%v", g.Local, g.Global)
		}
		if g.Global[i]%g.Local[i] != 0 {
			return fmt.Errorf("device: global extent %d not a multiple of local extent %d (dim %d)",
				g.Global[i], g.Local[i], i)
		}
	}
	if maxWorkGroupSize > 0 && g.LocalSize() > maxWorkGroupSize {
		return fmt.Errorf("%w: local %v = %d > %d", ErrWorkGroupSize, g.Local, g.LocalSize(), maxWorkGroupSize)
	}
	return nil
}
