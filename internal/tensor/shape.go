package tensor

import "fmt"

// Shape3D describes the spatial layout of one sample: width x height x depth.
// Samples are stored channel-major, so the flat index of (x, y, c) is
// (Height*c + y)*Width + x.
type Shape3D struct {
	Width  int
	Height int
	Depth  int
}

// NewShape3D returns a shape with the given extents.
func NewShape3D(width, height, depth int) Shape3D {
	return Shape3D{Width: width, Height: height, Depth: depth}
}

// Area returns width * height.
func (s Shape3D) Area() int {
	return s.Width * s.Height
}

// Size returns the number of elements of one sample.
func (s Shape3D) Size() int {
	return s.Width * s.Height * s.Depth
}

// Index returns the flat index of (x, y, channel).
func (s Shape3D) Index(x, y, channel int) int {
	return (s.Height*channel+y)*s.Width + x
}

// Validate checks if the shape is valid (all extents > 0).
func (s Shape3D) Validate() error {
	if s.Width <= 0 || s.Height <= 0 || s.Depth <= 0 {
		return fmt.Errorf("invalid shape %v (all extents must be > 0)", s)
	}
	return nil
}

// String returns the shape as WxHxD.
func (s Shape3D) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Width, s.Height, s.Depth)
}
