// Package tensor provides the batched float32 tensors and 3-D shapes shared by all op kernels.
package tensor

import "fmt"

// Vec is the data of one sample.
type Vec []float32

// Tensor is an ordered batch of samples, batch dimension outermost.
// All samples of one tensor slot have the same length within an invocation.
type Tensor []Vec

// New allocates a zeroed tensor of batch samples, n elements each.
func New(batch, n int) Tensor {
	t := make(Tensor, batch)
	for i := range t {
		t[i] = make(Vec, n)
	}
	return t
}

// FromSlices wraps the given sample slices without copying.
func FromSlices(samples ...[]float32) Tensor {
	t := make(Tensor, len(samples))
	for i, s := range samples {
		t[i] = s
	}
	return t
}

// Batch returns the number of samples.
func (t Tensor) Batch() int {
	return len(t)
}

// SampleLen returns the per-sample length (0 for an empty tensor).
func (t Tensor) SampleLen() int {
	if len(t) == 0 {
		return 0
	}
	return len(t[0])
}

// NumElements returns batch * sample length.
func (t Tensor) NumElements() int {
	return t.Batch() * t.SampleLen()
}

// Fill sets every element to v.
func (t Tensor) Fill(v float32) {
	for _, s := range t {
		for i := range s {
			s[i] = v
		}
	}
}

// Zero sets every element to 0.
func (t Tensor) Zero() {
	t.Fill(0)
}

// Validate checks that the tensor holds batch samples of exactly n elements.
// A negative batch accepts any sample count.
func (t Tensor) Validate(batch, n int) error {
	if batch >= 0 && len(t) != batch {
		return fmt.Errorf("expected %d samples, got %d", batch, len(t))
	}
	for i, s := range t {
		if len(s) != n {
			return fmt.Errorf("sample %d: expected length %d, got %d", i, n, len(s))
		}
	}
	return nil
}

// Flatten copies the samples into one contiguous slice; sample i starts at i*SampleLen().
func (t Tensor) Flatten() []float32 {
	n := t.SampleLen()
	out := make([]float32, len(t)*n)
	for i, s := range t {
		copy(out[i*n:], s)
	}
	return out
}

// Unflatten copies a contiguous slice back into the existing samples.
// The tensor is never resized.
func (t Tensor) Unflatten(data []float32) error {
	n := t.SampleLen()
	if len(data) != len(t)*n {
		return fmt.Errorf("unflatten: expected %d elements, got %d", len(t)*n, len(data))
	}
	for i, s := range t {
		copy(s, data[i*n:(i+1)*n])
	}
	return nil
}

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	c := make(Tensor, len(t))
	for i, s := range t {
		c[i] = append(make(Vec, 0, len(s)), s...)
	}
	return c
}
