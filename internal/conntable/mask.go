package conntable

import "fmt"

// ChannelMask prunes convolution connectivity between input and output
// channels. The zero value is the empty mask, which connects every pair.
// Entries are stored input-major: connected[in*Out + out].
type ChannelMask struct {
	In, Out   int
	connected []bool
}

// NewChannelMask returns a mask over in x out channels. connected must hold
// in*out entries, input-major.
func NewChannelMask(in, out int, connected []bool) (ChannelMask, error) {
	if in <= 0 || out <= 0 {
		return ChannelMask{}, fmt.Errorf("%w: channel mask %dx%d", ErrGeometry, in, out)
	}
	if len(connected) != in*out {
		return ChannelMask{}, fmt.Errorf("%w: channel mask %dx%d needs %d entries, got %d",
			ErrGeometry, in, out, in*out, len(connected))
	}
	return ChannelMask{In: in, Out: out, connected: append([]bool(nil), connected...)}, nil
}

// IsEmpty reports whether the mask connects everything.
func (m ChannelMask) IsEmpty() bool {
	return len(m.connected) == 0
}

// IsConnected reports whether output channel out reads input channel in.
func (m ChannelMask) IsConnected(out, in int) bool {
	if m.IsEmpty() {
		return true
	}
	return m.connected[in*m.Out+out]
}

// Words flattens the mask to one 32-bit word per (in, out) pair, input-major,
// as consumed by the device programs. An empty mask expands to all ones.
func (m ChannelMask) Words(inDepth, outDepth int) []uint32 {
	words := make([]uint32, inDepth*outDepth)
	for in := 0; in < inDepth; in++ {
		for out := 0; out < outDepth; out++ {
			if m.IsConnected(out, in) {
				words[in*outDepth+out] = 1
			}
		}
	}
	return words
}

// check verifies the mask fits the given channel counts.
func (m ChannelMask) check(inDepth, outDepth int) error {
	if m.IsEmpty() {
		return nil
	}
	if m.In != inDepth || m.Out != outDepth {
		return fmt.Errorf("%w: channel mask is %dx%d, layer has %d inputs and %d outputs",
			ErrGeometry, m.In, m.Out, inDepth, outDepth)
	}
	return nil
}
