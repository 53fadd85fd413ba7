package conntable

import "fmt"

// Builder accumulates connections in call order. The order in which
// Connect is called is the order of every list in the resulting Table,
// which fixes the floating-point accumulation order of the kernels.
type Builder struct {
	inSize, outSize, weightSize, biasSize int

	table *Table
	err   error
}

// NewBuilder returns a builder for the given index domains.
func NewBuilder(inSize, outSize, weightSize, biasSize int) *Builder {
	b := &Builder{inSize: inSize, outSize: outSize, weightSize: weightSize, biasSize: biasSize}
	if inSize <= 0 || outSize <= 0 || weightSize < 0 || biasSize < 0 {
		b.err = fmt.Errorf("%w: in=%d out=%d weights=%d biases=%d", ErrGeometry, inSize, outSize, weightSize, biasSize)
		return b
	}

	t := &Table{
		Out2WI:    make([][]Pair, outSize),
		Weight2IO: make([][]Pair, weightSize),
		In2WO:     make([][]Pair, inSize),
		Bias2Out:  make([][]int, biasSize),
		Out2Bias:  make([]int, outSize),
	}
	for i := range t.Out2Bias {
		t.Out2Bias[i] = -1
	}
	b.table = t
	return b
}

// Connect records that weight joins input to output.
func (b *Builder) Connect(weight, input, output int) {
	if b.err != nil {
		return
	}
	if weight < 0 || weight >= b.weightSize || input < 0 || input >= b.inSize || output < 0 || output >= b.outSize {
		b.err = fmt.Errorf("%w: connection (w=%d, in=%d, out=%d) outside domains (%d, %d, %d)",
			ErrGeometry, weight, input, output, b.weightSize, b.inSize, b.outSize)
		return
	}
	t := b.table
	t.Weight2IO[weight] = append(t.Weight2IO[weight], Pair{input, output})
	t.Out2WI[output] = append(t.Out2WI[output], Pair{weight, input})
	t.In2WO[input] = append(t.In2WO[input], Pair{weight, output})
}

// ConnectBias records that bias is added to output. An output has at most one bias.
func (b *Builder) ConnectBias(bias, output int) {
	if b.err != nil {
		return
	}
	if bias < 0 || bias >= b.biasSize || output < 0 || output >= b.outSize {
		b.err = fmt.Errorf("%w: bias connection (b=%d, out=%d) outside domains (%d, %d)",
			ErrGeometry, bias, output, b.biasSize, b.outSize)
		return
	}
	t := b.table
	if t.Out2Bias[output] >= 0 {
		b.err = fmt.Errorf("%w: output %d already has bias %d", ErrGeometry, output, t.Out2Bias[output])
		return
	}
	t.Out2Bias[output] = bias
	t.Bias2Out[bias] = append(t.Bias2Out[bias], output)
}

// Build returns the finished table. Every output must be reached by at
// least one weight or bias; otherwise the output-index domain does not match
// the geometry the table was built from.
func (b *Builder) Build() (*Table, error) {
	if b.err != nil {
		return nil, b.err
	}
	t := b.table
	for o := range t.Out2WI {
		if len(t.Out2WI[o]) == 0 && t.Out2Bias[o] < 0 {
			return nil, fmt.Errorf("%w: output %d has no connections", ErrGeometry, o)
		}
	}
	b.table = nil
	b.err = fmt.Errorf("%w: builder already used", ErrGeometry)
	return t, nil
}
