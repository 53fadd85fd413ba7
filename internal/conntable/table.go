// Package conntable builds the sparse index tables that map outputs of a
// partially connected layer to the weights, inputs and biases feeding them.
//
// Tables are built once from immutable layer geometry and are read-only
// afterwards, so they can be shared by every sample of a batch and by
// concurrent forward/backward calls.
package conntable

import (
	"errors"
	"fmt"
)

// ErrGeometry reports malformed layer geometry or inconsistent table sizes.
var ErrGeometry = errors.New("conntable: invalid geometry")

// Pair is an ordered pair of flat indices. Its meaning depends on the table
// holding it, e.g. (weight, input) in Out2WI or (input, output) in Weight2IO.
type Pair struct {
	First  int
	Second int
}

// Table is the set of derived connection indexes of one layer.
type Table struct {
	// Out2WI lists, for every output, the (weight, input) pairs summed into it.
	Out2WI [][]Pair
	// Weight2IO lists, for every weight, the (input, output) pairs it joins.
	Weight2IO [][]Pair
	// In2WO lists, for every input, the (weight, output) pairs it feeds.
	In2WO [][]Pair
	// Bias2Out lists, for every bias, the outputs it is added to.
	Bias2Out [][]int
	// Out2Bias maps every output to its bias index, or -1.
	Out2Bias []int
}

// InSize returns the size of the input-index domain.
func (t *Table) InSize() int { return len(t.In2WO) }

// OutSize returns the size of the output-index domain.
func (t *Table) OutSize() int { return len(t.Out2WI) }

// WeightSize returns the size of the weight-index domain.
func (t *Table) WeightSize() int { return len(t.Weight2IO) }

// BiasSize returns the size of the bias-index domain.
func (t *Table) BiasSize() int { return len(t.Bias2Out) }

// Connections returns the total number of weight connections.
func (t *Table) Connections() int {
	n := 0
	for _, c := range t.Out2WI {
		n += len(c)
	}
	return n
}

// Validate cross-checks that the weight tables are views of the same set of
// connections and that every bias mapping agrees with Out2Bias.
func (t *Table) Validate() error {
	n := t.Connections()
	var w, in int
	for _, c := range t.Weight2IO {
		w += len(c)
	}
	for _, c := range t.In2WO {
		in += len(c)
	}
	if w != n || in != n {
		return fmt.Errorf("%w: connection counts differ (out2wi=%d weight2io=%d in2wo=%d)", ErrGeometry, n, w, in)
	}
	if len(t.Out2Bias) != t.OutSize() {
		return fmt.Errorf("%w: out2bias has %d entries for %d outputs", ErrGeometry, len(t.Out2Bias), t.OutSize())
	}
	for b, outs := range t.Bias2Out {
		for _, o := range outs {
			if t.Out2Bias[o] != b {
				return fmt.Errorf("%w: output %d mapped to bias %d, expected %d", ErrGeometry, o, t.Out2Bias[o], b)
			}
		}
	}
	return nil
}
