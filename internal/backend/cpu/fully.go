package cpu

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/opkernel/internal/kernel"
	"github.com/born-ml/opkernel/internal/layer"
	"github.com/born-ml/opkernel/internal/parallel"
)

// fullyForward computes out[o] = bias[o] + sum_i in[i] * W[i*out_size+o].
// W is the in_size x out_size row-major matrix, so out = W^T in.
func fullyForward(oc *kernel.OpContext, p layer.FullyParams) {
	in := oc.Input(kernel.In)
	W := oc.Input(kernel.Weights)[0]
	out := oc.Output(kernel.Out)

	var bias []float32
	if p.HasBias {
		bias = oc.Input(kernel.Bias)[0]
	}
	a := blas32.General{Rows: p.InSize, Cols: p.OutSize, Stride: p.OutSize, Data: W}

	parallel.For(len(in), func(sample int) {
		y := out[sample]
		beta := float32(0)
		if bias != nil {
			copy(y, bias)
			beta = 1
		}
		blas32.Gemv(blas.Trans, 1, a,
			blas32.Vector{N: p.InSize, Inc: 1, Data: in[sample]},
			beta,
			blas32.Vector{N: p.OutSize, Inc: 1, Data: y})
	}, oc.Parallel())
}

// fullyBackward accumulates prev_delta, dW and db for every sample.
// Samples run concurrently; within a sample the output dimension is split
// into contiguous blocks that own disjoint slices of dW and db.
func fullyBackward(oc *kernel.OpContext, p layer.FullyParams) {
	prevOut := oc.Input(kernel.In)
	W := oc.Input(kernel.Weights)[0]
	currDelta := oc.Input(kernel.OutGrad)
	prevDelta := oc.Output(kernel.InGrad)
	dW := oc.Output(kernel.WeightGrad)
	db := oc.Output(kernel.BiasGrad)

	cfg := oc.Parallel()
	blocks := 1
	if cfg.Enabled {
		blocks = max(cfg.NumWorkers, 1)
	}
	ranges := parallel.Blocks(p.OutSize, blocks)

	parallel.For(len(prevOut), func(sample int) {
		var gb []float32
		if p.HasBias {
			gb = db[sample]
		}
		fullyBackwardSample(p, W, prevOut[sample], currDelta[sample], prevDelta[sample], dW[sample], gb, ranges, cfg)
	}, cfg)
}

// fullyBackwardSample is the per-sample backward pass. Each element of dW
// and db receives exactly one addition, so the result does not depend on
// how ranges partitions [0, out_size).
func fullyBackwardSample(p layer.FullyParams, W, prevOut, currDelta, prevDelta, dW, db []float32, ranges []parallel.Range, cfg parallel.Config) {
	curr := blas32.Vector{N: p.OutSize, Inc: 1, Data: currDelta}

	// prev_delta[c] += current_delta[r] * W[c * out_size + r]
	for c := 0; c < p.InSize; c++ {
		row := blas32.Vector{N: p.OutSize, Inc: 1, Data: W[c*p.OutSize : (c+1)*p.OutSize]}
		prevDelta[c] += blas32.Dot(curr, row)
	}

	parallel.ForBlocks(ranges, func(r parallel.Range) {
		n := r.Len()
		delta := blas32.Vector{N: n, Inc: 1, Data: currDelta[r.Begin:r.End]}

		// dW[c * out_size + i] += current_delta[i] * prev_out[c]
		for c := 0; c < p.InSize; c++ {
			off := c*p.OutSize + r.Begin
			blas32.Axpy(prevOut[c], delta, blas32.Vector{N: n, Inc: 1, Data: dW[off : off+n]})
		}

		if db != nil {
			for i := r.Begin; i < r.End; i++ {
				db[i] += currDelta[i]
			}
		}
	}, cfg)
}
