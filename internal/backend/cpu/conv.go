package cpu

import (
	"github.com/born-ml/opkernel/internal/kernel"
	"github.com/born-ml/opkernel/internal/layer"
	"github.com/born-ml/opkernel/internal/parallel"
)

// convForward computes out[o] = sum over out2wi[o] of W[w]*in[i], plus the
// output channel's bias when the layer has one.
func convForward(oc *kernel.OpContext, l *layer.Conv) {
	in := oc.Input(kernel.In)
	W := oc.Input(kernel.Weights)[0]
	out := oc.Output(kernel.Out)

	var b []float32
	if l.Params().HasBias {
		b = oc.Input(kernel.Bias)[0]
	}
	tbl := l.Table()

	parallel.For(len(in), func(sample int) {
		x := in[sample]
		y := out[sample]
		for o, conns := range tbl.Out2WI {
			var sum float32
			for _, c := range conns {
				sum += W[c.First] * x[c.Second]
			}
			if bi := tbl.Out2Bias[o]; b != nil && bi >= 0 {
				sum += b[bi]
			}
			y[o] = sum
		}
	}, oc.Parallel())
}

// convBackward adds to prev_delta, dW and db of every sample.
func convBackward(oc *kernel.OpContext, l *layer.Conv) {
	prevOut := oc.Input(kernel.In)
	W := oc.Input(kernel.Weights)[0]
	currDelta := oc.Input(kernel.OutGrad)
	prevDelta := oc.Output(kernel.InGrad)
	dW := oc.Output(kernel.WeightGrad)
	db := oc.Output(kernel.BiasGrad)

	hasBias := l.Params().HasBias
	tbl := l.Table()

	parallel.For(len(prevOut), func(sample int) {
		x := prevOut[sample]
		curr := currDelta[sample]
		prev := prevDelta[sample]

		for i, conns := range tbl.In2WO {
			var delta float32
			for _, c := range conns {
				delta += W[c.First] * curr[c.Second]
			}
			prev[i] += delta
		}

		gw := dW[sample]
		for w, conns := range tbl.Weight2IO {
			var diff float32
			for _, c := range conns {
				diff += x[c.First] * curr[c.Second]
			}
			gw[w] += diff
		}

		if !hasBias {
			return
		}
		gb := db[sample]
		for bi, outs := range tbl.Bias2Out {
			var diff float32
			for _, o := range outs {
				diff += curr[o]
			}
			gb[bi] += diff
		}
	}, oc.Parallel())
}
