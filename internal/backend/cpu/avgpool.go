package cpu

import (
	"github.com/born-ml/opkernel/internal/kernel"
	"github.com/born-ml/opkernel/internal/layer"
	"github.com/born-ml/opkernel/internal/parallel"
)

// avgPoolForward computes, per sample and channel d,
//
//	out[o] = (sum of in over out2wi[o]) * W[d]*scale + b[d]
func avgPoolForward(oc *kernel.OpContext, l *layer.AvgPool) {
	in := oc.Input(kernel.In)
	W := oc.Input(kernel.Weights)[0]
	b := oc.Input(kernel.Bias)[0]
	out := oc.Output(kernel.Out)

	outShape := l.Out()
	scale := l.ScaleFactor()
	out2wi := l.Table().Out2WI

	oarea := outShape.Area()
	parallel.ForBatch(len(in), outShape.Depth, func(sample, d int) {
		x := in[sample]
		y := out[sample]

		weight := W[d] * scale
		bias := b[d]
		for idx := d * oarea; idx < (d+1)*oarea; idx++ {
			var value float32
			for _, c := range out2wi[idx] {
				value += x[c.Second]
			}
			y[idx] = value*weight + bias
		}
	}, oc.Parallel())
}

// avgPoolBackward propagates curr_delta to prev_delta and accumulates the
// per-sample weight and bias gradients. prev_delta is overwritten; dW and db
// are added to.
//
// Every input sums over all outputs it feeds, so overlapping windows get
// the full gradient. Inputs outside every window receive zero.
func avgPoolBackward(oc *kernel.OpContext, l *layer.AvgPool) {
	prevOut := oc.Input(kernel.In)
	W := oc.Input(kernel.Weights)[0]
	currDelta := oc.Input(kernel.OutGrad)
	prevDelta := oc.Output(kernel.InGrad)
	dW := oc.Output(kernel.WeightGrad)
	db := oc.Output(kernel.BiasGrad)

	scale := l.ScaleFactor()
	tbl := l.Table()

	parallel.For(len(prevOut), func(sample int) {
		x := prevOut[sample]
		curr := currDelta[sample]
		prev := prevDelta[sample]

		for i, conns := range tbl.In2WO {
			var delta float32
			for _, c := range conns {
				delta += W[c.First] * scale * curr[c.Second]
			}
			prev[i] = delta
		}

		gw := dW[sample]
		for i, conns := range tbl.Weight2IO {
			var diff float32
			for _, c := range conns {
				diff += x[c.First] * curr[c.Second]
			}
			gw[i] += diff * scale
		}

		gb := db[sample]
		for i, outs := range tbl.Bias2Out {
			var diff float32
			for _, o := range outs {
				diff += curr[o]
			}
			gb[i] += diff
		}
	}, oc.Parallel())
}
