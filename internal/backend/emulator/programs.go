package emulator

// Argument positions of the entry points. They follow the orders
// documented on the device.Entry* constants.
const (
	argIn = iota
	argInOffset
	argW
	argWOffset
	argBias
	argBiasOffset
	argOut
	argOutOffset
)

// AveragePooling
const (
	poolInW = argOutOffset + 1 + iota
	poolInH
	poolOutW
	poolOutH
	poolInDepth
	poolW
	poolH
	poolStride
	poolScale
	poolArgs
)

// CFMulti
const (
	convInW = argOutOffset + 1 + iota
	convInH
	convOutW
	convOutH
	convTable
	convInDepth
	convWindowW
	convWindowH
	convStride
	convOutDepth
	convHasBias
	convArgs
)

// FullyConnected
const (
	fullyInSize = argOutOffset + 1 + iota
	fullyOutSize
	fullyHasBias
	fullyArgs
)

// averagePooling computes one output of one sample. Samples are tiled
// along x: gid = (sample*out_w + x, y, channel).
func averagePooling(f *frame, gid [3]int) {
	inW, inH := f.uint(poolInW), f.uint(poolInH)
	outW, outH := f.uint(poolOutW), f.uint(poolOutH)
	depth := f.uint(poolInDepth)
	pw, ph, stride := f.uint(poolW), f.uint(poolH), f.uint(poolStride)

	sample, x := gid[0]/outW, gid[0]%outW
	y, c := gid[1], gid[2]

	inBase := f.uint(argInOffset) + sample*inW*inH*depth
	outBase := f.uint(argOutOffset) + sample*outW*outH*depth

	dymax := min(ph, inH-y*stride)
	dxmax := min(pw, inW-x*stride)
	var sum float32
	for dy := 0; dy < dymax; dy++ {
		for dx := 0; dx < dxmax; dx++ {
			sum += f.load(argIn, inBase+(inH*c+y*stride+dy)*inW+x*stride+dx)
		}
	}

	weight := f.load(argW, f.uint(argWOffset)+c) * f.float(poolScale)
	bias := f.load(argBias, f.uint(argBiasOffset)+c)
	f.store(argOut, outBase+(outH*c+y)*outW+x, sum*weight+bias)
}

// convolution computes one output of one sample over every connected input
// channel. gid = (sample*out_w + x, y, out channel).
func convolution(f *frame, gid [3]int) {
	inW, inH := f.uint(convInW), f.uint(convInH)
	outW, outH := f.uint(convOutW), f.uint(convOutH)
	inDepth, outDepth := f.uint(convInDepth), f.uint(convOutDepth)
	ww, wh, stride := f.uint(convWindowW), f.uint(convWindowH), f.uint(convStride)

	sample, x := gid[0]/outW, gid[0]%outW
	y, oc := gid[1], gid[2]

	inBase := f.uint(argInOffset) + sample*inW*inH*inDepth
	outBase := f.uint(argOutOffset) + sample*outW*outH*outDepth
	wBase := f.uint(argWOffset)

	var sum float32
	for ic := 0; ic < inDepth; ic++ {
		if f.loadUint(convTable, ic*outDepth+oc) == 0 {
			continue
		}
		for wy := 0; wy < wh; wy++ {
			for wx := 0; wx < ww; wx++ {
				w := f.load(argW, wBase+ww*wh*(inDepth*oc+ic)+wy*ww+wx)
				v := f.load(argIn, inBase+(inH*ic+y*stride+wy)*inW+x*stride+wx)
				sum += w * v
			}
		}
	}
	if f.uint(convHasBias) != 0 {
		sum += f.load(argBias, f.uint(argBiasOffset)+oc)
	}
	f.store(argOut, outBase+(outH*oc+y)*outW+x, sum)
}

// fullyConnected computes one output of one sample. gid = (out, sample, 0).
func fullyConnected(f *frame, gid [3]int) {
	inSize, outSize := f.uint(fullyInSize), f.uint(fullyOutSize)
	o, sample := gid[0], gid[1]

	inBase := f.uint(argInOffset) + sample*inSize
	wBase := f.uint(argWOffset)

	var sum float32
	if f.uint(fullyHasBias) != 0 {
		sum = f.load(argBias, f.uint(argBiasOffset)+o)
	}
	for i := 0; i < inSize; i++ {
		sum += f.load(argIn, inBase+i) * f.load(argW, wBase+i*outSize+o)
	}
	f.store(argOut, f.uint(argOutOffset)+sample*outSize+o, sum)
}
