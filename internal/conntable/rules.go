package conntable

import (
	"fmt"

	"github.com/born-ml/opkernel/internal/tensor"
)

// Dense connects every input to every output. Weight (i, o) has index
// i*outSize + o; output o uses bias o when hasBias is set.
func Dense(inSize, outSize int, hasBias bool) (*Table, error) {
	biasSize := 0
	if hasBias {
		biasSize = outSize
	}
	b := NewBuilder(inSize, outSize, inSize*outSize, biasSize)
	for o := 0; o < outSize; o++ {
		for i := 0; i < inSize; i++ {
			b.Connect(i*outSize+o, i, o)
		}
		if hasBias {
			b.ConnectBias(o, o)
		}
	}
	return b.Build()
}

// PoolOutShape returns the output shape of a pooling window over in.
func PoolOutShape(in tensor.Shape3D, poolW, poolH, stride int) (tensor.Shape3D, error) {
	if err := in.Validate(); err != nil {
		return tensor.Shape3D{}, fmt.Errorf("%w: %v", ErrGeometry, err)
	}
	if poolW <= 0 || poolH <= 0 || stride <= 0 {
		return tensor.Shape3D{}, fmt.Errorf("%w: pool %dx%d stride %d", ErrGeometry, poolW, poolH, stride)
	}
	if poolW > in.Width || poolH > in.Height {
		return tensor.Shape3D{}, fmt.Errorf("%w: pool %dx%d larger than input %s", ErrGeometry, poolW, poolH, in)
	}
	return tensor.NewShape3D((in.Width-poolW)/stride+1, (in.Height-poolH)/stride+1, in.Depth), nil
}

// AveragePooling connects each output to the poolW x poolH window of its
// channel. Every channel has one weight and one bias.
func AveragePooling(in tensor.Shape3D, poolW, poolH, stride int) (*Table, error) {
	out, err := PoolOutShape(in, poolW, poolH, stride)
	if err != nil {
		return nil, err
	}

	b := NewBuilder(in.Size(), out.Size(), in.Depth, in.Depth)
	for c := 0; c < in.Depth; c++ {
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				dymax := min(poolH, in.Height-y*stride)
				dxmax := min(poolW, in.Width-x*stride)
				dstx, dsty := x*stride, y*stride
				o := out.Index(x, y, c)

				for dy := 0; dy < dymax; dy++ {
					for dx := 0; dx < dxmax; dx++ {
						b.Connect(c, in.Index(dstx+dx, dsty+dy, c), o)
					}
				}
				b.ConnectBias(c, o)
			}
		}
	}
	return b.Build()
}

// ConvOutShape returns the output shape of a valid (unpadded) convolution.
func ConvOutShape(in tensor.Shape3D, windowW, windowH, stride, outDepth int) (tensor.Shape3D, error) {
	if err := in.Validate(); err != nil {
		return tensor.Shape3D{}, fmt.Errorf("%w: %v", ErrGeometry, err)
	}
	if windowW <= 0 || windowH <= 0 || stride <= 0 || outDepth <= 0 {
		return tensor.Shape3D{}, fmt.Errorf("%w: window %dx%d stride %d out depth %d",
			ErrGeometry, windowW, windowH, stride, outDepth)
	}
	if windowW > in.Width || windowH > in.Height {
		return tensor.Shape3D{}, fmt.Errorf("%w: window %dx%d larger than input %s", ErrGeometry, windowW, windowH, in)
	}
	return tensor.NewShape3D((in.Width-windowW)/stride+1, (in.Height-windowH)/stride+1, outDepth), nil
}

// ConvWeightIndex returns the flat weight index of window element (wx, wy)
// joining input channel inC to output channel outC.
func ConvWeightIndex(windowW, windowH, inDepth, inC, outC, wx, wy int) int {
	return windowW*windowH*(inDepth*outC+inC) + wy*windowW + wx
}

// Convolution connects each output of channel o to the window of every
// input channel the mask allows. The weight domain always covers all
// channel pairs, so pruned weights simply have no connections.
func Convolution(in tensor.Shape3D, windowW, windowH, stride, outDepth int, mask ChannelMask, hasBias bool) (*Table, error) {
	out, err := ConvOutShape(in, windowW, windowH, stride, outDepth)
	if err != nil {
		return nil, err
	}
	if err := mask.check(in.Depth, outDepth); err != nil {
		return nil, err
	}

	biasSize := 0
	if hasBias {
		biasSize = outDepth
	}
	b := NewBuilder(in.Size(), out.Size(), windowW*windowH*in.Depth*outDepth, biasSize)
	for oc := 0; oc < outDepth; oc++ {
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				o := out.Index(x, y, oc)
				for ic := 0; ic < in.Depth; ic++ {
					if !mask.IsConnected(oc, ic) {
						continue
					}
					for wy := 0; wy < windowH; wy++ {
						for wx := 0; wx < windowW; wx++ {
							w := ConvWeightIndex(windowW, windowH, in.Depth, ic, oc, wx, wy)
							b.Connect(w, in.Index(x*stride+wx, y*stride+wy, ic), o)
						}
					}
				}
				if hasBias {
					b.ConnectBias(oc, o)
				}
			}
		}
	}
	return b.Build()
}
