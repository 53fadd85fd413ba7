package accel

import (
	"fmt"

	"github.com/born-ml/opkernel/internal/device"
	"github.com/born-ml/opkernel/internal/kernel"
	"github.com/born-ml/opkernel/internal/layer"
	"github.com/born-ml/opkernel/internal/tensor"
)

const wordSize = 4

// sampleLen returns the per-sample length of a slot.
func sampleLen(l layer.Layer, r kernel.Role) int {
	switch r {
	case kernel.In, kernel.InGrad:
		return l.InSize()
	case kernel.Out, kernel.OutGrad:
		return l.OutSize()
	case kernel.Weights, kernel.WeightGrad:
		return l.WeightSize()
	case kernel.Bias, kernel.BiasGrad:
		return l.BiasSize()
	default:
		return 0
	}
}

// download is a writable slot to copy back after the launch.
type download struct {
	role   kernel.Role
	buf    device.Buffer
	tensor tensor.Tensor
	n      int
}

// staging holds the device buffers of one call.
type staging struct {
	args      []device.Arg
	buffers   []device.Buffer
	downloads []download

	uploaded int // bytes
}

// release frees every buffer of the call.
func (s *staging) release() {
	for _, b := range s.buffers {
		b.Release()
	}
	s.buffers = nil
}

func (s *staging) alloc(dev device.Device, name string, access device.Access, n int) (device.Buffer, error) {
	// A bias-free layer still binds a bias buffer; devices reject empty buffers.
	buf, err := dev.NewBuffer(access, max(n, 1))
	if err != nil {
		return nil, fmt.Errorf("%w: allocate %s (%d words): %v", kernel.ErrLaunch, name, n, err)
	}
	s.buffers = append(s.buffers, buf)
	return buf, nil
}

// stage allocates a buffer per buffer argument of the plan, uploads the
// readable ones sample by sample and binds everything in plan order. The
// caller must release the staging, also on error.
func stage(dev device.Device, p *Plan, oc *kernel.OpContext) (*staging, error) {
	s := &staging{args: make([]device.Arg, 0, len(p.Args))}
	for _, a := range p.Args {
		switch a.Kind {
		case ScalarArg:
			s.args = append(s.args, a.Scalar)

		case ConstArg:
			buf, err := s.alloc(dev, a.Name, device.ReadOnly, len(a.Words))
			if err != nil {
				return s, err
			}
			if err := buf.WriteUint32(0, a.Words); err != nil {
				return s, fmt.Errorf("%w: upload %s: %v", kernel.ErrLaunch, a.Name, err)
			}
			s.uploaded += len(a.Words) * wordSize
			s.args = append(s.args, device.BufferArg(a.Name, buf))

		case SlotArg:
			t := oc.Input(a.Role)
			if a.Access.Writable() {
				t = oc.Output(a.Role)
			}
			n := sampleLen(oc.Layer(), a.Role)
			buf, err := s.alloc(dev, a.Name, a.Access, len(t)*n)
			if err != nil {
				return s, err
			}
			if a.Access.Readable() {
				for i, sample := range t {
					if err := buf.WriteFloat32(i*n, sample); err != nil {
						return s, fmt.Errorf("%w: upload %s sample %d: %v", kernel.ErrLaunch, a.Name, i, err)
					}
				}
				s.uploaded += len(t) * n * wordSize
			}
			if a.Access.Writable() {
				s.downloads = append(s.downloads, download{role: a.Role, buf: buf, tensor: t, n: n})
			}
			s.args = append(s.args, device.BufferArg(a.Name, buf))

		default:
			return s, fmt.Errorf("%w: argument %s has unknown kind %d", kernel.ErrConfiguration, a.Name, a.Kind)
		}
	}
	return s, nil
}

// readBack copies every writable buffer into its slot and returns the number
// of bytes read.
func (s *staging) readBack() (int, error) {
	read := 0
	for _, d := range s.downloads {
		for i, sample := range d.tensor {
			if err := d.buf.ReadFloat32(i*d.n, sample); err != nil {
				return read, fmt.Errorf("%w: read back %s sample %d: %v", kernel.ErrLaunch, d.role, i, err)
			}
		}
		read += len(d.tensor) * d.n * wordSize
	}
	return read, nil
}
