package emulator

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/born-ml/opkernel/internal/device"
)

type launch struct {
	entry *entry
	args  []device.Arg
	geom  device.Geometry
}

// Queue records launches and runs them in order on Finish.
type Queue struct {
	dev *Device

	mu      sync.Mutex
	pending []launch

	// exec is held while launches run, so a Finish that finds nothing
	// pending still waits for launches another Finish took over.
	exec sync.Mutex
}

var _ device.Queue = (*Queue)(nil)

// Launch enqueues e. Arguments are checked now; the program runs on Finish.
func (q *Queue) Launch(e device.Entry, args []device.Arg, g device.Geometry) error {
	ent, ok := e.(*entry)
	if !ok {
		return fmt.Errorf("emulator: entry %s was not built by the emulator", e.Name())
	}
	if len(args) != ent.nargs {
		return fmt.Errorf("emulator: %s takes %d arguments, got %d", ent.name, ent.nargs, len(args))
	}
	if err := g.Validate(q.dev.maxWorkGroup); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, launch{entry: ent, args: append([]device.Arg(nil), args...), geom: g})
	return nil
}

// Finish returns once every launch issued before it has run. A fault
// aborts the launch it occurs in; later launches still run and every
// fault is returned.
func (q *Queue) Finish() error {
	q.exec.Lock()
	defer q.exec.Unlock()

	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	var errs []error
	for _, l := range pending {
		if err := l.run(q.dev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l launch) run(d *Device) error {
	f, err := d.frame(l.args)
	if err != nil {
		return fmt.Errorf("emulator: %s: %w", l.entry.name, err)
	}
	g := l.geom.Global
	for z := 0; z < g[2]; z++ {
		for y := 0; y < g[1]; y++ {
			for x := 0; x < g[0]; x++ {
				l.entry.run(f, [3]int{x, y, z})
				if f.err != nil {
					return fmt.Errorf("emulator: %s at (%d, %d, %d): %w", l.entry.name, x, y, z, f.err)
				}
			}
		}
	}
	return nil
}

// frame is the resolved argument list of one launch.
type frame struct {
	args []device.Arg
	bufs []*Buffer
	err  error
}

func (d *Device) frame(args []device.Arg) (*frame, error) {
	f := &frame{args: args, bufs: make([]*Buffer, len(args))}
	for i, a := range args {
		if !a.IsBuffer() {
			continue
		}
		b, ok := a.Buffer.(*Buffer)
		if !ok || b.dev != d {
			return nil, fmt.Errorf("%w: argument %d (%s)", ErrForeignBuffer, i, a.Name)
		}
		if b.data == nil {
			return nil, fmt.Errorf("%w: argument %d (%s)", ErrReleased, i, a.Name)
		}
		f.bufs[i] = b
	}
	return f, nil
}

func (f *frame) uint(i int) int { return f.args[i].Int() }

func (f *frame) float(i int) float32 { return f.args[i].Float32() }

func (f *frame) fail(err error) {
	if f.err == nil {
		f.err = err
	}
}

func (f *frame) buffer(i int) *Buffer {
	b := f.bufs[i]
	if b == nil {
		f.fail(fmt.Errorf("argument %d (%s) is not a buffer", i, f.args[i].Name))
	}
	return b
}

func (f *frame) load(i, idx int) float32 {
	b := f.buffer(i)
	if b == nil {
		return 0
	}
	if idx < 0 || idx >= len(b.data) {
		f.fail(fmt.Errorf("%w: load %s[%d] of %d words", ErrOutOfRange, f.args[i].Name, idx, len(b.data)))
		return 0
	}
	return math.Float32frombits(b.data[idx])
}

func (f *frame) loadUint(i, idx int) uint32 {
	b := f.buffer(i)
	if b == nil {
		return 0
	}
	if idx < 0 || idx >= len(b.data) {
		f.fail(fmt.Errorf("%w: load %s[%d] of %d words", ErrOutOfRange, f.args[i].Name, idx, len(b.data)))
		return 0
	}
	return b.data[idx]
}

func (f *frame) store(i, idx int, v float32) {
	b := f.buffer(i)
	if b == nil {
		return
	}
	if !b.access.Writable() {
		f.fail(fmt.Errorf("store to %s buffer %s", b.access, f.args[i].Name))
		return
	}
	if idx < 0 || idx >= len(b.data) {
		f.fail(fmt.Errorf("%w: store %s[%d] of %d words", ErrOutOfRange, f.args[i].Name, idx, len(b.data)))
		return
	}
	b.data[idx] = math.Float32bits(v)
}
