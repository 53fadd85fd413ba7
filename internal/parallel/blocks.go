package parallel

import "golang.org/x/sync/errgroup"

// Range is the half-open index interval [Begin, End).
type Range struct {
	Begin int
	End   int
}

// Len returns End - Begin.
func (r Range) Len() int {
	return r.End - r.Begin
}

// Blocks splits [0, n) into at most parts contiguous, disjoint ranges that
// together cover the whole interval. Earlier blocks are at most one element
// longer than later ones.
func Blocks(n, parts int) []Range {
	if n <= 0 {
		return nil
	}
	parts = max(min(parts, n), 1)

	ranges := make([]Range, parts)
	size, rem := n/parts, n%parts
	begin := 0
	for i := range ranges {
		end := begin + size
		if i < rem {
			end++
		}
		ranges[i] = Range{Begin: begin, End: end}
		begin = end
	}
	return ranges
}

// ForBlocks calls f once per range. Ranges must be disjoint; each call may
// then write its own slice of a shared buffer without synchronization.
func ForBlocks(ranges []Range, f func(r Range), cfg Config) {
	if !cfg.Enabled || len(ranges) < 2 {
		for _, r := range ranges {
			f(r)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(cfg.workers())
	for _, r := range ranges {
		r := r
		g.Go(func() error {
			f(r)
			return nil
		})
	}
	_ = g.Wait()
}
