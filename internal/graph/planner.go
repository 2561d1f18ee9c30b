package graph

import (
	"fmt"
	"sort"
)

// arenaAlign is the byte alignment of every planned extent.
const arenaAlign = 16

func alignUp(n, a int) int { return (n + a - 1) &^ (a - 1) }

// Extent is one tensor's placement in the arena.
type Extent struct {
	Name   string
	Offset int
	Size   int
	First  int // liveness interval start, build order
	Last   int // liveness interval end, build order
}

// Plan is the result of arena planning, kept for inspection and tests.
type Plan struct {
	ArenaBytes    int
	DeclaredBytes int // sum of all planned tensor sizes, for comparison
	PeakBytes     int // peak sum of concurrently live tensor sizes
	Extents       []Extent
}

type gap struct {
	off  int
	size int
}

// planArena assigns non-overlapping arena offsets to every planned tensor.
//
// Each tensor is live over [firstProducer, lastConsumer] in build order;
// tensors inside a regress bracket stay live through endOfOrder. Tensors are
// processed by increasing interval start. Space freed when an interval ends
// goes to a free list of gaps; each new tensor takes the smallest gap that
// fits (best-fit, lowest offset on ties, so layouts are deterministic), and
// the arena grows only when no gap suffices.
func planArena(tensors []*Tensor, endOfOrder int) (*Plan, error) {
	plan := &Plan{}

	work := make([]*Tensor, 0, len(tensors))
	for _, t := range tensors {
		if t.kind != KindPlanned {
			continue
		}
		work = append(work, t)
		plan.DeclaredBytes += t.maxBytes
	}
	sort.Slice(work, func(i, j int) bool {
		fi, fj := liveFirst(work[i]), liveFirst(work[j])
		if fi != fj {
			return fi < fj
		}
		return work[i].id < work[j].id
	})

	var (
		free   []gap     // sorted by offset, coalesced
		active []*Tensor // extents not yet reclaimed
		end    int       // current arena size
		live   int       // current live byte total
	)

	for _, t := range work {
		first := liveFirst(t)
		last := liveLast(t, endOfOrder)
		if last < first {
			return nil, fmt.Errorf("graph: tensor %q has inverted liveness [%d, %d]", t.name, first, last)
		}

		// Reclaim every extent whose lifetime ended before this one starts.
		kept := active[:0]
		for _, a := range active {
			if liveLast(a, endOfOrder) < first {
				free = releaseGap(free, gap{off: a.offset, size: a.maxBytes})
				live -= a.maxBytes
			} else {
				kept = append(kept, a)
			}
		}
		active = kept

		off, ok := takeBestFit(&free, t.maxBytes)
		if !ok {
			// Extend the arena, absorbing a trailing gap when one touches
			// the current end.
			off = end
			if n := len(free); n > 0 && free[n-1].off+free[n-1].size == end {
				off = free[n-1].off
				free = free[:n-1]
			}
			end = off + t.maxBytes
		}
		t.offset = off
		active = append(active, t)
		live += t.maxBytes
		if live > plan.PeakBytes {
			plan.PeakBytes = live
		}
		plan.Extents = append(plan.Extents, Extent{
			Name: t.name, Offset: off, Size: t.maxBytes, First: first, Last: last,
		})
	}

	plan.ArenaBytes = end
	return plan, nil
}

func liveFirst(t *Tensor) int {
	if t.firstUse >= 0 {
		return t.firstUse
	}
	return t.id
}

func liveLast(t *Tensor, endOfOrder int) int {
	if t.regress {
		return endOfOrder
	}
	if t.lastUse >= 0 {
		return t.lastUse
	}
	return t.id
}

// takeBestFit removes and returns the lowest-offset smallest gap that fits.
func takeBestFit(free *[]gap, need int) (int, bool) {
	best := -1
	for i, g := range *free {
		if g.size < need {
			continue
		}
		if best < 0 || g.size < (*free)[best].size {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	g := (*free)[best]
	if g.size == need {
		*free = append((*free)[:best], (*free)[best+1:]...)
	} else {
		(*free)[best] = gap{off: g.off + need, size: g.size - need}
	}
	return g.off, true
}

// releaseGap inserts a gap keeping the list offset-sorted and coalesced.
func releaseGap(free []gap, g gap) []gap {
	i := sort.Search(len(free), func(i int) bool { return free[i].off >= g.off })
	free = append(free, gap{})
	copy(free[i+1:], free[i:])
	free[i] = g

	// merge with successor, then predecessor
	if i+1 < len(free) && free[i].off+free[i].size == free[i+1].off {
		free[i].size += free[i+1].size
		free = append(free[:i+1], free[i+2:]...)
	}
	if i > 0 && free[i-1].off+free[i-1].size == free[i].off {
		free[i-1].size += free[i].size
		free = append(free[:i], free[i+1:]...)
	}
	return free
}
