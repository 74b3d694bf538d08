package transaction

import (
	"sort"

	"github.com/stellarlink/cfdp/pdu"
)

// gapTracker records which byte ranges of the incoming file have arrived.
// Ranges are half-open [start, end), kept sorted and merged, so duplicated
// and reordered segments collapse without affecting the totals.
type gapTracker struct {
	segs []pdu.Segment
}

// add records one received range. Overlaps with existing ranges are merged.
func (g *gapTracker) add(start, end uint64) {
	if end <= start {
		return
	}
	g.segs = append(g.segs, pdu.Segment{Start: start, End: end})
	sort.Slice(g.segs, func(i, j int) bool { return g.segs[i].Start < g.segs[j].Start })

	merged := g.segs[:1]
	for _, s := range g.segs[1:] {
		last := &merged[len(merged)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	g.segs = merged
}

// received returns the total number of distinct bytes recorded.
func (g *gapTracker) received() uint64 {
	var n uint64
	for _, s := range g.segs {
		n += s.End - s.Start
	}
	return n
}

// highest returns the end of the furthest range recorded.
func (g *gapTracker) highest() uint64 {
	if len(g.segs) == 0 {
		return 0
	}
	return g.segs[len(g.segs)-1].End
}

// missing enumerates exactly the ranges absent below size.
func (g *gapTracker) missing(size uint64) []pdu.Segment {
	var gaps []pdu.Segment
	var pos uint64
	for _, s := range g.segs {
		if s.Start >= size {
			break
		}
		if s.Start > pos {
			gaps = append(gaps, pdu.Segment{Start: pos, End: s.Start})
		}
		if s.End > pos {
			pos = s.End
		}
	}
	if pos < size {
		gaps = append(gaps, pdu.Segment{Start: pos, End: size})
	}
	return gaps
}

// complete reports whether every byte below size has been recorded.
func (g *gapTracker) complete(size uint64) bool {
	if size == 0 {
		return true
	}
	return len(g.segs) == 1 && g.segs[0].Start == 0 && g.segs[0].End >= size
}
