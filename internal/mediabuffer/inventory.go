package mediabuffer

import (
	"math"
	"slices"
)

// minChunkDuration drops inventory entries trimmed below this length.
const minChunkDuration = 0.01

// BufferedChunk records one appended segment. Start/End are the segment's
// nominal bounds, BufferedStart/BufferedEnd what the buffer still holds
// after garbage collection or overlap.
type BufferedChunk struct {
	PeriodID         string
	RepresentationID string
	SegmentID        string
	Bitrate          float64
	Start, End       float64

	BufferedStart, BufferedEnd float64
}

// SegmentInventory is the bookkeeping ledger of what was appended to one
// media buffer and by which Representation. It lets the need calculator
// tell "buffered by a better quality" from "buffered by a worse one", which
// ranges alone cannot. Accessed only on the loop goroutine.
type SegmentInventory struct {
	chunks []BufferedChunk
}

// NewSegmentInventory creates an empty inventory.
func NewSegmentInventory() *SegmentInventory {
	return &SegmentInventory{}
}

// Insert records c, trimming or splitting the chunks it overlaps. The newest
// append wins where two chunks cover the same time.
func (inv *SegmentInventory) Insert(c BufferedChunk) {
	if c.End <= c.Start {
		return
	}
	if c.BufferedStart == 0 && c.BufferedEnd == 0 {
		c.BufferedStart, c.BufferedEnd = c.Start, c.End
	}

	out := make([]BufferedChunk, 0, len(inv.chunks)+2)
	for _, cur := range inv.chunks {
		if cur.BufferedEnd <= c.Start || cur.BufferedStart >= c.End {
			out = append(out, cur)
			continue
		}
		if cur.BufferedStart < c.Start {
			head := cur
			head.BufferedEnd = c.Start
			out = appendIfUseful(out, head)
		}
		if cur.BufferedEnd > c.End {
			tail := cur
			tail.BufferedStart = c.End
			out = appendIfUseful(out, tail)
		}
	}
	out = append(out, c)
	slices.SortFunc(out, func(a, b BufferedChunk) int {
		switch {
		case a.BufferedStart < b.BufferedStart:
			return -1
		case a.BufferedStart > b.BufferedStart:
			return 1
		default:
			return 0
		}
	})
	inv.chunks = out
}

// Synchronize trims every chunk to what buffered still contains and drops
// chunks no longer present.
func (inv *SegmentInventory) Synchronize(buffered TimeRanges) {
	out := inv.chunks[:0]
	for _, c := range inv.chunks {
		start, end := math.Inf(1), math.Inf(-1)
		for _, r := range buffered {
			lo := math.Max(c.BufferedStart, r.Start)
			hi := math.Min(c.BufferedEnd, r.End)
			if hi > lo {
				start = math.Min(start, lo)
				end = math.Max(end, hi)
			}
		}
		if end <= start {
			continue
		}
		c.BufferedStart, c.BufferedEnd = start, end
		out = appendIfUseful(out, c)
	}
	inv.chunks = out
}

// Overlapping returns the chunks intersecting [start, end).
func (inv *SegmentInventory) Overlapping(start, end float64) []BufferedChunk {
	var out []BufferedChunk
	for _, c := range inv.chunks {
		if c.BufferedEnd > start && c.BufferedStart < end {
			out = append(out, c)
		}
	}
	return out
}

// Chunks returns a copy of the inventory, ordered by time.
func (inv *SegmentInventory) Chunks() []BufferedChunk {
	return slices.Clone(inv.chunks)
}

// RemovePeriod forgets every chunk appended for periodID.
func (inv *SegmentInventory) RemovePeriod(periodID string) {
	inv.chunks = slices.DeleteFunc(inv.chunks, func(c BufferedChunk) bool {
		return c.PeriodID == periodID
	})
}

func appendIfUseful(out []BufferedChunk, c BufferedChunk) []BufferedChunk {
	if c.BufferedEnd-c.BufferedStart < minChunkDuration {
		return out
	}
	return append(out, c)
}
