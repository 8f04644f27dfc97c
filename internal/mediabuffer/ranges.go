package mediabuffer

import (
	"math"
	"slices"
)

// Epsilon is the tolerance used when comparing buffered positions; media
// buffers routinely report range edges a frame off.
const Epsilon = 1.0 / 60

// Range is a half-open buffered interval [Start, End) in seconds.
type Range struct {
	Start, End float64
}

// Duration returns the length of the range.
func (r Range) Duration() float64 {
	return r.End - r.Start
}

// TimeRanges is a sorted list of non-overlapping ranges.
type TimeRanges []Range

// RangeAt returns the range containing t.
func (tr TimeRanges) RangeAt(t float64) (Range, bool) {
	for _, r := range tr {
		if t >= r.Start-Epsilon && t < r.End {
			return r, true
		}
	}
	return Range{}, false
}

// BufferGap returns how much is buffered contiguously ahead of t, 0 when t
// is not buffered.
func (tr TimeRanges) BufferGap(t float64) float64 {
	r, ok := tr.RangeAt(t)
	if !ok {
		return 0
	}
	return math.Max(r.End-t, 0)
}

// Add returns tr with r merged in.
func (tr TimeRanges) Add(r Range) TimeRanges {
	if r.End <= r.Start {
		return tr
	}
	out := make(TimeRanges, 0, len(tr)+1)
	inserted := false
	for _, cur := range tr {
		switch {
		case cur.End < r.Start-Epsilon:
			out = append(out, cur)
		case cur.Start > r.End+Epsilon:
			if !inserted {
				out = append(out, r)
				inserted = true
			}
			out = append(out, cur)
		default:
			r = Range{Start: math.Min(r.Start, cur.Start), End: math.Max(r.End, cur.End)}
		}
	}
	if !inserted {
		out = append(out, r)
	}
	return out
}

// Remove returns tr without [start, end).
func (tr TimeRanges) Remove(start, end float64) TimeRanges {
	if end <= start {
		return tr
	}
	out := make(TimeRanges, 0, len(tr)+1)
	for _, cur := range tr {
		if cur.End <= start || cur.Start >= end {
			out = append(out, cur)
			continue
		}
		if cur.Start < start {
			out = append(out, Range{Start: cur.Start, End: start})
		}
		if cur.End > end {
			out = append(out, Range{Start: end, End: cur.End})
		}
	}
	return out
}

// Outside returns the parts of tr lying before lo or after hi: the ranges
// a garbage collector may evict around a playback window.
func (tr TimeRanges) Outside(lo, hi float64) TimeRanges {
	var out TimeRanges
	for _, cur := range tr {
		if cur.Start < lo {
			out = append(out, Range{Start: cur.Start, End: math.Min(cur.End, lo)})
		}
		if cur.End > hi {
			out = append(out, Range{Start: math.Max(cur.Start, hi), End: cur.End})
		}
	}
	return out
}

// Total returns the summed duration of all ranges.
func (tr TimeRanges) Total() float64 {
	var sum float64
	for _, r := range tr {
		sum += r.Duration()
	}
	return sum
}

// Clone returns a copy safe to hand to another goroutine.
func (tr TimeRanges) Clone() TimeRanges {
	return slices.Clone(tr)
}
