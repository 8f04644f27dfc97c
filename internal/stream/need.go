package stream

import (
	"math"
	"slices"

	"github.com/jmylchreest/abrengine/internal/manifest"
	"github.com/jmylchreest/abrengine/internal/mediabuffer"
)

// priorityStepsSeconds turns the distance between a segment and the playback
// position into a priority: a segment less than steps[i] seconds away gets
// priority i, farther ones len(steps).
var priorityStepsSeconds = []float64{2, 4, 8, 12, 18, 25}

const (
	// initPriority is the priority of initialization segments.
	initPriority = 0

	// contentReplacementPadding protects media about to be decoded: a
	// lower-quality chunk starting closer than this to the playback
	// position is kept rather than downloaded again.
	contentReplacementPadding = 1.2

	// maxMissingFromSegment is how much of a segment's nominal bounds may be
	// absent from the inventory while still counting it as buffered.
	maxMissingFromSegment = 0.15
)

// Padding widens the wanted window of a media type. Low is how far back
// from the end of the contiguous buffer segments are re-checked, High how
// far past the goal segments are still scheduled.
type Padding struct {
	Low  float64
	High float64
}

// DefaultContentPadding returns the per-type padding used when none is
// configured.
func DefaultContentPadding() map[manifest.MediaType]Padding {
	return map[manifest.MediaType]Padding{
		manifest.Video: {Low: 2, High: 3},
		manifest.Audio: {Low: 1, High: 1},
		manifest.Text:  {Low: 1, High: 1},
		manifest.Image: {Low: 1, High: 1},
	}
}

// SegmentNeed is a segment to download and how urgent it is. Lower
// priorities are more urgent.
type SegmentNeed struct {
	Segment  manifest.SegmentRef
	Priority int
}

// NeedParams is the input of ComputeNeeds.
type NeedParams struct {
	// Position is where the buffer should grow from.
	Position float64
	// CurrentTime is the playback position.
	CurrentTime float64
	// Goal is how many seconds ahead of Position should be buffered.
	Goal float64
	// LiveEdge bounds the window for live content. Zero means no bound.
	LiveEdge float64
	// BufferGap is how much is buffered contiguously ahead of Position.
	BufferGap float64
	Padding   Padding

	Period         *manifest.Period
	Representation *manifest.Representation
	Inventory      []mediabuffer.BufferedChunk
	// Awaiting holds segment ids that were downloaded but are not yet
	// reflected by the buffer.
	Awaiting   map[string]struct{}
	InitLoaded bool
}

// NeedResult is the output of ComputeNeeds.
type NeedResult struct {
	Needs         []SegmentNeed
	ShouldRefresh bool
	// Discontinuity is the time playback should jump to, or -1.
	Discontinuity float64
	InitNeeded    bool
}

// WantedRange returns the window ComputeNeeds schedules for. The window
// starts Padding.Low before the end of the contiguous buffer unless the
// stretch it skips holds media that should be replaced.
func (p NeedParams) WantedRange() (start, end float64) {
	start = math.Max(p.Position, p.Period.Start)
	if skip := p.Position + p.BufferGap - p.Padding.Low; skip > start && p.keepsAll(start, skip) {
		start = skip
	}
	end = math.Min(p.Position+p.Goal+p.Padding.High, p.Period.End)
	if p.LiveEdge > 0 {
		end = math.Min(end, p.LiveEdge)
	}
	return start, end
}

func (p NeedParams) keepsAll(start, end float64) bool {
	for _, c := range p.Inventory {
		if c.BufferedEnd > start && c.BufferedStart < end && !keepChunk(c, p) {
			return false
		}
	}
	return true
}

// ComputeNeeds lists the segments of p.Representation still missing from
// the wanted window, ordered by time and tagged with a priority.
func ComputeNeeds(p NeedParams) NeedResult {
	res := NeedResult{Discontinuity: -1}
	index := p.Representation.Index

	if next := index.CheckDiscontinuity(p.CurrentTime); next > p.CurrentTime {
		res.Discontinuity = next
	}

	start, end := p.WantedRange()
	if end <= start {
		return res
	}
	res.ShouldRefresh = index.ShouldRefresh(start, end)

	seen := make(map[string]struct{})
	for _, seg := range index.Segments(start, end-start) {
		if _, dup := seen[seg.ID]; dup {
			continue
		}
		seen[seg.ID] = struct{}{}

		if _, waiting := p.Awaiting[seg.ID]; waiting {
			continue
		}
		if isBuffered(seg, p) {
			continue
		}
		res.Needs = append(res.Needs, SegmentNeed{
			Segment:  seg,
			Priority: priorityFor(seg.Time - p.Position),
		})
	}

	if len(res.Needs) > 0 && !p.InitLoaded {
		if init := index.InitSegment(); init != nil {
			if _, waiting := p.Awaiting[init.ID]; !waiting {
				res.InitNeeded = true
				res.Needs = slices.Insert(res.Needs, 0, SegmentNeed{Segment: *init, Priority: initPriority})
			}
		}
	}
	return res
}

func priorityFor(distance float64) int {
	for i, step := range priorityStepsSeconds {
		if distance < step {
			return i
		}
	}
	return len(priorityStepsSeconds)
}

// isBuffered reports whether the inventory already holds seg in a quality
// that should not be replaced.
func isBuffered(seg manifest.SegmentRef, p NeedParams) bool {
	want := mediabuffer.Range{
		Start: seg.Time + math.Min(maxMissingFromSegment, seg.Duration/4),
		End:   seg.End() - math.Min(maxMissingFromSegment, seg.Duration/4),
	}
	covered := want.Start
	for _, c := range p.Inventory {
		if c.BufferedEnd <= covered || c.BufferedStart >= want.End {
			continue
		}
		if c.BufferedStart > covered+mediabuffer.Epsilon {
			return false
		}
		if !keepChunk(c, p) {
			return false
		}
		covered = math.Max(covered, c.BufferedEnd)
		if covered >= want.End {
			return true
		}
	}
	return covered >= want.End
}

// keepChunk reports whether c is good enough to stand in for a segment of
// p.Representation.
func keepChunk(c mediabuffer.BufferedChunk, p NeedParams) bool {
	if c.PeriodID != p.Period.ID {
		return false
	}
	if c.RepresentationID == p.Representation.ID || c.Bitrate >= p.Representation.Bitrate {
		return true
	}
	return c.BufferedStart-p.CurrentTime < contentReplacementPadding
}
