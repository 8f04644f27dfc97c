package manifest

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// SegmentRef addresses one segment of a Representation. Times are in
// seconds on the presentation timeline.
type SegmentRef struct {
	ID       string
	Time     float64
	Duration float64
	IsInit   bool
	URL      string
	Number   int
}

// End is the segment's end time.
func (s SegmentRef) End() float64 {
	return s.Time + s.Duration
}

// SegmentIndex computes the segments of one Representation.
type SegmentIndex interface {
	// InitSegment returns the initialization segment, or nil when the
	// representation needs none.
	InitSegment() *SegmentRef
	// Segments returns the segments overlapping [from, from+duration).
	Segments(from, duration float64) []SegmentRef
	// ShouldRefresh reports whether the index is too stale to describe [from, to).
	ShouldRefresh(from, to float64) bool
	// CheckDiscontinuity returns the time playback should jump to when t
	// falls in a hole of the timeline, or -1.
	CheckDiscontinuity(t float64) float64
}

// Gap is a hole in a timeline where no segment exists.
type Gap struct {
	Start, End float64
}

// TemplateIndex is a number-based segment template: fixed-duration
// segments from Start to End, addressed through $RepresentationID$,
// $Number$ and $Time$ placeholders.
type TemplateIndex struct {
	RepresentationID string
	BaseURL          string
	Media            string // e.g. "$RepresentationID$/seg-$Number$.m4s"
	Initialization   string // empty when no init segment
	SegmentDuration  float64
	Start            float64
	End              float64 // +Inf for open-ended live content
	StartNumber      int
	Gaps             []Gap

	// AvailableUntil bounds live content: segments ending after it are not
	// yet published. Zero disables the bound.
	AvailableUntil float64
}

var _ SegmentIndex = (*TemplateIndex)(nil)

// InitSegment implements SegmentIndex.
func (ix *TemplateIndex) InitSegment() *SegmentRef {
	if ix.Initialization == "" {
		return nil
	}
	return &SegmentRef{
		ID:     "init",
		Time:   ix.Start,
		IsInit: true,
		URL:    ix.resolve(ix.Initialization, 0, 0),
	}
}

// Segments implements SegmentIndex.
func (ix *TemplateIndex) Segments(from, duration float64) []SegmentRef {
	if ix.SegmentDuration <= 0 || duration <= 0 {
		return nil
	}
	to := math.Min(from+duration, ix.lastPosition())
	from = math.Max(from, ix.Start)
	if from >= to {
		return nil
	}

	first := int(math.Floor((from - ix.Start) / ix.SegmentDuration))
	var out []SegmentRef
	for i := first; ; i++ {
		start := ix.Start + float64(i)*ix.SegmentDuration
		if start >= to {
			break
		}
		end := math.Min(start+ix.SegmentDuration, ix.End)
		if ix.AvailableUntil > 0 && end > ix.AvailableUntil {
			break
		}
		if ix.inGap(start, end) {
			continue
		}
		number := ix.StartNumber + i
		out = append(out, SegmentRef{
			ID:       strconv.Itoa(number),
			Time:     start,
			Duration: end - start,
			Number:   number,
			URL:      ix.resolve(ix.Media, number, start),
		})
	}
	return out
}

// ShouldRefresh implements SegmentIndex. Only live indexes go stale.
func (ix *TemplateIndex) ShouldRefresh(_, to float64) bool {
	return ix.AvailableUntil > 0 && to > ix.AvailableUntil && to <= ix.End
}

// CheckDiscontinuity implements SegmentIndex.
func (ix *TemplateIndex) CheckDiscontinuity(t float64) float64 {
	for _, g := range ix.Gaps {
		if t >= g.Start && t < g.End {
			return g.End
		}
	}
	return -1
}

func (ix *TemplateIndex) lastPosition() float64 {
	if ix.AvailableUntil > 0 {
		return math.Min(ix.End, ix.AvailableUntil)
	}
	return ix.End
}

// inGap reports whether a segment lies entirely inside a timeline hole.
func (ix *TemplateIndex) inGap(start, end float64) bool {
	for _, g := range ix.Gaps {
		if start >= g.Start && end <= g.End {
			return true
		}
	}
	return false
}

func (ix *TemplateIndex) resolve(tmpl string, number int, t float64) string {
	path := strings.NewReplacer(
		"$RepresentationID$", ix.RepresentationID,
		"$Number$", strconv.Itoa(number),
		"$Time$", strconv.FormatInt(int64(math.Round(t*1000)), 10),
	).Replace(tmpl)

	if ix.BaseURL == "" {
		return path
	}
	base, err := url.Parse(ix.BaseURL)
	if err != nil {
		return fmt.Sprintf("%s/%s", strings.TrimRight(ix.BaseURL, "/"), path)
	}
	return base.ResolveReference(&url.URL{Path: path}).String()
}
