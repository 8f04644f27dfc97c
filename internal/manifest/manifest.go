// Package manifest holds the parsed presentation model the buffering engine
// schedules against: Periods of Adaptations of Representations, each
// Representation addressable through a SegmentIndex. Parsing DASH or Smooth
// documents into this model happens elsewhere.
package manifest

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// MediaType identifies the kind of track a buffer carries.
type MediaType string

const (
	Audio MediaType = "audio"
	Video MediaType = "video"
	Text  MediaType = "text"
	Image MediaType = "image"
)

// MediaTypes lists every type in the order buffers are driven.
var MediaTypes = []MediaType{Video, Audio, Text, Image}

// Essential reports whether playback cannot continue without this type.
func (t MediaType) Essential() bool {
	return t == Audio || t == Video
}

// maxLiveEdgeShift bounds how far the live edge may be pulled back.
const maxLiveEdgeShift = 10.0

var (
	ErrNoPeriods       = errors.New("manifest has no periods")
	ErrPeriodOrder     = errors.New("periods are not in chronological order")
	ErrEmptyAdaptation = errors.New("adaptation has no representations")
	ErrMissingIndex    = errors.New("representation has no segment index")
)

// Representation is one concrete encoding of an Adaptation.
type Representation struct {
	ID       string
	Bitrate  float64 // bits per second
	Width    int     // 0 when unknown
	Height   int     // 0 when unknown
	MimeType string
	Codecs   string
	Index    SegmentIndex
}

// MimeTypeString returns the mime type with its codecs parameter, the form
// a media buffer is created with.
func (r *Representation) MimeTypeString() string {
	if r.Codecs == "" {
		return r.MimeType
	}
	return fmt.Sprintf("%s;codecs=%q", r.MimeType, r.Codecs)
}

// Adaptation is one selectable track offering several Representations.
type Adaptation struct {
	ID              string
	Type            MediaType
	Language        string
	Representations []*Representation
}

// SortedRepresentations returns the representations ordered by ascending bitrate.
func (a *Adaptation) SortedRepresentations() []*Representation {
	reps := slices.Clone(a.Representations)
	slices.SortStableFunc(reps, func(x, y *Representation) int {
		switch {
		case x.Bitrate < y.Bitrate:
			return -1
		case x.Bitrate > y.Bitrate:
			return 1
		default:
			return 0
		}
	})
	return reps
}

// Representation looks up a representation by id.
func (a *Adaptation) Representation(id string) *Representation {
	for _, r := range a.Representations {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Period is a contiguous span of the presentation. End is +Inf while open.
type Period struct {
	ID          string
	Start       float64
	End         float64
	Adaptations map[MediaType][]*Adaptation
}

// Contains reports whether t falls in [Start, End).
func (p *Period) Contains(t float64) bool {
	return t >= p.Start && t < p.End
}

// Adaptation returns the adaptation of the given type and id.
func (p *Period) Adaptation(t MediaType, id string) *Adaptation {
	for _, a := range p.Adaptations[t] {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Manifest is the engine's view of the presentation.
// Only the loop goroutine may call ShiftLiveEdge.
type Manifest struct {
	IsLive  bool
	Periods []*Period

	liveEdgeOffset float64
}

// New validates periods and builds a manifest.
func New(isLive bool, periods ...*Period) (*Manifest, error) {
	m := &Manifest{IsLive: isLive, Periods: periods}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks period ordering and that every representation is addressable.
func (m *Manifest) Validate() error {
	if len(m.Periods) == 0 {
		return ErrNoPeriods
	}
	for i, p := range m.Periods {
		if p.End <= p.Start {
			return fmt.Errorf("period %s: end %.3f not after start %.3f: %w", p.ID, p.End, p.Start, ErrPeriodOrder)
		}
		if i > 0 && p.Start < m.Periods[i-1].End {
			return fmt.Errorf("period %s overlaps %s: %w", p.ID, m.Periods[i-1].ID, ErrPeriodOrder)
		}
		for _, adaptations := range p.Adaptations {
			for _, a := range adaptations {
				if len(a.Representations) == 0 {
					return fmt.Errorf("period %s adaptation %s: %w", p.ID, a.ID, ErrEmptyAdaptation)
				}
				for _, r := range a.Representations {
					if r.Index == nil {
						return fmt.Errorf("representation %s: %w", r.ID, ErrMissingIndex)
					}
				}
			}
		}
	}
	return nil
}

// PeriodForTime returns the period containing t, or nil.
func (m *Manifest) PeriodForTime(t float64) *Period {
	for _, p := range m.Periods {
		if p.Contains(t) {
			return p
		}
	}
	return nil
}

// PeriodAfter returns the first period starting at or after t, or nil.
// It resolves positions falling in a gap between periods.
func (m *Manifest) PeriodAfter(t float64) *Period {
	for _, p := range m.Periods {
		if p.Start >= t {
			return p
		}
	}
	return nil
}

// NextPeriod returns the period following p chronologically, or nil.
func (m *Manifest) NextPeriod(p *Period) *Period {
	for i, candidate := range m.Periods {
		if candidate == p && i+1 < len(m.Periods) {
			return m.Periods[i+1]
		}
	}
	return nil
}

// PeriodByID finds a period by id.
func (m *Manifest) PeriodByID(id string) *Period {
	for _, p := range m.Periods {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// IsLastPeriod reports whether p is the final period.
func (m *Manifest) IsLastPeriod(p *Period) bool {
	return len(m.Periods) > 0 && m.Periods[len(m.Periods)-1] == p
}

// MinimumPosition is the earliest position described.
func (m *Manifest) MinimumPosition() float64 {
	return m.Periods[0].Start
}

// MaximumPosition is the latest position described, +Inf for an open period.
func (m *Manifest) MaximumPosition() float64 {
	return m.Periods[len(m.Periods)-1].End
}

// LiveEdgeOffset is how many seconds the live edge has been pulled back.
func (m *Manifest) LiveEdgeOffset() float64 {
	return m.liveEdgeOffset
}

// ShiftLiveEdge pulls the live edge back by delta seconds, bounded. It
// reports whether the offset changed.
func (m *Manifest) ShiftLiveEdge(delta float64) bool {
	if !m.IsLive {
		return false
	}
	next := math.Min(m.liveEdgeOffset+delta, maxLiveEdgeShift)
	if next == m.liveEdgeOffset {
		return false
	}
	m.liveEdgeOffset = next
	return true
}
