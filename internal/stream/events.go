// Package stream schedules segment downloads: the need calculator, the
// Representation, Adaptation and Period buffers, and the events they report
// to the host player.
package stream

import (
	"github.com/jmylchreest/abrengine/internal/manifest"
)

// Event is anything the engine reports to its host. Events are delivered on
// the loop goroutine.
type Event interface {
	// Name is the event's wire name, used for logging.
	Name() string
}

// EventSink receives engine events.
type EventSink func(Event)

// BitrateEstimationChange reports a new bandwidth estimate for a type.
type BitrateEstimationChange struct {
	Type    manifest.MediaType
	Bitrate float64
	Known   bool
}

// RepresentationChange is emitted before segments of a new Representation
// are downloaded.
type RepresentationChange struct {
	Type           manifest.MediaType
	Period         *manifest.Period
	Representation *manifest.Representation
}

// AdaptationChange is emitted when a Period entry starts buffering an Adaptation.
type AdaptationChange struct {
	Type       manifest.MediaType
	Period     *manifest.Period
	Adaptation *manifest.Adaptation
}

// AddedSegment is emitted after a segment was appended.
type AddedSegment struct {
	Type           manifest.MediaType
	Period         *manifest.Period
	Representation *manifest.Representation
	Segment        manifest.SegmentRef
	Start, End     float64
}

// NeedsManifestRefresh asks the host to reload the manifest.
type NeedsManifestRefresh struct {
	Type manifest.MediaType
}

// DiscontinuityEncountered asks the host to seek past a hole in the timeline.
type DiscontinuityEncountered struct {
	Type     manifest.MediaType
	NextTime float64
}

// ActiveBuffer is emitted when a full buffer needs segments again.
type ActiveBuffer struct {
	Type   manifest.MediaType
	Period *manifest.Period
}

// FullBuffer is emitted when a buffer reached its goal.
type FullBuffer struct {
	Type   manifest.MediaType
	Period *manifest.Period
}

// EndOfStream is emitted once every type buffered up to the end of the content.
type EndOfStream struct{}

// ResumeStream follows an EndOfStream when buffering starts again.
type ResumeStream struct{}

// NeedsStreamReload asks the host to reload the media element, e.g. after a
// manual switch in direct mode.
type NeedsStreamReload struct {
	Type manifest.MediaType
}

// ActivePeriodChanged is emitted when every type plays from the same Period.
type ActivePeriodChanged struct {
	Period *manifest.Period
}

// Warning is a non-fatal problem.
type Warning struct {
	Err error
}

// ErrorEvent is terminal for its media type, and for the session when the
// type is essential.
type ErrorEvent struct {
	Type manifest.MediaType
	Err  error
}

func (BitrateEstimationChange) Name() string  { return "bitrateEstimationChange" }
func (RepresentationChange) Name() string     { return "representationChange" }
func (AdaptationChange) Name() string         { return "adaptationChange" }
func (AddedSegment) Name() string             { return "addedSegment" }
func (NeedsManifestRefresh) Name() string     { return "needsManifestRefresh" }
func (DiscontinuityEncountered) Name() string { return "discontinuityEncountered" }
func (ActiveBuffer) Name() string             { return "activeBuffer" }
func (FullBuffer) Name() string               { return "fullBuffer" }
func (EndOfStream) Name() string              { return "endOfStream" }
func (ResumeStream) Name() string             { return "resumeStream" }
func (NeedsStreamReload) Name() string        { return "needsStreamReload" }
func (ActivePeriodChanged) Name() string      { return "activePeriodChanged" }
func (Warning) Name() string                  { return "warning" }
func (ErrorEvent) Name() string               { return "error" }

func (s EventSink) emit(ev Event) {
	if s != nil {
		s(ev)
	}
}
