// Package simulate runs the buffering engine against a modelled network and
// playback position, without real media or sockets. It backs the CLI's
// simulate command and end-to-end tests of the engine.
package simulate

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/jmylchreest/abrengine/internal/manifest"
)

// Content describes the generated presentation.
type Content struct {
	Periods         int
	PeriodDuration  float64 // seconds
	SegmentDuration float64 // seconds
	VideoBitrates   []float64
	// AudioBitrate adds an audio adaptation when positive.
	AudioBitrate float64
	// TextTrack adds a text adaptation.
	TextTrack bool
	// InitSegments adds an initialization segment to every representation.
	InitSegments bool
}

// DefaultContent is a two-period clip with a small bitrate ladder.
func DefaultContent() Content {
	return Content{
		Periods:         2,
		PeriodDuration:  30,
		SegmentDuration: 2,
		VideoBitrates:   []float64{400_000, 1_000_000, 2_500_000, 5_000_000},
		AudioBitrate:    128_000,
		InitSegments:    true,
	}
}

// Duration is the total presentation length in seconds.
func (c Content) Duration() float64 {
	return float64(c.Periods) * c.PeriodDuration
}

// Validate checks the content is buildable.
func (c Content) Validate() error {
	var errs []error
	if c.Periods < 1 {
		errs = append(errs, errors.New("periods must be at least 1"))
	}
	if c.PeriodDuration <= 0 {
		errs = append(errs, errors.New("period duration must be positive"))
	}
	if c.SegmentDuration <= 0 {
		errs = append(errs, errors.New("segment duration must be positive"))
	}
	if len(c.VideoBitrates) == 0 {
		errs = append(errs, errors.New("at least one video bitrate is required"))
	}
	for _, b := range c.VideoBitrates {
		if b <= 0 {
			errs = append(errs, fmt.Errorf("invalid video bitrate %v", b))
		}
	}
	return errors.Join(errs...)
}

// Build generates the manifest. Segment URLs use the sim:// scheme and are
// only meaningful to Network.
func (c Content) Build() (*manifest.Manifest, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid content: %w", err)
	}

	periods := make([]*manifest.Period, 0, c.Periods)
	for i := range c.Periods {
		start := float64(i) * c.PeriodDuration
		p := &manifest.Period{
			ID:          "p" + strconv.Itoa(i),
			Start:       start,
			End:         start + c.PeriodDuration,
			Adaptations: make(map[manifest.MediaType][]*manifest.Adaptation),
		}

		video := &manifest.Adaptation{ID: "video", Type: manifest.Video}
		for j, bitrate := range c.VideoBitrates {
			rep := c.representation(p, "v"+strconv.Itoa(j), bitrate, "video/mp4", "avc1.64001f")
			rep.Height = heightFor(bitrate)
			rep.Width = rep.Height * 16 / 9
			video.Representations = append(video.Representations, rep)
		}
		p.Adaptations[manifest.Video] = []*manifest.Adaptation{video}

		if c.AudioBitrate > 0 {
			p.Adaptations[manifest.Audio] = []*manifest.Adaptation{{
				ID:       "audio",
				Type:     manifest.Audio,
				Language: "en",
				Representations: []*manifest.Representation{
					c.representation(p, "a0", c.AudioBitrate, "audio/mp4", "mp4a.40.2"),
				},
			}}
		}
		if c.TextTrack {
			p.Adaptations[manifest.Text] = []*manifest.Adaptation{{
				ID:       "text",
				Type:     manifest.Text,
				Language: "en",
				Representations: []*manifest.Representation{
					c.representation(p, "t0", 2_000, "text/vtt", ""),
				},
			}}
		}
		periods = append(periods, p)
	}
	return manifest.New(false, periods...)
}

func (c Content) representation(p *manifest.Period, id string, bitrate float64, mime, codecs string) *manifest.Representation {
	repID := p.ID + "-" + id
	ix := &manifest.TemplateIndex{
		RepresentationID: repID,
		BaseURL:          "sim://content/",
		Media:            "$RepresentationID$/$Number$.m4s",
		SegmentDuration:  c.SegmentDuration,
		Start:            p.Start,
		End:              p.End,
		StartNumber:      1,
	}
	if c.InitSegments {
		ix.Initialization = "$RepresentationID$/init.mp4"
	}
	return &manifest.Representation{
		ID:       repID,
		Bitrate:  bitrate,
		MimeType: mime,
		Codecs:   codecs,
		Index:    ix,
	}
}

// heightFor picks a plausible vertical resolution for a video bitrate.
func heightFor(bitrate float64) int {
	switch {
	case bitrate < 600_000:
		return 360
	case bitrate < 1_500_000:
		return 480
	case bitrate < 3_500_000:
		return 720
	case bitrate < 8_000_000:
		return 1080
	default:
		return 2160
	}
}
