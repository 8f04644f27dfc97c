package abr

import (
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/jmylchreest/abrengine/internal/manifest"
	"github.com/jmylchreest/abrengine/internal/observability"
)

// SelectorConfig seeds one Selector.
type SelectorConfig struct {
	ManualBitrate   float64 // negative = automatic
	MaxAutoBitrate  float64 // 0 = unlimited
	LimitWidth      int     // 0 = no limit
	ThrottleBitrate float64 // 0 = no limit
	Analyzer        AnalyzerConfig
}

// Constraints is the latest value of every independently settable policy
// input. Any change makes the next Evaluate take it into account.
type Constraints struct {
	ManualBitrate   float64
	MaxAutoBitrate  float64
	LimitWidth      int
	ThrottleBitrate float64
}

// Estimate is the Selector's choice for one cycle.
type Estimate struct {
	Representation *manifest.Representation
	Bandwidth      float64
	HasBandwidth   bool
	Ceiling        float64
	Manual         bool
	Urgent         bool
}

// Selector picks a Representation for one media type. It owns that type's
// bandwidth estimator, pending-request tracker and network analyzer.
// It is not safe for concurrent use; it lives on the loop goroutine.
type Selector struct {
	mediaType manifest.MediaType
	logger    *slog.Logger
	metrics   *observability.Metrics

	constraints Constraints
	estimator   *BandwidthEstimator
	pending     *PendingRequests
	analyzer    *NetworkAnalyzer

	lastBandwidth    float64
	hasLastBandwidth bool
	estimations      int
	disposed         bool
}

// NewSelector creates a selector.
func NewSelector(mediaType manifest.MediaType, cfg SelectorConfig, clk clock.Clock, logger *slog.Logger, metrics *observability.Metrics) *Selector {
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	logger = observability.WithMediaType(observability.WithComponent(observability.OrDiscard(logger), "selector"), string(mediaType))

	return &Selector{
		mediaType: mediaType,
		logger:    logger,
		metrics:   metrics,
		constraints: Constraints{
			ManualBitrate:   cfg.ManualBitrate,
			MaxAutoBitrate:  cfg.MaxAutoBitrate,
			LimitWidth:      cfg.LimitWidth,
			ThrottleBitrate: cfg.ThrottleBitrate,
		},
		estimator: NewBandwidthEstimator(),
		pending:   NewPendingRequests(logger),
		analyzer:  NewNetworkAnalyzer(cfg.Analyzer, clk),
	}
}

// SetManualBitrate sets the manual override; a negative value restores
// automatic selection.
func (s *Selector) SetManualBitrate(bitrate float64) { s.constraints.ManualBitrate = bitrate }

// SetMaxAutoBitrate caps automatic selection; 0 removes the cap.
func (s *Selector) SetMaxAutoBitrate(bitrate float64) { s.constraints.MaxAutoBitrate = bitrate }

// SetLimitWidth restricts choices to what fits a display width; 0 removes it.
func (s *Selector) SetLimitWidth(width int) { s.constraints.LimitWidth = width }

// SetThrottleBitrate caps choices while the device is throttled; 0 removes it.
func (s *Selector) SetThrottleBitrate(bitrate float64) { s.constraints.ThrottleBitrate = bitrate }

// Constraints returns the current policy values.
func (s *Selector) Constraints() Constraints { return s.constraints }

// InStarvation reports the analyzer's starvation state.
func (s *Selector) InStarvation() bool { return s.analyzer.InStarvation() }

// Estimations returns how many times the network analyzer has run.
func (s *Selector) Estimations() int { return s.estimations }

// Evaluate picks a representation from reps for the observed tick.
// current is the representation being downloaded, nil before the first choice.
func (s *Selector) Evaluate(tick ClockTick, reps []*manifest.Representation, current *manifest.Representation) Estimate {
	if len(reps) == 0 {
		return Estimate{}
	}
	if len(reps) == 1 {
		return Estimate{Representation: reps[0], Urgent: true}
	}
	sorted := sortByBitrate(reps)

	if s.disposed {
		return Estimate{Representation: sorted[0]}
	}

	if s.constraints.ManualBitrate >= 0 {
		return Estimate{
			Representation: selectOptimal(sorted, s.constraints.ManualBitrate),
			Ceiling:        s.constraints.ManualBitrate,
			Manual:         true,
			Urgent:         true,
		}
	}

	s.estimations++
	pending := s.pending.List()
	result := s.analyzer.Estimate(tick, s.estimator, current, pending, s.lastBandwidth, s.hasLastBandwidth)
	if result.HasBandwidth {
		s.lastBandwidth, s.hasLastBandwidth = result.Bandwidth, true
		s.metrics.BandwidthEstimate.WithLabelValues(string(s.mediaType)).Set(result.Bandwidth)
	}
	s.metrics.Starvation.WithLabelValues(string(s.mediaType)).Set(boolGauge(s.analyzer.InStarvation()))

	ceiling := math.Min(result.Ceiling, unlimitedIfZero(s.constraints.MaxAutoBitrate))

	candidates := filterByWidth(sorted, s.constraints.LimitWidth)
	candidates = filterByBitrate(candidates, unlimitedIfZero(s.constraints.ThrottleBitrate))
	chosen := selectOptimal(candidates, ceiling)

	return Estimate{
		Representation: chosen,
		Bandwidth:      result.Bandwidth,
		HasBandwidth:   result.HasBandwidth,
		Ceiling:        ceiling,
		Urgent:         s.analyzer.IsUrgent(chosen.Bitrate, current, pending, tick),
	}
}

// AddEstimate feeds a completed request into the bandwidth estimator.
func (s *Selector) AddEstimate(duration time.Duration, size int64) {
	if s.disposed {
		return
	}
	s.estimator.AddSample(duration, size)
}

// AddPendingRequest tracks a request that just started.
func (s *Selector) AddPendingRequest(id string, req PendingRequest) {
	if s.disposed {
		return
	}
	s.pending.Add(id, req)
}

// AddRequestProgress records progress of a tracked request.
func (s *Selector) AddRequestProgress(id string, ev ProgressEvent) {
	if s.disposed {
		return
	}
	s.pending.AddProgress(id, ev)
}

// RemovePendingRequest stops tracking a finished or cancelled request.
func (s *Selector) RemovePendingRequest(id string) {
	if s.disposed {
		return
	}
	s.pending.Remove(id)
}

// PendingRequests returns the number of tracked requests.
func (s *Selector) PendingRequests() int {
	return s.pending.Len()
}

// Dispose releases all state; later calls are no-ops.
func (s *Selector) Dispose() {
	s.disposed = true
	s.pending.Clear()
	s.estimator.Reset()
}

func sortByBitrate(reps []*manifest.Representation) []*manifest.Representation {
	sorted := slices.Clone(reps)
	slices.SortStableFunc(sorted, func(a, b *manifest.Representation) int {
		switch {
		case a.Bitrate < b.Bitrate:
			return -1
		case a.Bitrate > b.Bitrate:
			return 1
		default:
			return 0
		}
	})
	return sorted
}

// selectOptimal returns the highest representation at or below bitrate,
// or the lowest when none qualifies. reps must be sorted by bitrate.
func selectOptimal(reps []*manifest.Representation, bitrate float64) *manifest.Representation {
	idx := slices.IndexFunc(reps, func(r *manifest.Representation) bool { return r.Bitrate > bitrate })
	switch idx {
	case -1:
		return reps[len(reps)-1]
	case 0:
		return reps[0]
	default:
		return reps[idx-1]
	}
}

// filterByWidth keeps representations no wider than the narrowest one that
// still covers width. Unknown widths are always kept.
func filterByWidth(reps []*manifest.Representation, width int) []*manifest.Representation {
	if width <= 0 {
		return reps
	}
	maxWidth := 0
	for _, r := range reps {
		if r.Width >= width && (maxWidth == 0 || r.Width < maxWidth) {
			maxWidth = r.Width
		}
	}
	if maxWidth == 0 {
		return reps
	}
	return slices.DeleteFunc(slices.Clone(reps), func(r *manifest.Representation) bool {
		return r.Width > 0 && r.Width > maxWidth
	})
}

// filterByBitrate drops representations above bitrate, always keeping the lowest.
func filterByBitrate(reps []*manifest.Representation, bitrate float64) []*manifest.Representation {
	if len(reps) == 0 {
		return reps
	}
	ceil := math.Max(bitrate, reps[0].Bitrate)
	idx := slices.IndexFunc(reps, func(r *manifest.Representation) bool { return r.Bitrate > ceil })
	if idx == -1 {
		return reps
	}
	return reps[:idx]
}

func unlimitedIfZero(v float64) float64 {
	if v <= 0 {
		return math.Inf(1)
	}
	return v
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
