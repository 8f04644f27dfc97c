package abr

import (
	"cmp"
	"math"
	"slices"

	"github.com/benbjohnson/clock"

	"github.com/jmylchreest/abrengine/internal/manifest"
)

const (
	// durationDelta treats a position this close to the content end as the end.
	durationDelta = 0.1
	// requestStartTolerance lets a request starting slightly after the next
	// needed position still count as the one covering it.
	requestStartTolerance = -0.3
	// minProgressSamples is how many progress events a request needs before
	// its own throughput is trusted.
	minProgressSamples = 5
	requestHalfLife    = 2.0

	// emergencyRebufferMargin is how far (in seconds) the projected download
	// must overrun the buffer before an emergency estimate is taken.
	emergencyRebufferMargin = 2.5
	// downswitchRebufferMargin is the same margin for a plain downgrade:
	// switch right away unless the download finishes 1.5s before the buffer empties.
	downswitchRebufferMargin = -1.5
	staleProgressFactor      = 1.2
	fallbackBitrateFactor    = 0.7
)

// ClockTick is a playback observation. It is read only.
type ClockTick struct {
	CurrentTime       float64
	BufferGap         float64
	Speed             float64
	Duration          float64 // NaN or +Inf when unknown
	DownloadedBitrate float64 // bitrate at the playback position, 0 when unknown
	// WantedTimeOffset shifts the wanted position past CurrentTime, e.g.
	// while a seek is being resolved.
	WantedTimeOffset float64
}

// Position is where the buffer should grow from.
func (t ClockTick) Position() float64 {
	return t.CurrentTime + t.WantedTimeOffset
}

// AnalyzerConfig holds the thresholds of the network analyzer.
type AnalyzerConfig struct {
	InitialBitrate     float64
	StarvationGap      float64
	OutOfStarvationGap float64
	StarvationFactor   float64
	RegularFactor      float64
}

// BitrateEstimate is the analyzer's verdict for one cycle.
type BitrateEstimate struct {
	Bandwidth    float64 // smoothed bandwidth, valid when HasBandwidth
	HasBandwidth bool
	Ceiling      float64 // highest bitrate worth choosing
}

// NetworkAnalyzer turns bandwidth history, in-flight requests and a clock
// tick into a bitrate ceiling. Starvation is its only latched state.
type NetworkAnalyzer struct {
	cfg          AnalyzerConfig
	clk          clock.Clock
	inStarvation bool
}

// NewNetworkAnalyzer creates an analyzer.
func NewNetworkAnalyzer(cfg AnalyzerConfig, clk clock.Clock) *NetworkAnalyzer {
	return &NetworkAnalyzer{cfg: cfg, clk: clk}
}

// InStarvation reports the latched starvation state.
func (a *NetworkAnalyzer) InStarvation() bool {
	return a.inStarvation
}

// Estimate computes a bitrate ceiling. lastBandwidth is the previous cycle's
// bandwidth estimate (hasLast false when none exists).
func (a *NetworkAnalyzer) Estimate(
	tick ClockTick,
	estimator *BandwidthEstimator,
	current *manifest.Representation,
	pending []*PendingRequest,
	lastBandwidth float64, hasLast bool,
) BitrateEstimate {
	a.updateStarvation(tick)

	var out BitrateEstimate
	emergency := false
	if a.inStarvation {
		if bw, ok := a.emergencyEstimate(tick, current, pending, lastBandwidth, hasLast); ok {
			estimator.Reset()
			if current != nil && bw > current.Bitrate {
				bw = current.Bitrate
			}
			out = BitrateEstimate{Bandwidth: bw, HasBandwidth: true, Ceiling: bw}
			emergency = true
		}
	}

	if !emergency {
		factor := a.cfg.RegularFactor
		if a.inStarvation {
			factor = a.cfg.StarvationFactor
		}
		switch bw, ok := estimator.Estimate(); {
		case ok:
			out = BitrateEstimate{Bandwidth: bw, HasBandwidth: true, Ceiling: bw * factor}
		case hasLast:
			out.Ceiling = lastBandwidth * factor
		case a.inStarvation:
			out.Ceiling = a.cfg.InitialBitrate * a.cfg.StarvationFactor
		default:
			out.Ceiling = a.cfg.InitialBitrate
		}
	}

	if tick.Speed > 1 {
		out.Ceiling /= tick.Speed
	}
	return out
}

// IsUrgent reports whether switching from current to a representation of
// the candidate bitrate should interrupt the in-flight download.
func (a *NetworkAnalyzer) IsUrgent(candidate float64, current *manifest.Representation, pending []*PendingRequest, tick ClockTick) bool {
	switch {
	case current == nil:
		return true
	case candidate == current.Bitrate:
		return false
	case candidate > current.Bitrate:
		return !a.inStarvation
	default:
		return a.shouldSwitchDownImmediately(pending, tick)
	}
}

func (a *NetworkAnalyzer) updateStarvation(tick ClockTick) {
	nearEnd := !math.IsNaN(tick.Duration) && !math.IsInf(tick.Duration, 1) &&
		tick.CurrentTime+tick.BufferGap >= tick.Duration-durationDelta

	switch {
	case nearEnd:
		a.inStarvation = false
	case !a.inStarvation && tick.BufferGap <= a.cfg.StarvationGap:
		a.inStarvation = true
	case a.inStarvation && tick.BufferGap >= a.cfg.OutOfStarvationGap:
		a.inStarvation = false
	}
}

// emergencyEstimate looks at the request that will fill the buffer next and
// decides whether its live throughput should replace the smoothed estimate.
func (a *NetworkAnalyzer) emergencyEstimate(
	tick ClockTick,
	current *manifest.Representation,
	pending []*PendingRequest,
	lastBandwidth float64, hasLast bool,
) (float64, bool) {
	nextNeeded := tick.CurrentTime + tick.BufferGap
	req := concernedRequest(pending, nextNeeded)
	if req == nil {
		return 0, false
	}
	now := a.clk.Now()

	last, hasProgress := req.LastProgress()
	if bw, ok := requestBandwidth(req); ok && hasProgress {
		if remaining, known := remainingTime(last, bw); known {
			sinceProgress := now.Sub(last.Timestamp).Seconds()
			if sinceProgress <= remaining*staleProgressFactor &&
				remaining-tick.BufferGap/tick.Speed > emergencyRebufferMargin {
				return bw, true
			}
		}
	}

	elapsed := now.Sub(req.RequestTimestamp).Seconds()
	reasonable := elapsed <= (req.SegmentDuration*1.5+2)/tick.Speed
	if reasonable || elapsed <= 0 {
		return 0, false
	}
	bitrate := tick.DownloadedBitrate
	if current != nil {
		bitrate = current.Bitrate
	}
	if bitrate <= 0 {
		return 0, false
	}
	reduced := bitrate * math.Min(fallbackBitrateFactor, req.SegmentDuration/elapsed)
	if !hasLast || reduced < lastBandwidth {
		return reduced, true
	}
	return 0, false
}

func (a *NetworkAnalyzer) shouldSwitchDownImmediately(pending []*PendingRequest, tick ClockTick) bool {
	nextNeeded := tick.CurrentTime + tick.BufferGap
	var req *PendingRequest
	for _, r := range sortedByTime(pending) {
		if r.End() > nextNeeded {
			req = r
			break
		}
	}
	if req == nil {
		return true
	}

	last, hasProgress := req.LastProgress()
	bw, ok := requestBandwidth(req)
	if !hasProgress || !ok {
		return true
	}
	remaining, known := remainingTime(last, bw)
	if !known {
		return true
	}
	if a.clk.Now().Sub(last.Timestamp).Seconds() > remaining*staleProgressFactor {
		return true
	}
	return remaining-tick.BufferGap/tick.Speed > downswitchRebufferMargin
}

// concernedRequest finds the request whose segment covers pos.
func concernedRequest(pending []*PendingRequest, pos float64) *PendingRequest {
	for _, r := range sortedByTime(pending) {
		if r.SegmentDuration <= 0 {
			continue
		}
		if r.End() > pos && pos-r.SegmentTime > requestStartTolerance {
			return r
		}
	}
	return nil
}

// requestBandwidth estimates a request's throughput from its progress events.
func requestBandwidth(req *PendingRequest) (float64, bool) {
	if len(req.Progress) < minProgressSamples {
		return 0, false
	}
	ewma := NewEWMA(requestHalfLife)
	for i := 1; i < len(req.Progress); i++ {
		bytes := req.Progress[i].Size - req.Progress[i-1].Size
		elapsed := req.Progress[i].Timestamp.Sub(req.Progress[i-1].Timestamp).Seconds()
		if elapsed <= 0 {
			continue
		}
		ewma.AddSample(elapsed, float64(bytes)*8/elapsed)
	}
	if ewma.TotalWeight() <= 0 {
		return 0, false
	}
	return ewma.Estimate(), true
}

// remainingTime projects how long the rest of the request will take.
func remainingTime(last ProgressEvent, bandwidth float64) (float64, bool) {
	if last.TotalSize <= 0 || bandwidth <= 0 {
		return 0, false
	}
	remaining := float64(last.TotalSize-last.Size) * 8 / bandwidth
	return math.Max(remaining, 0), true
}

func sortedByTime(pending []*PendingRequest) []*PendingRequest {
	out := slices.Clone(pending)
	slices.SortStableFunc(out, func(x, y *PendingRequest) int {
		return cmp.Compare(x.SegmentTime, y.SegmentTime)
	})
	return out
}
