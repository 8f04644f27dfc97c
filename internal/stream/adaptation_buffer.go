package stream

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/jmylchreest/abrengine/internal/abr"
	"github.com/jmylchreest/abrengine/internal/config"
	"github.com/jmylchreest/abrengine/internal/loop"
	"github.com/jmylchreest/abrengine/internal/manifest"
	"github.com/jmylchreest/abrengine/internal/observability"
)

// adaptationPolicy is the part of Options an Adaptation Buffer applies.
type adaptationPolicy struct {
	switchingMode      string
	maxLiveRetry       int
	liveEdgeRetryDelay time.Duration
}

// adaptationCallbacks connect an Adaptation Buffer to its Period entry.
type adaptationCallbacks struct {
	onStatus func(full bool)
	onError  func(error)
}

// AdaptationBuffer follows the Selector's decisions for one Adaptation of
// one Period, running one Representation Buffer at a time.
type AdaptationBuffer struct {
	env        *bufferEnv
	period     *manifest.Period
	adaptation *manifest.Adaptation
	policy     adaptationPolicy
	cb         adaptationCallbacks
	logger     *slog.Logger

	rb      *RepresentationBuffer
	current *manifest.Representation
	// next is the Representation waiting for rb to terminate.
	next *manifest.Representation
	// reloadFor is the manual choice a stream reload was requested for.
	reloadFor *manifest.Representation

	lastBandwidth float64
	hasBandwidth  bool

	liveRetries int
	stopRetry   func() bool

	lastTick    abr.ClockTick
	hasTick     bool
	full        bool
	placeholder bool
	disposed    bool
}

func newAdaptationBuffer(
	env *bufferEnv,
	period *manifest.Period,
	adaptation *manifest.Adaptation,
	policy adaptationPolicy,
	cb adaptationCallbacks,
) *AdaptationBuffer {
	return &AdaptationBuffer{
		env:        env,
		period:     period,
		adaptation: adaptation,
		policy:     policy,
		cb:         cb,
		logger:     observability.WithPeriod(env.logger, period.ID).With(slog.String("adaptation_id", adaptation.ID)),
	}
}

// Adaptation returns the Adaptation being buffered.
func (ab *AdaptationBuffer) Adaptation() *manifest.Adaptation {
	return ab.adaptation
}

// Representation returns the Representation currently downloaded.
func (ab *AdaptationBuffer) Representation() *manifest.Representation {
	return ab.current
}

// Full reports whether the current Representation Buffer reached its goal.
func (ab *AdaptationBuffer) Full() bool {
	return ab.full
}

// Tick evaluates the Selector and drives the Representation Buffer.
func (ab *AdaptationBuffer) Tick(tick abr.ClockTick) {
	if ab.disposed || ab.placeholder {
		return
	}
	ab.lastTick, ab.hasTick = tick, true

	est := ab.env.selector.Evaluate(tick, ab.adaptation.Representations, ab.current)
	if est.HasBandwidth && (!ab.hasBandwidth || est.Bandwidth != ab.lastBandwidth) {
		ab.lastBandwidth, ab.hasBandwidth = est.Bandwidth, true
		ab.env.sink.emit(BitrateEstimationChange{Type: ab.env.mediaType, Bitrate: est.Bandwidth, Known: true})
	}

	if est.Representation != nil {
		ab.decide(est)
	}
	if ab.rb != nil {
		ab.rb.Tick(tick)
	}
}

func (ab *AdaptationBuffer) decide(est abr.Estimate) {
	chosen := est.Representation
	target := ab.current
	if ab.next != nil {
		target = ab.next
	}
	if chosen == target {
		return
	}

	first := ab.current == nil
	if !first && est.Manual && ab.policy.switchingMode == config.SwitchingModeDirect {
		if ab.reloadFor != chosen {
			ab.reloadFor = chosen
			ab.logger.Info("manual switch needs a stream reload", slog.String("representation_id", chosen.ID))
			ab.env.sink.emit(NeedsStreamReload{Type: ab.env.mediaType})
		}
		return
	}

	if !first {
		ab.env.metrics.RepresentationSwitches.
			WithLabelValues(string(ab.env.mediaType), strconv.FormatBool(est.Urgent)).Inc()
	}

	if first || est.Urgent || ab.rb == nil {
		ab.switchTo(chosen)
		return
	}

	// let the current segment finish before switching
	ab.logger.Debug("scheduling representation switch",
		slog.String("from", ab.current.ID),
		slog.String("to", chosen.ID))
	ab.next = chosen
	ab.rb.Terminate()
}

func (ab *AdaptationBuffer) switchTo(rep *manifest.Representation) {
	if ab.rb != nil {
		ab.rb.Dispose()
		ab.rb = nil
	}
	ab.next = nil
	changed := rep != ab.current
	ab.current = rep
	if changed {
		ab.logger.Info("representation changed",
			slog.String("representation_id", rep.ID),
			slog.Float64("bitrate", rep.Bitrate))
		ab.env.sink.emit(RepresentationChange{Type: ab.env.mediaType, Period: ab.period, Representation: rep})
	}
	ab.rb = ab.newRepresentationBuffer(rep)
}

func (ab *AdaptationBuffer) newRepresentationBuffer(rep *manifest.Representation) *RepresentationBuffer {
	var rb *RepresentationBuffer
	rb = newRepresentationBuffer(ab.env, ab.period, ab.adaptation, rep, representationCallbacks{
		onStatus:   ab.setFull,
		onAppended: func() { ab.liveRetries = 0 },
		onError:    ab.onError,
		onTerminated: func() {
			if ab.disposed || ab.rb != rb || ab.next == nil {
				return
			}
			ab.switchTo(ab.next)
			if ab.hasTick {
				ab.rb.Tick(ab.lastTick)
			}
		},
	})
	return rb
}

func (ab *AdaptationBuffer) setFull(full bool) {
	if ab.full == full {
		return
	}
	ab.full = full
	if full {
		ab.env.sink.emit(FullBuffer{Type: ab.env.mediaType, Period: ab.period})
	} else {
		ab.env.sink.emit(ActiveBuffer{Type: ab.env.mediaType, Period: ab.period})
	}
	if ab.cb.onStatus != nil {
		ab.cb.onStatus(full)
	}
}

func (ab *AdaptationBuffer) onError(err error) {
	if ab.disposed {
		return
	}
	ab.rb = nil

	if ab.env.manifest.IsLive && isLiveRecoverable(err) && ab.liveRetries < ab.policy.maxLiveRetry {
		ab.liveRetries++
		ab.env.manifest.ShiftLiveEdge(1)
		ab.logger.Warn("live segment unavailable, retrying behind the live edge",
			slog.Int("attempt", ab.liveRetries),
			slog.Float64("live_edge_offset", ab.env.manifest.LiveEdgeOffset()),
			slog.String("error", err.Error()))
		ab.warn(err)

		ab.stopRetry = loop.After(ab.env.exec, ab.env.clk, ab.policy.liveEdgeRetryDelay, func() {
			ab.stopRetry = nil
			if ab.disposed || ab.rb != nil {
				return
			}
			// a switch scheduled before the failure resumes on the new Representation
			if ab.next != nil {
				ab.switchTo(ab.next)
			} else {
				ab.rb = ab.newRepresentationBuffer(ab.current)
			}
			if ab.hasTick {
				ab.Tick(ab.lastTick)
			}
		})
		return
	}

	if !ab.env.mediaType.Essential() {
		ab.logger.Warn("disabling non-essential buffer", slog.String("error", err.Error()))
		ab.warn(NewError(KindMedia, ab.env.mediaType, CodeBufferTypeDisabled, "buffer disabled after a failure", err))
		ab.placeholder = true
		ab.setFull(true)
		return
	}

	if ab.cb.onError != nil {
		ab.cb.onError(err)
	}
}

func (ab *AdaptationBuffer) warn(err error) {
	code := CodeSegmentFetch
	var e *Error
	if errors.As(err, &e) {
		code = e.Code
	}
	ab.env.metrics.Warnings.WithLabelValues(code).Inc()
	ab.env.sink.emit(Warning{Err: err})
}

// Dispose stops the current Representation Buffer and any pending retry.
func (ab *AdaptationBuffer) Dispose() {
	if ab.disposed {
		return
	}
	ab.disposed = true
	if ab.stopRetry != nil {
		ab.stopRetry()
		ab.stopRetry = nil
	}
	if ab.rb != nil {
		ab.rb.Dispose()
		ab.rb = nil
	}
}
