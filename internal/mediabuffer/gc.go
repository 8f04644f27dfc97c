package mediabuffer

import (
	"context"
	"log/slog"
	"math"
)

// GarbageCollector evicts buffered media lying more than Behind seconds
// before or Ahead seconds after the playback position. Zero or negative
// bounds mean unbounded. One collection runs at a time per buffer.
type GarbageCollector struct {
	buf    *Queued
	logger *slog.Logger

	behind, ahead       float64
	capBehind, capAhead float64

	running bool
	onClean func()
}

// NewGarbageCollector creates a collector for buf. capBehind and capAhead
// are the media-type maxima applied on top of the configured bounds.
func NewGarbageCollector(buf *Queued, capBehind, capAhead float64, logger *slog.Logger) *GarbageCollector {
	return &GarbageCollector{
		buf:       buf,
		logger:    logger,
		behind:    math.Inf(1),
		ahead:     math.Inf(1),
		capBehind: boundOrInf(capBehind),
		capAhead:  boundOrInf(capAhead),
	}
}

// SetBounds updates the configured eviction bounds.
func (g *GarbageCollector) SetBounds(behind, ahead float64) {
	g.behind = boundOrInf(behind)
	g.ahead = boundOrInf(ahead)
}

// Bounds returns the effective bounds after type caps.
func (g *GarbageCollector) Bounds() (behind, ahead float64) {
	return math.Min(g.behind, g.capBehind), math.Min(g.ahead, g.capAhead)
}

// OnClean registers fn to run on the loop after each finished collection.
func (g *GarbageCollector) OnClean(fn func()) {
	g.onClean = fn
}

// Collect issues removals for everything outside the window around pos.
// It is a no-op while a previous collection is in flight.
func (g *GarbageCollector) Collect(ctx context.Context, pos float64) {
	if g.running {
		return
	}
	behind, ahead := g.Bounds()
	if math.IsInf(behind, 1) && math.IsInf(ahead, 1) {
		return
	}

	evict := g.buf.Buffered().Outside(pos-behind, pos+ahead)
	if len(evict) == 0 {
		return
	}

	g.running = true
	remaining := len(evict)
	for _, r := range evict {
		g.logger.Debug("evicting buffered range",
			slog.Float64("start", r.Start),
			slog.Float64("end", r.End),
			slog.Float64("position", pos))

		g.buf.Remove(ctx, r.Start, r.End, func(err error) {
			if err != nil {
				g.logger.Warn("buffer eviction failed", slog.String("error", err.Error()))
			}
			remaining--
			if remaining == 0 {
				g.running = false
				if g.onClean != nil {
					g.onClean()
				}
			}
		})
	}
}

func boundOrInf(v float64) float64 {
	if v <= 0 {
		return math.Inf(1)
	}
	return v
}
