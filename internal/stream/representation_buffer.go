package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"github.com/google/uuid"

	"github.com/jmylchreest/abrengine/internal/abr"
	"github.com/jmylchreest/abrengine/internal/loop"
	"github.com/jmylchreest/abrengine/internal/manifest"
	"github.com/jmylchreest/abrengine/internal/mediabuffer"
	"github.com/jmylchreest/abrengine/internal/observability"
)

// BufferState is the scheduling state of a Representation Buffer.
type BufferState int

const (
	StateIdle BufferState = iota
	StateNeedSegments
	StateFull
)

func (s BufferState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNeedSegments:
		return "need-segments"
	case StateFull:
		return "full"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// inflight is the one request a Representation Buffer may have outstanding.
type inflight struct {
	id     string
	need   SegmentNeed
	cancel context.CancelFunc
}

// bufferEnv is what a buffer borrows from the Period Buffer Manager. It is
// shared by every buffer of one media type.
type bufferEnv struct {
	mediaType manifest.MediaType
	manifest  *manifest.Manifest
	exec      loop.Executor
	clk       clock.Clock
	fetcher   Fetcher
	parser    SegmentParser
	buffer    *mediabuffer.Queued
	inventory *mediabuffer.SegmentInventory
	selector  *abr.Selector
	goal      func() float64
	padding   Padding
	sink      EventSink
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// liveEdge returns the live window bound, 0 when unbounded.
func (e *bufferEnv) liveEdge() float64 {
	if !e.manifest.IsLive {
		return 0
	}
	return e.manifest.MaximumPosition() - e.manifest.LiveEdgeOffset()
}

// representationCallbacks connect a Representation Buffer to its owner.
type representationCallbacks struct {
	onStatus     func(full bool)
	onAppended   func()
	onError      func(error)
	onTerminated func()
}

// RepresentationBuffer downloads and appends the segments of one
// Representation. At most one request is in flight at a time.
type RepresentationBuffer struct {
	env            *bufferEnv
	period         *manifest.Period
	adaptation     *manifest.Adaptation
	representation *manifest.Representation
	cb             representationCallbacks
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state      BufferState
	queue      deque.Deque[SegmentNeed]
	current    *inflight
	awaiting   map[string]struct{}
	appending  int
	initLoaded bool

	lastTick          abr.ClockTick
	hasTick           bool
	needsRefresh      bool
	lastDiscontinuity float64

	terminating bool
	terminated  bool
	disposed    bool
}

func newRepresentationBuffer(
	env *bufferEnv,
	period *manifest.Period,
	adaptation *manifest.Adaptation,
	rep *manifest.Representation,
	cb representationCallbacks,
) *RepresentationBuffer {
	ctx, cancel := context.WithCancel(context.Background())
	return &RepresentationBuffer{
		env:               env,
		period:            period,
		adaptation:        adaptation,
		representation:    rep,
		cb:                cb,
		logger:            observability.WithRepresentation(observability.WithPeriod(env.logger, period.ID), rep.ID),
		ctx:               ctx,
		cancel:            cancel,
		awaiting:          make(map[string]struct{}),
		lastDiscontinuity: -1,
	}
}

// Representation returns the Representation this buffer downloads.
func (rb *RepresentationBuffer) Representation() *manifest.Representation {
	return rb.representation
}

// State returns the scheduling state.
func (rb *RepresentationBuffer) State() BufferState {
	return rb.state
}

// Tick runs one scheduling step for the observed playback state.
func (rb *RepresentationBuffer) Tick(tick abr.ClockTick) {
	if rb.disposed || rb.terminated {
		return
	}
	rb.lastTick, rb.hasTick = tick, true

	if rb.terminating {
		rb.maybeFinishTermination()
		return
	}

	buffered := rb.env.buffer.Buffered()
	rb.env.inventory.Synchronize(buffered)
	pos, goal := tick.Position(), rb.env.goal()
	res := ComputeNeeds(NeedParams{
		Position:       pos,
		CurrentTime:    tick.CurrentTime,
		Goal:           goal,
		LiveEdge:       rb.env.liveEdge(),
		BufferGap:      buffered.BufferGap(pos),
		Padding:        rb.env.padding,
		Period:         rb.period,
		Representation: rb.representation,
		Inventory:      rb.env.inventory.Overlapping(pos, pos+goal+rb.env.padding.High),
		Awaiting:       rb.awaiting,
		InitLoaded:     rb.initLoaded,
	})

	if res.ShouldRefresh && !rb.needsRefresh {
		rb.env.sink.emit(NeedsManifestRefresh{Type: rb.env.mediaType})
	}
	rb.needsRefresh = res.ShouldRefresh
	if res.Discontinuity >= 0 && res.Discontinuity != rb.lastDiscontinuity {
		rb.env.sink.emit(DiscontinuityEncountered{Type: rb.env.mediaType, NextTime: res.Discontinuity})
	}
	rb.lastDiscontinuity = res.Discontinuity

	needs := res.Needs
	if rb.current != nil {
		if len(needs) == 0 || needs[0].Segment.ID != rb.current.need.Segment.ID {
			rb.logger.Debug("most needed segment changed, cancelling request",
				slog.String("segment_id", rb.current.need.Segment.ID))
			rb.abortCurrent()
		} else {
			if needs[0].Priority != rb.current.need.Priority {
				rb.current.need.Priority = needs[0].Priority
			}
			needs = needs[1:]
		}
	}

	rb.queue.Clear()
	for _, n := range needs {
		rb.queue.PushBack(n)
	}

	if rb.queue.Len() == 0 && rb.current == nil {
		rb.setState(StateFull)
		return
	}
	rb.setState(StateNeedSegments)
	rb.startNext()
}

// QueueLen returns the number of segments waiting to be requested.
func (rb *RepresentationBuffer) QueueLen() int {
	return rb.queue.Len()
}

// InFlight returns the segment being downloaded.
func (rb *RepresentationBuffer) InFlight() (SegmentNeed, bool) {
	if rb.current == nil {
		return SegmentNeed{}, false
	}
	return rb.current.need, true
}

// Terminate stops scheduling new requests and lets the in-flight one and
// its append finish. onTerminated runs afterwards on the loop.
func (rb *RepresentationBuffer) Terminate() {
	if rb.disposed || rb.terminating {
		return
	}
	rb.terminating = true
	rb.queue.Clear()
	rb.env.exec.Post(rb.maybeFinishTermination)
}

// Dispose cancels every outstanding request and queued append.
func (rb *RepresentationBuffer) Dispose() {
	if rb.disposed {
		return
	}
	rb.disposed = true
	if rb.current != nil {
		rb.env.selector.RemovePendingRequest(rb.current.id)
		rb.current = nil
	}
	rb.cancel()
	rb.queue.Clear()
}

func (rb *RepresentationBuffer) maybeFinishTermination() {
	if rb.disposed || rb.terminated || rb.current != nil || rb.appending > 0 {
		return
	}
	rb.terminated = true
	rb.cancel()
	if rb.cb.onTerminated != nil {
		rb.cb.onTerminated()
	}
}

func (rb *RepresentationBuffer) setState(s BufferState) {
	if rb.state == s {
		return
	}
	prev := rb.state
	rb.state = s
	rb.logger.Debug("buffer state changed",
		slog.String("from", prev.String()),
		slog.String("to", s.String()))
	if rb.cb.onStatus != nil {
		rb.cb.onStatus(s == StateFull)
	}
}

func (rb *RepresentationBuffer) abortCurrent() {
	rb.env.selector.RemovePendingRequest(rb.current.id)
	rb.current.cancel()
	rb.current = nil
}

func (rb *RepresentationBuffer) startNext() {
	if rb.current != nil || rb.queue.Len() == 0 {
		return
	}
	need := rb.queue.PopFront()
	ctx, cancel := context.WithCancel(rb.ctx)
	id := uuid.NewString()
	rb.current = &inflight{id: id, need: need, cancel: cancel}

	rb.env.selector.AddPendingRequest(id, abr.PendingRequest{
		SegmentTime:      need.Segment.Time,
		SegmentDuration:  need.Segment.Duration,
		RequestTimestamp: rb.env.clk.Now(),
	})

	req := FetchRequest{
		ID:             id,
		MediaType:      rb.env.mediaType,
		Period:         rb.period,
		Adaptation:     rb.adaptation,
		Representation: rb.representation,
		Segment:        need.Segment,
	}
	rb.logger.Debug("requesting segment",
		slog.String("segment_id", need.Segment.ID),
		slog.Float64("time", need.Segment.Time),
		slog.Int("priority", need.Priority))

	rb.env.fetcher.Fetch(ctx, req, func(ev FetchEvent) {
		rb.env.exec.Post(func() { rb.onFetchEvent(id, ev) })
	})
}

func (rb *RepresentationBuffer) onFetchEvent(id string, ev FetchEvent) {
	if rb.disposed || rb.current == nil || rb.current.id != id {
		return
	}
	cur := rb.current

	switch ev.Kind {
	case FetchProgress:
		rb.env.selector.AddRequestProgress(id, ev.Progress)

	case FetchRetry:
		rb.env.selector.RemovePendingRequest(id)
		rb.env.selector.AddPendingRequest(id, abr.PendingRequest{
			SegmentTime:      cur.need.Segment.Time,
			SegmentDuration:  cur.need.Segment.Duration,
			RequestTimestamp: rb.env.clk.Now(),
		})
		rb.env.metrics.Warnings.WithLabelValues(CodeSegmentFetch).Inc()
		rb.env.sink.emit(Warning{Err: NewError(kindOf(ev.Err), rb.env.mediaType, CodeSegmentFetch, "segment request failed, retrying", ev.Err)})

	case FetchError:
		rb.env.selector.RemovePendingRequest(id)
		cur.cancel()
		rb.current = nil
		if errors.Is(ev.Err, context.Canceled) || errors.Is(ev.Err, ErrCancelled) {
			if rb.terminating {
				rb.maybeFinishTermination()
			}
			return
		}
		rb.fail(NewError(kindOf(ev.Err), rb.env.mediaType, CodeSegmentFetch, "segment request failed", ev.Err))

	case FetchResponse:
		rb.env.selector.RemovePendingRequest(id)
		rb.env.selector.AddEstimate(ev.Duration, ev.Size)
		rb.env.metrics.BytesDownloaded.WithLabelValues(string(rb.env.mediaType)).Add(float64(ev.Size))
		cur.cancel()
		rb.current = nil

		parsed, err := rb.env.parser.Parse(FetchRequest{
			ID:             id,
			MediaType:      rb.env.mediaType,
			Period:         rb.period,
			Adaptation:     rb.adaptation,
			Representation: rb.representation,
			Segment:        cur.need.Segment,
		}, ev.Data)
		if err != nil {
			rb.fail(NewError(KindMedia, rb.env.mediaType, CodeSegmentParse, "cannot parse segment", err))
			return
		}
		rb.append(cur.need.Segment, parsed)

		if rb.hasTick {
			rb.Tick(rb.lastTick)
		}
	}
}

func (rb *RepresentationBuffer) append(seg manifest.SegmentRef, parsed ParsedSegment) {
	rb.awaiting[seg.ID] = struct{}{}
	rb.appending++

	chunk := mediabuffer.Chunk{
		Segment:          seg,
		RepresentationID: rb.representation.ID,
		MimeType:         rb.representation.MimeTypeString(),
		Data:             parsed.Data,
		Start:            parsed.Start,
		End:              parsed.End,
	}
	rb.env.buffer.Append(rb.ctx, chunk, func(err error) {
		rb.onAppended(seg, parsed, err)
	})
}

func (rb *RepresentationBuffer) onAppended(seg manifest.SegmentRef, parsed ParsedSegment, err error) {
	rb.appending--
	delete(rb.awaiting, seg.ID)

	if err != nil {
		if rb.disposed || errors.Is(err, context.Canceled) {
			return
		}
		rb.fail(NewError(KindMedia, rb.env.mediaType, CodeBufferAppend, "cannot append segment", err))
		return
	}

	// the data is in the buffer even when this buffer was disposed meanwhile
	if seg.IsInit {
		rb.initLoaded = true
	} else {
		rb.env.inventory.Insert(mediabuffer.BufferedChunk{
			PeriodID:         rb.period.ID,
			RepresentationID: rb.representation.ID,
			SegmentID:        seg.ID,
			Bitrate:          rb.representation.Bitrate,
			Start:            parsed.Start,
			End:              parsed.End,
		})
	}
	if rb.disposed {
		return
	}

	rb.env.metrics.SegmentsAppended.WithLabelValues(string(rb.env.mediaType)).Inc()
	rb.env.sink.emit(AddedSegment{
		Type:           rb.env.mediaType,
		Period:         rb.period,
		Representation: rb.representation,
		Segment:        seg,
		Start:          parsed.Start,
		End:            parsed.End,
	})
	if rb.cb.onAppended != nil {
		rb.cb.onAppended()
	}

	if rb.terminating {
		rb.maybeFinishTermination()
		return
	}
	if rb.hasTick {
		rb.Tick(rb.lastTick)
	}
}

func (rb *RepresentationBuffer) fail(err error) {
	rb.logger.Warn("representation buffer failed", slog.String("error", err.Error()))
	rb.Dispose()
	if rb.cb.onError != nil {
		rb.cb.onError(err)
	}
}

func kindOf(err error) Kind {
	if isOffline(err) {
		return KindOffline
	}
	return KindNetwork
}
