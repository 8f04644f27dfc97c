package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jmylchreest/abrengine/internal/abr"
	"github.com/jmylchreest/abrengine/internal/config"
	"github.com/jmylchreest/abrengine/internal/loop"
	"github.com/jmylchreest/abrengine/internal/manifest"
	"github.com/jmylchreest/abrengine/internal/mediabuffer"
	"github.com/jmylchreest/abrengine/internal/observability"
)

// Options configures a Period Buffer Manager.
type Options struct {
	WantedBufferAhead float64
	MaxBufferAhead    float64 // 0 = unlimited
	MaxBufferBehind   float64 // 0 = unlimited
	// TypeMaxBufferAhead and TypeMaxBufferBehind cap the bounds above per type.
	TypeMaxBufferAhead  map[manifest.MediaType]float64
	TypeMaxBufferBehind map[manifest.MediaType]float64

	Selector abr.SelectorConfig
	// Video-only device constraints.
	LimitWidth      int
	ThrottleBitrate float64

	SwitchingMode      string
	MaxLiveRetry       int
	LiveEdgeRetryDelay time.Duration

	// ContentPadding widens the wanted window per type. Missing types get
	// no padding.
	ContentPadding map[manifest.MediaType]Padding
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	enter, exit := cfg.ABR.StarvationGaps()
	typeCaps := func(in map[string]float64) map[manifest.MediaType]float64 {
		out := make(map[manifest.MediaType]float64, len(in))
		for k, v := range in {
			out[manifest.MediaType(k)] = v
		}
		return out
	}

	return Options{
		WantedBufferAhead:   cfg.Buffer.WantedBufferAhead,
		MaxBufferAhead:      cfg.Buffer.MaxBufferAhead,
		MaxBufferBehind:     cfg.Buffer.MaxBufferBehind,
		TypeMaxBufferAhead:  typeCaps(cfg.Buffer.TypeMaxBufferAhead),
		TypeMaxBufferBehind: typeCaps(cfg.Buffer.TypeMaxBufferBehind),
		Selector: abr.SelectorConfig{
			ManualBitrate:  cfg.ABR.ManualBitrate,
			MaxAutoBitrate: cfg.ABR.MaxAutoBitrate,
			Analyzer: abr.AnalyzerConfig{
				InitialBitrate:     cfg.ABR.InitialBitrate,
				StarvationGap:      enter,
				OutOfStarvationGap: exit,
				StarvationFactor:   cfg.ABR.StarvationFactor,
				RegularFactor:      cfg.ABR.RegularFactor,
			},
		},
		LimitWidth:         cfg.ABR.LimitWidth,
		ThrottleBitrate:    cfg.ABR.ThrottleBitrate,
		SwitchingMode:      cfg.ABR.ManualBitrateSwitchingMode,
		MaxLiveRetry:       cfg.Retry.SegmentRetry,
		LiveEdgeRetryDelay: cfg.Retry.LiveEdgeRetryDelay,
		ContentPadding:     DefaultContentPadding(),
	}
}

// AdaptationChooser picks the Adaptation of a type to buffer in a Period.
// Returning nil leaves the type empty for that Period.
type AdaptationChooser func(period *manifest.Period, mediaType manifest.MediaType) *manifest.Adaptation

// FirstAdaptation chooses the first listed Adaptation.
func FirstAdaptation(period *manifest.Period, mediaType manifest.MediaType) *manifest.Adaptation {
	if list := period.Adaptations[mediaType]; len(list) > 0 {
		return list[0]
	}
	return nil
}

// Option configures a Period Buffer Manager.
type Option func(*PeriodBufferManager)

// WithClock sets the clock used for request timing and retry delays.
func WithClock(clk clock.Clock) Option {
	return func(pm *PeriodBufferManager) { pm.clk = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(pm *PeriodBufferManager) { pm.logger = logger }
}

// WithMetrics sets the metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(pm *PeriodBufferManager) { pm.metrics = m }
}

// WithParser sets the segment parser.
func WithParser(p SegmentParser) Option {
	return func(pm *PeriodBufferManager) { pm.parser = p }
}

// WithAdaptationChooser sets how Adaptations are chosen for new Periods.
func WithAdaptationChooser(c AdaptationChooser) Option {
	return func(pm *PeriodBufferManager) { pm.chooser = c }
}

// WithQueuedOptions configures the append pipelines.
func WithQueuedOptions(opts ...mediabuffer.QueuedOption) Option {
	return func(pm *PeriodBufferManager) { pm.queuedOpts = opts }
}

// periodEntry is one (media type, Period) pair of a chain.
type periodEntry struct {
	period *manifest.Period
	ab     *AdaptationBuffer // nil when the Period has no Adaptation of the type
	full   bool

	// tickedIn is the Tick pass that already ticked ab on creation.
	tickedIn uint64
}

// typeChain is the forward chain of Period entries of one media type,
// oldest first.
type typeChain struct {
	mediaType manifest.MediaType
	env       *bufferEnv
	gc        *mediabuffer.GarbageCollector
	entries   []*periodEntry
	tick      abr.ClockTick
	stopped   bool

	warnedBefore bool
	warnedAfter  bool
}

// PeriodBufferManager drives every media type across Periods: it creates
// the next Period's buffers when the current one is full, tears them down
// on seeks and reports stream-wide events.
type PeriodBufferManager struct {
	manifest   *manifest.Manifest
	buffers    map[manifest.MediaType]mediabuffer.MediaBuffer
	fetcher    Fetcher
	exec       loop.Executor
	opts       Options
	sink       EventSink
	clk        clock.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
	parser     SegmentParser
	chooser    AdaptationChooser
	queuedOpts []mediabuffer.QueuedOption

	queued      *xsync.MapOf[manifest.MediaType, *mediabuffer.Queued]
	inventories *xsync.MapOf[manifest.MediaType, *mediabuffer.SegmentInventory]
	collectors  *xsync.MapOf[manifest.MediaType, *mediabuffer.GarbageCollector]
	selectors   map[manifest.MediaType]*abr.Selector

	chains []*typeChain
	// choices holds adaptation ids set through SetAdaptation, by period id.
	choices map[string]map[manifest.MediaType]string

	goal         float64
	lastTick     abr.ClockTick
	hasTick      bool
	pass         uint64
	reconciling  bool
	dirty        bool
	endOfStream  bool
	activePeriod *manifest.Period
	failed       bool
	disposed     bool
}

// NewPeriodBufferManager creates a manager for every media type that has a
// buffer in buffers.
func NewPeriodBufferManager(
	m *manifest.Manifest,
	buffers map[manifest.MediaType]mediabuffer.MediaBuffer,
	fetcher Fetcher,
	exec loop.Executor,
	opts Options,
	sink EventSink,
	options ...Option,
) *PeriodBufferManager {
	pm := &PeriodBufferManager{
		manifest:    m,
		buffers:     buffers,
		fetcher:     fetcher,
		exec:        exec,
		opts:        opts,
		sink:        sink,
		clk:         clock.New(),
		parser:      PassthroughParser{},
		chooser:     FirstAdaptation,
		queued:      xsync.NewMapOf[manifest.MediaType, *mediabuffer.Queued](),
		inventories: xsync.NewMapOf[manifest.MediaType, *mediabuffer.SegmentInventory](),
		collectors:  xsync.NewMapOf[manifest.MediaType, *mediabuffer.GarbageCollector](),
		selectors:   make(map[manifest.MediaType]*abr.Selector),
		choices:     make(map[string]map[manifest.MediaType]string),
		goal:        opts.WantedBufferAhead,
	}
	for _, opt := range options {
		opt(pm)
	}
	pm.logger = observability.WithComponent(observability.OrDiscard(pm.logger), "period-buffers")
	if pm.metrics == nil {
		pm.metrics = observability.NewMetrics(nil)
	}

	for _, t := range manifest.MediaTypes {
		if _, ok := buffers[t]; !ok {
			continue
		}
		pm.chains = append(pm.chains, pm.newChain(t))
	}
	return pm
}

func (pm *PeriodBufferManager) newChain(t manifest.MediaType) *typeChain {
	logger := observability.WithMediaType(pm.logger, string(t))

	selCfg := pm.opts.Selector
	if t == manifest.Video {
		selCfg.LimitWidth = pm.opts.LimitWidth
		selCfg.ThrottleBitrate = pm.opts.ThrottleBitrate
	}
	selector := abr.NewSelector(t, selCfg, pm.clk, logger, pm.metrics)
	pm.selectors[t] = selector

	env := &bufferEnv{
		mediaType: t,
		manifest:  pm.manifest,
		exec:      pm.exec,
		clk:       pm.clk,
		fetcher:   pm.fetcher,
		parser:    pm.parser,
		buffer:    pm.queuedFor(t),
		inventory: pm.inventoryFor(t),
		selector:  selector,
		goal:      func() float64 { return pm.goal },
		padding:   pm.opts.ContentPadding[t],
		sink:      pm.sink,
		logger:    logger,
		metrics:   pm.metrics,
	}
	return &typeChain{mediaType: t, env: env, gc: pm.collectorFor(t)}
}

func (pm *PeriodBufferManager) queuedFor(t manifest.MediaType) *mediabuffer.Queued {
	q, _ := pm.queued.LoadOrCompute(t, func() *mediabuffer.Queued {
		return mediabuffer.NewQueued(pm.buffers[t], pm.exec, pm.queuedOpts...)
	})
	return q
}

func (pm *PeriodBufferManager) inventoryFor(t manifest.MediaType) *mediabuffer.SegmentInventory {
	inv, _ := pm.inventories.LoadOrCompute(t, mediabuffer.NewSegmentInventory)
	return inv
}

func (pm *PeriodBufferManager) collectorFor(t manifest.MediaType) *mediabuffer.GarbageCollector {
	gc, _ := pm.collectors.LoadOrCompute(t, func() *mediabuffer.GarbageCollector {
		gc := mediabuffer.NewGarbageCollector(pm.queuedFor(t),
			pm.opts.TypeMaxBufferBehind[t], pm.opts.TypeMaxBufferAhead[t],
			observability.WithMediaType(pm.logger, string(t)))
		gc.SetBounds(pm.opts.MaxBufferBehind, pm.opts.MaxBufferAhead)
		gc.OnClean(func() {
			pm.inventoryFor(t).Synchronize(pm.queuedFor(t).Buffered())
		})
		return gc
	})
	return gc
}

// Inventory returns the segment inventory of a media type.
func (pm *PeriodBufferManager) Inventory(t manifest.MediaType) (*mediabuffer.SegmentInventory, bool) {
	return pm.inventories.Load(t)
}

// Buffer returns the append pipeline of a media type.
func (pm *PeriodBufferManager) Buffer(t manifest.MediaType) (*mediabuffer.Queued, bool) {
	return pm.queued.Load(t)
}

// Selector returns the selector of a media type.
func (pm *PeriodBufferManager) Selector(t manifest.MediaType) (*abr.Selector, bool) {
	s, ok := pm.selectors[t]
	return s, ok
}

// Periods returns the ids of the Periods currently buffered for t, oldest first.
func (pm *PeriodBufferManager) Periods(t manifest.MediaType) []string {
	chain := pm.chain(t)
	if chain == nil {
		return nil
	}
	ids := make([]string, 0, len(chain.entries))
	for _, e := range chain.entries {
		ids = append(ids, e.period.ID)
	}
	return ids
}

// AdaptationBuffer returns the buffer of t for a Period.
func (pm *PeriodBufferManager) AdaptationBuffer(t manifest.MediaType, periodID string) (*AdaptationBuffer, bool) {
	chain := pm.chain(t)
	if chain == nil {
		return nil, false
	}
	for _, e := range chain.entries {
		if e.period.ID == periodID && e.ab != nil {
			return e.ab, true
		}
	}
	return nil, false
}

// Tick drives every media type with the observed playback state.
func (pm *PeriodBufferManager) Tick(tick abr.ClockTick) {
	if pm.disposed || pm.failed {
		return
	}
	pm.lastTick, pm.hasTick = tick, true
	pm.pass++

	pm.reconciling = true
	for _, chain := range pm.chains {
		if pm.disposed {
			return
		}
		if chain.stopped {
			continue
		}
		chain.gc.Collect(context.Background(), tick.CurrentTime)

		chain.tick = tick
		chain.tick.BufferGap = chain.env.buffer.Buffered().BufferGap(tick.CurrentTime)

		pm.checkPosition(chain, tick.Position())
		for _, e := range chain.entries {
			if e.ab != nil && e.tickedIn != pm.pass {
				e.ab.Tick(chain.tick)
			}
		}
	}
	pm.reconciling = false
	pm.reconcile()
}

// checkPosition restarts the chain when pos left the Periods it covers.
func (pm *PeriodBufferManager) checkPosition(chain *typeChain, pos float64) {
	target := pm.periodFor(chain, pos)
	if target == nil {
		return
	}
	if n := len(chain.entries); n > 0 {
		first, last := chain.entries[0].period, chain.entries[n-1].period
		switch {
		case pos >= first.Start && pos < last.End:
			return
		case pos < first.Start && target == first:
			return
		case pos >= last.End && target == last:
			return
		}
		pm.logger.Debug("position outside buffered periods, restarting chain",
			slog.String("media_type", string(chain.mediaType)),
			slog.Float64("position", pos),
			slog.String("period_id", target.ID))
		pm.destroyFrom(chain, 0)
	}
	pm.createEntry(chain, target)
}

func (pm *PeriodBufferManager) periodFor(chain *typeChain, pos float64) *manifest.Period {
	if p := pm.manifest.PeriodForTime(pos); p != nil {
		chain.warnedBefore, chain.warnedAfter = false, false
		return p
	}
	switch {
	case pos < pm.manifest.MinimumPosition():
		if !chain.warnedBefore {
			chain.warnedBefore = true
			pm.warn(NewError(KindMedia, chain.mediaType, CodeMediaTimeBeforeContent,
				fmt.Sprintf("position %.3f is before the first period", pos), nil))
		}
		return pm.manifest.Periods[0]
	case pos >= pm.manifest.MaximumPosition():
		if !chain.warnedAfter {
			chain.warnedAfter = true
			pm.warn(NewError(KindMedia, chain.mediaType, CodeMediaTimeAfterContent,
				fmt.Sprintf("position %.3f is after the last period", pos), nil))
		}
		return pm.manifest.Periods[len(pm.manifest.Periods)-1]
	default:
		return pm.manifest.PeriodAfter(pos)
	}
}

// reconcile applies chain rules until a full pass changes nothing.
func (pm *PeriodBufferManager) reconcile() {
	if pm.reconciling {
		pm.dirty = true
		return
	}
	pm.reconciling = true
	defer func() { pm.reconciling = false }()

	for {
		pm.dirty = false
		changed := false
		for _, chain := range pm.chains {
			if !chain.stopped && pm.reconcileChain(chain) {
				changed = true
			}
		}
		if !changed && !pm.dirty {
			break
		}
	}
	pm.checkActivePeriod()
	pm.checkEndOfStream()
}

// reconcileChain applies the first rule that matches and reports whether
// it changed the chain.
func (pm *PeriodBufferManager) reconcileChain(chain *typeChain) bool {
	pos := chain.tick.Position()

	// Periods played through are released, newest first.
	if n := len(chain.entries); n > 1 {
		played := 0
		for played < n-1 && chain.entries[played].period.End <= pos {
			played++
		}
		if played > 0 {
			for i := played - 1; i >= 0; i-- {
				pm.destroyEntry(chain, chain.entries[i])
			}
			chain.entries = chain.entries[played:]
			return true
		}
	}

	// An older Period needing segments again drops the Periods after it.
	for i, e := range chain.entries[:max(len(chain.entries)-1, 0)] {
		if !e.full {
			pm.destroyFrom(chain, i+1)
			return true
		}
	}

	// The newest Period is full: prepare the next one.
	if n := len(chain.entries); n > 0 && chain.entries[n-1].full {
		if next := pm.manifest.NextPeriod(chain.entries[n-1].period); next != nil {
			pm.createEntry(chain, next)
			return true
		}
	}
	return false
}

func (pm *PeriodBufferManager) createEntry(chain *typeChain, period *manifest.Period) {
	entry := &periodEntry{period: period}
	chain.entries = append(chain.entries, entry)

	adaptation := pm.adaptationFor(period, chain.mediaType)
	if adaptation == nil {
		entry.full = true
		return
	}
	pm.startAdaptation(chain, entry, adaptation)
}

func (pm *PeriodBufferManager) adaptationFor(period *manifest.Period, t manifest.MediaType) *manifest.Adaptation {
	if id, ok := pm.choices[period.ID][t]; ok {
		if a := period.Adaptation(t, id); a != nil {
			return a
		}
	}
	return pm.chooser(period, t)
}

func (pm *PeriodBufferManager) startAdaptation(chain *typeChain, entry *periodEntry, adaptation *manifest.Adaptation) {
	pm.logger.Info("buffering period",
		slog.String("media_type", string(chain.mediaType)),
		slog.String("period_id", entry.period.ID),
		slog.String("adaptation_id", adaptation.ID))

	var ab *AdaptationBuffer
	ab = newAdaptationBuffer(chain.env, entry.period, adaptation, adaptationPolicy{
		switchingMode:      pm.opts.SwitchingMode,
		maxLiveRetry:       pm.opts.MaxLiveRetry,
		liveEdgeRetryDelay: pm.opts.LiveEdgeRetryDelay,
	}, adaptationCallbacks{
		onStatus: func(full bool) {
			if entry.ab != ab {
				return
			}
			entry.full = full
			pm.reconcile()
		},
		onError: func(err error) {
			if entry.ab != ab {
				return
			}
			pm.fail(chain, err)
		},
	})
	entry.ab = ab
	pm.sink.emit(AdaptationChange{Type: chain.mediaType, Period: entry.period, Adaptation: adaptation})

	if pm.hasTick {
		entry.tickedIn = pm.pass
		ab.Tick(chain.tick)
	}
}

func (pm *PeriodBufferManager) destroyFrom(chain *typeChain, from int) {
	for i := len(chain.entries) - 1; i >= from; i-- {
		pm.destroyEntry(chain, chain.entries[i])
	}
	chain.entries = chain.entries[:from]
}

func (pm *PeriodBufferManager) destroyEntry(chain *typeChain, e *periodEntry) {
	pm.logger.Debug("releasing period",
		slog.String("media_type", string(chain.mediaType)),
		slog.String("period_id", e.period.ID))
	if e.ab != nil {
		e.ab.Dispose()
		e.ab = nil
	}
}

func (pm *PeriodBufferManager) fail(chain *typeChain, err error) {
	pm.logger.Error("media type failed",
		slog.String("media_type", string(chain.mediaType)),
		slog.String("error", err.Error()))
	chain.stopped = true
	pm.destroyFrom(chain, 0)
	pm.sink.emit(ErrorEvent{Type: chain.mediaType, Err: err})

	if chain.mediaType.Essential() {
		pm.failed = true
		pm.Dispose()
	}
}

func (pm *PeriodBufferManager) warn(err *Error) {
	pm.logger.Warn("playback position outside content", slog.String("code", err.Code))
	pm.metrics.Warnings.WithLabelValues(err.Code).Inc()
	pm.sink.emit(Warning{Err: err})
}

func (pm *PeriodBufferManager) checkActivePeriod() {
	var active *manifest.Period
	for _, chain := range pm.chains {
		if chain.stopped {
			continue
		}
		if len(chain.entries) == 0 {
			return
		}
		p := chain.entries[0].period
		if active == nil {
			active = p
		} else if active != p {
			return
		}
	}
	if active != nil && active != pm.activePeriod {
		pm.activePeriod = active
		pm.sink.emit(ActivePeriodChanged{Period: active})
	}
}

func (pm *PeriodBufferManager) checkEndOfStream() {
	if pm.manifest.IsLive {
		return
	}
	ended, active := true, 0
	for _, chain := range pm.chains {
		if chain.stopped {
			continue
		}
		active++
		n := len(chain.entries)
		if n == 0 || !chain.entries[n-1].full || !pm.manifest.IsLastPeriod(chain.entries[n-1].period) {
			ended = false
			break
		}
	}

	ended = ended && active > 0

	switch {
	case ended && !pm.endOfStream:
		pm.endOfStream = true
		pm.sink.emit(EndOfStream{})
	case !ended && pm.endOfStream:
		pm.endOfStream = false
		pm.sink.emit(ResumeStream{})
	}
}

func (pm *PeriodBufferManager) chain(t manifest.MediaType) *typeChain {
	for _, c := range pm.chains {
		if c.mediaType == t {
			return c
		}
	}
	return nil
}

// SetAdaptation switches the Adaptation of t buffered for a Period.
// Media already buffered for that Period is flushed.
func (pm *PeriodBufferManager) SetAdaptation(periodID string, t manifest.MediaType, adaptationID string) error {
	period := pm.manifest.PeriodByID(periodID)
	if period == nil {
		return NewError(KindContract, t, CodeUnknownTrack, "period "+periodID, ErrUnknownPeriod)
	}
	adaptation := period.Adaptation(t, adaptationID)
	if adaptation == nil {
		return NewError(KindContract, t, CodeUnknownTrack, "period "+periodID+" adaptation "+adaptationID, ErrUnknownAdaptation)
	}
	if pm.choices[periodID] == nil {
		pm.choices[periodID] = make(map[manifest.MediaType]string)
	}
	pm.choices[periodID][t] = adaptationID

	chain := pm.chain(t)
	if chain == nil || chain.stopped {
		return nil
	}
	for i, e := range chain.entries {
		if e.period != period {
			continue
		}
		if e.ab != nil && e.ab.Adaptation() == adaptation {
			return nil
		}
		pm.destroyFrom(chain, i+1)
		pm.destroyEntry(chain, e)
		e.full = false
		chain.env.inventory.RemovePeriod(periodID)
		chain.env.buffer.Remove(context.Background(), period.Start, period.End, nil)
		pm.startAdaptation(chain, e, adaptation)
		pm.reconcile()
		return nil
	}
	return nil
}

// SetManualBitrate sets the manual bitrate of t; negative restores automatic selection.
func (pm *PeriodBufferManager) SetManualBitrate(t manifest.MediaType, bitrate float64) {
	if s, ok := pm.selectors[t]; ok {
		s.SetManualBitrate(bitrate)
		pm.retick()
	}
}

// SetMaxAutoBitrate caps automatic selection for t; 0 removes the cap.
func (pm *PeriodBufferManager) SetMaxAutoBitrate(t manifest.MediaType, bitrate float64) {
	if s, ok := pm.selectors[t]; ok {
		s.SetMaxAutoBitrate(bitrate)
		pm.retick()
	}
}

// SetLimitWidth restricts video to what fits width pixels; 0 removes the limit.
func (pm *PeriodBufferManager) SetLimitWidth(width int) {
	if s, ok := pm.selectors[manifest.Video]; ok {
		s.SetLimitWidth(width)
		pm.retick()
	}
}

// SetThrottleBitrate caps video while the device is throttled; 0 removes the cap.
func (pm *PeriodBufferManager) SetThrottleBitrate(bitrate float64) {
	if s, ok := pm.selectors[manifest.Video]; ok {
		s.SetThrottleBitrate(bitrate)
		pm.retick()
	}
}

// SetWantedBufferAhead changes the buffer goal.
func (pm *PeriodBufferManager) SetWantedBufferAhead(seconds float64) {
	pm.goal = seconds
	pm.retick()
}

// SetBufferBounds changes the garbage-collection bounds; 0 means unlimited.
func (pm *PeriodBufferManager) SetBufferBounds(behind, ahead float64) {
	pm.collectors.Range(func(_ manifest.MediaType, gc *mediabuffer.GarbageCollector) bool {
		gc.SetBounds(behind, ahead)
		return true
	})
	pm.retick()
}

func (pm *PeriodBufferManager) retick() {
	if pm.hasTick {
		pm.Tick(pm.lastTick)
	}
}

// Dispose stops every buffer and closes the append pipelines.
func (pm *PeriodBufferManager) Dispose() {
	if pm.disposed {
		return
	}
	pm.disposed = true
	for _, chain := range pm.chains {
		pm.destroyFrom(chain, 0)
	}
	for _, s := range pm.selectors {
		s.Dispose()
	}
	pm.queued.Range(func(_ manifest.MediaType, q *mediabuffer.Queued) bool {
		q.Close()
		return true
	})
}
