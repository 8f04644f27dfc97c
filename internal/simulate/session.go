package simulate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/jmylchreest/abrengine/internal/abr"
	"github.com/jmylchreest/abrengine/internal/config"
	"github.com/jmylchreest/abrengine/internal/loop"
	"github.com/jmylchreest/abrengine/internal/manifest"
	"github.com/jmylchreest/abrengine/internal/mediabuffer"
	"github.com/jmylchreest/abrengine/internal/observability"
	"github.com/jmylchreest/abrengine/internal/stream"
)

const endTolerance = 1e-6

// Options tune a Session.
type Options struct {
	// Step is the simulated time between two engine ticks.
	Step time.Duration
	// MaxDuration stops the session after this much simulated time. Zero
	// runs until the content ends.
	MaxDuration time.Duration
	// Realtime paces steps against the wall clock.
	Realtime bool
	// Speed divides wall-clock pacing in realtime mode.
	Speed float64
	// StartupBuffer is the buffered time needed to start or resume playback.
	StartupBuffer float64

	Logger  *slog.Logger
	Metrics *observability.Metrics
	// OnEvent observes engine events with the simulated time they occurred at.
	OnEvent func(at time.Duration, ev stream.Event)
}

// DefaultOptions returns options for a fast, unpaced run.
func DefaultOptions() Options {
	return Options{
		Step:          100 * time.Millisecond,
		Speed:         1,
		StartupBuffer: 2,
	}
}

// Summary describes a finished session.
type Summary struct {
	SimulatedTime  time.Duration  `json:"simulated_time"`
	Position       float64        `json:"position"`
	Ended          bool           `json:"ended"`
	StartupDelay   time.Duration  `json:"startup_delay"`
	Stalls         int            `json:"stalls"`
	StallTime      time.Duration  `json:"stall_time"`
	AverageBitrate float64        `json:"average_bitrate"`
	Switches       int            `json:"switches"`
	Network        NetworkStats   `json:"network"`
	Events         map[string]int `json:"events"`
}

type span struct {
	start, end, bitrate float64
}

// Session plays generated content through the full engine: the period
// buffer manager, retrying fetcher, in-memory buffers and a playback model
// advanced on a mock clock.
type Session struct {
	opts     Options
	clk      *clock.Mock
	loop     *loop.Loop
	network  *Network
	buffers  map[manifest.MediaType]*mediabuffer.Memory
	pm       *stream.PeriodBufferManager
	logger   *slog.Logger
	duration float64

	position    float64
	started     bool
	playing     bool
	ended       bool
	endOfStream bool
	fatal       error

	elapsed      time.Duration
	startupDelay time.Duration
	stalls       int
	stallTime    time.Duration
	playedBits   float64
	played       float64
	switches     int
	lastBitrate  float64
	spans        []span
	events       map[string]int
}

// NewSession wires a session. cfg provides the engine options.
func NewSession(cfg *config.Config, content Content, link Link, opts Options) (*Session, error) {
	if opts.Step <= 0 {
		return nil, errors.New("step must be positive")
	}
	m, err := content.Build()
	if err != nil {
		return nil, err
	}

	s := &Session{
		opts:     opts,
		clk:      clock.NewMock(),
		loop:     loop.New(),
		buffers:  make(map[manifest.MediaType]*mediabuffer.Memory),
		duration: content.Duration(),
		events:   make(map[string]int),
	}
	s.clk.Set(time.Unix(0, 0))
	s.logger = observability.WithComponent(observability.OrDiscard(opts.Logger), "simulate")
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}

	s.network = NewNetwork(s.clk, link)
	fetcher := stream.NewRetryingFetcher(s.network, stream.RetryPolicyFromConfig(cfg.Retry),
		stream.WithRetryClock(s.clk),
		stream.WithRetryLogger(s.logger),
		stream.WithRetryMetrics(metrics),
	)

	buffers := make(map[manifest.MediaType]mediabuffer.MediaBuffer)
	for _, t := range manifest.MediaTypes {
		if len(m.Periods[0].Adaptations[t]) == 0 {
			continue
		}
		mem := mediabuffer.NewMemory()
		s.buffers[t] = mem
		buffers[t] = mem
	}

	s.pm = stream.NewPeriodBufferManager(m, buffers, fetcher, s.loop, stream.OptionsFromConfig(cfg), s.handle,
		stream.WithClock(s.clk),
		stream.WithLogger(opts.Logger),
		stream.WithMetrics(metrics),
		stream.WithQueuedOptions(mediabuffer.WithInlineWorker()),
	)
	return s, nil
}

// Engine exposes the period buffer manager for runtime settings.
func (s *Session) Engine() *stream.PeriodBufferManager {
	return s.pm
}

// Run drives the session until the content ended, a fatal error occurred,
// MaxDuration elapsed or ctx is done.
func (s *Session) Run(ctx context.Context) (Summary, error) {
	defer s.close()

	var pace <-chan time.Time
	if s.opts.Realtime {
		speed := s.opts.Speed
		if speed <= 0 {
			speed = 1
		}
		ticker := time.NewTicker(time.Duration(float64(s.opts.Step) / speed))
		defer ticker.Stop()
		pace = ticker.C
	}

	s.logger.Info("simulation started",
		slog.Float64("duration", s.duration),
		slog.Duration("step", s.opts.Step))
	s.tick()

	for !s.done() {
		if pace != nil {
			select {
			case <-ctx.Done():
				return s.summary(), ctx.Err()
			case <-pace:
			}
		} else if err := ctx.Err(); err != nil {
			return s.summary(), err
		}
		s.step()
	}

	summary := s.summary()
	s.logger.Info("simulation finished",
		slog.Bool("ended", summary.Ended),
		slog.Int("stalls", summary.Stalls),
		slog.Float64("average_bitrate", summary.AverageBitrate))
	return summary, s.fatal
}

func (s *Session) done() bool {
	if s.ended || s.fatal != nil {
		return true
	}
	return s.opts.MaxDuration > 0 && s.elapsed >= s.opts.MaxDuration
}

func (s *Session) step() {
	s.clk.Add(s.opts.Step)
	s.elapsed += s.opts.Step
	s.network.Advance(s.clk.Now())
	s.loop.Drain()
	s.play(s.opts.Step)
	if !s.done() {
		s.tick()
	}
}

func (s *Session) tick() {
	s.pm.Tick(abr.ClockTick{
		CurrentTime: s.position,
		Speed:       1,
		Duration:    s.duration,
	})
	s.loop.Drain()
}

// play advances the playback model by dt.
func (s *Session) play(dt time.Duration) {
	gap := s.bufferGap()

	if !s.playing {
		if s.started {
			s.stallTime += dt
		} else {
			s.startupDelay += dt
		}
		if gap >= s.opts.StartupBuffer || (s.endOfStream && gap > 0) {
			s.playing = true
			s.started = true
		}
		return
	}

	step := dt.Seconds()
	advance := math.Min(step, gap)
	s.account(advance)
	s.position += advance
	if s.position >= s.duration-endTolerance {
		s.ended = true
		return
	}
	if advance < step {
		s.playing = false
		s.stalls++
		s.stallTime += time.Duration((step - advance) * float64(time.Second))
		s.logger.Debug("playback stalled", slog.Float64("position", s.position))
	}
}

// bufferGap is the contiguous buffered time ahead of the position, over
// every essential type.
func (s *Session) bufferGap() float64 {
	gap := math.Inf(1)
	for t, buf := range s.buffers {
		if !t.Essential() {
			continue
		}
		gap = math.Min(gap, buf.Buffered().BufferGap(s.position))
	}
	if math.IsInf(gap, 1) {
		return 0
	}
	return gap
}

func (s *Session) account(seconds float64) {
	if seconds <= 0 {
		return
	}
	for i := len(s.spans) - 1; i >= 0; i-- {
		sp := s.spans[i]
		if s.position >= sp.start && s.position < sp.end {
			s.playedBits += sp.bitrate * seconds
			break
		}
	}
	s.played += seconds
}

func (s *Session) handle(ev stream.Event) {
	s.events[ev.Name()]++
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(s.elapsed, ev)
	}

	switch e := ev.(type) {
	case stream.AddedSegment:
		if e.Type == manifest.Video && !e.Segment.IsInit && e.End > e.Start {
			s.spans = append(s.spans, span{start: e.Start, end: e.End, bitrate: e.Representation.Bitrate})
		}
	case stream.RepresentationChange:
		if e.Type == manifest.Video && e.Representation != nil {
			if s.lastBitrate != 0 && e.Representation.Bitrate != s.lastBitrate {
				s.switches++
			}
			s.lastBitrate = e.Representation.Bitrate
		}
	case stream.DiscontinuityEncountered:
		if e.NextTime > s.position {
			s.logger.Info("skipping discontinuity",
				slog.Float64("from", s.position),
				slog.Float64("to", e.NextTime))
			s.position = e.NextTime
		}
	case stream.EndOfStream:
		s.endOfStream = true
	case stream.ResumeStream:
		s.endOfStream = false
	case stream.Warning:
		s.logger.Warn("engine warning", slog.String("error", e.Err.Error()))
	case stream.ErrorEvent:
		if e.Type.Essential() {
			s.fatal = fmt.Errorf("%s: %w", e.Type, e.Err)
		}
	}
}

func (s *Session) summary() Summary {
	var avg float64
	if s.played > 0 {
		avg = s.playedBits / s.played
	}
	events := make(map[string]int, len(s.events))
	for k, v := range s.events {
		events[k] = v
	}
	return Summary{
		SimulatedTime:  s.elapsed,
		Position:       s.position,
		Ended:          s.ended,
		StartupDelay:   s.startupDelay,
		Stalls:         s.stalls,
		StallTime:      s.stallTime,
		AverageBitrate: avg,
		Switches:       s.switches,
		Network:        s.network.Stats(),
		Events:         events,
	}
}

func (s *Session) close() {
	s.pm.Dispose()
	s.loop.Drain()
	s.loop.Close()
	for _, buf := range s.buffers {
		buf.Close()
	}
}
