package stream

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrengine/internal/abr"
	"github.com/jmylchreest/abrengine/internal/loop"
	"github.com/jmylchreest/abrengine/internal/manifest"
	"github.com/jmylchreest/abrengine/internal/mediabuffer"
	"github.com/jmylchreest/abrengine/internal/observability"
)

const testSegmentDuration = 2.0

func testRepresentation(id string, bitrate, start, end float64, withInit bool) *manifest.Representation {
	ix := &manifest.TemplateIndex{
		RepresentationID: id,
		Media:            "$RepresentationID$/$Number$.m4s",
		SegmentDuration:  testSegmentDuration,
		Start:            start,
		End:              end,
		StartNumber:      int(start/testSegmentDuration) + 1,
	}
	if withInit {
		ix.Initialization = "$RepresentationID$/init.mp4"
	}
	return &manifest.Representation{
		ID:       id,
		Bitrate:  bitrate,
		MimeType: "video/mp4",
		Codecs:   "avc1.64001f",
		Index:    ix,
	}
}

// testPeriod builds a Period with one video Adaptation "v" offering the
// given bitrates. Representation ids are "<period>-<bitrate>".
func testPeriod(id string, start, end float64, withInit bool, bitrates ...float64) *manifest.Period {
	a := &manifest.Adaptation{ID: "v", Type: manifest.Video}
	for _, b := range bitrates {
		a.Representations = append(a.Representations,
			testRepresentation(fmt.Sprintf("%s-%.0f", id, b), b, start, end, withInit))
	}
	return &manifest.Period{
		ID:          id,
		Start:       start,
		End:         end,
		Adaptations: map[manifest.MediaType][]*manifest.Adaptation{manifest.Video: {a}},
	}
}

func testManifest(t *testing.T, live bool, periods ...*manifest.Period) *manifest.Manifest {
	t.Helper()
	m, err := manifest.New(live, periods...)
	require.NoError(t, err)
	return m
}

func tickAt(current float64) abr.ClockTick {
	return abr.ClockTick{CurrentTime: current, Speed: 1, Duration: math.Inf(1)}
}

type fetchCall struct {
	ctx     context.Context
	req     FetchRequest
	onEvent func(FetchEvent)
}

// fakeFetcher records requests. With auto set, every request immediately
// succeeds with a payload of size bytes, unless fail returns an error for it.
type fakeFetcher struct {
	mu    sync.Mutex
	calls []*fetchCall

	auto bool
	size int64
	fail func(req FetchRequest, attempt int) error
}

func (f *fakeFetcher) Fetch(ctx context.Context, req FetchRequest, onEvent func(FetchEvent)) {
	f.mu.Lock()
	call := &fetchCall{ctx: ctx, req: req, onEvent: onEvent}
	f.calls = append(f.calls, call)
	attempt := len(f.calls)
	f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(req, attempt); err != nil {
			onEvent(FetchEvent{Kind: FetchError, Err: err})
			return
		}
	}
	if f.auto {
		f.succeed(call)
	}
}

func (f *fakeFetcher) succeed(call *fetchCall) {
	size := f.size
	if size == 0 {
		size = 200_000
	}
	call.onEvent(FetchEvent{
		Kind:     FetchResponse,
		Data:     make([]byte, 8),
		Size:     size,
		Duration: time.Second,
	})
}

func (f *fakeFetcher) Calls() []*fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fetchCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeFetcher) Call(i int) *fetchCall {
	return f.Calls()[i]
}

// callsFor counts requests for a segment id of a representation.
func (f *fakeFetcher) callsFor(repID, segID string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.req.Representation.ID == repID && c.req.Segment.ID == segID {
			n++
		}
	}
	return n
}

type eventLog struct {
	events []Event
}

func (l *eventLog) sink(ev Event) {
	l.events = append(l.events, ev)
}

func (l *eventLog) names() []string {
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Name())
	}
	return out
}

func (l *eventLog) count(name string) int {
	n := 0
	for _, ev := range l.events {
		if ev.Name() == name {
			n++
		}
	}
	return n
}

func eventsOf[T Event](l *eventLog) []T {
	var out []T
	for _, ev := range l.events {
		if typed, ok := ev.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

func testAnalyzerConfig() abr.AnalyzerConfig {
	return abr.AnalyzerConfig{
		InitialBitrate:     600_000,
		StarvationGap:      5,
		OutOfStarvationGap: 7,
		StarvationFactor:   0.72,
		RegularFactor:      0.8,
	}
}

// testEnv wires a single media type by hand for buffer-level tests.
type testEnv struct {
	env     *bufferEnv
	loop    *loop.Loop
	fetcher *fakeFetcher
	memory  *mediabuffer.Memory
	clock   *clock.Mock
	log     *eventLog
	goal    float64
}

func newTestEnv(t *testing.T, m *manifest.Manifest, fetcher *fakeFetcher) *testEnv {
	t.Helper()
	te := &testEnv{
		loop:    loop.New(),
		fetcher: fetcher,
		memory:  mediabuffer.NewMemory(),
		clock:   clock.NewMock(),
		log:     &eventLog{},
		goal:    4,
	}
	metrics := observability.NewMetrics(nil)
	te.env = &bufferEnv{
		mediaType: manifest.Video,
		manifest:  m,
		exec:      te.loop,
		clk:       te.clock,
		fetcher:   fetcher,
		parser:    PassthroughParser{},
		buffer:    mediabuffer.NewQueued(te.memory, te.loop, mediabuffer.WithInlineWorker()),
		inventory: mediabuffer.NewSegmentInventory(),
		selector: abr.NewSelector(manifest.Video, abr.SelectorConfig{
			ManualBitrate: -1,
			Analyzer:      testAnalyzerConfig(),
		}, te.clock, nil, metrics),
		goal:    func() float64 { return te.goal },
		sink:    te.log.sink,
		logger:  observability.Discard(),
		metrics: metrics,
	}
	return te
}

func testOptions() Options {
	return Options{
		WantedBufferAhead: 4,
		Selector: abr.SelectorConfig{
			ManualBitrate: -1,
			Analyzer:      testAnalyzerConfig(),
		},
		MaxLiveRetry:       2,
		LiveEdgeRetryDelay: 2 * time.Second,
	}
}

// testManager is a Period Buffer Manager over in-memory buffers.
type testManager struct {
	pm      *PeriodBufferManager
	loop    *loop.Loop
	fetcher *fakeFetcher
	buffers map[manifest.MediaType]*mediabuffer.Memory
	clock   *clock.Mock
	log     *eventLog
}

func newTestManager(t *testing.T, m *manifest.Manifest, fetcher *fakeFetcher, opts Options, types ...manifest.MediaType) *testManager {
	t.Helper()
	if len(types) == 0 {
		types = []manifest.MediaType{manifest.Video}
	}
	tm := &testManager{
		loop:    loop.New(),
		fetcher: fetcher,
		buffers: make(map[manifest.MediaType]*mediabuffer.Memory),
		clock:   clock.NewMock(),
		log:     &eventLog{},
	}
	buffers := make(map[manifest.MediaType]mediabuffer.MediaBuffer)
	for _, typ := range types {
		mem := mediabuffer.NewMemory()
		tm.buffers[typ] = mem
		buffers[typ] = mem
	}
	tm.pm = NewPeriodBufferManager(m, buffers, fetcher, tm.loop, opts, tm.log.sink,
		WithClock(tm.clock),
		WithQueuedOptions(mediabuffer.WithInlineWorker()),
	)
	t.Cleanup(tm.pm.Dispose)
	return tm
}

// tick drives the manager and runs everything it triggered.
func (tm *testManager) tick(current float64) {
	tm.pm.Tick(tickAt(current))
	tm.loop.Drain()
}
