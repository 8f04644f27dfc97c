package stream

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrengine/internal/config"
	"github.com/jmylchreest/abrengine/internal/manifest"
)

func adaptationChangesFor(l *eventLog, periodID string) int {
	n := 0
	for _, ev := range eventsOf[AdaptationChange](l) {
		if ev.Period.ID == periodID {
			n++
		}
	}
	return n
}

func twoPeriods(t *testing.T) *manifest.Manifest {
	return testManifest(t, false,
		testPeriod("a", 0, 10, true, 500_000),
		testPeriod("b", 10, 20, true, 500_000),
	)
}

func TestPeriodBufferManager_PreparesNextPeriodOnce(t *testing.T) {
	tm := newTestManager(t, twoPeriods(t), &fakeFetcher{auto: true}, testOptions())

	tm.tick(8)
	assert.Equal(t, []string{"a", "b"}, tm.pm.Periods(manifest.Video))
	assert.Equal(t, 1, adaptationChangesFor(tm.log, "a"))
	assert.Equal(t, 1, adaptationChangesFor(tm.log, "b"))
	assert.Equal(t, 1, tm.fetcher.callsFor("b-500000", "6"), "next period starts at its own beginning")

	tm.tick(9)
	assert.Equal(t, []string{"a", "b"}, tm.pm.Periods(manifest.Video))
	assert.Equal(t, 1, adaptationChangesFor(tm.log, "b"))

	active := eventsOf[ActivePeriodChanged](tm.log)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].Period.ID)
}

func TestPeriodBufferManager_TicksNewBufferOnce(t *testing.T) {
	tm := newTestManager(t, testManifest(t, false, testPeriod("p", 0, 20, false, 500_000, 2_000_000)),
		&fakeFetcher{}, testOptions())

	tm.tick(0)
	sel, ok := tm.pm.Selector(manifest.Video)
	require.True(t, ok)
	assert.Equal(t, 1, sel.Estimations(), "a buffer created during a tick is evaluated once")

	tm.tick(1)
	assert.Equal(t, 2, sel.Estimations())
}

func TestPeriodBufferManager_ReleasesPlayedPeriod(t *testing.T) {
	tm := newTestManager(t, twoPeriods(t), &fakeFetcher{auto: true}, testOptions())

	tm.tick(8)
	ab, ok := tm.pm.AdaptationBuffer(manifest.Video, "a")
	require.True(t, ok)

	tm.tick(10.5)
	assert.Equal(t, []string{"b"}, tm.pm.Periods(manifest.Video))
	_, ok = tm.pm.AdaptationBuffer(manifest.Video, "a")
	assert.False(t, ok)
	assert.True(t, ab.disposed)

	assert.Equal(t, 1, tm.fetcher.callsFor("b-500000", "6"), "buffered segments are not downloaded again")
	assert.Equal(t, 1, tm.fetcher.callsFor("b-500000", "7"))
	assert.Equal(t, 1, adaptationChangesFor(tm.log, "b"))

	active := eventsOf[ActivePeriodChanged](tm.log)
	require.Len(t, active, 2)
	assert.Equal(t, "b", active[1].Period.ID)
}

func TestPeriodBufferManager_SeekBehindChain(t *testing.T) {
	tm := newTestManager(t, twoPeriods(t), &fakeFetcher{auto: true}, testOptions())

	tm.tick(8)
	tm.tick(10.5)
	require.Equal(t, []string{"b"}, tm.pm.Periods(manifest.Video))

	tm.tick(7)
	assert.Equal(t, []string{"a", "b"}, tm.pm.Periods(manifest.Video), "a is rebuilt, then b follows once a is full")
	assert.Equal(t, 2, adaptationChangesFor(tm.log, "a"))
	assert.Equal(t, 1, tm.fetcher.callsFor("a-500000", "4"))
	assert.Equal(t, 1, tm.fetcher.callsFor("a-500000", "5"), "the ledger survives the seek")
}

func TestPeriodBufferManager_PositionOutsideContent(t *testing.T) {
	m := testManifest(t, false, testPeriod("p", 10, 20, false, 500_000))

	t.Run("before", func(t *testing.T) {
		tm := newTestManager(t, m, &fakeFetcher{auto: true}, testOptions())
		tm.tick(2)
		tm.tick(3)

		assert.Equal(t, []string{"p"}, tm.pm.Periods(manifest.Video))
		warnings := eventsOf[Warning](tm.log)
		require.Len(t, warnings, 1)
		var e *Error
		require.ErrorAs(t, warnings[0].Err, &e)
		assert.Equal(t, CodeMediaTimeBeforeContent, e.Code)
	})

	t.Run("after", func(t *testing.T) {
		tm := newTestManager(t, m, &fakeFetcher{auto: true}, testOptions())
		tm.tick(25)
		tm.tick(26)

		assert.Equal(t, []string{"p"}, tm.pm.Periods(manifest.Video))
		warnings := eventsOf[Warning](tm.log)
		require.Len(t, warnings, 1)
		var e *Error
		require.ErrorAs(t, warnings[0].Err, &e)
		assert.Equal(t, CodeMediaTimeAfterContent, e.Code)
		assert.Empty(t, tm.fetcher.Calls())
	})
}

func TestPeriodBufferManager_EndOfStream(t *testing.T) {
	p := testPeriod("p", 0, 4, false, 500_000)
	alt := &manifest.Adaptation{ID: "v2", Type: manifest.Video, Representations: []*manifest.Representation{
		testRepresentation("p-alt", 400_000, 0, 4, false),
	}}
	p.Adaptations[manifest.Video] = append(p.Adaptations[manifest.Video], alt)

	opts := testOptions()
	opts.WantedBufferAhead = 10
	tm := newTestManager(t, testManifest(t, false, p), &fakeFetcher{auto: true}, opts)

	tm.tick(0)
	assert.Equal(t, []string{"endOfStream"}, filterNames(tm.log, "endOfStream", "resumeStream"))

	require.NoError(t, tm.pm.SetAdaptation("p", manifest.Video, "v2"))
	assert.Equal(t, []string{"endOfStream", "resumeStream"}, filterNames(tm.log, "endOfStream", "resumeStream"))

	tm.loop.Drain()
	assert.Equal(t, []string{"endOfStream", "resumeStream", "endOfStream"}, filterNames(tm.log, "endOfStream", "resumeStream"))
	assert.Equal(t, 1, tm.fetcher.callsFor("p-alt", "1"))
	assert.Equal(t, 1, tm.fetcher.callsFor("p-alt", "2"))

	ab, ok := tm.pm.AdaptationBuffer(manifest.Video, "p")
	require.True(t, ok)
	assert.Equal(t, "v2", ab.Adaptation().ID)
}

func filterNames(l *eventLog, names ...string) []string {
	var out []string
	for _, n := range l.names() {
		for _, want := range names {
			if n == want {
				out = append(out, n)
			}
		}
	}
	return out
}

func TestPeriodBufferManager_SetAdaptationErrors(t *testing.T) {
	tm := newTestManager(t, twoPeriods(t), &fakeFetcher{}, testOptions())

	err := tm.pm.SetAdaptation("nope", manifest.Video, "v")
	assert.ErrorIs(t, err, ErrUnknownPeriod)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindContract, e.Kind)
	assert.Equal(t, CodeUnknownTrack, e.Code)

	err = tm.pm.SetAdaptation("a", manifest.Video, "nope")
	assert.ErrorIs(t, err, ErrUnknownAdaptation)

	assert.NoError(t, tm.pm.SetAdaptation("a", manifest.Video, "v"))
}

func TestPeriodBufferManager_Failures(t *testing.T) {
	withText := func() *manifest.Period {
		p := testPeriod("p", 0, 4, false, 500_000)
		text := testRepresentation("p-text", 1_000, 0, 4, false)
		text.MimeType = "text/vtt"
		p.Adaptations[manifest.Text] = []*manifest.Adaptation{{ID: "t", Type: manifest.Text, Representations: []*manifest.Representation{text}}}
		return p
	}
	forbiddenFor := func(t manifest.MediaType) func(FetchRequest, int) error {
		return func(req FetchRequest, _ int) error {
			if req.MediaType == t {
				return &NetworkError{URL: req.Segment.URL, Status: http.StatusForbidden}
			}
			return nil
		}
	}

	t.Run("text failure disables text only", func(t *testing.T) {
		opts := testOptions()
		opts.WantedBufferAhead = 10
		f := &fakeFetcher{auto: true, fail: forbiddenFor(manifest.Text)}
		tm := newTestManager(t, testManifest(t, false, withText()), f, opts, manifest.Video, manifest.Text)

		tm.tick(0)

		assert.Empty(t, eventsOf[ErrorEvent](tm.log))
		assert.NotEmpty(t, eventsOf[Warning](tm.log))
		assert.Len(t, eventsOf[EndOfStream](tm.log), 1, "a disabled text track does not block the end")
		appended, _ := tm.buffers[manifest.Video].Stats()
		assert.Equal(t, 2, appended)
	})

	t.Run("video failure stops the manager", func(t *testing.T) {
		f := &fakeFetcher{auto: true, fail: forbiddenFor(manifest.Video)}
		tm := newTestManager(t, testManifest(t, false, withText()), f, testOptions(), manifest.Video, manifest.Text)

		tm.tick(0)
		errs := eventsOf[ErrorEvent](tm.log)
		require.Len(t, errs, 1)
		assert.Equal(t, manifest.Video, errs[0].Type)

		calls := len(f.Calls())
		tm.tick(1)
		assert.Len(t, f.Calls(), calls, "nothing is scheduled after a fatal error")
		assert.Empty(t, eventsOf[EndOfStream](tm.log))
	})
}

func TestPeriodBufferManager_GarbageCollection(t *testing.T) {
	tm := newTestManager(t, testManifest(t, false, testPeriod("p", 0, 20, false, 500_000)),
		&fakeFetcher{auto: true}, testOptions())

	tm.tick(0)
	_, ok := tm.buffers[manifest.Video].Buffered().RangeAt(1)
	require.True(t, ok)

	tm.pm.SetBufferBounds(2, 0)
	tm.loop.Drain()
	tm.tick(8)

	buffered := tm.buffers[manifest.Video].Buffered()
	_, ok = buffered.RangeAt(1)
	assert.False(t, ok, "media far behind the position is evicted")
	_, ok = buffered.RangeAt(9)
	assert.True(t, ok)
}

func TestPeriodBufferManager_EvictionUpdatesInventory(t *testing.T) {
	tm := newTestManager(t, testManifest(t, false, testPeriod("p", 0, 20, false, 500_000)),
		&fakeFetcher{auto: true}, testOptions())

	tm.tick(0)
	inv := tm.pm.inventoryFor(manifest.Video)
	require.NotEmpty(t, inv.Overlapping(0, 2))

	tm.pm.SetBufferBounds(2, 0)
	tm.loop.Drain()
	tm.pm.collectorFor(manifest.Video).Collect(context.Background(), 8)
	tm.loop.Drain()

	assert.Empty(t, tm.buffers[manifest.Video].Buffered())
	assert.Empty(t, inv.Chunks(), "evicted media leaves the inventory without waiting for a tick")
}

func TestPeriodBufferManager_RuntimeSettings(t *testing.T) {
	p := testPeriod("p", 0, 20, false, 500_000, 2_000_000)
	tm := newTestManager(t, testManifest(t, false, p), &fakeFetcher{}, testOptions())

	tm.tick(0)
	ab, ok := tm.pm.AdaptationBuffer(manifest.Video, "p")
	require.True(t, ok)
	require.Equal(t, 500_000.0, ab.Representation().Bitrate)

	tm.pm.SetManualBitrate(manifest.Video, 2_000_000)
	tm.loop.Drain()
	assert.Equal(t, 2_000_000.0, ab.Representation().Bitrate)

	tm.pm.SetManualBitrate(manifest.Video, -1)
	tm.pm.SetMaxAutoBitrate(manifest.Video, 100_000)
	sel, ok := tm.pm.Selector(manifest.Video)
	require.True(t, ok)
	assert.Equal(t, 100_000.0, sel.Constraints().MaxAutoBitrate)

	tm.pm.SetWantedBufferAhead(8)
	tm.loop.Drain()
	assert.Equal(t, 8.0, tm.pm.goal)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Buffer.TypeMaxBufferAhead = map[string]float64{"text": 30}

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, cfg.Buffer.WantedBufferAhead, opts.WantedBufferAhead)
	assert.Equal(t, 30.0, opts.TypeMaxBufferAhead[manifest.Text])
	assert.Equal(t, cfg.ABR.InitialBitrate, opts.Selector.Analyzer.InitialBitrate)
	assert.Equal(t, cfg.ABR.ManualBitrateSwitchingMode, opts.SwitchingMode)
	enter, exit := cfg.ABR.StarvationGaps()
	assert.Equal(t, enter, opts.Selector.Analyzer.StarvationGap)
	assert.Equal(t, exit, opts.Selector.Analyzer.OutOfStarvationGap)
	assert.Equal(t, DefaultContentPadding(), opts.ContentPadding)
}
