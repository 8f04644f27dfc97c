package stream

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrengine/internal/abr"
	"github.com/jmylchreest/abrengine/internal/config"
	"github.com/jmylchreest/abrengine/internal/manifest"
)

type abRecorder struct {
	statuses []bool
	errs     []error
}

func newTestAB(te *testEnv, p *manifest.Period, mode string, rec *abRecorder) *AdaptationBuffer {
	policy := adaptationPolicy{
		switchingMode:      mode,
		maxLiveRetry:       2,
		liveEdgeRetryDelay: 2 * time.Second,
	}
	return newAdaptationBuffer(te.env, p, p.Adaptations[manifest.Video][0], policy, adaptationCallbacks{
		onStatus: func(full bool) { rec.statuses = append(rec.statuses, full) },
		onError:  func(err error) { rec.errs = append(rec.errs, err) },
	})
}

func starvingTick(current, gap float64) abr.ClockTick {
	tick := tickAt(current)
	tick.BufferGap = gap
	return tick
}

func TestAdaptationBuffer_FirstChoice(t *testing.T) {
	p := testPeriod("p", 0, 20, false, 500_000, 2_000_000)
	f := &fakeFetcher{}
	te := newTestEnv(t, testManifest(t, false, p), f)
	ab := newTestAB(te, p, config.SwitchingModeSeamless, &abRecorder{})

	ab.Tick(starvingTick(0, 0))

	require.NotNil(t, ab.Representation())
	assert.Equal(t, 500_000.0, ab.Representation().Bitrate)
	changes := eventsOf[RepresentationChange](te.log)
	require.Len(t, changes, 1)
	assert.Same(t, ab.Representation(), changes[0].Representation)
	require.Len(t, f.Calls(), 1)
	assert.Equal(t, "p-500000", f.Call(0).req.Representation.ID)
}

func TestAdaptationBuffer_UpgradeWaitsForSegment(t *testing.T) {
	p := testPeriod("p", 0, 20, false, 500_000, 2_000_000)
	f := &fakeFetcher{}
	te := newTestEnv(t, testManifest(t, false, p), f)
	ab := newTestAB(te, p, config.SwitchingModeSeamless, &abRecorder{})

	ab.Tick(starvingTick(0, 0))
	require.Len(t, f.Calls(), 1)
	first := f.Call(0)

	te.env.selector.AddEstimate(time.Second, 1_000_000)
	te.env.selector.AddEstimate(time.Second, 1_000_000)
	ab.Tick(starvingTick(0, 1))
	te.loop.Drain()

	assert.NoError(t, first.ctx.Err(), "a non-urgent switch lets the request finish")
	assert.Len(t, f.Calls(), 1)
	assert.Equal(t, 500_000.0, ab.Representation().Bitrate)

	f.succeed(first)
	te.loop.Drain()

	assert.Equal(t, 2_000_000.0, ab.Representation().Bitrate)
	assert.Len(t, eventsOf[RepresentationChange](te.log), 2)
	calls := f.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "p-2000000", calls[1].req.Representation.ID)
	assert.Equal(t, "2", calls[1].req.Segment.ID, "segment about to play is kept in the lower quality")
	assert.Equal(t, 1.0, testutil.ToFloat64(te.env.metrics.RepresentationSwitches.WithLabelValues("video", "false")))
}

func TestAdaptationBuffer_ManualSwitchIsImmediate(t *testing.T) {
	p := testPeriod("p", 0, 20, false, 500_000, 2_000_000)
	f := &fakeFetcher{}
	te := newTestEnv(t, testManifest(t, false, p), f)
	ab := newTestAB(te, p, config.SwitchingModeSeamless, &abRecorder{})

	ab.Tick(starvingTick(0, 0))
	first := f.Call(0)

	te.env.selector.SetManualBitrate(2_000_000)
	ab.Tick(starvingTick(0, 0))

	assert.Error(t, first.ctx.Err(), "urgent switch cancels the old representation")
	calls := f.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "p-2000000", calls[1].req.Representation.ID)
	assert.Equal(t, "1", calls[1].req.Segment.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(te.env.metrics.RepresentationSwitches.WithLabelValues("video", "true")))
}

func TestAdaptationBuffer_DirectModeNeedsReload(t *testing.T) {
	p := testPeriod("p", 0, 20, false, 500_000, 2_000_000)
	f := &fakeFetcher{}
	te := newTestEnv(t, testManifest(t, false, p), f)
	ab := newTestAB(te, p, config.SwitchingModeDirect, &abRecorder{})

	ab.Tick(starvingTick(0, 0))
	te.env.selector.SetManualBitrate(2_000_000)
	ab.Tick(starvingTick(0, 0))
	ab.Tick(starvingTick(0, 0))

	assert.Len(t, eventsOf[NeedsStreamReload](te.log), 1)
	assert.Equal(t, 500_000.0, ab.Representation().Bitrate)
	assert.Len(t, f.Calls(), 1)
	assert.NoError(t, f.Call(0).ctx.Err())
}

func TestAdaptationBuffer_ReportsFullness(t *testing.T) {
	p := testPeriod("p", 0, 20, false, 500_000)
	te := newTestEnv(t, testManifest(t, false, p), &fakeFetcher{auto: true})
	rec := &abRecorder{}
	ab := newTestAB(te, p, config.SwitchingModeSeamless, rec)

	ab.Tick(starvingTick(0, 0))
	te.loop.Drain()

	assert.True(t, ab.Full())
	assert.Equal(t, []bool{true}, rec.statuses)
	assert.Len(t, eventsOf[FullBuffer](te.log), 1)

	ab.Tick(starvingTick(2, 0))
	te.loop.Drain()
	assert.Equal(t, []bool{true, false, true}, rec.statuses)
	assert.Len(t, eventsOf[ActiveBuffer](te.log), 1)
	assert.Len(t, eventsOf[FullBuffer](te.log), 2)
}

func TestAdaptationBuffer_Errors(t *testing.T) {
	forbidden := func(FetchRequest, int) error { return &NetworkError{URL: "u", Status: http.StatusForbidden} }

	t.Run("essential type reports the error", func(t *testing.T) {
		p := testPeriod("p", 0, 20, false, 500_000)
		te := newTestEnv(t, testManifest(t, false, p), &fakeFetcher{fail: forbidden})
		rec := &abRecorder{}
		ab := newTestAB(te, p, config.SwitchingModeSeamless, rec)

		ab.Tick(starvingTick(0, 0))
		te.loop.Drain()

		require.Len(t, rec.errs, 1)
		var e *Error
		require.ErrorAs(t, rec.errs[0], &e)
		assert.Equal(t, CodeSegmentFetch, e.Code)
		assert.Empty(t, eventsOf[Warning](te.log))
	})

	t.Run("non-essential type is disabled", func(t *testing.T) {
		p := testPeriod("p", 0, 20, false, 500_000)
		f := &fakeFetcher{fail: forbidden}
		te := newTestEnv(t, testManifest(t, false, p), f)
		te.env.mediaType = manifest.Text
		rec := &abRecorder{}
		ab := newTestAB(te, p, config.SwitchingModeSeamless, rec)

		ab.Tick(starvingTick(0, 0))
		te.loop.Drain()

		assert.Empty(t, rec.errs)
		warnings := eventsOf[Warning](te.log)
		require.Len(t, warnings, 1)
		var e *Error
		require.ErrorAs(t, warnings[0].Err, &e)
		assert.Equal(t, CodeBufferTypeDisabled, e.Code)
		assert.Equal(t, manifest.Text, e.Type)
		var netErr *NetworkError
		assert.ErrorAs(t, warnings[0].Err, &netErr, "the failure stays reachable")
		assert.Equal(t, 1.0, testutil.ToFloat64(te.env.metrics.Warnings.WithLabelValues(CodeBufferTypeDisabled)))
		assert.True(t, ab.Full(), "a disabled buffer never holds back the chain")

		ab.Tick(starvingTick(4, 0))
		te.loop.Drain()
		assert.Len(t, f.Calls(), 1)
	})

	t.Run("live content retries behind the edge", func(t *testing.T) {
		p := testPeriod("live", 0, 100, false, 500_000)
		m := testManifest(t, true, p)
		f := &fakeFetcher{auto: true, fail: func(_ FetchRequest, attempt int) error {
			if attempt == 1 {
				return &NetworkError{URL: "u", Status: http.StatusPreconditionFailed}
			}
			return nil
		}}
		te := newTestEnv(t, m, f)
		rec := &abRecorder{}
		ab := newTestAB(te, p, config.SwitchingModeSeamless, rec)

		ab.Tick(starvingTick(50, 0))
		te.loop.Drain()

		assert.Empty(t, rec.errs)
		assert.Len(t, eventsOf[Warning](te.log), 1)
		assert.Equal(t, 1.0, m.LiveEdgeOffset())
		assert.Len(t, f.Calls(), 1)

		require.Eventually(t, func() bool {
			te.clock.Add(500 * time.Millisecond)
			return te.loop.Pending() > 0
		}, time.Second, time.Millisecond)
		te.loop.Drain()

		assert.Greater(t, len(f.Calls()), 1, "the buffer is recreated after the delay")
		assert.Empty(t, rec.errs)
		assert.NotEmpty(t, eventsOf[AddedSegment](te.log))
	})

	t.Run("live retry resumes a scheduled switch", func(t *testing.T) {
		p := testPeriod("live", 0, 100, false, 500_000, 2_000_000)
		m := testManifest(t, true, p)
		f := &fakeFetcher{}
		te := newTestEnv(t, m, f)
		rec := &abRecorder{}
		ab := newTestAB(te, p, config.SwitchingModeSeamless, rec)

		ab.Tick(starvingTick(50, 0))
		require.Len(t, f.Calls(), 1)
		first := f.Call(0)
		require.Equal(t, "live-500000", first.req.Representation.ID)

		te.env.selector.AddEstimate(time.Second, 1_000_000)
		te.env.selector.AddEstimate(time.Second, 1_000_000)
		ab.Tick(starvingTick(50, 1))
		te.loop.Drain()
		require.Len(t, f.Calls(), 1, "the upgrade waits for the in-flight segment")

		first.onEvent(FetchEvent{Kind: FetchError, Err: &NetworkError{URL: "u", Status: http.StatusPreconditionFailed}})
		te.loop.Drain()
		assert.Empty(t, rec.errs)

		require.Eventually(t, func() bool {
			te.clock.Add(500 * time.Millisecond)
			return te.loop.Pending() > 0
		}, time.Second, time.Millisecond)
		te.loop.Drain()

		for range 3 {
			ab.Tick(starvingTick(50, 1))
			te.loop.Drain()
		}

		assert.Equal(t, 2_000_000.0, ab.Representation().Bitrate)
		calls := f.Calls()
		require.Greater(t, len(calls), 1)
		for _, c := range calls[1:] {
			assert.Equal(t, "live-2000000", c.req.Representation.ID)
		}
		changes := eventsOf[RepresentationChange](te.log)
		require.Len(t, changes, 2)
		assert.Equal(t, "live-2000000", changes[1].Representation.ID)
	})

	t.Run("live retries are bounded", func(t *testing.T) {
		p := testPeriod("live", 0, 100, false, 500_000)
		m := testManifest(t, true, p)
		f := &fakeFetcher{fail: func(FetchRequest, int) error {
			return &NetworkError{URL: "u", Status: http.StatusPreconditionFailed}
		}}
		te := newTestEnv(t, m, f)
		rec := &abRecorder{}
		ab := newTestAB(te, p, config.SwitchingModeSeamless, rec)

		ab.Tick(starvingTick(50, 0))
		te.loop.Drain()
		for range 2 {
			require.Eventually(t, func() bool {
				te.clock.Add(500 * time.Millisecond)
				return te.loop.Pending() > 0
			}, time.Second, time.Millisecond)
			te.loop.Drain()
		}

		require.Len(t, rec.errs, 1)
		assert.Len(t, f.Calls(), 3)
		assert.Equal(t, 2.0, m.LiveEdgeOffset())
	})
}

func TestAdaptationBuffer_Dispose(t *testing.T) {
	p := testPeriod("p", 0, 20, false, 500_000)
	f := &fakeFetcher{}
	te := newTestEnv(t, testManifest(t, false, p), f)
	ab := newTestAB(te, p, config.SwitchingModeSeamless, &abRecorder{})

	ab.Tick(starvingTick(0, 0))
	ab.Dispose()
	assert.Error(t, f.Call(0).ctx.Err())

	ab.Tick(starvingTick(0, 0))
	assert.Len(t, f.Calls(), 1)
}
