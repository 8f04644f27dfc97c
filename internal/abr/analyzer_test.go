package abr

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrengine/internal/manifest"
)

func testAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		InitialBitrate:     1_000_000,
		StarvationGap:      5,
		OutOfStarvationGap: 7,
		StarvationFactor:   0.72,
		RegularFactor:      0.8,
	}
}

func tickAt(current, gap float64) ClockTick {
	return ClockTick{CurrentTime: current, BufferGap: gap, Speed: 1, Duration: math.Inf(1)}
}

// progressingRequest builds a request with evenly spaced progress events of
// step bytes per second, the last one at the mock clock's current time.
func progressingRequest(clk *clock.Mock, segTime, segDuration float64, events int, step, total int64) *PendingRequest {
	start := clk.Now().Add(-time.Duration(events-1) * time.Second)
	req := &PendingRequest{SegmentTime: segTime, SegmentDuration: segDuration, RequestTimestamp: start}
	for i := range events {
		req.Progress = append(req.Progress, ProgressEvent{
			Timestamp: start.Add(time.Duration(i) * time.Second),
			Duration:  time.Duration(i) * time.Second,
			Size:      int64(i) * step,
			TotalSize: total,
		})
	}
	return req
}

func TestNetworkAnalyzer_StarvationHysteresis(t *testing.T) {
	a := NewNetworkAnalyzer(testAnalyzerConfig(), clock.NewMock())
	est := NewBandwidthEstimator()

	steps := []struct {
		gap  float64
		want bool
	}{
		{10, false},
		{5.01, false},
		{5, true},
		{6, true},
		{6.99, true},
		{7, false},
		{6, false},
		{5.5, false},
		{4.9, true},
	}
	for i, step := range steps {
		a.Estimate(tickAt(0, step.gap), est, nil, nil, 0, false)
		assert.Equal(t, step.want, a.InStarvation(), "step %d gap %.2f", i, step.gap)
	}
}

func TestNetworkAnalyzer_NoStarvationNearEnd(t *testing.T) {
	a := NewNetworkAnalyzer(testAnalyzerConfig(), clock.NewMock())
	tick := ClockTick{CurrentTime: 15, BufferGap: 4.95, Speed: 1, Duration: 20}

	a.Estimate(tick, NewBandwidthEstimator(), nil, nil, 0, false)
	assert.False(t, a.InStarvation())
}

func TestNetworkAnalyzer_InitialBitrateWhileStarving(t *testing.T) {
	cfg := testAnalyzerConfig()
	cfg.StarvationGap = 2
	cfg.OutOfStarvationGap = 4
	a := NewNetworkAnalyzer(cfg, clock.NewMock())

	tick := ClockTick{CurrentTime: 10, BufferGap: 1, Speed: 1, Duration: 100}
	got := a.Estimate(tick, NewBandwidthEstimator(), nil, nil, 0, false)

	assert.True(t, a.InStarvation())
	assert.False(t, got.HasBandwidth)
	assert.InDelta(t, 720_000, got.Ceiling, 1e-6)
}

func TestNetworkAnalyzer_Ceilings(t *testing.T) {
	warm := func() *BandwidthEstimator {
		b := NewBandwidthEstimator()
		b.AddSample(time.Second, 250_000) // 2 Mbps
		return b
	}

	tests := []struct {
		name        string
		tick        ClockTick
		estimator   *BandwidthEstimator
		lastBw      float64
		hasLast     bool
		wantCeiling float64
		wantHasBw   bool
	}{
		{
			name:        "initial bitrate without history",
			tick:        tickAt(0, 20),
			estimator:   NewBandwidthEstimator(),
			wantCeiling: 1_000_000,
		},
		{
			name:        "previous bandwidth when estimator is empty",
			tick:        tickAt(0, 20),
			estimator:   NewBandwidthEstimator(),
			lastBw:      3_000_000,
			hasLast:     true,
			wantCeiling: 2_400_000,
		},
		{
			name:        "regular factor",
			tick:        tickAt(0, 20),
			estimator:   warm(),
			wantCeiling: 1_600_000,
			wantHasBw:   true,
		},
		{
			name:        "starvation factor",
			tick:        tickAt(0, 1),
			estimator:   warm(),
			wantCeiling: 1_440_000,
			wantHasBw:   true,
		},
		{
			name:        "playback speed",
			tick:        ClockTick{BufferGap: 20, Speed: 2, Duration: math.Inf(1)},
			estimator:   warm(),
			wantCeiling: 800_000,
			wantHasBw:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewNetworkAnalyzer(testAnalyzerConfig(), clock.NewMock())
			got := a.Estimate(tt.tick, tt.estimator, nil, nil, tt.lastBw, tt.hasLast)
			assert.InDelta(t, tt.wantCeiling, got.Ceiling, 1)
			assert.Equal(t, tt.wantHasBw, got.HasBandwidth)
		})
	}
}

func TestNetworkAnalyzer_EmergencyEstimate(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(time.Minute)
	a := NewNetworkAnalyzer(testAnalyzerConfig(), clk)

	est := NewBandwidthEstimator()
	est.AddSample(time.Second, 500_000)

	// 10 kB/s against a 1 MB segment: 95s left with a 1s buffer
	req := progressingRequest(clk, 10, 4, 6, 10_000, 1_000_000)
	current := &manifest.Representation{ID: "hi", Bitrate: 1_000_000}

	got := a.Estimate(tickAt(10, 1), est, current, []*PendingRequest{req}, 0, false)

	require.True(t, got.HasBandwidth)
	assert.InDelta(t, 80_000, got.Bandwidth, 1)
	assert.InDelta(t, 80_000, got.Ceiling, 1)
	_, ok := est.Estimate()
	assert.False(t, ok, "an emergency estimate discards history")
}

func TestNetworkAnalyzer_EmergencyEstimateCappedByCurrent(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(time.Minute)
	a := NewNetworkAnalyzer(testAnalyzerConfig(), clk)

	req := progressingRequest(clk, 10, 4, 6, 10_000, 1_000_000)
	current := &manifest.Representation{ID: "lo", Bitrate: 50_000}

	got := a.Estimate(tickAt(10, 1), NewBandwidthEstimator(), current, []*PendingRequest{req}, 0, false)
	assert.InDelta(t, 50_000, got.Ceiling, 1e-6)
}

func TestNetworkAnalyzer_FallbackWhenRequestStalls(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(time.Minute)
	a := NewNetworkAnalyzer(testAnalyzerConfig(), clk)

	// no progress for 10s on a 4s segment: (4*1.5+2)/1 = 8s is the limit
	req := &PendingRequest{SegmentTime: 10, SegmentDuration: 4, RequestTimestamp: clk.Now().Add(-10 * time.Second)}
	current := &manifest.Representation{ID: "hi", Bitrate: 1_000_000}

	got := a.Estimate(tickAt(10, 1), NewBandwidthEstimator(), current, []*PendingRequest{req}, 0, false)

	require.True(t, got.HasBandwidth)
	assert.InDelta(t, 400_000, got.Bandwidth, 1e-6, "bitrate * min(0.7, 4/10)")
}

func TestNetworkAnalyzer_NoFallbackWhileRequestIsYoung(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(time.Minute)
	a := NewNetworkAnalyzer(testAnalyzerConfig(), clk)

	req := &PendingRequest{SegmentTime: 10, SegmentDuration: 4, RequestTimestamp: clk.Now().Add(-3 * time.Second)}
	current := &manifest.Representation{ID: "hi", Bitrate: 1_000_000}

	got := a.Estimate(tickAt(10, 1), NewBandwidthEstimator(), current, []*PendingRequest{req}, 0, false)

	assert.False(t, got.HasBandwidth)
	assert.InDelta(t, 720_000, got.Ceiling, 1e-6)
}

func TestNetworkAnalyzer_IsUrgent(t *testing.T) {
	current := &manifest.Representation{ID: "mid", Bitrate: 1_000_000}

	t.Run("first choice", func(t *testing.T) {
		a := NewNetworkAnalyzer(testAnalyzerConfig(), clock.NewMock())
		assert.True(t, a.IsUrgent(500_000, nil, nil, tickAt(0, 20)))
	})

	t.Run("same bitrate", func(t *testing.T) {
		a := NewNetworkAnalyzer(testAnalyzerConfig(), clock.NewMock())
		assert.False(t, a.IsUrgent(1_000_000, current, nil, tickAt(0, 20)))
	})

	t.Run("upgrade outside starvation", func(t *testing.T) {
		a := NewNetworkAnalyzer(testAnalyzerConfig(), clock.NewMock())
		assert.True(t, a.IsUrgent(2_000_000, current, nil, tickAt(0, 20)))
	})

	t.Run("upgrade while starving", func(t *testing.T) {
		a := NewNetworkAnalyzer(testAnalyzerConfig(), clock.NewMock())
		a.Estimate(tickAt(0, 1), NewBandwidthEstimator(), current, nil, 0, false)
		require.True(t, a.InStarvation())
		assert.False(t, a.IsUrgent(2_000_000, current, nil, tickAt(0, 1)))
	})

	t.Run("downgrade without a request", func(t *testing.T) {
		a := NewNetworkAnalyzer(testAnalyzerConfig(), clock.NewMock())
		assert.True(t, a.IsUrgent(500_000, current, nil, tickAt(0, 10)))
	})

	t.Run("downgrade while request finishes in time", func(t *testing.T) {
		clk := clock.NewMock()
		clk.Add(time.Minute)
		a := NewNetworkAnalyzer(testAnalyzerConfig(), clk)
		// 100 kB/s with 100 kB left: 1s remaining against a 10s buffer
		req := progressingRequest(clk, 10, 4, 6, 100_000, 600_000)
		assert.False(t, a.IsUrgent(500_000, current, []*PendingRequest{req}, tickAt(0, 10)))
	})

	t.Run("downgrade while request is too slow", func(t *testing.T) {
		clk := clock.NewMock()
		clk.Add(time.Minute)
		a := NewNetworkAnalyzer(testAnalyzerConfig(), clk)
		// 10 kB/s with 950 kB left: 95s remaining against a 10s buffer
		req := progressingRequest(clk, 10, 4, 6, 10_000, 1_000_000)
		assert.True(t, a.IsUrgent(500_000, current, []*PendingRequest{req}, tickAt(0, 10)))
	})
}
