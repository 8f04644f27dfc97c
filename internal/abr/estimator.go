package abr

import (
	"math"
	"time"
)

const (
	fastHalfLife = 2.0
	slowHalfLife = 10.0

	// minimumChunkSize rejects samples too small to say anything about
	// throughput; they are dominated by request latency.
	minimumChunkSize = 16_000
	// minimumTotalBytes is how much must be sampled before an estimate exists.
	minimumTotalBytes = 150_000
)

// BandwidthEstimator smooths completed-request throughput with a fast and
// a slow EWMA and reports the lower of the two.
type BandwidthEstimator struct {
	fast         *EWMA
	slow         *EWMA
	bytesSampled int64
}

// NewBandwidthEstimator creates an empty estimator.
func NewBandwidthEstimator() *BandwidthEstimator {
	return &BandwidthEstimator{
		fast: NewEWMA(fastHalfLife),
		slow: NewEWMA(slowHalfLife),
	}
}

// AddSample records a request that moved size bytes in duration.
func (b *BandwidthEstimator) AddSample(duration time.Duration, size int64) {
	if duration <= 0 || size <= 0 || size < minimumChunkSize {
		return
	}
	seconds := duration.Seconds()
	bitrate := float64(size) * 8 / seconds
	b.bytesSampled += size
	b.fast.AddSample(seconds, bitrate)
	b.slow.AddSample(seconds, bitrate)
}

// Estimate returns the bandwidth in bits per second once enough data has
// been sampled.
func (b *BandwidthEstimator) Estimate() (float64, bool) {
	if b.bytesSampled < minimumTotalBytes {
		return 0, false
	}
	return math.Min(b.fast.Estimate(), b.slow.Estimate()), true
}

// Reset discards all history.
func (b *BandwidthEstimator) Reset() {
	b.fast = NewEWMA(fastHalfLife)
	b.slow = NewEWMA(slowHalfLife)
	b.bytesSampled = 0
}
