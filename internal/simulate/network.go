package simulate

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/jmylchreest/abrengine/internal/abr"
	"github.com/jmylchreest/abrengine/internal/stream"
)

// DefaultInitSize is the byte size of a simulated initialization segment.
const DefaultInitSize = 1500

// BandwidthChange switches the link bandwidth At a time after the network
// was created.
type BandwidthChange struct {
	At        time.Duration
	Bandwidth float64 // bits per second
}

// Link models the connection.
type Link struct {
	// Bandwidth in bits per second, shared evenly by concurrent transfers.
	Bandwidth float64
	// Latency is the time to first byte of every request.
	Latency time.Duration
	// Schedule holds bandwidth changes over time.
	Schedule []BandwidthChange
	// FailureRate is the probability of a request failing with a 503.
	FailureRate float64
	// Seed makes failures reproducible.
	Seed uint64
}

type transfer struct {
	ctx       context.Context
	req       stream.FetchRequest
	onEvent   func(stream.FetchEvent)
	startedAt time.Time
	readyAt   time.Time
	size      float64
	received  float64
	fail      bool
}

// Network is a stream.Fetcher whose transfers only make progress when
// Advance is called. Segment sizes derive from the representation bitrate.
type Network struct {
	clk  clock.Clock
	link Link

	mu        sync.Mutex
	rng       *rand.Rand
	origin    time.Time
	last      time.Time
	transfers []*transfer
	requests  int
	bytes     int64
	failures  int
}

var _ stream.Fetcher = (*Network)(nil)

// NewNetwork creates a network starting at clk.Now().
func NewNetwork(clk clock.Clock, link Link) *Network {
	schedule := append([]BandwidthChange(nil), link.Schedule...)
	sort.SliceStable(schedule, func(i, j int) bool { return schedule[i].At < schedule[j].At })
	link.Schedule = schedule

	now := clk.Now()
	return &Network{
		clk:    clk,
		link:   link,
		rng:    rand.New(rand.NewPCG(link.Seed, link.Seed^0x9e3779b97f4a7c15)),
		origin: now,
		last:   now,
	}
}

// Fetch implements stream.Fetcher.
func (n *Network) Fetch(ctx context.Context, req stream.FetchRequest, onEvent func(stream.FetchEvent)) {
	size := float64(DefaultInitSize)
	if !req.Segment.IsInit && req.Representation != nil {
		size = math.Max(1, math.Round(req.Representation.Bitrate*req.Segment.Duration/8))
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clk.Now()
	n.requests++
	n.transfers = append(n.transfers, &transfer{
		ctx:       ctx,
		req:       req,
		onEvent:   onEvent,
		startedAt: now,
		readyAt:   now.Add(n.link.Latency),
		size:      size,
		fail:      n.link.FailureRate > 0 && n.rng.Float64() < n.link.FailureRate,
	})
}

// BandwidthAt returns the link bandwidth at t.
func (n *Network) BandwidthAt(t time.Time) float64 {
	bw := n.link.Bandwidth
	elapsed := t.Sub(n.origin)
	for _, c := range n.link.Schedule {
		if c.At > elapsed {
			break
		}
		bw = c.Bandwidth
	}
	return bw
}

func (n *Network) nextChange(t time.Time) (time.Time, bool) {
	elapsed := t.Sub(n.origin)
	for _, c := range n.link.Schedule {
		if c.At > elapsed {
			return n.origin.Add(c.At), true
		}
	}
	return time.Time{}, false
}

type delivery struct {
	fn func(stream.FetchEvent)
	ev stream.FetchEvent
}

// Advance moves every transfer forward to now and delivers the resulting
// events, outside the network's lock.
func (n *Network) Advance(now time.Time) {
	n.mu.Lock()
	var out []delivery
	t := n.last

	for t.Before(now) {
		out = append(out, n.dropCancelled()...)

		next := now
		if c, ok := n.nextChange(t); ok && c.Before(next) {
			next = c
		}
		var active []*transfer
		for _, tr := range n.transfers {
			if tr.readyAt.After(t) {
				if tr.readyAt.Before(next) {
					next = tr.readyAt
				}
				continue
			}
			active = append(active, tr)
		}

		var rate float64 // bytes per second, per transfer
		if bw := n.BandwidthAt(t); len(active) > 0 && bw > 0 {
			rate = bw / 8 / float64(len(active))
			for _, tr := range active {
				if tr.fail {
					next = t
					break
				}
				done := t.Add(time.Duration((tr.size - tr.received) / rate * float64(time.Second)))
				if !done.After(t) {
					done = t.Add(time.Nanosecond)
				}
				if done.Before(next) {
					next = done
				}
			}
		}

		elapsed := next.Sub(t).Seconds()
		t = next
		for _, tr := range active {
			if tr.fail {
				n.failures++
				n.remove(tr)
				out = append(out, delivery{fn: tr.onEvent, ev: stream.FetchEvent{
					Kind: stream.FetchError,
					Err:  &stream.NetworkError{URL: tr.req.Segment.URL, Status: http.StatusServiceUnavailable},
				}})
				continue
			}
			tr.received = math.Min(tr.size, tr.received+rate*elapsed)
			if tr.size-tr.received < 1 {
				n.remove(tr)
				n.bytes += int64(tr.size)
				out = append(out, delivery{fn: tr.onEvent, ev: stream.FetchEvent{
					Kind:     stream.FetchResponse,
					Data:     payload(int(tr.size)),
					Size:     int64(tr.size),
					Duration: t.Sub(tr.startedAt),
				}})
			}
		}
	}
	n.last = now

	for _, tr := range n.transfers {
		if tr.received <= 0 {
			continue
		}
		out = append(out, delivery{fn: tr.onEvent, ev: stream.FetchEvent{
			Kind: stream.FetchProgress,
			Progress: abr.ProgressEvent{
				Timestamp: now,
				Duration:  now.Sub(tr.startedAt),
				Size:      int64(tr.received),
				TotalSize: int64(tr.size),
			},
		}})
	}
	n.mu.Unlock()

	for _, d := range out {
		d.fn(d.ev)
	}
}

func (n *Network) dropCancelled() []delivery {
	var out []delivery
	kept := n.transfers[:0]
	for _, tr := range n.transfers {
		if err := tr.ctx.Err(); err != nil {
			out = append(out, delivery{fn: tr.onEvent, ev: stream.FetchEvent{
				Kind: stream.FetchError,
				Err:  errors.Join(stream.ErrCancelled, err),
			}})
			continue
		}
		kept = append(kept, tr)
	}
	n.transfers = kept
	return out
}

func (n *Network) remove(tr *transfer) {
	for i, other := range n.transfers {
		if other == tr {
			n.transfers = append(n.transfers[:i], n.transfers[i+1:]...)
			return
		}
	}
}

// NetworkStats summarizes the traffic so far.
type NetworkStats struct {
	Requests int
	Failures int
	Bytes    int64
	InFlight int
}

// Stats returns traffic counters.
func (n *Network) Stats() NetworkStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return NetworkStats{
		Requests: n.requests,
		Failures: n.failures,
		Bytes:    n.bytes,
		InFlight: len(n.transfers),
	}
}

var (
	payloadMu  sync.Mutex
	payloadBuf []byte
)

// payload returns size zero bytes backed by a shared read-only buffer.
func payload(size int) []byte {
	payloadMu.Lock()
	defer payloadMu.Unlock()
	if len(payloadBuf) < size {
		payloadBuf = make([]byte, size)
	}
	return payloadBuf[:size:size]
}
