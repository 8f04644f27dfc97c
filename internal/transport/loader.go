package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/abrengine/internal/abr"
	"github.com/jmylchreest/abrengine/internal/stream"
)

// LoadedSegment is what a custom loader resolves with.
type LoadedSegment struct {
	Data []byte
	// Size is the number of bytes transferred; len(Data) when zero.
	Size int64
	// Duration is the transfer time; measured by the fetcher when zero.
	Duration time.Duration
}

// LoaderCallbacks settle a custom load. Only the first of Resolve, Reject
// and Fallback counts; Progress is ignored once settled.
type LoaderCallbacks struct {
	Resolve  func(LoadedSegment)
	Reject   func(error)
	Fallback func()
	Progress func(abr.ProgressEvent)
}

// Loader lets the host supply segment data itself, from a cache or a
// peer-to-peer network for instance. Calling Fallback hands the request
// to the regular HTTP path.
type Loader interface {
	Load(ctx context.Context, req stream.FetchRequest, cb LoaderCallbacks)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, req stream.FetchRequest, cb LoaderCallbacks)

// Load implements Loader.
func (fn LoaderFunc) Load(ctx context.Context, req stream.FetchRequest, cb LoaderCallbacks) {
	fn(ctx, req, cb)
}

type loadOutcome struct {
	ev       stream.FetchEvent
	fallback bool
}

// loadCustom runs the custom loader and reports whether it handled req.
func (f *HTTPFetcher) loadCustom(ctx context.Context, req stream.FetchRequest, onEvent func(stream.FetchEvent)) bool {
	done := make(chan loadOutcome, 1)
	var once sync.Once
	var settled atomic.Bool
	settle := func(o loadOutcome) {
		once.Do(func() {
			settled.Store(true)
			done <- o
		})
	}

	start := f.clk.Now()
	cb := LoaderCallbacks{
		Resolve: func(seg LoadedSegment) {
			if seg.Size == 0 {
				seg.Size = int64(len(seg.Data))
			}
			if seg.Duration == 0 {
				seg.Duration = f.clk.Since(start)
			}
			settle(loadOutcome{ev: stream.FetchEvent{
				Kind:     stream.FetchResponse,
				Data:     seg.Data,
				Size:     seg.Size,
				Duration: seg.Duration,
			}})
		},
		Reject: func(err error) {
			// custom loader failures are request failures
			settle(loadOutcome{ev: errorEvent(&stream.NetworkError{URL: req.Segment.URL, Cause: err})})
		},
		Fallback: func() {
			settle(loadOutcome{fallback: true})
		},
		Progress: func(p abr.ProgressEvent) {
			if settled.Load() || ctx.Err() != nil {
				return
			}
			onEvent(stream.FetchEvent{Kind: stream.FetchProgress, Progress: p})
		},
	}

	go f.loader.Load(ctx, req, cb)

	select {
	case o := <-done:
		if o.fallback {
			f.logger.Debug("custom loader fell back to http",
				slog.String("segment_id", req.Segment.ID))
			return false
		}
		if ctx.Err() != nil {
			onEvent(cancelledEvent(ctx))
			return true
		}
		onEvent(o.ev)
		return true
	case <-ctx.Done():
		once.Do(func() { settled.Store(true) })
		onEvent(cancelledEvent(ctx))
		return true
	}
}
