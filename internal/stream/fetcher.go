package stream

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/jmylchreest/abrengine/internal/abr"
	"github.com/jmylchreest/abrengine/internal/config"
	"github.com/jmylchreest/abrengine/internal/manifest"
	"github.com/jmylchreest/abrengine/internal/observability"
)

// FetchRequest names one segment download.
type FetchRequest struct {
	ID             string
	MediaType      manifest.MediaType
	Period         *manifest.Period
	Adaptation     *manifest.Adaptation
	Representation *manifest.Representation
	Segment        manifest.SegmentRef
}

// FetchEventKind tells FetchEvents apart.
type FetchEventKind int

const (
	// FetchProgress reports bytes received so far.
	FetchProgress FetchEventKind = iota
	// FetchRetry reports a failed attempt that is being retried.
	FetchRetry
	// FetchResponse carries the full payload. It is terminal.
	FetchResponse
	// FetchError is terminal.
	FetchError
)

// FetchEvent is one notification of a Fetch.
type FetchEvent struct {
	Kind     FetchEventKind
	Progress abr.ProgressEvent
	Data     []byte
	Size     int64
	Duration time.Duration // request duration, for the bandwidth estimator
	Err      error
}

// Fetcher downloads segments. Fetch must not block: it starts the request
// and reports through onEvent, from any goroutine, until exactly one
// terminal event. Cancelling ctx aborts the request.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest, onEvent func(FetchEvent))
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req FetchRequest, onEvent func(FetchEvent))

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req FetchRequest, onEvent func(FetchEvent)) {
	f(ctx, req, onEvent)
}

// ParsedSegment is a downloaded segment ready for appending.
type ParsedSegment struct {
	Data       []byte
	Start, End float64
}

// SegmentParser extracts presentation times from a segment payload.
type SegmentParser interface {
	Parse(req FetchRequest, data []byte) (ParsedSegment, error)
}

// PassthroughParser trusts the segment index for timing.
type PassthroughParser struct{}

// Parse implements SegmentParser.
func (PassthroughParser) Parse(req FetchRequest, data []byte) (ParsedSegment, error) {
	if req.Segment.IsInit {
		return ParsedSegment{Data: data}, nil
	}
	return ParsedSegment{Data: data, Start: req.Segment.Time, End: req.Segment.End()}, nil
}

// RetryPolicy bounds retries of transient fetch failures. Offline failures
// have their own cap and backoff.
type RetryPolicy struct {
	MaxRetry           int
	MaxOfflineRetry    int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	OfflineBaseBackoff time.Duration
	OfflineMaxBackoff  time.Duration
}

// RetryPolicyFromConfig builds a RetryPolicy from configuration.
func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetry:           cfg.SegmentRetry,
		MaxOfflineRetry:    cfg.OfflineRetry,
		BaseBackoff:        cfg.BaseBackoff,
		MaxBackoff:         cfg.MaxBackoff,
		OfflineBaseBackoff: cfg.OfflineBaseBackoff,
		OfflineMaxBackoff:  cfg.OfflineMaxBackoff,
	}
}

// backoffFuzz spreads retries by +/-30%.
const backoffFuzz = 0.3

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int, offline bool) time.Duration {
	base, maxDelay := p.BaseBackoff, p.MaxBackoff
	if offline {
		base, maxDelay = p.OfflineBaseBackoff, p.OfflineMaxBackoff
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	delay = math.Min(delay, float64(maxDelay))
	return time.Duration(delay * fuzzFactor())
}

// fuzzFactor is replaced in tests.
var fuzzFactor = func() float64 {
	return 1 - backoffFuzz + rand.Float64()*2*backoffFuzz
}

// RetryingFetcher retries transient failures of the wrapped Fetcher with
// exponential backoff. Each retry is reported as a FetchRetry event.
type RetryingFetcher struct {
	next    Fetcher
	policy  RetryPolicy
	clk     clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// RetryOption configures a RetryingFetcher.
type RetryOption func(*RetryingFetcher)

// WithRetryClock sets the clock backoff timers run on.
func WithRetryClock(clk clock.Clock) RetryOption {
	return func(f *RetryingFetcher) { f.clk = clk }
}

// WithRetryLogger sets the logger.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(f *RetryingFetcher) { f.logger = logger }
}

// WithRetryMetrics sets the metrics retries are counted on.
func WithRetryMetrics(m *observability.Metrics) RetryOption {
	return func(f *RetryingFetcher) { f.metrics = m }
}

// NewRetryingFetcher wraps next.
func NewRetryingFetcher(next Fetcher, policy RetryPolicy, opts ...RetryOption) *RetryingFetcher {
	f := &RetryingFetcher{next: next, policy: policy, clk: clock.New()}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = observability.WithComponent(observability.OrDiscard(f.logger), "fetch-retry")
	return f
}

var _ Fetcher = (*RetryingFetcher)(nil)

// Fetch implements Fetcher.
func (f *RetryingFetcher) Fetch(ctx context.Context, req FetchRequest, onEvent func(FetchEvent)) {
	a := &retryAttempt{f: f, ctx: ctx, req: req, onEvent: onEvent}
	a.start()
}

type retryAttempt struct {
	f       *RetryingFetcher
	ctx     context.Context
	req     FetchRequest
	onEvent func(FetchEvent)

	mu        sync.Mutex
	retries   int
	offlines  int
	timer     *clock.Timer
	stopWatch func() bool
	cancelled sync.Once
}

func (a *retryAttempt) start() {
	a.f.next.Fetch(a.ctx, a.req, a.handle)
}

func (a *retryAttempt) handle(ev FetchEvent) {
	if ev.Kind != FetchError || a.ctx.Err() != nil || !isRetryable(ev.Err) {
		a.onEvent(ev)
		return
	}

	offline := isOffline(ev.Err)
	a.mu.Lock()
	var attempt, limit int
	if offline {
		a.offlines++
		attempt, limit = a.offlines, a.f.policy.MaxOfflineRetry
	} else {
		a.retries++
		attempt, limit = a.retries, a.f.policy.MaxRetry
	}
	a.mu.Unlock()

	if attempt > limit {
		a.onEvent(ev)
		return
	}

	delay := a.f.policy.Backoff(attempt, offline)
	reason := "network"
	if offline {
		reason = "offline"
	}
	a.f.logger.Debug("retrying segment fetch",
		slog.String("media_type", string(a.req.MediaType)),
		slog.String("segment_id", a.req.Segment.ID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", ev.Err.Error()))
	if a.f.metrics != nil {
		a.f.metrics.FetchRetries.WithLabelValues(string(a.req.MediaType), reason).Inc()
	}
	a.onEvent(FetchEvent{Kind: FetchRetry, Err: ev.Err})

	a.mu.Lock()
	a.timer = a.f.clk.AfterFunc(delay, a.retry)
	a.stopWatch = context.AfterFunc(a.ctx, a.abort)
	a.mu.Unlock()
}

func (a *retryAttempt) retry() {
	a.mu.Lock()
	stopWatch := a.stopWatch
	a.mu.Unlock()
	stopWatch()
	if a.ctx.Err() != nil {
		// the timer fired while abort was stopping it
		a.cancel()
		return
	}
	a.start()
}

// abort reports a cancellation that happened while waiting to retry.
func (a *retryAttempt) abort() {
	a.mu.Lock()
	timer := a.timer
	a.mu.Unlock()
	if timer.Stop() {
		a.cancel()
	}
}

// cancel emits the terminal cancellation event at most once.
func (a *retryAttempt) cancel() {
	a.cancelled.Do(func() {
		a.onEvent(FetchEvent{Kind: FetchError, Err: errors.Join(ErrCancelled, a.ctx.Err())})
	})
}
