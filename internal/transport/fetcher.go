// Package transport fetches segments over HTTP for the buffering engine.
//
// HTTPFetcher performs exactly one attempt per Fetch call and classifies
// failures into stream.NetworkError so that stream.RetryingFetcher in front
// of it can decide what to retry. It reports download progress, decodes
// gzip, deflate and brotli bodies, and trips a circuit breaker when the
// origin keeps failing.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/jmylchreest/abrengine/internal/abr"
	"github.com/jmylchreest/abrengine/internal/config"
	"github.com/jmylchreest/abrengine/internal/observability"
	"github.com/jmylchreest/abrengine/internal/stream"
)

// ErrSegmentTooLarge is returned when a body exceeds Config.MaxSegmentSize.
var ErrSegmentTooLarge = errors.New("segment exceeds maximum size")

// Default configuration values.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultCircuitThreshold = 5
	DefaultCircuitTimeout   = 30 * time.Second
	DefaultUserAgent        = "abrengine"

	readChunkSize = 32 * 1024
)

// Config holds the configuration of an HTTPFetcher.
type Config struct {
	// Timeout bounds one request including the body download.
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// CircuitThreshold is the number of consecutive failures that open the breaker.
	CircuitThreshold int

	// CircuitTimeout is how long the breaker stays open before probing.
	CircuitTimeout time.Duration

	// ProgressInterval throttles progress events. Zero reports every read.
	ProgressInterval time.Duration

	// MaxSegmentSize limits the decoded body. Zero disables the limit.
	MaxSegmentSize int64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          DefaultTimeout,
		UserAgent:        DefaultUserAgent,
		CircuitThreshold: DefaultCircuitThreshold,
		CircuitTimeout:   DefaultCircuitTimeout,
		ProgressInterval: 100 * time.Millisecond,
	}
}

// ConfigFromHTTP maps the http configuration section onto a Config.
func ConfigFromHTTP(cfg config.HTTPConfig) Config {
	out := DefaultConfig()
	out.Timeout = cfg.Timeout
	if cfg.UserAgent != "" {
		out.UserAgent = cfg.UserAgent
	}
	out.CircuitThreshold = cfg.CircuitBreakerThreshold
	out.CircuitTimeout = cfg.CircuitBreakerTimeout
	return out
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithHTTPClient sets the underlying client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithLoader installs a custom loader consulted before HTTP.
func WithLoader(l Loader) Option {
	return func(f *HTTPFetcher) { f.loader = l }
}

// WithClock sets the clock used for timing and the breaker.
func WithClock(clk clock.Clock) Option {
	return func(f *HTTPFetcher) { f.clk = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *HTTPFetcher) { f.logger = logger }
}

// HTTPFetcher is a stream.Fetcher over net/http.
type HTTPFetcher struct {
	cfg     Config
	client  *http.Client
	breaker *CircuitBreaker
	loader  Loader
	clk     clock.Clock
	logger  *slog.Logger
}

var _ stream.Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher.
func NewHTTPFetcher(cfg Config, opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{cfg: cfg, clk: clock.New()}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	f.logger = observability.WithComponent(observability.OrDiscard(f.logger), "transport")
	f.breaker = NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout, f.clk)
	return f
}

// Breaker returns the fetcher's circuit breaker.
func (f *HTTPFetcher) Breaker() *CircuitBreaker {
	return f.breaker
}

// Fetch implements stream.Fetcher. Events are delivered from a background
// goroutine; the last one is a FetchResponse or a FetchError.
func (f *HTTPFetcher) Fetch(ctx context.Context, req stream.FetchRequest, onEvent func(stream.FetchEvent)) {
	go f.run(ctx, req, onEvent)
}

func (f *HTTPFetcher) run(ctx context.Context, req stream.FetchRequest, onEvent func(stream.FetchEvent)) {
	if f.loader != nil && f.loadCustom(ctx, req, onEvent) {
		return
	}
	onEvent(f.fetch(ctx, req, onEvent))
}

func (f *HTTPFetcher) fetch(ctx context.Context, req stream.FetchRequest, onEvent func(stream.FetchEvent)) stream.FetchEvent {
	url := req.Segment.URL
	logger := f.logger.With(
		slog.String("media_type", string(req.MediaType)),
		slog.String("segment_id", req.Segment.ID),
		slog.String("url", observability.RedactURL(url)))

	if !f.breaker.Allow() {
		logger.Warn("circuit breaker open, skipping request",
			slog.String("state", f.breaker.State().String()))
		return errorEvent(&stream.NetworkError{URL: url, Cause: ErrCircuitOpen})
	}

	reqCtx := ctx
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		f.breaker.RecordSuccess()
		return errorEvent(fmt.Errorf("creating request: %w", err))
	}
	if f.cfg.UserAgent != "" {
		httpReq.Header.Set(HeaderUserAgent, f.cfg.UserAgent)
	}
	httpReq.Header.Set(HeaderAcceptEncoding, acceptEncoding)

	start := f.clk.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return cancelledEvent(ctx)
		}
		f.breaker.RecordFailure()
		logger.Warn("request failed", slog.String("error", err.Error()))
		return errorEvent(classify(url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			f.breaker.RecordFailure()
		} else {
			f.breaker.RecordSuccess()
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		logger.Warn("unexpected status", slog.Int("status", resp.StatusCode))
		return errorEvent(&stream.NetworkError{URL: url, Status: resp.StatusCode})
	}

	wire := &countingReader{r: resp.Body}
	resp.Body = wire
	body := decompressBody(resp, logger)
	defer body.Close()

	data, err := f.readBody(ctx, body, wire, resp.ContentLength, start, onEvent)
	if err != nil {
		if ctx.Err() != nil {
			return cancelledEvent(ctx)
		}
		if errors.Is(err, ErrSegmentTooLarge) {
			f.breaker.RecordSuccess()
			return errorEvent(fmt.Errorf("%s: %w", url, err))
		}
		f.breaker.RecordFailure()
		logger.Warn("reading body failed", slog.String("error", err.Error()))
		return errorEvent(classify(url, err))
	}
	f.breaker.RecordSuccess()

	elapsed := f.clk.Since(start)
	logger.Debug("segment downloaded",
		slog.Int("status", resp.StatusCode),
		slog.Int64("bytes", wire.n),
		slog.Duration("duration", elapsed))
	return stream.FetchEvent{
		Kind:     stream.FetchResponse,
		Data:     data,
		Size:     wire.n,
		Duration: elapsed,
	}
}

// readBody drains body, reporting progress in wire bytes.
func (f *HTTPFetcher) readBody(
	ctx context.Context,
	body io.Reader,
	wire *countingReader,
	contentLength int64,
	start time.Time,
	onEvent func(stream.FetchEvent),
) ([]byte, error) {
	var buf bytes.Buffer
	if contentLength > 0 {
		buf.Grow(int(contentLength))
	}
	total := max(contentLength, 0)
	chunk := make([]byte, readChunkSize)
	var lastProgress time.Time

	for {
		n, err := body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if f.cfg.MaxSegmentSize > 0 && int64(buf.Len()) > f.cfg.MaxSegmentSize {
				return nil, ErrSegmentTooLarge
			}
			now := f.clk.Now()
			if f.cfg.ProgressInterval <= 0 || now.Sub(lastProgress) >= f.cfg.ProgressInterval {
				lastProgress = now
				if ctx.Err() == nil {
					onEvent(stream.FetchEvent{
						Kind: stream.FetchProgress,
						Progress: abr.ProgressEvent{
							Timestamp: now,
							Duration:  now.Sub(start),
							Size:      wire.n,
							TotalSize: total,
						},
					})
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// countingReader counts bytes as they come off the wire, before decoding.
type countingReader struct {
	r io.ReadCloser
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) Close() error {
	return c.r.Close()
}

// classify turns a transport error into a NetworkError.
func classify(url string, err error) *stream.NetworkError {
	ne := &stream.NetworkError{URL: url, Cause: err}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ne.Timeout = true
	case errors.As(err, &netErr) && netErr.Timeout():
		ne.Timeout = true
	case isOfflineError(err):
		ne.Offline = true
	}
	return ne
}

// isOfflineError reports errors meaning this host has no usable network,
// as opposed to the origin misbehaving.
func isOfflineError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
		return true
	}
	return errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETDOWN)
}

func errorEvent(err error) stream.FetchEvent {
	return stream.FetchEvent{Kind: stream.FetchError, Err: err}
}

func cancelledEvent(ctx context.Context) stream.FetchEvent {
	return errorEvent(errors.Join(stream.ErrCancelled, ctx.Err()))
}
