// Package mediabuffer contains everything the engine knows about the media
// buffer primitive: the contract it consumes, a serial append pipeline in
// front of it, the per-buffer segment inventory and the garbage collector.
package mediabuffer

import (
	"context"
	"errors"
	"sync"

	"github.com/jmylchreest/abrengine/internal/manifest"
)

// ErrBufferClosed is returned by operations on a closed buffer.
var ErrBufferClosed = errors.New("media buffer closed")

// Chunk is one parsed segment ready for appending.
type Chunk struct {
	Segment          manifest.SegmentRef
	RepresentationID string
	MimeType         string
	Data             []byte
	// Start and End are the presentation bounds of the decoded media; for
	// init segments both are zero.
	Start, End float64
}

// MediaBuffer is the underlying buffer primitive, one per media type.
type MediaBuffer interface {
	Buffered() TimeRanges
	AppendSegment(ctx context.Context, chunk Chunk) error
	RemoveBuffer(ctx context.Context, start, end float64) error
}

// Memory is an in-memory MediaBuffer that tracks buffered ranges and
// retains the bytes of the most recent init segment per mime type.
type Memory struct {
	mu       sync.RWMutex
	ranges   TimeRanges
	init     map[string][]byte
	bytes    int64
	appended int
	closed   bool
}

var _ MediaBuffer = (*Memory)(nil)

// NewMemory creates an empty buffer.
func NewMemory() *Memory {
	return &Memory{init: make(map[string][]byte)}
}

// Buffered implements MediaBuffer.
func (m *Memory) Buffered() TimeRanges {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ranges.Clone()
}

// AppendSegment implements MediaBuffer.
func (m *Memory) AppendSegment(ctx context.Context, chunk Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrBufferClosed
	}

	m.bytes += int64(len(chunk.Data))
	m.appended++
	if chunk.Segment.IsInit {
		m.init[chunk.MimeType] = chunk.Data
		return nil
	}
	m.ranges = m.ranges.Add(Range{Start: chunk.Start, End: chunk.End})
	return nil
}

// RemoveBuffer implements MediaBuffer.
func (m *Memory) RemoveBuffer(ctx context.Context, start, end float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrBufferClosed
	}
	m.ranges = m.ranges.Remove(start, end)
	return nil
}

// Stats returns the number of appends and total bytes received.
func (m *Memory) Stats() (appended int, bytes int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appended, m.bytes
}

// Close makes further operations fail.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
