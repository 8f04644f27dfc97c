package abr

import (
	"log/slog"
	"slices"
	"time"

	"github.com/jmylchreest/abrengine/internal/observability"
)

// ProgressEvent is one progress notification of an in-flight request.
type ProgressEvent struct {
	Timestamp time.Time
	Duration  time.Duration // since the request began
	Size      int64         // bytes received so far
	TotalSize int64         // expected bytes, 0 when unknown
}

// PendingRequest describes an in-flight segment request.
type PendingRequest struct {
	SegmentTime      float64
	SegmentDuration  float64
	RequestTimestamp time.Time
	Progress         []ProgressEvent
}

// End returns the end time of the requested segment.
func (r *PendingRequest) End() float64 {
	return r.SegmentTime + r.SegmentDuration
}

// LastProgress returns the most recent progress event.
func (r *PendingRequest) LastProgress() (ProgressEvent, bool) {
	if len(r.Progress) == 0 {
		return ProgressEvent{}, false
	}
	return r.Progress[len(r.Progress)-1], true
}

// PendingRequests tracks in-flight requests of one media type by id.
// Misuse (duplicate ids, unknown ids) is logged and ignored.
type PendingRequests struct {
	logger   *slog.Logger
	requests map[string]*PendingRequest
	order    []string
}

// NewPendingRequests creates an empty tracker.
func NewPendingRequests(logger *slog.Logger) *PendingRequests {
	return &PendingRequests{
		logger:   observability.OrDiscard(logger),
		requests: make(map[string]*PendingRequest),
	}
}

// Add starts tracking a request.
func (p *PendingRequests) Add(id string, req PendingRequest) {
	if _, exists := p.requests[id]; exists {
		p.logger.Warn("pending request already tracked", slog.String("request_id", id))
		return
	}
	req.Progress = slices.Clone(req.Progress)
	p.requests[id] = &req
	p.order = append(p.order, id)
}

// AddProgress appends a progress event to a tracked request.
func (p *PendingRequests) AddProgress(id string, ev ProgressEvent) {
	req, ok := p.requests[id]
	if !ok {
		p.logger.Warn("progress for unknown request", slog.String("request_id", id))
		return
	}
	req.Progress = append(req.Progress, ev)
}

// Remove stops tracking a request.
func (p *PendingRequests) Remove(id string) {
	if _, ok := p.requests[id]; !ok {
		p.logger.Warn("removing unknown request", slog.String("request_id", id))
		return
	}
	delete(p.requests, id)
	p.order = slices.DeleteFunc(p.order, func(o string) bool { return o == id })
}

// Len returns the number of tracked requests.
func (p *PendingRequests) Len() int {
	return len(p.requests)
}

// Get returns a tracked request.
func (p *PendingRequests) Get(id string) (*PendingRequest, bool) {
	req, ok := p.requests[id]
	return req, ok
}

// List returns the tracked requests in the order they were added.
func (p *PendingRequests) List() []*PendingRequest {
	out := make([]*PendingRequest, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.requests[id])
	}
	return out
}

// Clear drops every request.
func (p *PendingRequests) Clear() {
	clear(p.requests)
	p.order = nil
}
