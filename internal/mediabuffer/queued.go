package mediabuffer

import (
	"context"
	"sync"

	"github.com/gammazero/deque"

	"github.com/jmylchreest/abrengine/internal/loop"
)

type bufferOp struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done func(error)
}

// Queued serializes every append and removal on one MediaBuffer. Operations
// run on a worker goroutine in submission order and their completions are
// posted back to the executor, so two Representation Buffers lent the same
// buffer can never append concurrently.
type Queued struct {
	buf    MediaBuffer
	exec   loop.Executor
	inline bool

	mu      sync.Mutex
	ops     deque.Deque[bufferOp]
	running bool
	closed  bool
	idle    sync.WaitGroup
}

// QueuedOption configures a Queued buffer.
type QueuedOption func(*Queued)

// WithInlineWorker runs operations on the submitting goroutine. Completions
// are still delivered through the executor.
func WithInlineWorker() QueuedOption {
	return func(q *Queued) { q.inline = true }
}

// NewQueued wraps buf.
func NewQueued(buf MediaBuffer, exec loop.Executor, opts ...QueuedOption) *Queued {
	q := &Queued{buf: buf, exec: exec}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Buffered returns the underlying buffer's ranges.
func (q *Queued) Buffered() TimeRanges {
	return q.buf.Buffered()
}

// Append queues chunk. done runs on the executor; it receives ctx.Err()
// when ctx is cancelled before the append starts.
func (q *Queued) Append(ctx context.Context, chunk Chunk, done func(error)) {
	q.submit(bufferOp{
		ctx:  ctx,
		run:  func(ctx context.Context) error { return q.buf.AppendSegment(ctx, chunk) },
		done: done,
	})
}

// Remove queues the removal of [start, end).
func (q *Queued) Remove(ctx context.Context, start, end float64, done func(error)) {
	q.submit(bufferOp{
		ctx:  ctx,
		run:  func(ctx context.Context) error { return q.buf.RemoveBuffer(ctx, start, end) },
		done: done,
	})
}

// Pending returns the number of operations not yet started.
func (q *Queued) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ops.Len()
}

// Wait blocks until the worker has no more operations to run.
func (q *Queued) Wait() {
	q.idle.Wait()
}

// Close fails queued operations with ErrBufferClosed and rejects new ones.
func (q *Queued) Close() {
	q.mu.Lock()
	q.closed = true
	var dropped []bufferOp
	for q.ops.Len() > 0 {
		dropped = append(dropped, q.ops.PopFront())
	}
	q.mu.Unlock()

	for _, op := range dropped {
		q.complete(op, ErrBufferClosed)
	}
}

func (q *Queued) submit(op bufferOp) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.complete(op, ErrBufferClosed)
		return
	}
	q.ops.PushBack(op)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.idle.Add(1)
	q.mu.Unlock()

	if q.inline {
		q.work()
		return
	}
	go q.work()
}

func (q *Queued) work() {
	defer q.idle.Done()
	for {
		q.mu.Lock()
		if q.ops.Len() == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		op := q.ops.PopFront()
		q.mu.Unlock()

		err := op.ctx.Err()
		if err == nil {
			err = op.run(op.ctx)
		}
		q.complete(op, err)
	}
}

func (q *Queued) complete(op bufferOp, err error) {
	if op.done == nil {
		return
	}
	q.exec.Post(func() { op.done(err) })
}
