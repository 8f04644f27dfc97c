// Package loop provides the single-goroutine executor every buffering
// component runs on. Fetch goroutines, append workers and timers never touch
// engine state directly; they Post a closure and the loop runs it.
package loop

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Executor accepts work to run on the engine goroutine.
type Executor interface {
	Post(fn func())
}

// Loop is a FIFO task queue drained by one goroutine.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	closed bool
}

// New creates an empty loop.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues fn. Safe to call from any goroutine, including from a task.
// Tasks posted after Close are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes tasks until ctx is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Drain()

		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Drain runs queued tasks on the calling goroutine until the queue is empty,
// including tasks posted while draining. It returns the number of tasks run.
func (l *Loop) Drain() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return n
		}
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
			n++
		}
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Close stops accepting tasks and discards the ones still queued.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.tasks = nil
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// After runs fn on exec once d has elapsed on clk. The returned function
// stops the timer and reports whether it was still pending.
func After(exec Executor, clk clock.Clock, d time.Duration, fn func()) (stop func() bool) {
	t := clk.AfterFunc(d, func() { exec.Post(fn) })
	return t.Stop
}
