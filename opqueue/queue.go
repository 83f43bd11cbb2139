package opqueue

import (
	"context"
	"sync"
	"time"
)

// Queue is a thread-safe FIFO of completed operation results, with a single
// logical consumer, that waits via WaitPolled (or Wait, TryWait).
//
// Producers call Complete, typically from a callback invoked on an I/O path,
// which may or may not be the waiting goroutine. Complete never blocks, and
// never drops a result, even if nobody is waiting.
//
// Multi-valued results should be modeled as a struct type.
//
// The zero value is ready to use, with default options. Instances must not
// be copied after first use.
type Queue[T any] struct {
	// betteralign:ignore

	opts   queueOptions
	items  []T           // pending results, oldest first
	signal chan struct{} // buffered (1), sent on Complete
	mu     sync.Mutex
}

// New initializes a new Queue, using the provided options.
func New[T any](opts ...Option) *Queue[T] {
	return &Queue[T]{opts: resolveOptions(opts)}
}

// Complete appends value to the queue, then wakes a blocked waiter, if any.
func (x *Queue[T]) Complete(value T) {
	x.mu.Lock()
	x.items = append(x.items, value)
	signal := x.signalLocked()
	x.mu.Unlock()

	select {
	case signal <- struct{}{}:
	default:
	}
}

// WaitPolled waits for the next result, ticking pollable while the queue is
// empty. If a result is already available, it is returned immediately,
// without ticking pollable.
//
// Each iteration of the wait loop checks ctx, calls pollable.Poll once, then
// blocks until a result is completed, ctx is done, or the poll interval
// elapses (see WithPollInterval), whichever happens first.
//
// The boolean result will be false if and only if ctx was canceled or its
// deadline exceeded before a result became available. These cases are not
// distinguished, callers should inspect ctx (e.g. via context.Cause) if they
// need to know why.
//
// The pollable may be nil, in which case the behavior is that of Wait, except
// that the poll interval still applies. Providing a nil ctx will cause a
// panic.
func (x *Queue[T]) WaitPolled(ctx context.Context, pollable Pollable) (value T, ok bool) {
	if ctx == nil {
		panic(`opqueue: nil context`)
	}

	interval := x.pollInterval()
	signal := x.signalChan()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if value, ok = x.TryWait(); ok {
			return
		}

		if ctx.Err() != nil {
			x.logAbandoned(ctx)
			return
		}

		if pollable != nil {
			pollable.Poll()
			if value, ok = x.TryWait(); ok {
				return
			}
		}

		if timer == nil {
			timer = time.NewTimer(interval)
		} else {
			timer.Reset(interval)
		}

		select {
		case <-ctx.Done():
		case <-signal:
		case <-timer.C:
		}
	}
}

// Wait blocks until a result is available, or ctx is done. It is equivalent
// to WaitPolled, without a Pollable, and is only appropriate if the producer
// runs independently of the waiting goroutine.
func (x *Queue[T]) Wait(ctx context.Context) (value T, ok bool) {
	if ctx == nil {
		panic(`opqueue: nil context`)
	}

	signal := x.signalChan()

	for {
		if value, ok = x.TryWait(); ok {
			return
		}

		if ctx.Err() != nil {
			x.logAbandoned(ctx)
			return
		}

		select {
		case <-ctx.Done():
		case <-signal:
		}
	}
}

// TryWait removes and returns the oldest result, if any, without blocking.
func (x *Queue[T]) TryWait() (value T, ok bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.items) == 0 {
		return
	}

	value, ok = x.items[0], true

	var zero T
	x.items[0] = zero
	x.items = x.items[1:]
	if len(x.items) == 0 {
		x.items = nil
	}

	return
}

// Clear discards all pending results.
func (x *Queue[T]) Clear() {
	x.mu.Lock()
	x.items = nil
	x.mu.Unlock()
}

// Len returns the number of completed results not yet consumed.
func (x *Queue[T]) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.items)
}

func (x *Queue[T]) signalChan() chan struct{} {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.signalLocked()
}

func (x *Queue[T]) signalLocked() chan struct{} {
	if x.signal == nil {
		x.signal = make(chan struct{}, 1)
	}
	return x.signal
}

func (x *Queue[T]) pollInterval() time.Duration {
	if x.opts.pollInterval > 0 {
		return x.opts.pollInterval
	}
	return DefaultPollInterval
}

func (x *Queue[T]) logAbandoned(ctx context.Context) {
	x.opts.logger.Trace().
		Err(context.Cause(ctx)).
		Log(`opqueue: wait abandoned`)
}
