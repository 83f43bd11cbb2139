package opqueue

import (
	"context"
	"time"
)

// CollectConfig bounds the batch received by Collect. Zero values select
// the defaults.
type CollectConfig struct {
	// MaxSize caps the batch. Negative means unbounded. Defaults to 16.
	MaxSize int

	// MinSize is the batch size Collect blocks for, until PartialTimeout
	// elapses, after which any non-empty batch is accepted.
	//
	// A negative value starts the PartialTimeout immediately, and permits an
	// empty batch, if nothing completes before it elapses.
	//
	// Defaults to 4.
	MinSize int

	// PartialTimeout limits how long Collect waits for a batch smaller than
	// MinSize, timed from the first result (or from the call, see MinSize).
	// Negative disables it. Defaults to 50ms.
	PartialTimeout time.Duration
}

// Collect drains a batch of results from q, passing each to handler, in
// order. It ticks pollable while waiting, and once more before returning, to
// pick up anything already buffered. A nil cfg uses the defaults.
//
// The first handler error is returned, as is ctx.Err, if ctx is done first.
//
// Unlike Queue.WaitPolled, Collect reports why it stopped, as it is intended
// for higher-level use, e.g. draining received messages.
//
// Providing a nil ctx, q, or handler will cause a panic. The pollable may be
// nil.
func Collect[T any](ctx context.Context, cfg *CollectConfig, q *Queue[T], pollable Pollable, handler func(value T) error) error {
	if ctx == nil {
		panic(`opqueue: nil context`)
	}
	if q == nil {
		panic(`opqueue: nil queue`)
	}
	if handler == nil {
		panic(`opqueue: nil handler`)
	}

	// no receive after cancel, even if results are ready
	if err := ctx.Err(); err != nil {
		return err
	}

	maxSize := 16
	minSize := 4
	partialTimeout := 50 * time.Millisecond
	if cfg != nil {
		if cfg.MaxSize != 0 {
			maxSize = cfg.MaxSize
		}
		if cfg.MinSize != 0 {
			minSize = cfg.MinSize
		}
		if cfg.PartialTimeout != 0 {
			partialTimeout = cfg.PartialTimeout
		}
	}

	var partialDeadline time.Time
	if partialTimeout > 0 && minSize < 0 {
		// no minimum, so the timeout applies to the first result
		partialDeadline = time.Now().Add(partialTimeout)
	}

	wait := func() (T, bool) {
		if partialDeadline.IsZero() {
			return q.WaitPolled(ctx, pollable)
		}
		ctx, cancel := context.WithDeadline(ctx, partialDeadline)
		defer cancel()
		return q.WaitPolled(ctx, pollable)
	}

	var size int

	// block until the minimum is met, or the partial timeout elapses
	for (maxSize < 0 || size < maxSize) && (size < minSize || (size == 0 && !partialDeadline.IsZero())) {
		value, ok := wait()
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			// partial timeout
			break
		}

		size++

		if size == 1 && partialTimeout > 0 && partialDeadline.IsZero() {
			// first result received, start the partial timeout
			partialDeadline = time.Now().Add(partialTimeout)
		}

		if err := handler(value); err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	// then take whatever else is ready, up to the maximum
	var polled bool
	for maxSize < 0 || size < maxSize {
		value, ok := q.TryWait()
		if !ok {
			// one more tick, to pick up anything that was ready
			if polled || pollable == nil {
				break
			}
			polled = true
			pollable.Poll()
			continue
		}

		size++

		if err := handler(value); err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}
