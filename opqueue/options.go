package opqueue

import (
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultPollInterval is the maximum time WaitPolled blocks between ticks of
// its Pollable, if not configured via WithPollInterval.
const DefaultPollInterval = 10 * time.Millisecond

type (
	// Option configures a Queue (or the queues created by a Registry).
	Option interface {
		applyQueue(*queueOptions)
	}

	optionImpl struct {
		applyQueueFunc func(*queueOptions)
	}

	queueOptions struct {
		logger       *logiface.Logger[logiface.Event]
		pollInterval time.Duration
	}
)

func (x *optionImpl) applyQueue(opts *queueOptions) {
	x.applyQueueFunc(opts)
}

// WithPollInterval sets the maximum duration WaitPolled will block, waiting
// for a completion, before it ticks the Pollable again. Cancellation of the
// context is observed immediately, regardless of this value.
//
// Defaults to DefaultPollInterval. Panics if d <= 0.
func WithPollInterval(d time.Duration) Option {
	if d <= 0 {
		panic(`opqueue: poll interval must be positive`)
	}
	return &optionImpl{func(opts *queueOptions) {
		opts.pollInterval = d
	}}
}

// WithLogger configures a logger for trace-level diagnostics, e.g. waits that
// were abandoned due to context cancellation. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *queueOptions) {
		opts.logger = logger
	}}
}

func resolveOptions(opts []Option) queueOptions {
	cfg := queueOptions{
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyQueue(&cfg)
	}
	return cfg
}
