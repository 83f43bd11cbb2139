package transport

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/joeycumines/go-amqpcore/opqueue"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultPollTimeout is the default maximum duration a single Poll will
	// block, waiting for data (or a connection).
	DefaultPollTimeout = 10 * time.Millisecond

	// DefaultWriteTimeout is the default write deadline, per send.
	DefaultWriteTimeout = 30 * time.Second

	// DefaultReadBufferSize is the default size of the per-transport read
	// buffer, i.e. the maximum size of each OnBytesReceived call.
	DefaultReadBufferSize = 64 * 1024
)

type (
	// Option configures a Transport or Listener. Options provided to a
	// Listener also apply to the transports it accepts.
	Option interface {
		applyTransport(*options)
	}

	optionImpl struct {
		applyTransportFunc func(*options)
	}

	options struct {
		logger         *logiface.Logger[logiface.Event]
		tlsConfig      *tls.Config
		dialer         *net.Dialer
		errLimiter     *catrate.Limiter
		queueOpts      []opqueue.Option
		pollTimeout    time.Duration
		writeTimeout   time.Duration
		readBufferSize int
		errLimiterSet  bool
	}
)

// errorLogCategory is a catrate category, shared by every transport using the
// same limiter.
type errorLogCategory string

const ioErrorLogCategory errorLogCategory = `transport: i/o error`

var defaultErrorLogLimiter = sync.OnceValue(func() *catrate.Limiter {
	return catrate.NewLimiter(map[time.Duration]int{
		time.Second: 5,
		time.Minute: 60,
	})
})

func (x *optionImpl) applyTransport(opts *options) {
	x.applyTransportFunc(opts)
}

// WithLogger configures the logger, which will also be used by the internal
// completion queues. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) {
		opts.logger = logger
	}}
}

// WithTLSConfig configures TLS. For NewTLS, it is the client config (a copy
// is made, with ServerName defaulting to the host). For a Listener, it is the
// server config, and accepted connections will be TLS.
func WithTLSConfig(config *tls.Config) Option {
	return &optionImpl{func(opts *options) {
		opts.tlsConfig = config
	}}
}

// WithDialer configures the dialer used by NewSocket and NewTLS.
func WithDialer(dialer *net.Dialer) Option {
	return &optionImpl{func(opts *options) {
		opts.dialer = dialer
	}}
}

// WithPollTimeout sets the maximum duration a single Poll blocks, reading (or
// accepting). Defaults to DefaultPollTimeout. Panics if d <= 0.
func WithPollTimeout(d time.Duration) Option {
	if d <= 0 {
		panic(`transport: poll timeout must be positive`)
	}
	return &optionImpl{func(opts *options) {
		opts.pollTimeout = d
	}}
}

// WithWriteTimeout sets the write deadline applied to each send. Defaults to
// DefaultWriteTimeout. A value <= 0 disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *options) {
		opts.writeTimeout = d
	}}
}

// WithReadBufferSize sets the read buffer size. Defaults to
// DefaultReadBufferSize. Panics if n <= 0.
func WithReadBufferSize(n int) Option {
	if n <= 0 {
		panic(`transport: read buffer size must be positive`)
	}
	return &optionImpl{func(opts *options) {
		opts.readBufferSize = n
	}}
}

// WithErrorLogRates rate limits logging of I/O errors, see
// catrate.NewLimiter for the format. A nil map disables rate limiting.
//
// The limit is shared by every transport configured with the returned
// option, including those accepted by a listener configured with it. Accept
// errors are limited per listener. Defaults to 5 per second, 60 per minute,
// shared by all transports.
func WithErrorLogRates(rates map[time.Duration]int) Option {
	var limiter *catrate.Limiter
	if rates != nil {
		limiter = catrate.NewLimiter(rates)
	}
	return &optionImpl{func(opts *options) {
		opts.errLimiter = limiter
		opts.errLimiterSet = true
	}}
}

// WithQueueOptions configures the completion queues used by the blocking
// operations, e.g. opqueue.WithPollInterval.
func WithQueueOptions(opts ...opqueue.Option) Option {
	return &optionImpl{func(o *options) {
		o.queueOpts = append(o.queueOpts, opts...)
	}}
}

func resolveOptions(opts []Option) options {
	cfg := options{
		pollTimeout:    DefaultPollTimeout,
		writeTimeout:   DefaultWriteTimeout,
		readBufferSize: DefaultReadBufferSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyTransport(&cfg)
	}
	if cfg.dialer == nil {
		cfg.dialer = &net.Dialer{}
	}
	if !cfg.errLimiterSet {
		cfg.errLimiter = defaultErrorLogLimiter()
	}
	if cfg.logger != nil {
		cfg.queueOpts = append([]opqueue.Option{opqueue.WithLogger(cfg.logger)}, cfg.queueOpts...)
	}
	return cfg
}
