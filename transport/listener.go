package transport

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/joeycumines/go-amqpcore/opqueue"
)

type (
	// ListenerEvents receives notifications from a Listener, from within
	// Listener.Poll.
	ListenerEvents interface {
		// OnSocketAccepted is called with each accepted connection. The
		// transport is not yet open. The receiver takes ownership, and must
		// call SetEventHandler then Open (and eventually Close) on it.
		OnSocketAccepted(t *Transport)
	}

	// Listener accepts TCP (or TLS, see WithTLSConfig) connections, in the
	// pump model, see Poll.
	Listener struct {
		// betteralign:ignore

		opts     options
		address  string
		pollable opqueue.Pollable

		mu     sync.Mutex
		events ListenerEvents
		ln     net.Listener
	}
)

// NewListener initializes a listener for the given address (host:port), which
// will start listening on Start. The options also apply to accepted
// transports.
func NewListener(address string, events ListenerEvents, opts ...Option) *Listener {
	x := &Listener{
		opts:    resolveOptions(opts),
		address: address,
		events:  events,
	}
	x.pollable = opqueue.Serialize(opqueue.PollableFunc(x.poll))
	return x
}

// Start starts listening. Returns ErrAlreadyOpen if already started.
func (x *Listener) Start() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.ln != nil {
		return ErrAlreadyOpen
	}
	ln, err := net.Listen(`tcp`, x.address)
	if err != nil {
		return err
	}
	x.ln = ln
	x.opts.logger.Info().
		Str(`address`, ln.Addr().String()).
		Bool(`tls`, x.opts.tlsConfig != nil).
		Log(`transport: listening`)
	return nil
}

// Stop stops listening. Transports already accepted are unaffected. Returns
// ErrNotOpen if not started.
func (x *Listener) Stop() error {
	x.mu.Lock()
	ln := x.ln
	x.ln = nil
	x.mu.Unlock()
	if ln == nil {
		return ErrNotOpen
	}
	err := ln.Close()
	x.opts.logger.Info().
		Str(`address`, ln.Addr().String()).
		Log(`transport: stopped listening`)
	return err
}

// Addr returns the listening address, or nil if not started.
func (x *Listener) Addr() net.Addr {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.ln == nil {
		return nil
	}
	return x.ln.Addr()
}

// SetEventHandler replaces the event handler. Connections accepted while
// there is no handler are closed.
func (x *Listener) SetEventHandler(events ListenerEvents) {
	x.mu.Lock()
	x.events = events
	x.mu.Unlock()
}

// Poll accepts at most one connection, blocking for up to the poll timeout.
// Concurrent calls do not block, rather, they return without ticking.
func (x *Listener) Poll() {
	x.pollable.Poll()
}

func (x *Listener) poll() {
	x.mu.Lock()
	ln, events := x.ln, x.events
	x.mu.Unlock()

	if ln == nil {
		return
	}

	if ln, ok := ln.(interface{ SetDeadline(t time.Time) error }); ok {
		_ = ln.SetDeadline(time.Now().Add(x.opts.pollTimeout))
	}

	conn, err := ln.Accept()
	if err != nil {
		if isTimeout(err) || errors.Is(err, net.ErrClosed) {
			return
		}
		if _, ok := x.opts.errLimiter.Allow(x); ok {
			x.opts.logger.Err().
				Str(`address`, ln.Addr().String()).
				Err(err).
				Log(`transport: accept error`)
		}
		return
	}

	if events == nil {
		_ = conn.Close()
		x.opts.logger.Warning().
			Str(`remote`, conn.RemoteAddr().String()).
			Log(`transport: no handler, closed accepted connection`)
		return
	}

	if x.opts.tlsConfig != nil {
		conn = tls.Server(conn, x.opts.tlsConfig)
	}

	x.opts.logger.Debug().
		Str(`remote`, conn.RemoteAddr().String()).
		Log(`transport: accepted connection`)

	events.OnSocketAccepted(newAccepted(x.opts, conn))
}
