package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/joeycumines/go-amqpcore/opqueue"
)

type (
	// Events receives notifications from a Transport. Methods are called from
	// within Transport.Poll, and must not call the blocking methods of the
	// same transport (Open, Close, SendWait). Calling Send is supported.
	Events interface {
		// OnBytesReceived is called with data read from the connection. The
		// data is only valid for the duration of the call.
		OnBytesReceived(t *Transport, data []byte)

		// OnIOError is called when the connection fails, including when the
		// peer closes it (io.EOF). The transport will have been closed.
		OnIOError(t *Transport, err error)
	}

	// Transport is a bidirectional byte stream, see NewSocket, NewTLS, and
	// Listener. Methods are safe for concurrent use.
	//
	// A transport may be re-opened after it is closed, with the exception of
	// accepted transports, which may only be opened once.
	Transport struct {
		// betteralign:ignore

		opts     options
		dial     func(ctx context.Context) (net.Conn, error)
		pending  chan net.Conn
		address  string
		pollable opqueue.Pollable

		openQueue  *opqueue.Queue[openResult]
		closeQueue *opqueue.Queue[error]

		// only accessed within poll, which is serialized
		readBuf []byte

		mu      sync.Mutex
		events  Events
		conn    net.Conn
		dialing *dialAttempt
		sends   []pendingSend
		state   transportState
	}

	openResult struct {
		Err    error
		Status OpenStatus
	}

	dialAttempt struct {
		conn   net.Conn
		err    error
		cancel context.CancelFunc
		done   bool
	}

	pendingSend struct {
		onComplete func(SendStatus)
		data       []byte
	}

	transportState int
)

const (
	stateIdle transportState = iota
	stateOpening
	stateOpen
	stateClosing
)

// NewSocket initializes a TCP transport, which will connect to host:port on
// Open. The events may be nil, see also SetEventHandler.
func NewSocket(host string, port uint16, events Events, opts ...Option) *Transport {
	cfg := resolveOptions(opts)
	address := net.JoinHostPort(host, strconv.Itoa(int(port)))
	dialer := cfg.dialer
	return newTransport(cfg, address, events, func(ctx context.Context) (net.Conn, error) {
		return dialer.DialContext(ctx, `tcp`, address)
	})
}

// NewTLS initializes a TLS transport, which will connect to host:port on
// Open, performing the handshake as part of opening. If no ServerName is
// configured, host is used.
func NewTLS(host string, port uint16, events Events, opts ...Option) *Transport {
	cfg := resolveOptions(opts)
	address := net.JoinHostPort(host, strconv.Itoa(int(port)))
	config := cfg.tlsConfig.Clone()
	if config == nil {
		config = &tls.Config{}
	}
	if config.ServerName == `` {
		config.ServerName = host
	}
	if config.MinVersion == 0 {
		config.MinVersion = tls.VersionTLS12
	}
	dialer := &tls.Dialer{NetDialer: cfg.dialer, Config: config}
	return newTransport(cfg, address, events, func(ctx context.Context) (net.Conn, error) {
		return dialer.DialContext(ctx, `tcp`, address)
	})
}

// newAccepted wraps a connection from a listener. Opening it performs the
// TLS handshake, if conn is a *tls.Conn.
func newAccepted(cfg options, conn net.Conn) *Transport {
	pending := make(chan net.Conn, 1)
	pending <- conn
	x := newTransport(cfg, conn.RemoteAddr().String(), nil, func(ctx context.Context) (net.Conn, error) {
		var conn net.Conn
		select {
		case conn = <-pending:
		default:
			return nil, ErrClosed
		}
		if conn, ok := conn.(*tls.Conn); ok {
			if err := conn.HandshakeContext(ctx); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		return conn, nil
	})
	x.pending = pending
	return x
}

func newTransport(cfg options, address string, events Events, dial func(ctx context.Context) (net.Conn, error)) *Transport {
	x := &Transport{
		opts:       cfg,
		dial:       dial,
		address:    address,
		events:     events,
		openQueue:  opqueue.New[openResult](cfg.queueOpts...),
		closeQueue: opqueue.New[error](cfg.queueOpts...),
	}
	x.pollable = opqueue.Serialize(opqueue.PollableFunc(x.poll))
	return x
}

// Release closes the connection of an accepted transport that was never
// opened, after which Open fails with ErrClosed. It returns false, and does
// nothing, if there is no such connection.
func (x *Transport) Release() bool {
	select {
	case conn := <-x.pending:
		_ = conn.Close()
		return true
	default:
		return false
	}
}

// SetEventHandler replaces the event handler, which may be nil.
func (x *Transport) SetEventHandler(events Events) {
	x.mu.Lock()
	x.events = events
	x.mu.Unlock()
}

// IsOpen reports whether the transport is open, and not closing.
func (x *Transport) IsOpen() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state == stateOpen
}

// LocalAddr returns the local address, or nil if not connected.
func (x *Transport) LocalAddr() net.Addr {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.conn == nil {
		return nil
	}
	return x.conn.LocalAddr()
}

// RemoteAddr returns the remote address, or nil if not connected.
func (x *Transport) RemoteAddr() net.Addr {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.conn == nil {
		return nil
	}
	return x.conn.RemoteAddr()
}

// Open connects the transport, polling it until the connection is
// established or fails, or ctx is done.
//
// If ctx is done first, the attempt is abandoned, and OpenCancelled is
// returned, with an error wrapping ErrCancelled. An OpenError status is
// accompanied by the dial (or handshake) error.
func (x *Transport) Open(ctx context.Context) (OpenStatus, error) {
	if ctx == nil {
		panic(`transport: nil context`)
	}

	x.mu.Lock()
	if x.state != stateIdle {
		x.mu.Unlock()
		return OpenInvalid, ErrAlreadyOpen
	}
	dialCtx, cancel := context.WithCancel(context.Background())
	attempt := &dialAttempt{cancel: cancel}
	x.state = stateOpening
	x.dialing = attempt
	x.openQueue.Clear()
	x.mu.Unlock()

	x.opts.logger.Debug().
		Str(`address`, x.address).
		Log(`transport: opening`)

	go x.runDial(dialCtx, attempt)

	result, ok := x.openQueue.WaitPolled(ctx, x.pollable)
	if !ok {
		result, ok = x.abandonOpen(attempt)
		if !ok {
			x.opts.logger.Debug().
				Str(`address`, x.address).
				Err(context.Cause(ctx)).
				Log(`transport: open cancelled`)
			return OpenCancelled, cancelledError(ctx, `open`)
		}
	}

	return result.Status, result.Err
}

func (x *Transport) runDial(ctx context.Context, attempt *dialAttempt) {
	conn, err := x.dial(ctx)
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.dialing != attempt {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	attempt.conn, attempt.err, attempt.done = conn, err, true
}

// abandonOpen stops the dial attempt, unless poll already delivered it, in
// which case the delivered result is returned.
func (x *Transport) abandonOpen(attempt *dialAttempt) (openResult, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.dialing == attempt {
		x.dialing = nil
		x.state = stateIdle
		attempt.cancel()
		if attempt.conn != nil {
			_ = attempt.conn.Close()
		}
		return openResult{}, false
	}
	return x.openQueue.TryWait()
}

// deliverDialLocked completes the open queue, if the dial attempt finished.
func (x *Transport) deliverDialLocked() *dialAttempt {
	attempt := x.dialing
	if attempt == nil || !attempt.done {
		return nil
	}
	x.dialing = nil
	attempt.cancel()
	if attempt.err != nil {
		x.state = stateIdle
		x.openQueue.Complete(openResult{Status: OpenError, Err: attempt.err})
	} else {
		x.conn = attempt.conn
		x.state = stateOpen
		x.openQueue.Complete(openResult{Status: OpenOk})
	}
	return attempt
}

// Close closes the transport, polling it until any sends queued prior to
// the call are flushed, and the connection is closed, or ctx is done.
//
// If ctx is done first, an error wrapping ErrCancelled is returned, and the
// close will complete on a subsequent Poll.
func (x *Transport) Close(ctx context.Context) error {
	if ctx == nil {
		panic(`transport: nil context`)
	}

	x.mu.Lock()
	switch x.state {
	case stateOpen:
		x.state = stateClosing
		x.closeQueue.Clear()
	case stateClosing:
	default:
		x.mu.Unlock()
		return ErrNotOpen
	}
	x.mu.Unlock()

	err, ok := x.closeQueue.WaitPolled(ctx, x.pollable)
	if !ok {
		return cancelledError(ctx, `close`)
	}
	// shared with any concurrent callers, cleared by the next close
	x.closeQueue.Complete(err)
	return err
}

// Send queues data to be written on the next Poll. The data is copied. The
// onComplete callback, which may be nil, is called from within Poll.
//
// Returns ErrNotOpen, and does not call onComplete, if the transport is not
// open.
func (x *Transport) Send(data []byte, onComplete func(status SendStatus)) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != stateOpen {
		return ErrNotOpen
	}
	x.sends = append(x.sends, pendingSend{
		data:       bytes.Clone(data),
		onComplete: onComplete,
	})
	return nil
}

// SendWait calls Send, then polls the transport until the send completes,
// or ctx is done. A SendCancelled status, with an error wrapping
// ErrCancelled, is returned in the latter case, though the data may still be
// written, on a subsequent Poll.
//
// If the transport closes before the data is written, SendCancelled is
// returned with ErrClosed. A write failure returns SendError, with a nil
// error, the cause being reported via Events.OnIOError.
func (x *Transport) SendWait(ctx context.Context, data []byte) (SendStatus, error) {
	if ctx == nil {
		panic(`transport: nil context`)
	}
	q := opqueue.New[SendStatus](x.opts.queueOpts...)
	if err := x.Send(data, q.Complete); err != nil {
		return SendInvalid, err
	}
	status, ok := q.WaitPolled(ctx, x.pollable)
	if !ok {
		return SendCancelled, cancelledError(ctx, `send`)
	}
	if status == SendCancelled {
		return status, ErrClosed
	}
	return status, nil
}

// Poll performs one tick of I/O: delivering the outcome of a pending open,
// writing queued sends, completing a requested close, and reading (blocking
// for up to the poll timeout). Concurrent calls do not block, rather, they
// return without ticking.
func (x *Transport) Poll() {
	x.pollable.Poll()
}

func (x *Transport) poll() {
	x.mu.Lock()
	delivered := x.deliverDialLocked()
	conn, state, events := x.conn, x.state, x.events
	sends := x.sends
	x.sends = nil
	x.mu.Unlock()

	if delivered != nil {
		if delivered.err != nil {
			x.opts.logger.Debug().
				Str(`address`, x.address).
				Err(delivered.err).
				Log(`transport: open failed`)
		} else {
			x.opts.logger.Debug().
				Str(`address`, x.address).
				Log(`transport: opened`)
		}
	}

	if conn == nil {
		completeSends(sends, SendCancelled)
		return
	}

	if !x.flush(conn, sends) {
		return
	}

	if state == stateClosing {
		x.finishClose(conn)
		return
	}

	x.read(conn, events)
}

func (x *Transport) flush(conn net.Conn, sends []pendingSend) bool {
	for i, send := range sends {
		if x.opts.writeTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(x.opts.writeTimeout))
		}
		if _, err := conn.Write(send.data); err != nil {
			completeSends(sends[i:], SendError)
			x.fail(conn, err)
			return false
		}
		send.complete(SendOk)
	}
	return true
}

func (x *Transport) read(conn net.Conn, events Events) {
	if x.readBuf == nil {
		x.readBuf = make([]byte, x.opts.readBufferSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(x.opts.pollTimeout))
	n, err := conn.Read(x.readBuf)
	if n > 0 && events != nil {
		events.OnBytesReceived(x, x.readBuf[:n])
	}
	if err != nil && !isTimeout(err) {
		x.fail(conn, err)
	}
}

// fail closes the transport after an I/O error, notifying OnIOError.
func (x *Transport) fail(conn net.Conn, err error) {
	x.mu.Lock()
	if x.conn != conn {
		x.mu.Unlock()
		return
	}
	closing := x.state == stateClosing
	x.conn = nil
	x.state = stateIdle
	sends := x.sends
	x.sends = nil
	events := x.events
	if closing {
		x.closeQueue.Complete(nil)
	}
	x.mu.Unlock()

	_ = conn.Close()
	completeSends(sends, SendCancelled)

	if errors.Is(err, io.EOF) {
		x.opts.logger.Debug().
			Str(`address`, x.address).
			Log(`transport: connection closed by peer`)
	} else if _, ok := x.opts.errLimiter.Allow(ioErrorLogCategory); ok {
		x.opts.logger.Err().
			Str(`address`, x.address).
			Err(err).
			Log(`transport: i/o error`)
	}

	if events != nil {
		events.OnIOError(x, err)
	}
}

func (x *Transport) finishClose(conn net.Conn) {
	err := conn.Close()

	x.mu.Lock()
	var sends []pendingSend
	if x.conn == conn {
		x.conn = nil
		x.state = stateIdle
		sends = x.sends
		x.sends = nil
	}
	x.closeQueue.Complete(err)
	x.mu.Unlock()

	completeSends(sends, SendCancelled)

	if err != nil {
		x.opts.logger.Debug().
			Str(`address`, x.address).
			Err(err).
			Log(`transport: closed with error`)
	} else {
		x.opts.logger.Debug().
			Str(`address`, x.address).
			Log(`transport: closed`)
	}
}

func (x pendingSend) complete(status SendStatus) {
	if x.onComplete != nil {
		x.onComplete(status)
	}
}

func completeSends(sends []pendingSend, status SendStatus) {
	for _, send := range sends {
		send.complete(status)
	}
}
