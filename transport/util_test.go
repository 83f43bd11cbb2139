package transport

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/joeycumines/go-amqpcore/opqueue"
	"github.com/stretchr/testify/require"
)

// acceptingEvents implements ListenerEvents, queueing accepted transports.
type acceptingEvents struct {
	accepted opqueue.Queue[*Transport]
}

func (x *acceptingEvents) OnSocketAccepted(t *Transport) {
	x.accepted.Complete(t)
}

// streamEvents implements Events, queueing received data and errors, and
// optionally echoing received data.
type streamEvents struct {
	received opqueue.Queue[[]byte]
	errs     opqueue.Queue[error]
	echo     bool
}

func (x *streamEvents) OnBytesReceived(t *Transport, data []byte) {
	x.received.Complete(bytes.Clone(data))
	if x.echo {
		_ = t.Send(data, nil)
	}
}

func (x *streamEvents) OnIOError(t *Transport, err error) {
	x.errs.Complete(err)
}

func startListener(t *testing.T, opts ...Option) (*Listener, *acceptingEvents, uint16) {
	t.Helper()
	events := new(acceptingEvents)
	listener := NewListener(`127.0.0.1:0`, events, opts...)
	require.NoError(t, listener.Start())
	t.Cleanup(func() { _ = listener.Stop() })
	return listener, events, uint16(listener.Addr().(*net.TCPAddr).Port)
}

// acceptOpen waits for the listener to accept a connection, then opens it.
func acceptOpen(t *testing.T, ctx context.Context, listener *Listener, accepted *opqueue.Queue[*Transport], events Events) *Transport {
	t.Helper()
	server, ok := accepted.WaitPolled(ctx, listener)
	require.True(t, ok, `no connection accepted`)
	server.SetEventHandler(events)
	status, err := server.Open(ctx)
	require.NoError(t, err)
	require.Equal(t, OpenOk, status)
	return server
}

// receive waits until at least n bytes have been received.
func receive(t *testing.T, ctx context.Context, q *opqueue.Queue[[]byte], pollable opqueue.Pollable, n int) []byte {
	t.Helper()
	var b []byte
	for len(b) < n {
		chunk, ok := q.WaitPolled(ctx, pollable)
		require.True(t, ok, `received %d of %d bytes: %v`, len(b), n, context.Cause(ctx))
		b = append(b, chunk...)
	}
	return b
}

// newTestTLS generates a self-signed certificate for 127.0.0.1.
func newTestTLS(t *testing.T) (server, client *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: `127.0.0.1`},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	server = &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        cert,
		}},
		MinVersion: tls.VersionTLS12,
	}
	client = &tls.Config{RootCAs: pool}
	return
}

// notifyConn signals each call to Write, before it is performed.
type notifyConn struct {
	net.Conn
	writes chan struct{}
}

func (x *notifyConn) Write(b []byte) (int, error) {
	select {
	case x.writes <- struct{}{}:
	default:
	}
	return x.Conn.Write(b)
}

// openPipe opens a transport over one end of a net.Pipe, returning the other
// end. Writes block until the peer reads.
func openPipe(t *testing.T, ctx context.Context, events Events, opts ...Option) (*Transport, *notifyConn, net.Conn) {
	t.Helper()
	local, peer := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = peer.Close()
	})
	conn := &notifyConn{Conn: local, writes: make(chan struct{}, 1)}
	x := newTransport(resolveOptions(opts), `pipe`, events, func(ctx context.Context) (net.Conn, error) {
		return conn, nil
	})
	status, err := x.Open(ctx)
	require.NoError(t, err)
	require.Equal(t, OpenOk, status)
	return x, conn, peer
}

// pendingSends returns the number of sends queued but not yet flushed.
func pendingSends(x *Transport) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.sends)
}
