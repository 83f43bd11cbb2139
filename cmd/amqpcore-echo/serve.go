package main

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/go-amqpcore/opqueue"
	"github.com/joeycumines/go-amqpcore/transport"
	"github.com/joeycumines/logiface"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const closeTimeout = 5 * time.Second

type (
	echoServer struct {
		logger   *logiface.Logger[logiface.Event]
		listener *transport.Listener
		accepted *opqueue.Queue[*transport.Transport]
	}

	echoEvents struct {
		logger *logiface.Logger[logiface.Event]
	}
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   `serve`,
		Short: `Run an echo server, until interrupted`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			server := a.newEchoServer(a.v.GetString(`serve.listen`))
			if err := server.listener.Start(); err != nil {
				return err
			}
			defer server.listener.Stop()
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", server.listener.Addr()); err != nil {
				return err
			}
			return server.serve(cmd.Context())
		},
	}
	cmd.Flags().String(`listen`, `127.0.0.1:5672`, `listen address`)
	a.bindFlags(`serve`, cmd.Flags())
	return cmd
}

func (a *app) newEchoServer(address string) *echoServer {
	x := &echoServer{
		logger:   a.logger,
		accepted: opqueue.New[*transport.Transport](a.queueOptions()...),
	}
	x.listener = transport.NewListener(address, x, a.transportOptions()...)
	return x
}

func (x *echoServer) OnSocketAccepted(t *transport.Transport) {
	x.accepted.Complete(t)
}

// serve accepts and echoes connections until ctx is done, then closes them.
func (x *echoServer) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for {
		t, ok := x.accepted.WaitPolled(ctx, x.listener)
		if !ok {
			break
		}
		g.Go(func() error {
			x.serveConn(ctx, t)
			return nil
		})
	}
	x.releaseAccepted()
	return g.Wait()
}

// releaseAccepted closes connections accepted but not yet served.
func (x *echoServer) releaseAccepted() {
	for {
		t, ok := x.accepted.TryWait()
		if !ok {
			return
		}
		if t.Release() {
			x.logger.Debug().
				Log(`echo: released unserved connection`)
		}
	}
}

func (x *echoServer) serveConn(ctx context.Context, t *transport.Transport) {
	t.SetEventHandler(echoEvents{logger: x.logger})

	if _, err := t.Open(ctx); err != nil {
		x.logger.Warning().
			Err(err).
			Log(`echo: failed to open accepted connection`)
		return
	}

	remote := t.RemoteAddr().String()
	x.logger.Info().
		Str(`remote`, remote).
		Log(`echo: connection opened`)

	for ctx.Err() == nil && t.IsOpen() {
		t.Poll()
	}

	if t.IsOpen() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := t.Close(closeCtx); err != nil {
			x.logger.Warning().
				Str(`remote`, remote).
				Err(err).
				Log(`echo: failed to close connection`)
		}
	}

	x.logger.Info().
		Str(`remote`, remote).
		Log(`echo: connection closed`)
}

func (x echoEvents) OnBytesReceived(t *transport.Transport, data []byte) {
	if err := t.Send(data, nil); err != nil {
		x.logger.Warning().
			Err(err).
			Log(`echo: failed to queue reply`)
	}
}

func (x echoEvents) OnIOError(t *transport.Transport, err error) {
	x.logger.Debug().
		Err(err).
		Log(`echo: connection ended`)
}
