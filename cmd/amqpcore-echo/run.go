package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-amqpcore/opqueue"
	"github.com/joeycumines/go-amqpcore/transport"
	"github.com/joeycumines/logiface"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type (
	runConfig struct {
		Listen      string
		Count       int
		PayloadSize int
		Concurrency int
		Timeout     time.Duration
	}

	// frame is a single line, "<id>\t<payload>\n"
	frame struct {
		// Err is set, instead of the other fields, if the link failed
		Err     error
		ID      string
		Payload string
	}

	// frameDecoder implements transport.Events, splitting received data into
	// frames. Requests still in flight when the connection fails are failed
	// via the registry.
	frameDecoder struct {
		logger   *logiface.Logger[logiface.Event]
		frames   *opqueue.Queue[frame]
		requests *opqueue.Registry[string, frame]
		buf      []byte
	}
)

func newRunCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   `run`,
		Short: `Start an in-process echo server, and send it correlated frames`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), cmd.OutOrStdout(), runConfig{
				Listen:      a.v.GetString(`run.listen`),
				Count:       a.v.GetInt(`run.count`),
				PayloadSize: a.v.GetInt(`run.payload-size`),
				Concurrency: a.v.GetInt(`run.concurrency`),
				Timeout:     a.v.GetDuration(`run.timeout`),
			})
		},
	}
	flags := cmd.Flags()
	flags.String(`listen`, `127.0.0.1:0`, `listen address of the in-process server`)
	flags.Int(`count`, 100, `number of frames to send`)
	flags.Int(`payload-size`, 64, `size of each frame's payload, in bytes`)
	flags.Int(`concurrency`, 16, `maximum number of frames in flight`)
	flags.Duration(`timeout`, 30*time.Second, `overall timeout, 0 to disable`)
	a.bindFlags(`run`, flags)
	return cmd
}

func (a *app) run(ctx context.Context, out io.Writer, cfg runConfig) error {
	if cfg.Count <= 0 {
		return errors.New(`count must be positive`)
	}
	if cfg.PayloadSize < 0 {
		return errors.New(`payload-size must not be negative`)
	}
	if cfg.Concurrency <= 0 {
		return errors.New(`concurrency must be positive`)
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	server := a.newEchoServer(cfg.Listen)
	if err := server.listener.Start(); err != nil {
		return err
	}
	defer server.listener.Stop()
	addr := server.listener.Addr().(*net.TCPAddr)

	serverCtx, stopServer := context.WithCancel(ctx)
	var serverGroup errgroup.Group
	serverGroup.Go(func() error { return server.serve(serverCtx) })
	defer func() {
		stopServer()
		_ = serverGroup.Wait()
	}()

	frames := opqueue.New[frame](a.queueOptions()...)
	requests := opqueue.NewRegistry[string, frame](a.queueOptions()...)
	client := transport.NewSocket(addr.IP.String(), uint16(addr.Port), &frameDecoder{
		logger:   a.logger,
		frames:   frames,
		requests: requests,
	}, a.transportOptions()...)

	if _, err := client.Open(ctx); err != nil {
		return fmt.Errorf(`open client: %w`, err)
	}
	defer func() {
		if !client.IsOpen() {
			return
		}
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			a.logger.Warning().
				Err(err).
				Log(`run: failed to close client`)
		}
	}()

	// pumps the client, routing each reply to the waiting request
	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	var pumpGroup errgroup.Group
	pumpGroup.Go(func() error {
		for {
			err := opqueue.Collect(pumpCtx, nil, frames, client, func(f frame) error {
				if !requests.Complete(f.ID, f) {
					a.logger.Warning().
						Str(`id`, f.ID).
						Log(`run: reply for unknown request`)
				}
				return nil
			})
			if err != nil {
				if pumpCtx.Err() != nil {
					return nil
				}
				return err
			}
		}
	})

	var echoed atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i := range cfg.Count {
		g.Go(func() error {
			id := uuid.NewString()
			payload := makePayload(i, cfg.PayloadSize)

			reply, ok := requests.Register(id)
			if !ok {
				return fmt.Errorf(`frame %d: duplicate id %s`, i, id)
			}
			defer requests.Remove(id)

			if err := client.Send(fmt.Appendf(nil, "%s\t%s\n", id, payload), nil); err != nil {
				return fmt.Errorf(`frame %d: %w`, i, err)
			}

			f, ok := reply.Wait(gctx)
			if !ok {
				return fmt.Errorf(`frame %d: no reply: %w`, i, context.Cause(gctx))
			}
			if f.Err != nil {
				return fmt.Errorf(`frame %d: %w`, i, f.Err)
			}
			if f.Payload != payload {
				return fmt.Errorf(`frame %d: payload mismatch`, i)
			}

			echoed.Add(1)
			return nil
		})
	}

	err := g.Wait()
	stopPump()
	if pumpErr := pumpGroup.Wait(); err == nil {
		err = pumpErr
	}

	elapsed := time.Since(start)
	a.logger.Info().
		Int64(`echoed`, echoed.Load()).
		Int(`count`, cfg.Count).
		Dur(`elapsed`, elapsed).
		Log(`run: finished`)

	if _, werr := fmt.Fprintf(out, "%d/%d frames echoed in %s\n", echoed.Load(), cfg.Count, elapsed.Round(time.Millisecond)); err == nil {
		err = werr
	}

	return err
}

func makePayload(i, size int) string {
	return strings.Repeat(string(rune('a'+i%26)), size)
}

func (x *frameDecoder) OnBytesReceived(t *transport.Transport, data []byte) {
	x.buf = append(x.buf, data...)
	rest := x.buf
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		line := rest[:i]
		rest = rest[i+1:]
		id, payload, ok := strings.Cut(string(line), "\t")
		if !ok {
			x.logger.Warning().
				Int(`length`, len(line)).
				Log(`run: malformed frame`)
			continue
		}
		x.frames.Complete(frame{ID: id, Payload: payload})
	}
	x.buf = append(x.buf[:0], rest...)
}

func (x *frameDecoder) OnIOError(t *transport.Transport, err error) {
	n := x.requests.CompleteAll(frame{Err: fmt.Errorf(`client connection failed: %w`, err)})
	x.logger.Err().
		Err(err).
		Int(`inFlight`, n).
		Log(`run: client connection failed`)
}
