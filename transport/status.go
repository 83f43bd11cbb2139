package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
)

type (
	// OpenStatus is the outcome of Transport.Open.
	OpenStatus int

	// SendStatus is the outcome of a Transport.Send.
	SendStatus int
)

const (
	OpenInvalid OpenStatus = iota
	OpenOk
	OpenError
	OpenCancelled
)

const (
	SendInvalid SendStatus = iota
	SendOk
	SendError
	SendCancelled
)

var (
	// ErrAlreadyOpen indicates Open (or Listener.Start) was called while
	// already open (or opening).
	ErrAlreadyOpen = errors.New(`transport: already open`)

	// ErrNotOpen indicates an operation that requires an open transport.
	ErrNotOpen = errors.New(`transport: not open`)

	// ErrCancelled is wrapped by the errors returned when the context passed
	// to a blocking operation is done before the operation completed. The
	// context's cause is also wrapped.
	ErrCancelled = errors.New(`transport: operation cancelled`)

	// ErrClosed indicates the underlying connection was already consumed or
	// closed.
	ErrClosed = errors.New(`transport: closed`)
)

func (x OpenStatus) String() string {
	switch x {
	case OpenInvalid:
		return `invalid`
	case OpenOk:
		return `ok`
	case OpenError:
		return `error`
	case OpenCancelled:
		return `cancelled`
	default:
		return strconv.Itoa(int(x))
	}
}

func (x SendStatus) String() string {
	switch x {
	case SendInvalid:
		return `invalid`
	case SendOk:
		return `ok`
	case SendError:
		return `error`
	case SendCancelled:
		return `cancelled`
	default:
		return strconv.Itoa(int(x))
	}
}

func cancelledError(ctx context.Context, op string) error {
	return fmt.Errorf(`%w: %s: %w`, ErrCancelled, op, context.Cause(ctx))
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var e interface{ Timeout() bool }
	return errors.As(err, &e) && e.Timeout()
}
