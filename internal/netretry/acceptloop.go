// Package netretry implements the accept-with-temporary-error-backoff loop
// shared by the Forwarder's local listener and the Control IPC listener,
// generalized from the teacher's common.RetryServer.
package netretry

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// temporary is satisfied by net.Error and matches the teacher's check for
// retriable Accept failures (e.g. EMFILE) versus fatal ones (listener
// closed).
type temporary interface {
	Temporary() bool
}

// Dispatch handles one accepted connection. Serve runs each Dispatch call
// in its own goroutine, so it may block for the life of the connection.
type Dispatch func(ctx context.Context, conn net.Conn)

// Serve accepts connections from l until ctx is cancelled or Accept fails
// with a non-temporary error. On cancellation it closes l so the blocked
// Accept unblocks, and returns ctx.Err(). Temporary errors are retried with
// the same capped exponential backoff as the teacher's RetryServer.
func Serve(ctx context.Context, l net.Listener, dispatch Dispatch, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := ctx.Done()
	closeOnce := make(chan struct{})
	go func() {
		select {
		case <-done:
			l.Close()
		case <-closeOnce:
		}
	}()
	defer close(closeOnce)

	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-done:
				return ctx.Err()
			default:
			}

			if retryAfter(&delay, err, log) {
				continue
			}
			return errors.Wrap(err, "accept error")
		}

		delay = 0
		go dispatch(ctx, conn)
	}
}

func retryAfter(delay *time.Duration, err error, log zerolog.Logger) bool {
	te, ok := err.(temporary)
	if !ok || !te.Temporary() {
		return false
	}

	if *delay == 0 {
		*delay = 5 * time.Millisecond
	} else {
		*delay *= 2
	}
	if max := time.Second; *delay > max {
		*delay = max
	}

	log.Warn().Err(err).Dur("retry_in", *delay).Msg("temporary accept error, retrying")
	time.Sleep(*delay)
	return true
}
