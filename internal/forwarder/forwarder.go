// Package forwarder implements the I/O plane that bridges local sockets
// and SSH channels for one tunnel activation, grounded on the teacher's
// tunnel.Tunnel forward/copyBytes pattern and generalized to also cover
// remote forward (forwarded-tcpip) tunnels.
package forwarder

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sshchannelshub/ssh-channels-hub/internal/addr"
	"github.com/sshchannelshub/ssh-channels-hub/internal/hub"
	"github.com/sshchannelshub/ssh-channels-hub/internal/model"
	"github.com/sshchannelshub/ssh-channels-hub/internal/netretry"
	"github.com/sshchannelshub/ssh-channels-hub/internal/sshsession"
)

// GraceWindow bounds how long Run waits for in-flight copy tasks to drain
// after cancellation before abandoning them, per spec §4.3's recommended
// 5 second grace window.
const GraceWindow = 5 * time.Second

// halfCloser is implemented by net.TCPConn and the ssh.Channel returned by
// Session.OpenDirectTCPIP; it lets a copy task propagate read-EOF on one
// side as a write-shutdown on the other instead of fully closing early.
type halfCloser interface {
	CloseWrite() error
}

// Forwarder runs the copy-task fleet for one tunnel activation (one
// Serving episode of the supervisor). A fresh Forwarder is created per
// episode; it is not reused across reconnects.
type Forwarder struct {
	spec    model.TunnelSpec
	session *sshsession.Session
	log     zerolog.Logger

	mu       sync.Mutex
	activeWg sync.WaitGroup
	activeN  int
}

// New builds a Forwarder for spec, bound to the live session of the
// current Serving episode.
func New(spec model.TunnelSpec, session *sshsession.Session, log zerolog.Logger) *Forwarder {
	return &Forwarder{spec: spec, session: session, log: log.With().Str("tunnel", spec.Name).Logger()}
}

// ActiveConns returns the number of in-flight copy tasks, for
// TunnelRuntimeState.ActiveConns snapshots.
func (f *Forwarder) ActiveConns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeN
}

func (f *Forwarder) incr() {
	f.mu.Lock()
	f.activeN++
	f.mu.Unlock()
}

func (f *Forwarder) decr() {
	f.mu.Lock()
	f.activeN--
	f.mu.Unlock()
}

// Run drives the forwarder until ctx is cancelled or a fatal error occurs
// (PortInUse for LocalForward; for RemoteForward, also the session
// ending). A LocalForward run does not watch the session itself and keeps
// accepting until ctx is cancelled. It blocks for the duration of one
// Serving episode.
func (f *Forwarder) Run(ctx context.Context) error {
	switch f.spec.Kind {
	case model.LocalForward:
		return f.runLocal(ctx)
	case model.RemoteForward:
		return f.runRemote(ctx)
	default:
		return hub.New(hub.Config, "unknown tunnel kind", nil)
	}
}

func (f *Forwarder) runLocal(ctx context.Context) error {
	listenAddr := addr.JoinHostPort(f.spec.ListenHost, f.spec.LocalPort)
	l, err := addr.ListenFunc("tcp", listenAddr)
	if err != nil {
		return hub.New(hub.PortInUse, "bind local listener "+listenAddr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- netretry.Serve(ctx, l, f.dispatchLocal, f.log)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		f.waitDrain()
		return err
	}

	f.waitDrain()
	<-serveErr
	return ctx.Err()
}

func (f *Forwarder) dispatchLocal(ctx context.Context, conn net.Conn) {
	f.incr()
	f.activeWg.Add(1)
	defer func() {
		f.activeWg.Done()
		f.decr()
	}()

	ch, err := f.session.OpenDirectTCPIP(ctx, f.spec.DestHost, f.spec.RemotePort, f.spec.ListenHost, f.spec.LocalPort)
	if err != nil {
		f.log.Warn().Err(err).Msg("open direct-tcpip failed, dropping connection")
		conn.Close()
		return
	}

	copyBidirectional(ctx, f.log, conn, ch)
}

func (f *Forwarder) runRemote(ctx context.Context) error {
	if err := f.session.RequestRemoteBind(ctx, f.spec.DestHost, f.spec.RemotePort); err != nil {
		return err
	}
	defer f.session.CancelRemoteBind(f.spec.DestHost, f.spec.RemotePort)

	for {
		fwd, err := f.session.NextForwarded(ctx, 0)
		if err != nil {
			f.waitDrain()
			return err
		}
		f.activeWg.Add(1)
		go f.dispatchRemote(ctx, fwd)
	}
}

func (f *Forwarder) dispatchRemote(ctx context.Context, fwd sshsession.Forwarded) {
	f.incr()
	defer func() {
		f.activeWg.Done()
		f.decr()
	}()

	localAddr := addr.JoinHostPort(f.spec.DestHost, f.spec.LocalPort)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", localAddr)
	if err != nil {
		f.log.Warn().Err(err).Str("local_addr", localAddr).Msg("local dial failed for forwarded channel")
		fwd.Channel.Close()
		return
	}

	copyBidirectional(ctx, f.log, conn, fwd.Channel)
}

// waitDrain waits up to GraceWindow for all in-flight copy tasks to
// finish, then returns regardless (remaining tasks are abandoned; their
// sockets/channels were already handed cancellation via ctx).
func (f *Forwarder) waitDrain() {
	done := make(chan struct{})
	go func() {
		f.activeWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(GraceWindow):
		f.log.Warn().Msg("grace window elapsed with copy tasks still active")
	}
}

// copyBidirectional copies bytes both ways between a and b, propagating
// half-close, and returns once both directions have finished or ctx is
// cancelled. Per-connection errors are logged, never returned.
func copyBidirectional(ctx context.Context, log zerolog.Logger, a, b io.ReadWriteCloser) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go copyHalf(cancel, &wg, log, a, b)
	go copyHalf(cancel, &wg, log, b, a)

	go func() {
		<-ctx.Done()
		a.Close()
		b.Close()
	}()

	wg.Wait()
}

func copyHalf(cancel func(), wg *sync.WaitGroup, log zerolog.Logger, dst, src io.ReadWriteCloser) {
	defer func() {
		if hc, ok := dst.(halfCloser); ok {
			hc.CloseWrite()
		} else {
			cancel()
		}
		wg.Done()
	}()

	if _, err := io.Copy(dst, src); err != nil {
		log.Debug().Err(err).Msg("copy bytes error")
		cancel()
	}
}
