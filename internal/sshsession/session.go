// Package sshsession owns one authenticated SSH transport to one Host,
// and exposes channel operations and inbound forwarded-channel delivery.
//
// Host-key verification is accept-any (ssh.InsecureIgnoreHostKey): this is
// a deliberate, documented caveat inherited from the program this hub was
// distilled from (see DESIGN.md's open-questions section), not an
// oversight.
package sshsession

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/sshchannelshub/ssh-channels-hub/internal/hub"
	"github.com/sshchannelshub/ssh-channels-hub/internal/model"
)

// DialTimeout bounds connect_and_authenticate, per spec §5's recommended
// 15s connect/auth bound.
const DialTimeout = 15 * time.Second

// forwardedChannelBacklog caps how many undelivered forwarded-tcpip
// channels Session buffers before the peer's further channel-opens block.
const forwardedChannelBacklog = 16

// Forwarded is one inbound forwarded-tcpip channel, delivered with the
// bound and origin endpoints from spec §4.2's next_forwarded contract.
type Forwarded struct {
	Channel    ssh.Channel
	BoundHost  string
	BoundPort  int
	OriginHost string
	OriginPort int
}

// Session is a live authenticated SSH transport to one Host.
type Session struct {
	client *ssh.Client

	forwardedCh chan Forwarded
	doneCh      chan struct{}
	doneErr     error

	closeOnce sync.Once
}

// channelForwardMsg is the RFC 4254 §7.1 wire format for the
// "tcpip-forward" and "cancel-tcpip-forward" global requests.
type channelForwardMsg struct {
	Addr string
	Port uint32
}

// forwardedTCPPayload is the RFC 4254 §7.2 channel-open payload for
// "forwarded-tcpip".
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// directTCPIPPayload is the RFC 4254 §7.2 channel-open payload for
// "direct-tcpip".
type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// ConnectAndAuthenticate resolves host's address, performs the SSH
// handshake, and authenticates with host.Auth. Blocking key-file I/O runs
// on a separate goroutine (spec §5's "offload synchronous work to a
// blocking worker" rule) joined via errgroup so ctx cancellation still
// takes effect.
func ConnectAndAuthenticate(ctx context.Context, host model.Host) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	var client *ssh.Client
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		auth, err := authMethod(host.Auth)
		if err != nil {
			return hub.New(hub.Auth, "build auth method", err)
		}

		cfg := &ssh.ClientConfig{
			User:            host.Username,
			Auth:            []ssh.AuthMethod{auth},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         DialTimeout,
		}

		var d net.Dialer
		conn, err := d.DialContext(gctx, "tcp", host.Addr())
		if err != nil {
			return hub.New(hub.Transport, "dial", err)
		}
		if deadline, ok := gctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}

		sshConn, chans, reqs, err := ssh.NewClientConn(conn, host.Addr(), cfg)
		if err != nil {
			conn.Close()
			return classifyHandshakeError(err)
		}
		conn.SetDeadline(time.Time{})
		client = ssh.NewClient(sshConn, chans, reqs)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	s := &Session{
		client:      client,
		forwardedCh: make(chan Forwarded, forwardedChannelBacklog),
		doneCh:      make(chan struct{}),
	}
	s.watch()
	return s, nil
}

func classifyHandshakeError(err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") {
		return hub.New(hub.Auth, "ssh handshake", err)
	}
	return hub.New(hub.Transport, "ssh handshake", err)
}

func authMethod(a model.Auth) (ssh.AuthMethod, error) {
	switch a.Kind {
	case model.AuthPassword:
		return ssh.Password(a.Secret), nil
	case model.AuthKey:
		key, err := os.ReadFile(a.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", a.KeyPath, err)
		}
		var signer ssh.Signer
		if a.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(a.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", a.KeyPath, err)
		}
		return ssh.PublicKeys(signer), nil
	default:
		return nil, fmt.Errorf("unknown auth kind %v", a.Kind)
	}
}

// watch spawns the goroutine that registers the forwarded-tcpip channel
// handler and detects end-of-session.
func (s *Session) watch() {
	incoming := s.client.HandleChannelOpen("forwarded-tcpip")
	go func() {
		for newCh := range incoming {
			s.acceptForwarded(newCh)
		}
	}()

	go func() {
		err := s.client.Wait()
		s.doneErr = err
		close(s.doneCh)
	}()
}

func (s *Session) acceptForwarded(newCh ssh.NewChannel) {
	var payload forwardedTCPPayload
	if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
		newCh.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload")
		return
	}

	ch, reqs, err := newCh.Accept()
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	fwd := Forwarded{
		Channel:    ch,
		BoundHost:  payload.Addr,
		BoundPort:  int(payload.Port),
		OriginHost: payload.OriginAddr,
		OriginPort: int(payload.OriginPort),
	}

	select {
	case s.forwardedCh <- fwd:
	case <-s.doneCh:
		ch.Close()
	}
}

// OpenDirectTCPIP opens an outbound direct-tcpip channel that the peer
// proxies to (remoteHost, remotePort), reporting (originHost, originPort)
// as the connection's originator per RFC 4254 §7.2.
func (s *Session) OpenDirectTCPIP(ctx context.Context, remoteHost string, remotePort int, originHost string, originPort int) (ssh.Channel, error) {
	select {
	case <-s.doneCh:
		return nil, hub.New(hub.Channel, "session already closed", nil)
	default:
	}

	payload := directTCPIPPayload{
		Host:       remoteHost,
		Port:       uint32(remotePort),
		OriginHost: originHost,
		OriginPort: uint32(originPort),
	}

	ch, reqs, err := s.client.OpenChannel("direct-tcpip", ssh.Marshal(&payload))
	if err != nil {
		return nil, hub.New(hub.Channel, "open direct-tcpip channel", err)
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

// RequestRemoteBind asks the peer to listen on (bindHost, bindPort).
// Subsequent peer-initiated connections are delivered via NextForwarded.
func (s *Session) RequestRemoteBind(ctx context.Context, bindHost string, bindPort int) error {
	msg := channelForwardMsg{Addr: bindHost, Port: uint32(bindPort)}
	ok, _, err := s.client.SendRequest("tcpip-forward", true, ssh.Marshal(&msg))
	if err != nil {
		return hub.New(hub.Transport, "tcpip-forward request", err)
	}
	if !ok {
		return hub.New(hub.RemoteForwardRejected, fmt.Sprintf("peer refused bind on %s:%d", bindHost, bindPort), nil)
	}
	return nil
}

// CancelRemoteBind asks the peer to stop forwarding bindHost:bindPort. It
// is best-effort: failures are not reported since the session may already
// be tearing down.
func (s *Session) CancelRemoteBind(bindHost string, bindPort int) {
	msg := channelForwardMsg{Addr: bindHost, Port: uint32(bindPort)}
	_, _, _ = s.client.SendRequest("cancel-tcpip-forward", false, ssh.Marshal(&msg))
}

// NextForwarded blocks until the next inbound forwarded-tcpip channel
// arrives, the session ends, timeout elapses (if > 0), or ctx is done.
func (s *Session) NextForwarded(ctx context.Context, timeout time.Duration) (Forwarded, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case fwd := <-s.forwardedCh:
		return fwd, nil
	case <-s.doneCh:
		return Forwarded{}, s.EndOfSessionErr()
	case <-ctx.Done():
		return Forwarded{}, ctx.Err()
	case <-timeoutCh:
		return Forwarded{}, hub.New(hub.Channel, "next_forwarded timeout", nil)
	}
}

// Done returns a channel that is closed when the underlying transport
// ends, for a supervisor to select on alongside its own cancellation.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// EndOfSessionErr reports why the session ended, valid once Done() is
// closed. Returns nil if the session ended via an orderly Close().
func (s *Session) EndOfSessionErr() error {
	if s.doneErr == nil {
		return nil
	}
	return hub.New(hub.Channel, "ssh session ended", s.doneErr)
}

// Close initiates an orderly close of the session. It is idempotent:
// calling it more than once, or after the transport already dropped, is
// safe and a no-op past the first call.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.client.Close()
	})
	return err
}
