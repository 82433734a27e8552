package ipc

import (
	"context"
	"net"

	"github.com/rs/zerolog"

	"github.com/sshchannelshub/ssh-channels-hub/internal/hub"
	"github.com/sshchannelshub/ssh-channels-hub/internal/netretry"
	"github.com/sshchannelshub/ssh-channels-hub/internal/servicemgr"
)

// Server is the Control IPC acceptor: one loopback listener, one
// command per connection, dispatched against a Service Manager.
type Server struct {
	mgr *servicemgr.Manager
	log zerolog.Logger

	portPath, pidPath string
	listener          net.Listener

	// OnStop is invoked after a "stop" command has been fully processed
	// (Service Manager stop() completed and the response was sent). It
	// is the hook the foreground `start` command (internal/cli) uses to
	// exit the process with code 0; nil is a valid no-op for tests.
	OnStop func()
}

// NewServer builds a Server for mgr, deriving its sidecar paths from
// configPath.
func NewServer(mgr *servicemgr.Manager, configPath string, log zerolog.Logger) *Server {
	portPath, pidPath := SidecarPaths(configPath)
	return &Server{mgr: mgr, log: log, portPath: portPath, pidPath: pidPath}
}

// Start binds the loopback listener, writes both sidecar files, and
// spawns the accept loop as a child of ctx. It returns once the
// listener is bound and the sidecar files are written.
func (s *Server) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return hub.New(hub.IO, "bind ipc listener", err)
	}
	port := l.Addr().(*net.TCPAddr).Port

	if err := WritePortFile(s.portPath, port); err != nil {
		l.Close()
		return hub.New(hub.IO, "write port sidecar", err)
	}
	if err := WritePIDFile(s.pidPath); err != nil {
		l.Close()
		RemoveSidecarFiles(s.portPath, s.pidPath)
		return hub.New(hub.IO, "write pid sidecar", err)
	}

	s.listener = l
	go func() {
		if err := netretry.Serve(ctx, l, s.dispatch, s.log); err != nil {
			s.log.Debug().Err(err).Msg("ipc accept loop ended")
		}
	}()
	return nil
}

// Addr returns the bound listener's address, valid after Start returns.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close removes the sidecar files and closes the listener. It is safe
// to call after the accept loop has already exited via ctx
// cancellation.
func (s *Server) Close() error {
	RemoveSidecarFiles(s.portPath, s.pidPath)
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	dec := NewDecoder(conn)
	enc := NewEncoder(conn)

	cmd, err := dec.DecodeCommand()
	if err != nil {
		return
	}

	switch cmd {
	case CmdTest:
		enc.EncodeOK()

	case CmdStatus:
		enc.EncodeStatus(s.mgr.Status())

	case CmdStop:
		if err := s.mgr.Stop(); err != nil {
			enc.EncodeError(err.Error())
			return
		}
		enc.EncodeOK()
		if s.OnStop != nil {
			s.OnStop()
		}

	default:
		enc.EncodeError("unknown command")
	}
}
