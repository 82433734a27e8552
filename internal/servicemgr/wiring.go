package servicemgr

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sshchannelshub/ssh-channels-hub/internal/forwarder"
	"github.com/sshchannelshub/ssh-channels-hub/internal/model"
	"github.com/sshchannelshub/ssh-channels-hub/internal/sshsession"
	"github.com/sshchannelshub/ssh-channels-hub/internal/supervisor"
)

// DefaultConnect is the production supervisor.Connector: a real SSH
// handshake via internal/sshsession.
func DefaultConnect(ctx context.Context, host model.Host) (supervisor.Session, error) {
	return sshsession.ConnectAndAuthenticate(ctx, host)
}

// DefaultForwarderFactory is the production supervisor.ForwarderFactory:
// a real internal/forwarder bound to the episode's session. It assumes
// session was produced by DefaultConnect, which is always true when both
// are passed together to New.
func DefaultForwarderFactory(spec model.TunnelSpec, session supervisor.Session, log zerolog.Logger) supervisor.Forwarder {
	return forwarder.New(spec, session.(*sshsession.Session), log)
}

// NewDefault builds a Manager wired to the real SSH session and
// forwarder implementations.
func NewDefault(cfg *model.Config, log zerolog.Logger) *Manager {
	return New(cfg, log, DefaultConnect, DefaultForwarderFactory)
}
