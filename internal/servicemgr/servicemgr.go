// Package servicemgr implements the Service Manager from spec §4.5: it
// owns one Tunnel Supervisor per TunnelSpec and aggregates their
// lifecycle and status, grounded on the teacher's server.Server (which
// plays the analogous "owns N tunnels, aggregates serve/close" role).
package servicemgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sshchannelshub/ssh-channels-hub/internal/addr"
	"github.com/sshchannelshub/ssh-channels-hub/internal/hub"
	"github.com/sshchannelshub/ssh-channels-hub/internal/model"
	"github.com/sshchannelshub/ssh-channels-hub/internal/retry"
	"github.com/sshchannelshub/ssh-channels-hub/internal/supervisor"
)

// StopGrace bounds how long Stop waits for every supervisor to reach
// Stopped, per spec §4.5's recommended 30s process-wide grace window.
const StopGrace = 30 * time.Second

// Manager owns one Supervisor per TunnelSpec in cfg and aggregates their
// lifecycle into a single ServiceState.
type Manager struct {
	cfg *model.Config
	log zerolog.Logger

	connect      supervisor.Connector
	newForwarder supervisor.ForwarderFactory

	mu          sync.Mutex
	state       model.ServiceState
	summary     string
	supervisors map[string]*supervisor.Supervisor
	order       []string
	cancel      context.CancelFunc
}

// New builds a Manager for cfg. connect and newForwarder are the real
// SSH session/forwarder wiring in production (see NewDefault); tests
// pass fakes to New directly.
func New(cfg *model.Config, log zerolog.Logger, connect supervisor.Connector, newForwarder supervisor.ForwarderFactory) *Manager {
	return &Manager{
		cfg:          cfg,
		log:          log,
		connect:      connect,
		newForwarder: newForwarder,
		state:        model.ServiceStopped,
	}
}

// Start validates cross-tunnel invariants (port availability; the rest
// were already enforced by config.Load), then spawns one Supervisor per
// TunnelSpec. It returns once every supervisor has left Idle; individual
// supervisors reaching Fatal does not prevent Running from being reached.
func (m *Manager) Start(parent context.Context) error {
	m.mu.Lock()
	if m.state != model.ServiceStopped {
		m.mu.Unlock()
		return hub.New(hub.Config, "service already started", nil)
	}
	m.mu.Unlock()

	if busy := probeBusyPorts(m.cfg); len(busy) > 0 {
		return hub.New(hub.PortInUse, fmt.Sprintf("local endpoints already in use: %v", busy), nil)
	}

	m.mu.Lock()
	m.state = model.ServiceStarting
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.supervisors = make(map[string]*supervisor.Supervisor, len(m.cfg.Tunnels))
	m.order = nil

	for _, spec := range m.cfg.Tunnels {
		host, _ := m.cfg.HostFor(spec)
		policy := retry.New(m.cfg.Reconnect)
		sup := supervisor.New(spec, host, policy, m.connect, m.newForwarder, m.log)
		m.supervisors[spec.Name] = sup
		m.order = append(m.order, spec.Name)
	}
	sort.Strings(m.order)

	for _, sup := range m.supervisors {
		sup.Start(ctx)
	}
	m.state = model.ServiceRunning
	m.mu.Unlock()

	return nil
}

// probeBusyPorts returns the sorted set of (listen_host, local_port)
// endpoints that are not currently free to bind, across every
// LocalForward tunnel.
func probeBusyPorts(cfg *model.Config) []string {
	var busy []string
	for _, t := range cfg.Tunnels {
		if t.Kind != model.LocalForward {
			continue
		}
		endpoint := addr.JoinHostPort(t.ListenHost, t.LocalPort)
		if err := addr.ProbeFree("tcp", endpoint); err != nil {
			busy = append(busy, endpoint)
		}
	}
	sort.Strings(busy)
	return busy
}

// Stop cancels every supervisor's cancellation token (by cancelling the
// root context they all descend from) and waits up to StopGrace for all
// of them to reach Stopped.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.state == model.ServiceStopped {
		m.mu.Unlock()
		return nil
	}
	m.state = model.ServiceStopping
	cancel := m.cancel
	sups := make([]*supervisor.Supervisor, 0, len(m.supervisors))
	for _, name := range m.order {
		sups = append(sups, m.supervisors[name])
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	deadline := time.After(StopGrace)
	for _, sup := range sups {
		select {
		case <-sup.Stopped():
		case <-deadline:
			m.log.Warn().Msg("stop grace window elapsed with supervisors still running")
		}
	}

	m.mu.Lock()
	m.state = model.ServiceStopped
	m.mu.Unlock()
	return nil
}

// Status returns a synchronous aggregate snapshot across all supervisors.
func (m *Manager) Status() model.StatusSnapshot {
	m.mu.Lock()
	state := m.state
	names := append([]string(nil), m.order...)
	sups := m.supervisors
	m.mu.Unlock()

	snap := model.StatusSnapshot{State: state, TotalChannels: len(names)}
	allFatal := len(names) > 0
	for _, name := range names {
		sup := sups[name]
		st := sup.Snapshot()
		snap.Channels = append(snap.Channels, st)
		if st.State == model.Serving {
			snap.ActiveChannels++
		}
		if st.State != model.Fatal {
			allFatal = false
		}
	}

	// Per spec scenario 5: individual Fatal supervisors don't demote the
	// aggregate while at least one other tunnel is healthy, but when
	// every configured tunnel has gone Fatal the service as a whole is
	// Error, not Running.
	if state == model.ServiceRunning && allFatal {
		snap.State = model.ServiceError
		snap.Summary = "all tunnels are in Fatal state"
	}
	return snap
}
