// Package supervisor implements the per-tunnel state machine from spec
// §4.4: it composes the retry policy, an SSH session, and a forwarder,
// and owns the tunnel's child cancellation token.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sshchannelshub/ssh-channels-hub/internal/hub"
	"github.com/sshchannelshub/ssh-channels-hub/internal/model"
	"github.com/sshchannelshub/ssh-channels-hub/internal/retry"
)

// Session is the subset of sshsession.Session a Supervisor needs to watch
// liveness and close on shutdown. Defined here (rather than imported) so
// tests can substitute a fake without a real SSH handshake.
type Session interface {
	Done() <-chan struct{}
	EndOfSessionErr() error
	Close() error
}

// Forwarder is the subset of forwarder.Forwarder a Supervisor drives.
type Forwarder interface {
	Run(ctx context.Context) error
	ActiveConns() int
}

// Connector performs connect_and_authenticate for one activation attempt.
type Connector func(ctx context.Context, host model.Host) (Session, error)

// ForwarderFactory builds the Forwarder for one Serving episode, bound to
// the session that episode is using.
type ForwarderFactory func(spec model.TunnelSpec, session Session, log zerolog.Logger) Forwarder

// Supervisor drives one TunnelSpec's Idle/Connecting/Authenticating/
// Serving/Backoff/Stopping/Stopped/Fatal state machine.
type Supervisor struct {
	spec   model.TunnelSpec
	host   model.Host
	policy retry.Policy
	log    zerolog.Logger

	connect      Connector
	newForwarder ForwarderFactory

	cancel  context.CancelFunc
	stopped chan struct{}

	mu    sync.Mutex
	state model.TunnelRuntimeState
}

// New builds a Supervisor for spec against host, which must have been
// resolved via Config.HostFor already.
func New(spec model.TunnelSpec, host model.Host, policy retry.Policy, connect Connector, newForwarder ForwarderFactory, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		spec:         spec,
		host:         host,
		policy:       policy,
		connect:      connect,
		newForwarder: newForwarder,
		log:          log.With().Str("tunnel", spec.Name).Logger(),
		stopped:      make(chan struct{}),
		state:        model.TunnelRuntimeState{Name: spec.Name, State: model.Idle},
	}
}

// Start spawns the driver task as a child of parent. It returns
// immediately; Snapshot reflects progress asynchronously.
func (s *Supervisor) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.setState(func(st *model.TunnelRuntimeState) { st.State = model.Connecting; st.Attempt = 1 })
	go s.run(ctx)
}

// Cancel signals this supervisor's cancellation token. It does not block
// for the task to unwind; wait on Stopped() for that.
func (s *Supervisor) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Stopped returns a channel closed once the driver task has fully
// unwound (state has reached Stopped or Fatal).
func (s *Supervisor) Stopped() <-chan struct{} {
	return s.stopped
}

// Snapshot returns the current state, safe to call from any goroutine.
func (s *Supervisor) Snapshot() model.TunnelRuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(mutate func(*model.TunnelRuntimeState)) {
	s.mu.Lock()
	mutate(&s.state)
	s.mu.Unlock()
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.stopped)

	attempt := 1
	for {
		select {
		case <-ctx.Done():
			s.transitionStopping()
			return
		default:
		}

		s.setState(func(st *model.TunnelRuntimeState) {
			st.State = model.Connecting
			st.Attempt = attempt
		})

		session, err := s.connect(ctx, s.host)
		if err != nil {
			if ctx.Err() != nil {
				s.transitionStopping()
				return
			}
			if s.fatalOrBackoff(ctx, err, attempt, &attempt) {
				return
			}
			continue
		}

		s.setState(func(st *model.TunnelRuntimeState) { st.State = model.Authenticating })

		dropped, fatalErr := s.serve(ctx, session)
		if fatalErr != nil {
			s.setState(func(st *model.TunnelRuntimeState) {
				st.State = model.Fatal
				st.FatalReason = fatalErr.Error()
			})
			return
		}
		if ctx.Err() != nil {
			s.transitionStopping()
			return
		}
		if dropped {
			attempt = 1 // retry counter resets on each successful Serving episode
			continue
		}

		// ctx wasn't cancelled, session wasn't dropped, and no fatal
		// error: the forwarder itself decided to stop. Treat as a
		// retriable backoff using the current attempt count.
		if s.fatalOrBackoff(ctx, hub.New(hub.Transport, "forwarder exited", nil), attempt, &attempt) {
			return
		}
	}
}

// serve runs the Serving episode: the forwarder and session-liveness
// watch run concurrently until one of cancellation, session drop, or a
// forwarder error occurs. dropped reports whether the session ended
// first (candidate for retry); fatalErr is non-nil only for a
// non-retriable forwarder error.
func (s *Supervisor) serve(ctx context.Context, session Session) (dropped bool, fatalErr error) {
	s.setState(func(st *model.TunnelRuntimeState) {
		st.State = model.Serving
		st.Since = startTime()
	})

	episodeCtx, cancelEpisode := context.WithCancel(ctx)
	defer cancelEpisode()

	fwd := s.newForwarder(s.spec, session, s.log)
	fwdDone := make(chan error, 1)
	go func() { fwdDone <- fwd.Run(episodeCtx) }()

	stopLiveness := make(chan struct{})
	defer close(stopLiveness)
	go s.pollActiveConns(fwd, stopLiveness)

	select {
	case <-ctx.Done():
		cancelEpisode()
		<-fwdDone
		session.Close()
		return false, nil

	case <-session.Done():
		cancelEpisode()
		<-fwdDone
		session.Close()
		return true, nil

	case err := <-fwdDone:
		// A dropped session makes the forwarder return its own
		// (non-fatal) error at essentially the same instant
		// session.Done() becomes ready, and select doesn't prefer
		// either ready case. Check session.Done() non-blockingly so a
		// session drop is always reported as dropped=true and the
		// retry counter resets, regardless of which case select
		// happened to pick.
		select {
		case <-session.Done():
			cancelEpisode()
			session.Close()
			return true, nil
		default:
		}

		session.Close()
		if err == nil || err == context.Canceled {
			return false, nil
		}
		if kind, ok := hub.KindOf(err); ok && hub.IsFatal(kind) {
			return false, err
		}
		return false, nil
	}
}

func (s *Supervisor) pollActiveConns(fwd Forwarder, stop <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n := fwd.ActiveConns()
			s.setState(func(st *model.TunnelRuntimeState) { st.ActiveConns = n })
		}
	}
}

// fatalOrBackoff classifies a Connecting-phase error. It updates state
// in place and, if retryable, sleeps for the backoff delay (returning
// early if ctx completes meanwhile is handled by the caller's next loop
// iteration checking ctx.Done()). Returns true if the supervisor reached
// a terminal Fatal state and run() should return.
func (s *Supervisor) fatalOrBackoff(ctx context.Context, err error, attempt int, nextAttempt *int) bool {
	kind, _ := hub.KindOf(err)
	retryable := !hub.IsFatal(kind) && s.policy.ShouldRetry(attempt)

	if !retryable {
		s.setState(func(st *model.TunnelRuntimeState) {
			st.State = model.Fatal
			st.FatalReason = err.Error()
		})
		return true
	}

	delay := s.policy.NextDelay(attempt)
	s.setState(func(st *model.TunnelRuntimeState) {
		st.State = model.Backoff
		st.NextDelay = delay
		st.Attempt = attempt
	})
	s.log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", attempt).Msg("connect failed, backing off")

	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
	*nextAttempt = attempt + 1
	return false
}

func (s *Supervisor) transitionStopping() {
	s.setState(func(st *model.TunnelRuntimeState) { st.State = model.Stopping })
	s.setState(func(st *model.TunnelRuntimeState) { st.State = model.Stopped })
}

// startTime exists so tests can observe that Since is set without
// depending on wall-clock determinism elsewhere in the package.
func startTime() time.Time { return time.Now() }
