package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sshchannelshub/ssh-channels-hub/internal/hub"
	"github.com/sshchannelshub/ssh-channels-hub/internal/model"
	"github.com/sshchannelshub/ssh-channels-hub/internal/retry"
)

type fakeSession struct {
	done      chan struct{}
	endErr    error
	closed    int32
	closeOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (f *fakeSession) Done() <-chan struct{}    { return f.done }
func (f *fakeSession) EndOfSessionErr() error   { return f.endErr }
func (f *fakeSession) drop(err error)           { f.endErr = err; close(f.done) }
func (f *fakeSession) Close() error {
	f.closeOnce.Do(func() { atomic.StoreInt32(&f.closed, 1) })
	return nil
}

type fakeForwarder struct {
	run func(ctx context.Context) error
}

func (f *fakeForwarder) Run(ctx context.Context) error { return f.run(ctx) }
func (f *fakeForwarder) ActiveConns() int              { return 0 }

func blockingForwarder() *fakeForwarder {
	return &fakeForwarder{run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
}

func waitForState(t *testing.T, s *Supervisor, want model.RunState, timeout time.Duration) model.TunnelRuntimeState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st := s.Snapshot()
		if st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, last snapshot %+v", want, s.Snapshot())
	return model.TunnelRuntimeState{}
}

func testSpec() model.TunnelSpec {
	return model.TunnelSpec{Name: "t1", Kind: model.LocalForward, ListenHost: "127.0.0.1", LocalPort: 1, DestHost: "127.0.0.1", RemotePort: 2}
}

func fastPolicy() retry.Policy {
	return retry.New(model.ReconnectPolicy{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Exponential: true})
}

func TestStartReachesServingThenStopsOnCancel(t *testing.T) {
	sess := newFakeSession()
	fwd := blockingForwarder()

	connect := func(ctx context.Context, h model.Host) (Session, error) { return sess, nil }
	newFwd := func(spec model.TunnelSpec, s Session, log zerolog.Logger) Forwarder { return fwd }

	s := New(testSpec(), model.Host{Name: "h1"}, fastPolicy(), connect, newFwd, zerolog.Nop())
	s.Start(context.Background())

	waitForState(t, s, model.Serving, time.Second)

	s.Cancel()

	select {
	case <-s.Stopped():
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}

	if got := s.Snapshot().State; got != model.Stopped {
		t.Errorf("want Stopped, got %v", got)
	}
	if atomic.LoadInt32(&sess.closed) != 1 {
		t.Error("session was not closed on stop")
	}
}

func TestConnectFailureRetriesThenSucceeds(t *testing.T) {
	var calls int32
	sess := newFakeSession()
	fwd := blockingForwarder()

	connect := func(ctx context.Context, h model.Host) (Session, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return nil, hub.New(hub.Transport, "dial failed", nil)
		}
		return sess, nil
	}
	newFwd := func(spec model.TunnelSpec, s Session, log zerolog.Logger) Forwarder { return fwd }

	s := New(testSpec(), model.Host{Name: "h1"}, fastPolicy(), connect, newFwd, zerolog.Nop())
	s.Start(context.Background())

	waitForState(t, s, model.Serving, 2*time.Second)

	if atomic.LoadInt32(&calls) < 3 {
		t.Errorf("want at least 3 connect attempts, got %d", calls)
	}

	s.Cancel()
	select {
	case <-s.Stopped():
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}

func TestAuthFailureGoesFatalWithoutRetry(t *testing.T) {
	var calls int32
	connect := func(ctx context.Context, h model.Host) (Session, error) {
		atomic.AddInt32(&calls, 1)
		return nil, hub.New(hub.Auth, "bad credentials", nil)
	}
	newFwd := func(spec model.TunnelSpec, s Session, log zerolog.Logger) Forwarder {
		t.Fatal("forwarder should never be constructed on auth failure")
		return nil
	}

	s := New(testSpec(), model.Host{Name: "h1"}, fastPolicy(), connect, newFwd, zerolog.Nop())
	s.Start(context.Background())

	waitForState(t, s, model.Fatal, time.Second)

	select {
	case <-s.Stopped():
	case <-time.After(time.Second):
		t.Fatal("supervisor task did not exit after Fatal")
	}

	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("want exactly 1 connect attempt, got %d", n)
	}
}

// raceForwarder mimics forwarder.runRemote's behavior on a dropped
// session: it watches sess.Done() directly (not ctx) and returns its
// own non-fatal error the instant the session ends, so the resulting
// fwdDone send races session.Done() becoming ready in serve's select.
func raceForwarder(sess *fakeSession) *fakeForwarder {
	return &fakeForwarder{run: func(ctx context.Context) error {
		select {
		case <-sess.done:
			return hub.New(hub.Channel, "forwarded-tcpip channel rejected", nil)
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
}

func TestServeReportsDroppedWhenForwarderRacesSessionDone(t *testing.T) {
	// This race is nondeterministic in which select case Go picks;
	// repeat enough times that a regression (serve returning
	// dropped=false roughly half the time) would reliably surface.
	for i := 0; i < 50; i++ {
		sess := newFakeSession()
		fwd := raceForwarder(sess)
		newFwd := func(spec model.TunnelSpec, s Session, log zerolog.Logger) Forwarder { return fwd }

		s := New(testSpec(), model.Host{Name: "h1"}, fastPolicy(), nil, newFwd, zerolog.Nop())

		go func() {
			time.Sleep(time.Millisecond)
			sess.drop(nil)
		}()

		dropped, fatalErr := s.serve(context.Background(), sess)
		if fatalErr != nil {
			t.Fatalf("iteration %d: unexpected fatal error: %v", i, fatalErr)
		}
		if !dropped {
			t.Fatalf("iteration %d: want dropped=true on session drop racing forwarder exit, got false", i)
		}
	}
}

func TestSessionDropResetsAttemptAndReconnects(t *testing.T) {
	var calls int32
	var sessions []*fakeSession
	var mu sync.Mutex

	connect := func(ctx context.Context, h model.Host) (Session, error) {
		n := atomic.AddInt32(&calls, 1)
		sess := newFakeSession()
		mu.Lock()
		sessions = append(sessions, sess)
		mu.Unlock()
		if n == 1 {
			go func() {
				time.Sleep(20 * time.Millisecond)
				sess.drop(nil)
			}()
		}
		return sess, nil
	}
	fwd := blockingForwarder()
	newFwd := func(spec model.TunnelSpec, s Session, log zerolog.Logger) Forwarder { return fwd }

	s := New(testSpec(), model.Host{Name: "h1"}, fastPolicy(), connect, newFwd, zerolog.Nop())
	s.Start(context.Background())

	waitForState(t, s, model.Serving, time.Second)
	waitForState(t, s, model.Serving, time.Second) // still Serving post-reconnect

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := atomic.LoadInt32(&calls); n < 2 {
		t.Fatalf("want at least 2 connect attempts after session drop, got %d", n)
	}

	s.Cancel()
	select {
	case <-s.Stopped():
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}
