package servicemgr

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sshchannelshub/ssh-channels-hub/internal/hub"
	"github.com/sshchannelshub/ssh-channels-hub/internal/model"
	"github.com/sshchannelshub/ssh-channels-hub/internal/supervisor"
)

type fakeSession struct{ done chan struct{} }

func (f *fakeSession) Done() <-chan struct{}  { return f.done }
func (f *fakeSession) EndOfSessionErr() error { return nil }
func (f *fakeSession) Close() error           { return nil }

type fakeForwarder struct{}

func (fakeForwarder) Run(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (fakeForwarder) ActiveConns() int              { return 0 }

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func testConfig(t *testing.T, localPort int) *model.Config {
	return &model.Config{
		Reconnect: model.ReconnectPolicy{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Exponential: true},
		Hosts:     map[string]model.Host{"h1": {Name: "h1", Address: "example.invalid", Port: 22, Username: "u"}},
		Tunnels: []model.TunnelSpec{
			{Name: "t1", HostRef: "h1", Kind: model.LocalForward, ListenHost: "127.0.0.1", LocalPort: localPort, DestHost: "127.0.0.1", RemotePort: 80},
			{Name: "t2", HostRef: "h1", Kind: model.RemoteForward, DestHost: "127.0.0.1", LocalPort: 81, RemotePort: 8022},
		},
	}
}

func neverDropConnect(ctx context.Context, h model.Host) (supervisor.Session, error) {
	return &fakeSession{done: make(chan struct{})}, nil
}

func blockingForwarderFactory(model.TunnelSpec, supervisor.Session, zerolog.Logger) supervisor.Forwarder {
	return fakeForwarder{}
}

func TestStartRunningStatusStop(t *testing.T) {
	cfg := testConfig(t, freePort(t))
	m := New(cfg, zerolog.Nop(), neverDropConnect, blockingForwarderFactory)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	var st model.StatusSnapshot
	for time.Now().Before(deadline) {
		st = m.Status()
		if st.ActiveChannels == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st.ActiveChannels != 2 {
		t.Fatalf("want 2 active channels, got %+v", st)
	}
	if st.TotalChannels != 2 {
		t.Errorf("want 2 total channels, got %d", st.TotalChannels)
	}
	if st.State != model.ServiceRunning {
		t.Errorf("want Running, got %v", st.State)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	final := m.Status()
	if final.State != model.ServiceStopped {
		t.Errorf("want Stopped, got %v", final.State)
	}
	for _, ch := range final.Channels {
		if ch.State != model.Stopped {
			t.Errorf("tunnel %s: want Stopped, got %v", ch.Name, ch.State)
		}
	}
}

func TestStartFailsWhenPortBusy(t *testing.T) {
	busyPort := freePort(t)
	blocker, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(busyPort)))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer blocker.Close()

	cfg := testConfig(t, busyPort)
	m := New(cfg, zerolog.Nop(), neverDropConnect, blockingForwarderFactory)

	err = m.Start(context.Background())
	if err == nil {
		t.Fatal("want error when a local endpoint is busy")
	}
	if kind, ok := hub.KindOf(err); !ok || kind != hub.PortInUse {
		t.Errorf("want hub.PortInUse, got %v (kind=%v ok=%v)", err, kind, ok)
	}

	st := m.Status()
	if st.State != model.ServiceStopped {
		t.Errorf("want service to remain Stopped after failed start, got %v", st.State)
	}
}
