package ipc

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sshchannelshub/ssh-channels-hub/internal/model"
	"github.com/sshchannelshub/ssh-channels-hub/internal/servicemgr"
	"github.com/sshchannelshub/ssh-channels-hub/internal/supervisor"
)

type fakeSession struct{ done chan struct{} }

func (f *fakeSession) Done() <-chan struct{}  { return f.done }
func (f *fakeSession) EndOfSessionErr() error { return nil }
func (f *fakeSession) Close() error           { return nil }

type fakeForwarder struct{}

func (fakeForwarder) Run(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (fakeForwarder) ActiveConns() int              { return 0 }

func newTestManager(t *testing.T) *servicemgr.Manager {
	t.Helper()
	cfg := &model.Config{
		Hosts: map[string]model.Host{"h1": {Name: "h1", Address: "example.invalid", Port: 22}},
		Tunnels: []model.TunnelSpec{
			{Name: "t1", HostRef: "h1", Kind: model.RemoteForward, DestHost: "127.0.0.1", LocalPort: 80, RemotePort: 8022},
		},
	}
	connect := func(ctx context.Context, h model.Host) (supervisor.Session, error) {
		return &fakeSession{done: make(chan struct{})}, nil
	}
	newFwd := func(model.TunnelSpec, supervisor.Session, zerolog.Logger) supervisor.Forwarder {
		return fakeForwarder{}
	}
	return servicemgr.New(cfg, zerolog.Nop(), connect, newFwd)
}

func TestServerTestStatusStop(t *testing.T) {
	mgr := newTestManager(t)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("mgr start: %v", err)
	}

	dir := t.TempDir()
	configPath := filepath.Join(dir, "configs.toml")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer(mgr, configPath, zerolog.Nop())
	stopped := make(chan struct{})
	srv.OnStop = func() { close(stopped) }

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer srv.Close()

	portPath, pidPath := SidecarPaths(configPath)
	if _, err := ReadPortFile(portPath); err != nil {
		t.Fatalf("port sidecar not written: %v", err)
	}
	if _, err := ReadPortFile(pidPath); err != nil {
		t.Fatalf("pid sidecar not readable: %v", err)
	}

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Write([]byte("test\n"))
	r := bufio.NewReader(conn)
	line, _ := r.ReadString('\n')
	if line != "ok\n" {
		t.Errorf("test: got %q", line)
	}
	conn.Close()

	conn2, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn2.Write([]byte("status\n"))
	r2 := bufio.NewReader(conn2)
	snap, err := DecodeStatus(r2)
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if snap.TotalChannels != 1 {
		t.Errorf("want 1 total channel, got %d", snap.TotalChannels)
	}
	conn2.Close()

	conn3, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn3.Write([]byte("stop\n"))
	r3 := bufio.NewReader(conn3)
	line3, _ := r3.ReadString('\n')
	if line3 != "ok\n" {
		t.Errorf("stop: got %q", line3)
	}
	conn3.Close()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("OnStop was never invoked")
	}
}
