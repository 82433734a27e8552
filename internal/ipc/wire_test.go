package ipc

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/sshchannelshub/ssh-channels-hub/internal/model"
)

func TestEncodeDecodeOK(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeOK(); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if buf.String() != "ok\n" {
		t.Errorf("got %q", buf.String())
	}
}

func TestEncodeError(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeError("boom\nwith newline"); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := buf.String(); got != "error: boom with newline\n" {
		t.Errorf("got %q", got)
	}
}

func TestDecodeCommandLowercasesAndTrims(t *testing.T) {
	dec := NewDecoder(strings.NewReader("  STATUS  \n"))
	cmd, err := dec.DecodeCommand()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd != "status" {
		t.Errorf("got %q", cmd)
	}
}

func TestEncodeDecodeStatusRoundTrip(t *testing.T) {
	snap := model.StatusSnapshot{
		State:          model.ServiceRunning,
		ActiveChannels: 1,
		TotalChannels:  2,
		Channels: []model.TunnelRuntimeState{
			{Name: "t1", State: model.Serving, ActiveConns: 3},
			{Name: "t2", State: model.Backoff, ActiveConns: 0},
		},
	}

	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeStatus(snap); err != nil {
		t.Fatalf("encode: %v", err)
	}

	const wantChannelsLine = `channels = [{name = "t1", state = "serving", active_conns = 3}, {name = "t2", state = "backoff", active_conns = 0}]`
	if !strings.Contains(buf.String(), wantChannelsLine) {
		t.Errorf("channels not encoded as an inline array literal, got:\n%s", buf.String())
	}
	if strings.Contains(buf.String(), "[[channels]]") {
		t.Errorf("channels encoded as array-of-tables, want inline array, got:\n%s", buf.String())
	}

	got, err := DecodeStatus(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.State != snap.State || got.ActiveChannels != snap.ActiveChannels || got.TotalChannels != snap.TotalChannels {
		t.Fatalf("got %+v, want %+v", got, snap)
	}
	if len(got.Channels) != 2 {
		t.Fatalf("want 2 channels, got %d", len(got.Channels))
	}
	if got.Channels[0].Name != "t1" || got.Channels[0].State != model.Serving || got.Channels[0].ActiveConns != 3 {
		t.Errorf("unexpected channel 0: %+v", got.Channels[0])
	}
	if got.Channels[1].Name != "t2" || got.Channels[1].State != model.Backoff {
		t.Errorf("unexpected channel 1: %+v", got.Channels[1])
	}
}
