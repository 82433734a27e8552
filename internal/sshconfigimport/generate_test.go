package sshconfigimport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `
Host *
  ServerAliveInterval 30

Host bastion
  HostName bastion.example.com
  User ops
  Port 2222
  IdentityFile ~/.ssh/bastion_key
  LocalForward 8080 localhost:80

Host db-internal
  HostName 10.0.1.5
  User dbadmin
  RemoteForward 9000 127.0.0.1:5432

Host no-hostname-alias
  User nobody
`

func TestImportHostsSkipsWildcardAndHostnamelessAliases(t *testing.T) {
	res, err := ImportHosts([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(res.Hosts) != 2 {
		t.Fatalf("want 2 hosts, got %d: %+v", len(res.Hosts), res.Hosts)
	}

	// sorted by name: bastion, db-internal
	if res.Hosts[0].Name != "bastion" || res.Hosts[0].Address != "bastion.example.com" ||
		res.Hosts[0].Port != 2222 || res.Hosts[0].Username != "ops" || res.Hosts[0].KeyPath != "~/.ssh/bastion_key" {
		t.Errorf("unexpected bastion entry: %+v", res.Hosts[0])
	}
	if res.Hosts[1].Name != "db-internal" || res.Hosts[1].Address != "10.0.1.5" ||
		res.Hosts[1].Port != 22 || res.Hosts[1].Username != "dbadmin" || res.Hosts[1].KeyPath != "~/.ssh/id_rsa" {
		t.Errorf("unexpected db-internal entry: %+v", res.Hosts[1])
	}
}

func TestImportHostsParsesForwardDirectives(t *testing.T) {
	res, err := ImportHosts([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(res.Channels) != 2 {
		t.Fatalf("want 2 channels, got %d: %+v", len(res.Channels), res.Channels)
	}

	// sorted by name: bastion-localforward, db-internal-remoteforward
	lf := res.Channels[0]
	if lf.HostName != "bastion" || lf.ChannelType != "direct-tcpip" || lf.LocalPort != 8080 ||
		lf.RemotePort != 80 || lf.DestHost != "localhost" {
		t.Errorf("unexpected LocalForward channel: %+v", lf)
	}

	rf := res.Channels[1]
	if rf.HostName != "db-internal" || rf.ChannelType != "forwarded-tcpip" || rf.RemotePort != 9000 ||
		rf.LocalPort != 5432 || rf.DestHost != "127.0.0.1" {
		t.Errorf("unexpected RemoteForward channel: %+v", rf)
	}
}

func TestImportHostsEmptyConfig(t *testing.T) {
	res, err := ImportHosts([]byte(""))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(res.Hosts) != 0 || len(res.Channels) != 0 {
		t.Errorf("want nothing imported, got %+v", res)
	}
}

func TestMergeAppendsToFreshFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "configs.toml")

	res := Result{Hosts: []HostEntry{{Name: "bastion", Address: "bastion.example.com", Port: 2222, Username: "ops", KeyPath: "~/.ssh/bastion_key"}}}
	if err := Merge(path, res); err != nil {
		t.Fatalf("merge: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(got), marker+" name=\"bastion\"") {
		t.Errorf("missing marker in output: %s", got)
	}
	if !strings.Contains(string(got), `host = "bastion.example.com"`) {
		t.Errorf("missing host field in output: %s", got)
	}
}

func TestMergeIsIdempotentAndPreservesHandWrittenContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "configs.toml")

	handWritten := "[reconnection]\nmax_retries = 5\n\n[[channels]]\nname = \"web\"\n\n"
	if err := os.WriteFile(path, []byte(handWritten), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	res := Result{Hosts: []HostEntry{{Name: "bastion", Address: "bastion.example.com", Port: 2222, Username: "ops", KeyPath: "~/.ssh/bastion_key"}}}
	if err := Merge(path, res); err != nil {
		t.Fatalf("merge 1: %v", err)
	}

	// Regenerate with an updated port; should replace the old block, not
	// duplicate it, and the hand-written content must survive untouched.
	res.Hosts[0].Port = 2200
	if err := Merge(path, res); err != nil {
		t.Fatalf("merge 2: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read 2: %v", err)
	}

	if !strings.Contains(string(second), "max_retries = 5") {
		t.Errorf("hand-written content lost: %s", second)
	}
	if strings.Count(string(second), marker+" name=\"bastion\"") != 1 {
		t.Errorf("expected exactly one generated block for bastion, got: %s", second)
	}
	if !strings.Contains(string(second), "port = 2200") {
		t.Errorf("expected updated port in regenerated block: %s", second)
	}
	if strings.Contains(string(second), "port = 2222") {
		t.Errorf("stale port value should have been replaced: %s", second)
	}
}

func TestParseForwardDirectiveWithExplicitBindAddress(t *testing.T) {
	bindPort, destHost, destPort, err := parseForwardDirective("127.0.0.1:8080 localhost:80")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if bindPort != 8080 || destHost != "localhost" || destPort != 80 {
		t.Errorf("got bindPort=%d destHost=%s destPort=%d", bindPort, destHost, destPort)
	}
}
