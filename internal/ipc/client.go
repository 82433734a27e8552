package ipc

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sshchannelshub/ssh-channels-hub/internal/hub"
	"github.com/sshchannelshub/ssh-channels-hub/internal/model"
)

// Client is a one-shot connection to a running instance's Control IPC
// listener, resolved from the config file's .port sidecar.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial resolves configPath's port sidecar and connects, treating a
// stale lockfile (sidecar present but unreachable within
// StaleLockTimeout) as "no daemon running".
func Dial(configPath string) (*Client, error) {
	port, running, err := RunningPort(configPath)
	if err != nil {
		return nil, err
	}
	if !running {
		return nil, hub.New(hub.Transport, "no running instance for this config", nil)
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), StaleLockTimeout)
	if err != nil {
		return nil, hub.New(hub.Transport, "connect to control ipc", err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) sendAndReadLine(cmd string) (string, error) {
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return "", hub.New(hub.IO, "send ipc command", err)
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", hub.New(hub.IO, "read ipc response", err)
	}
	return strings.TrimSpace(line), nil
}

// Stop sends "stop" and returns nil once the daemon replies "ok", or
// the daemon-reported error otherwise.
func (c *Client) Stop() error {
	return replyToErr(c.sendAndReadLine(CmdStop))
}

// Test sends "test", the liveness probe used by the `test` CLI command.
func (c *Client) Test() error {
	return replyToErr(c.sendAndReadLine(CmdTest))
}

// Status sends "status" and parses the TOML response body.
func (c *Client) Status() (model.StatusSnapshot, error) {
	if _, err := c.conn.Write([]byte(CmdStatus + "\n")); err != nil {
		return model.StatusSnapshot{}, hub.New(hub.IO, "send ipc command", err)
	}
	snap, err := DecodeStatus(c.r)
	if err != nil {
		return model.StatusSnapshot{}, hub.New(hub.IO, "decode status response", err)
	}
	return snap, nil
}

func replyToErr(line string, err error) error {
	if err != nil {
		return err
	}
	if line == "ok" {
		return nil
	}
	return hub.New(hub.Transport, strings.TrimPrefix(line, "error: "), nil)
}

// DialTimeout is exported for CLI code that wants to bound the overall
// stop/status/test round trip beyond the initial connect.
const DialTimeout = 5 * time.Second
