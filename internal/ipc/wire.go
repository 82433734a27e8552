// Package ipc implements the Control IPC from spec §4.6/§6: a
// loopback TCP listener speaking a line-oriented ASCII wire protocol,
// with sidecar .port/.pid files co-located with the config file.
//
// The Decoder/Encoder pair mirrors the teacher's resp package's shape (a
// bufio-backed type per direction, one decode/encode method per message
// kind) without carrying over RESP's binary framing, which this wire
// protocol has no use for.
package ipc

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/sshchannelshub/ssh-channels-hub/internal/model"
)

// Command names accepted on the wire, per spec §4.6.
const (
	CmdStop   = "stop"
	CmdStatus = "status"
	CmdTest   = "test"
)

const maxLineLength = 4096

// Decoder reads line-oriented requests from a connection.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufferedReader(r)}
}

func bufferedReader(r io.Reader) *bufio.Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(r)
}

// DecodeCommand reads a single LF-terminated line and returns it
// trimmed and lowercased.
func (d *Decoder) DecodeCommand() (string, error) {
	line, err := d.r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	if len(line) > maxLineLength {
		return "", fmt.Errorf("ipc: request line too long")
	}
	return strings.ToLower(strings.TrimSpace(line)), nil
}

// Encoder writes line-oriented responses to a connection.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// EncodeOK writes the "ok" response and flushes.
func (e *Encoder) EncodeOK() error {
	if _, err := e.w.WriteString("ok\n"); err != nil {
		return err
	}
	return e.w.Flush()
}

// EncodeError writes an "error: <msg>" response and flushes. Newlines in
// msg are collapsed to keep the response a single line.
func (e *Encoder) EncodeError(msg string) error {
	msg = strings.ReplaceAll(msg, "\n", " ")
	if _, err := fmt.Fprintf(e.w, "error: %s\n", msg); err != nil {
		return err
	}
	return e.w.Flush()
}

// statusDoc is the TOML document shape for the "status" response.
type statusDoc struct {
	State          string          `toml:"state"`
	ActiveChannels int             `toml:"active_channels"`
	TotalChannels  int             `toml:"total_channels"`
	Channels       []statusChannel `toml:"channels"`
}

type statusChannel struct {
	Name        string `toml:"name"`
	State       string `toml:"state"`
	ActiveConns int    `toml:"active_conns"`
}

// EncodeStatus writes snap as a TOML document terminated by a blank
// line, per spec §4.6. The channel list is hand-built as an inline
// array literal (`channels = [{name = ..., state = ..., active_conns =
// ...}, ...]`) rather than delegated to toml.Marshal, which renders a
// slice of structs as array-of-tables (`[[channels]]` blocks) — a
// different, non-conforming wire shape.
func (e *Encoder) EncodeStatus(snap model.StatusSnapshot) error {
	var b strings.Builder
	fmt.Fprintf(&b, "state = %q\n", snap.State.String())
	fmt.Fprintf(&b, "active_channels = %d\n", snap.ActiveChannels)
	fmt.Fprintf(&b, "total_channels = %d\n", snap.TotalChannels)

	elems := make([]string, 0, len(snap.Channels))
	for _, ch := range snap.Channels {
		elems = append(elems, fmt.Sprintf("{name = %q, state = %q, active_conns = %d}", ch.Name, ch.State.String(), ch.ActiveConns))
	}
	fmt.Fprintf(&b, "channels = [%s]\n", strings.Join(elems, ", "))
	b.WriteString("\n")

	if _, err := e.w.WriteString(b.String()); err != nil {
		return err
	}
	return e.w.Flush()
}

// DecodeStatus reads a TOML status document terminated by a blank line
// from r and parses it into a StatusSnapshot.
func DecodeStatus(r *bufio.Reader) (model.StatusSnapshot, error) {
	var buf strings.Builder
	for {
		line, err := r.ReadString('\n')
		buf.WriteString(line)
		if strings.TrimSpace(line) == "" {
			break
		}
		if err != nil {
			return model.StatusSnapshot{}, err
		}
	}

	var doc statusDoc
	if err := toml.Unmarshal([]byte(buf.String()), &doc); err != nil {
		return model.StatusSnapshot{}, err
	}

	snap := model.StatusSnapshot{
		ActiveChannels: doc.ActiveChannels,
		TotalChannels:  doc.TotalChannels,
	}
	snap.State = parseServiceState(doc.State)
	for _, ch := range doc.Channels {
		snap.Channels = append(snap.Channels, model.TunnelRuntimeState{
			Name:        ch.Name,
			State:       parseRunState(ch.State),
			ActiveConns: ch.ActiveConns,
		})
	}
	return snap, nil
}

func parseServiceState(s string) model.ServiceState {
	switch s {
	case "starting":
		return model.ServiceStarting
	case "running":
		return model.ServiceRunning
	case "stopping":
		return model.ServiceStopping
	case "error":
		return model.ServiceError
	default:
		return model.ServiceStopped
	}
}

func parseRunState(s string) model.RunState {
	switch s {
	case "connecting":
		return model.Connecting
	case "authenticating":
		return model.Authenticating
	case "serving":
		return model.Serving
	case "backoff":
		return model.Backoff
	case "stopping":
		return model.Stopping
	case "stopped":
		return model.Stopped
	case "fatal":
		return model.Fatal
	default:
		return model.Idle
	}
}
