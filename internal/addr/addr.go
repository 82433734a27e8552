// Package addr provides small net.Addr helpers shared by the port
// preflight check, the forwarder, and the config's "ports" field parser.
package addr

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ListenFunc is a package variable so tests can mock bind behavior, the
// same indirection the teacher package used for its ephemeral-port
// listener.
var ListenFunc = Listen

// Listen binds a TCP listener at network/address. It exists as a single
// choke point so the port preflight check and the forwarder's real bind
// go through identical code, and so tests can substitute a fake.
func Listen(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}

// ProbeFree attempts to bind network/address and immediately releases the
// listener. It reports whether the endpoint was free to bind.
func ProbeFree(network, address string) error {
	l, err := ListenFunc(network, address)
	if err != nil {
		return err
	}
	return l.Close()
}

// PortPair is a parsed "A:B" ports specification from a [[channels]] TOML
// entry, where the meaning of A and B depends on the channel's kind.
type PortPair struct {
	A int
	B int
}

// ParsePortPair parses the "A:B" form used by the TOML ports field: two
// decimal numbers in the 1-65535 range separated by a colon.
func ParsePortPair(s string) (PortPair, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return PortPair{}, fmt.Errorf("invalid ports %q: expected \"A:B\"", s)
	}
	a, err := parsePort(parts[0])
	if err != nil {
		return PortPair{}, fmt.Errorf("invalid ports %q: %w", s, err)
	}
	b, err := parsePort(parts[1])
	if err != nil {
		return PortPair{}, fmt.Errorf("invalid ports %q: %w", s, err)
	}
	return PortPair{A: a, B: b}, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("out of range 1-65535: %d", n)
	}
	return n, nil
}

// JoinHostPort formats host/port the way every dial/listen call in the
// hub expects it — net.JoinHostPort handles IPv6 bracketing for us.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
