// Package model defines the data types shared across the hub: hosts,
// tunnel specs, reconnection policy, and the runtime state machines
// observed through status queries.
package model

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// AuthKind distinguishes the two supported Host authentication methods.
type AuthKind int

const (
	AuthPassword AuthKind = iota
	AuthKey
)

func (k AuthKind) String() string {
	switch k {
	case AuthPassword:
		return "password"
	case AuthKey:
		return "key"
	default:
		return "unknown"
	}
}

// Auth holds the credentials for one Host. Exactly one of Secret (for
// AuthPassword) or KeyPath (for AuthKey) is meaningful, selected by Kind.
type Auth struct {
	Kind       AuthKind
	Secret     string // password, AuthPassword only
	KeyPath    string // private key path, AuthKey only
	Passphrase string // optional, AuthKey only
}

// Host is an immutable SSH endpoint definition, loaded once from config.
type Host struct {
	Name     string
	Address  string
	Port     int
	Username string
	Auth     Auth
}

// Addr returns the host:port dial target for this Host.
func (h Host) Addr() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// MarshalZerologObject logs a Host without ever surfacing its credentials.
func (h Host) MarshalZerologObject(e *zerolog.Event) {
	e.Str("name", h.Name).Str("address", h.Address).Int("port", h.Port).
		Str("username", h.Username).Str("auth", h.Auth.Kind.String())
}

// TunnelKind distinguishes local and remote SSH port forwards.
type TunnelKind int

const (
	LocalForward TunnelKind = iota
	RemoteForward
)

func (k TunnelKind) String() string {
	switch k {
	case LocalForward:
		return "direct-tcpip"
	case RemoteForward:
		return "forwarded-tcpip"
	default:
		return "unknown"
	}
}

// TunnelSpec is one configured forwarding rule.
type TunnelSpec struct {
	Name       string
	HostRef    string
	Kind       TunnelKind
	LocalPort  int
	RemotePort int
	DestHost   string
	ListenHost string // LocalForward only
}

// MarshalZerologObject logs a TunnelSpec's shape (no secrets to redact here).
func (t TunnelSpec) MarshalZerologObject(e *zerolog.Event) {
	e.Str("name", t.Name).Str("host_ref", t.HostRef).Str("kind", t.Kind.String()).
		Int("local_port", t.LocalPort).Int("remote_port", t.RemotePort).
		Str("dest_host", t.DestHost).Str("listen_host", t.ListenHost)
}

// ReconnectPolicy is the process-wide retry policy applied to every tunnel.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int // 0 = unbounded
	Exponential  bool
}

// Config is the fully loaded, validated configuration.
type Config struct {
	Reconnect ReconnectPolicy
	Hosts     map[string]Host
	Tunnels   []TunnelSpec
}

// HostFor resolves a TunnelSpec's HostRef, returning ok=false if it is
// dangling. Config validation guarantees this never happens for a loaded
// Config, but callers that build a Config by hand (tests) should check.
func (c *Config) HostFor(t TunnelSpec) (Host, bool) {
	h, ok := c.Hosts[t.HostRef]
	return h, ok
}

// RunState enumerates the per-tunnel state machine states from spec §3/§4.4.
type RunState int

const (
	Idle RunState = iota
	Connecting
	Authenticating
	Serving
	Backoff
	Stopping
	Stopped
	Fatal
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Serving:
		return "serving"
	case Backoff:
		return "backoff"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// TunnelRuntimeState is an immutable snapshot of one supervisor's state,
// safe to copy and hand to an observer outside the supervisor's own task.
type TunnelRuntimeState struct {
	Name        string
	State       RunState
	Attempt     int           // meaningful in Connecting/Backoff
	NextDelay   time.Duration // meaningful in Backoff
	Since       time.Time     // meaningful in Serving
	ActiveConns int           // meaningful in Serving
	FatalReason string        // meaningful in Fatal
}

func (s TunnelRuntimeState) MarshalZerologObject(e *zerolog.Event) {
	e.Str("name", s.Name).Str("state", s.State.String()).Int("attempt", s.Attempt).
		Int("active_conns", s.ActiveConns)
	if s.State == Fatal {
		e.Str("fatal_reason", s.FatalReason)
	}
}

// ServiceState is the coarse aggregate state of the Service Manager.
type ServiceState int

const (
	ServiceStopped ServiceState = iota
	ServiceStarting
	ServiceRunning
	ServiceStopping
	ServiceError
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStopped:
		return "stopped"
	case ServiceStarting:
		return "starting"
	case ServiceRunning:
		return "running"
	case ServiceStopping:
		return "stopping"
	case ServiceError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusSnapshot is the synchronous, read-only view returned by
// ServiceManager.Status() and serialized as the IPC "status" response.
type StatusSnapshot struct {
	State          ServiceState
	Summary        string
	ActiveChannels int
	TotalChannels  int
	Channels       []TunnelRuntimeState
}
