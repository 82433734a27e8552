// Package config loads and validates the TOML configuration file described
// in spec §6: the [reconnection] policy, [[hosts]] table, and [[channels]]
// table, decoded with github.com/pelletier/go-toml/v2 into internal/model
// types.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/sshchannelshub/ssh-channels-hub/internal/addr"
	"github.com/sshchannelshub/ssh-channels-hub/internal/hub"
	"github.com/sshchannelshub/ssh-channels-hub/internal/model"
)

// rawAuth mirrors [hosts.auth] in the TOML schema.
type rawAuth struct {
	Type       string `toml:"type"`
	Password   string `toml:"password"`
	KeyPath    string `toml:"key_path"`
	Passphrase string `toml:"passphrase"`
}

type rawHost struct {
	Name     string  `toml:"name"`
	Host     string  `toml:"host"`
	Port     int     `toml:"port"`
	Username string  `toml:"username"`
	Auth     rawAuth `toml:"auth"`
}

type rawChannel struct {
	Name        string `toml:"name"`
	Hostname    string `toml:"hostname"`
	Ports       string `toml:"ports"`
	ChannelType string `toml:"channel_type"`
	DestHost    string `toml:"dest_host"`
	ListenHost  string `toml:"listen_host"`
}

type rawReconnection struct {
	MaxRetries            int  `toml:"max_retries"`
	InitialDelaySecs       int  `toml:"initial_delay_secs"`
	MaxDelaySecs           int  `toml:"max_delay_secs"`
	UseExponentialBackoff *bool `toml:"use_exponential_backoff"`
}

type rawConfig struct {
	Reconnection rawReconnection `toml:"reconnection"`
	Hosts        []rawHost       `toml:"hosts"`
	Channels     []rawChannel    `toml:"channels"`
}

// Discover returns the config file path to use, following spec §6's
// discovery order: an explicit --config path wins if given; otherwise
// ./configs.toml, then the platform user-config directory.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	if _, err := os.Stat("configs.toml"); err == nil {
		return "configs.toml", nil
	}

	dir, err := userConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ssh-channels-hub", "config.toml"), nil
}

func userConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return xdg, nil
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return appData, nil
		}
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config"), nil
}

func homeDir() (string, error) {
	if h := os.Getenv("HOME"); h != "" {
		return h, nil
	}
	if h := os.Getenv("USERPROFILE"); h != "" {
		return h, nil
	}
	return "", fmt.Errorf("config: cannot determine home directory (HOME/USERPROFILE unset)")
}

// ExpandHome expands a leading "~" in p to the invoking user's home
// directory, per spec §6's environment contract.
func ExpandHome(p string) (string, error) {
	if p == "" || p[0] != '~' {
		return p, nil
	}
	if len(p) > 1 && p[1] != '/' && p[1] != '\\' {
		// "~otheruser/..." is not supported; leave untouched.
		return p, nil
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}

// Load reads and parses the TOML file at path, then validates it into a
// model.Config. All decode and validation failures are classified as
// hub.Config errors, which are fatal at startup per spec §7.
func Load(path string) (*model.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, hub.New(hub.IO, fmt.Sprintf("read config %s", path), err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, hub.New(hub.Config, fmt.Sprintf("parse config %s", path), err)
	}

	return convert(raw)
}

func convert(raw rawConfig) (*model.Config, error) {
	cfg := &model.Config{
		Reconnect: reconnectPolicy(raw.Reconnection),
		Hosts:     make(map[string]model.Host, len(raw.Hosts)),
	}

	for _, rh := range raw.Hosts {
		h, err := convertHost(rh)
		if err != nil {
			return nil, err
		}
		if h.Name == "" {
			return nil, hub.New(hub.Config, "host entry is missing a name", nil)
		}
		if _, dup := cfg.Hosts[h.Name]; dup {
			return nil, hub.New(hub.Config, fmt.Sprintf("duplicate host name %q", h.Name), nil)
		}
		cfg.Hosts[h.Name] = h
	}

	seenTunnel := make(map[string]bool, len(raw.Channels))
	seenLocal := make(map[string]string, len(raw.Channels))
	for _, rc := range raw.Channels {
		t, err := convertChannel(rc)
		if err != nil {
			return nil, err
		}
		if t.Name == "" {
			return nil, hub.New(hub.Config, "channel entry is missing a name", nil)
		}
		if seenTunnel[t.Name] {
			return nil, hub.New(hub.Config, fmt.Sprintf("duplicate tunnel name %q", t.Name), nil)
		}
		seenTunnel[t.Name] = true

		if _, ok := cfg.Hosts[t.HostRef]; !ok {
			return nil, hub.New(hub.Config, fmt.Sprintf("tunnel %q references unknown host %q", t.Name, t.HostRef), nil)
		}

		if t.Kind == model.LocalForward {
			key := addr.JoinHostPort(t.ListenHost, t.LocalPort)
			if prev, dup := seenLocal[key]; dup {
				return nil, hub.New(hub.Config, fmt.Sprintf("tunnels %q and %q both bind %s", prev, t.Name, key), nil)
			}
			seenLocal[key] = t.Name
		}

		cfg.Tunnels = append(cfg.Tunnels, t)
	}

	return cfg, nil
}

func reconnectPolicy(r rawReconnection) model.ReconnectPolicy {
	initial := r.InitialDelaySecs
	if initial == 0 {
		initial = 1
	}
	maxDelay := r.MaxDelaySecs
	if maxDelay == 0 {
		maxDelay = 30
	}
	exponential := true
	if r.UseExponentialBackoff != nil {
		exponential = *r.UseExponentialBackoff
	}
	return model.ReconnectPolicy{
		InitialDelay: time.Duration(initial) * time.Second,
		MaxDelay:     time.Duration(maxDelay) * time.Second,
		MaxAttempts:  r.MaxRetries,
		Exponential:  exponential,
	}
}

func convertHost(rh rawHost) (model.Host, error) {
	port := rh.Port
	if port == 0 {
		port = 22
	}
	if port < 1 || port > 65535 {
		return model.Host{}, hub.New(hub.Config, fmt.Sprintf("host %q: port %d out of range", rh.Name, port), nil)
	}

	auth, err := convertAuth(rh.Name, rh.Auth)
	if err != nil {
		return model.Host{}, err
	}

	return model.Host{
		Name:     rh.Name,
		Address:  rh.Host,
		Port:     port,
		Username: rh.Username,
		Auth:     auth,
	}, nil
}

func convertAuth(hostName string, ra rawAuth) (model.Auth, error) {
	switch strings.ToLower(ra.Type) {
	case "password":
		return model.Auth{Kind: model.AuthPassword, Secret: ra.Password}, nil
	case "key":
		path, err := ExpandHome(ra.KeyPath)
		if err != nil {
			return model.Auth{}, hub.New(hub.Config, fmt.Sprintf("host %q: key_path", hostName), err)
		}
		return model.Auth{Kind: model.AuthKey, KeyPath: path, Passphrase: ra.Passphrase}, nil
	default:
		return model.Auth{}, hub.New(hub.Config, fmt.Sprintf("host %q: unknown auth type %q", hostName, ra.Type), nil)
	}
}

func convertChannel(rc rawChannel) (model.TunnelSpec, error) {
	kind := model.LocalForward
	switch rc.ChannelType {
	case "", "direct-tcpip":
		kind = model.LocalForward
	case "forwarded-tcpip":
		kind = model.RemoteForward
	default:
		return model.TunnelSpec{}, hub.New(hub.Config, fmt.Sprintf("channel %q: unknown channel_type %q", rc.Name, rc.ChannelType), nil)
	}

	pair, err := addr.ParsePortPair(rc.Ports)
	if err != nil {
		return model.TunnelSpec{}, hub.New(hub.Config, fmt.Sprintf("channel %q", rc.Name), err)
	}

	destHost := rc.DestHost
	if destHost == "" {
		destHost = "127.0.0.1"
	}
	listenHost := rc.ListenHost
	if listenHost == "" {
		listenHost = "127.0.0.1"
	}

	t := model.TunnelSpec{
		Name:       rc.Name,
		HostRef:    rc.Hostname,
		Kind:       kind,
		LocalPort:  pair.A,
		RemotePort: pair.B,
		DestHost:   destHost,
	}
	if kind == model.LocalForward {
		t.ListenHost = listenHost
	}

	return t, nil
}

// LocalEndpoints returns the sorted "(listen_host, local_port)" strings of
// every LocalForward tunnel, for use in diagnostics (e.g. the stderr
// listing of busy endpoints on a preflight failure, spec §6 exit code 2).
func LocalEndpoints(cfg *model.Config) []string {
	var out []string
	for _, t := range cfg.Tunnels {
		if t.Kind == model.LocalForward {
			out = append(out, addr.JoinHostPort(t.ListenHost, t.LocalPort))
		}
	}
	sort.Strings(out)
	return out
}
