// Package sshconfigimport implements the `generate` CLI subcommand: it
// reads an OpenSSH client config file and emits [[hosts]]/[[channels]]
// entries for the hub's own TOML configuration, grounded on the
// teacher's sshconfig.MetaConfig (which resolves SSH client options for
// a user) but retargeted from "build one ssh.ClientConfig" to "extract
// every configured Host block and its forwards".
package sshconfigimport

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	sshconfig "github.com/kevinburke/ssh_config"

	"github.com/sshchannelshub/ssh-channels-hub/internal/hub"
)

// marker prefixes every block this package writes, so a later
// regeneration can find and replace its own prior output without
// touching hand-written content.
const marker = "# generated-by=ssh-channels-hub"

// HostEntry is one imported ssh_config Host block, reduced to the
// fields the hub's [[hosts]] schema understands.
type HostEntry struct {
	Name     string
	Address  string
	Port     int
	Username string
	KeyPath  string
}

// ChannelEntry is one imported LocalForward/RemoteForward directive,
// reduced to the hub's [[channels]] schema.
type ChannelEntry struct {
	Name        string
	HostName    string // references a HostEntry.Name
	ChannelType string // "direct-tcpip" or "forwarded-tcpip"
	LocalPort   int
	RemotePort  int
	DestHost    string
}

// Result is the full set of config fragments imported from one ssh_config.
type Result struct {
	Hosts    []HostEntry
	Channels []ChannelEntry
}

// ImportHosts parses an OpenSSH client config (as produced by
// kevinburke/ssh_config.DecodeBytes) and returns one HostEntry per
// concrete (non-wildcard) Host pattern that declares a HostName, plus
// at most one ChannelEntry for the first LocalForward and one for the
// first RemoteForward directive found for that alias; further forward
// directives of the same type are not imported. Both slices are sorted
// by name for deterministic output.
func ImportHosts(data []byte) (Result, error) {
	cfg, err := sshconfig.DecodeBytes(data)
	if err != nil {
		return Result{}, hub.New(hub.Config, "parse ssh config", err)
	}

	seen := make(map[string]bool)
	var res Result
	for _, host := range cfg.Hosts {
		for _, pattern := range host.Patterns {
			alias := pattern.String()
			if alias == "" || alias == "*" || strings.ContainsAny(alias, "*?") || seen[alias] {
				continue
			}
			seen[alias] = true

			hostname, _ := cfg.Get(alias, "HostName")
			if hostname == "" {
				// Host blocks without a HostName are typically
				// Include-only or wildcard-refinement stanzas, not a
				// connectable endpoint; skip per SPEC_FULL.md.
				continue
			}
			res.Hosts = append(res.Hosts, hostEntryFor(cfg, alias, hostname))

			if ch, ok := channelFromDirective(cfg, alias, "LocalForward", "direct-tcpip"); ok {
				res.Channels = append(res.Channels, ch)
			}
			if ch, ok := channelFromDirective(cfg, alias, "RemoteForward", "forwarded-tcpip"); ok {
				res.Channels = append(res.Channels, ch)
			}
		}
	}

	sort.Slice(res.Hosts, func(i, j int) bool { return res.Hosts[i].Name < res.Hosts[j].Name })
	sort.Slice(res.Channels, func(i, j int) bool { return res.Channels[i].Name < res.Channels[j].Name })
	return res, nil
}

func hostEntryFor(cfg *sshconfig.Config, alias, hostname string) HostEntry {
	port := 22
	if portStr, _ := cfg.Get(alias, "Port"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}

	username, _ := cfg.Get(alias, "User")

	keyPath, _ := cfg.Get(alias, "IdentityFile")
	if keyPath == "" {
		keyPath = "~/.ssh/id_rsa"
	}

	return HostEntry{Name: alias, Address: hostname, Port: port, Username: username, KeyPath: keyPath}
}

// channelFromDirective resolves the (single, first-occurrence) value
// of a LocalForward/RemoteForward directive for alias and translates
// it into a ChannelEntry. Only the first occurrence per host is
// honored: kevinburke/ssh_config.Config.Get returns the first matching
// value for a key, so hosts with multiple LocalForward/RemoteForward
// lines only have their first imported (documented in DESIGN.md).
func channelFromDirective(cfg *sshconfig.Config, alias, directive, channelType string) (ChannelEntry, bool) {
	value, _ := cfg.Get(alias, directive)
	value = strings.TrimSpace(value)
	if value == "" {
		return ChannelEntry{}, false
	}

	bindPort, destHost, destPort, err := parseForwardDirective(value)
	if err != nil {
		return ChannelEntry{}, false
	}

	entry := ChannelEntry{
		Name:        fmt.Sprintf("%s-%s", alias, strings.ToLower(directive)),
		HostName:    alias,
		ChannelType: channelType,
		DestHost:    destHost,
	}
	if channelType == "direct-tcpip" {
		entry.LocalPort, entry.RemotePort = bindPort, destPort
	} else {
		entry.RemotePort, entry.LocalPort = bindPort, destPort
	}
	return entry, true
}

// parseForwardDirective parses an OpenSSH LocalForward/RemoteForward
// value of the form "[bind_address:]bind_port host:hostport".
func parseForwardDirective(value string) (bindPort int, destHost string, destPort int, err error) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return 0, "", 0, fmt.Errorf("sshconfigimport: unsupported forward directive %q", value)
	}

	bindSpec, destSpec := fields[0], fields[1]

	if strings.Contains(bindSpec, ":") {
		_, portStr, splitErr := net.SplitHostPort(bindSpec)
		if splitErr != nil {
			return 0, "", 0, splitErr
		}
		bindPort, err = strconv.Atoi(portStr)
	} else {
		bindPort, err = strconv.Atoi(bindSpec)
	}
	if err != nil {
		return 0, "", 0, err
	}

	destHostStr, destPortStr, err := net.SplitHostPort(destSpec)
	if err != nil {
		return 0, "", 0, err
	}
	destPort, err = strconv.Atoi(destPortStr)
	if err != nil {
		return 0, "", 0, err
	}
	return bindPort, destHostStr, destPort, nil
}

// Render renders res as a sequence of marker-delimited TOML blocks,
// suitable for writing to stdout or merging into a config file.
func Render(res Result) string {
	var b strings.Builder
	for _, h := range res.Hosts {
		b.WriteString(renderHostBlock(h))
	}
	for _, c := range res.Channels {
		b.WriteString(renderChannelBlock(c))
	}
	return b.String()
}

func renderHostBlock(e HostEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s name=%q\n", marker, e.Name)
	b.WriteString("[[hosts]]\n")
	fmt.Fprintf(&b, "name = %q\n", e.Name)
	fmt.Fprintf(&b, "host = %q\n", e.Address)
	fmt.Fprintf(&b, "port = %d\n", e.Port)
	fmt.Fprintf(&b, "username = %q\n", e.Username)
	b.WriteString("[hosts.auth]\n")
	b.WriteString("type = \"key\"\n")
	fmt.Fprintf(&b, "key_path = %q\n", e.KeyPath)
	b.WriteString("\n")
	return b.String()
}

func renderChannelBlock(c ChannelEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s name=%q\n", marker, c.Name)
	b.WriteString("[[channels]]\n")
	fmt.Fprintf(&b, "name = %q\n", c.Name)
	fmt.Fprintf(&b, "hostname = %q\n", c.HostName)
	fmt.Fprintf(&b, "channel_type = %q\n", c.ChannelType)
	fmt.Fprintf(&b, "ports = %q\n", fmt.Sprintf("%d:%d", c.LocalPort, c.RemotePort))
	fmt.Fprintf(&b, "dest_host = %q\n", c.DestHost)
	b.WriteString("\n")
	return b.String()
}

// Merge writes res into the TOML document at outputPath: every block
// written by a previous Merge is removed (whether or not its name is in
// res), and the blocks rendered from res are appended at the end.
// Anything not produced by a previous Merge (hand-written hosts,
// channels, reconnection settings, comments) is kept.
func Merge(outputPath string, res Result) error {
	existing, err := os.ReadFile(outputPath)
	if err != nil && !os.IsNotExist(err) {
		return hub.New(hub.IO, "read existing config", err)
	}

	kept := stripGeneratedBlocks(string(existing))

	var out strings.Builder
	out.WriteString(kept)
	if kept != "" && !strings.HasSuffix(kept, "\n\n") {
		out.WriteString("\n")
	}
	out.WriteString(Render(res))

	if err := os.WriteFile(outputPath, []byte(out.String()), 0o600); err != nil {
		return hub.Wrap(hub.IO, err, "write generated config")
	}
	return nil
}

// stripGeneratedBlocks removes every marker-delimited block from
// contents, preserving everything else byte-for-byte except trailing
// newlines, which are trimmed.
func stripGeneratedBlocks(contents string) string {
	if contents == "" {
		return ""
	}
	lines := strings.Split(contents, "\n")
	var out []string
	for i := 0; i < len(lines); {
		if strings.HasPrefix(lines[i], marker) {
			i++
			for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
				i++
			}
			if i < len(lines) {
				i++ // consume the blank line terminating the block
			}
			continue
		}
		out = append(out, lines[i])
		i++
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n")
}
