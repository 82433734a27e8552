// Command ssh-channels-hub maintains a configured set of SSH
// port-forwarding tunnels, reconnecting automatically on failure, and
// exposes a local start/stop/restart/status/test control plane.
package main

import (
	"os"

	"github.com/sshchannelshub/ssh-channels-hub/internal/cli"
)

// Populated via -ldflags at build time (git rev-parse --short HEAD, git
// describe --tags, go version), the same scheme the teacher's root
// main.go stamped into its version binary.
var (
	gitHash   string
	version   string
	goVersion string
)

func main() {
	os.Exit(cli.Execute(cli.BuildInfo{GitHash: gitHash, Version: version, GoVersion: goVersion}))
}
