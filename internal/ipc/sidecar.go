package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sshchannelshub/ssh-channels-hub/internal/hub"
)

// StaleLockTimeout bounds the dial attempt used to distinguish a live
// daemon from a stale sidecar left behind by a crash, per spec §6.
const StaleLockTimeout = 1 * time.Second

// SidecarPaths returns the .port and .pid sidecar paths for configPath,
// per spec §6: same parent directory, stem equal to the config
// filename with extensions .port and .pid.
func SidecarPaths(configPath string) (portPath, pidPath string) {
	dir := filepath.Dir(configPath)
	stem := strings.TrimSuffix(filepath.Base(configPath), filepath.Ext(configPath))
	return filepath.Join(dir, stem+".port"), filepath.Join(dir, stem+".pid")
}

// WritePortFile writes port as decimal ASCII plus LF to path.
func WritePortFile(path string, port int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(port)+"\n"), 0o600)
}

// WritePIDFile writes the current process's PID as decimal ASCII plus
// LF to path.
func WritePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600)
}

// ReadPortFile reads and parses the port sidecar at path.
func ReadPortFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("ipc: malformed port sidecar %s: %w", path, err)
	}
	return port, nil
}

// RemoveSidecarFiles removes both sidecar files, ignoring "already
// gone" errors.
func RemoveSidecarFiles(portPath, pidPath string) {
	_ = os.Remove(portPath)
	_ = os.Remove(pidPath)
}

// RunningPort checks whether a daemon for configPath is currently
// reachable. It returns (0, false, nil) when no port sidecar exists, or
// when one exists but does not accept a connection within
// StaleLockTimeout (a stale lockfile, per spec §6, which callers should
// treat as "no daemon running").
func RunningPort(configPath string) (port int, running bool, err error) {
	portPath, _ := SidecarPaths(configPath)
	port, err = ReadPortFile(portPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, hub.New(hub.IO, "read port sidecar", err)
	}

	conn, dialErr := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), StaleLockTimeout)
	if dialErr != nil {
		return 0, false, nil
	}
	conn.Close()
	return port, true, nil
}
