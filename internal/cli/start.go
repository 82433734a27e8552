package cli

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sshchannelshub/ssh-channels-hub/internal/config"
	"github.com/sshchannelshub/ssh-channels-hub/internal/hub"
	"github.com/sshchannelshub/ssh-channels-hub/internal/ipc"
	"github.com/sshchannelshub/ssh-channels-hub/internal/logging"
	"github.com/sshchannelshub/ssh-channels-hub/internal/servicemgr"
)

// daemonReadyTimeout bounds how long a --daemon parent waits for its
// child to bind the Control IPC listener before giving up.
const daemonReadyTimeout = 10 * time.Second

func newStartCmd(configPath *string) *cobra.Command {
	var daemon bool
	var debug bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start every configured tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfig(*configPath)
			if err != nil {
				return err
			}
			if daemon {
				return runDaemonParent(path, debug)
			}
			return runForeground(path, debug)
		},
	}
	cmd.Flags().BoolVarP(&daemon, "daemon", "D", false, "fork into the background; the parent exits once the child is ready")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable verbose, human-readable logging")
	return cmd
}

func resolveConfig(explicit string) (string, error) {
	path, err := config.Discover(explicit)
	if err != nil {
		return "", exitErr(ExitConfig, "config: %v", err)
	}
	return path, nil
}

// runForeground starts the Service Manager and Control IPC in-process
// and blocks until a termination signal or an IPC "stop" command ends
// it, per spec §4.6 ("stop ... the process exits with code 0").
func runForeground(path string, debug bool) error {
	log := logging.New(debug, os.Stderr)

	cfg, err := config.Load(path)
	if err != nil {
		return exitErr(ExitConfig, "%v", err)
	}

	mgr := servicemgr.NewDefault(cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		if kind, ok := hub.KindOf(err); ok && kind == hub.PortInUse {
			return exitErr(ExitPortInUse, "%v", err)
		}
		return exitErr(ExitRuntimeFailure, "%v", err)
	}

	srv := ipc.NewServer(mgr, path, log)
	done := make(chan struct{})
	srv.OnStop = func() { close(done) }

	if err := srv.Start(ctx); err != nil {
		_ = mgr.Stop()
		return exitErr(ExitRuntimeFailure, "%v", err)
	}

	select {
	case <-ctx.Done():
	case <-done:
	}

	_ = mgr.Stop()
	srv.Close()
	return nil
}

// runDaemonParent re-executes the current binary as a detached
// foreground child and waits for its Control IPC listener to come up,
// per spec §6 ("the parent returns 0 immediately after the child has
// bound its IPC port and written sidecar files").
func runDaemonParent(path string, debug bool) error {
	exe, err := os.Executable()
	if err != nil {
		return exitErr(ExitRuntimeFailure, "resolve executable path: %v", err)
	}

	args := []string{"start", "--config", path}
	if debug {
		args = append(args, "--debug")
	}

	child := exec.Command(exe, args...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0); err == nil {
		child.Stdin, child.Stdout, child.Stderr = devnull, devnull, devnull
	}

	if err := child.Start(); err != nil {
		return exitErr(ExitRuntimeFailure, "spawn daemon child: %v", err)
	}
	_ = child.Process.Release()

	if !waitForPortFile(path, daemonReadyTimeout) {
		return exitErr(ExitRuntimeFailure, "daemon did not become ready within %s", daemonReadyTimeout)
	}
	return nil
}

func waitForPortFile(path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, running, _ := ipc.RunningPort(path); running {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func waitForPortFileGone(path string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, running, _ := ipc.RunningPort(path); !running {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
