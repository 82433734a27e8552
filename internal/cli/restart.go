package cli

import (
	"github.com/spf13/cobra"

	"github.com/sshchannelshub/ssh-channels-hub/internal/ipc"
)

// newRestartCmd is a CLI-level composite, not an IPC wire command:
// stop whatever instance is currently running for this config (if
// any), wait for its sidecar to clear, then start a fresh daemon.
func newRestartCmd(configPath *string) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop a running instance (if any) and start a fresh daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfig(*configPath)
			if err != nil {
				return err
			}

			if client, dialErr := ipc.Dial(path); dialErr == nil {
				stopErr := client.Stop()
				client.Close()
				if stopErr != nil {
					return exitErr(ExitRuntimeFailure, "stop existing instance: %v", stopErr)
				}
				waitForPortFileGone(path, daemonReadyTimeout)
			}

			return runDaemonParent(path, debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "enable verbose, human-readable logging for the new daemon")
	return cmd
}
