package cli

import (
	"github.com/spf13/cobra"

	"github.com/sshchannelshub/ssh-channels-hub/internal/ipc"
)

func newStopCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfig(*configPath)
			if err != nil {
				return err
			}

			client, err := ipc.Dial(path)
			if err != nil {
				return exitErr(ExitIPCUnreachable, "%v", err)
			}
			defer client.Close()

			if err := client.Stop(); err != nil {
				return exitErr(ExitRuntimeFailure, "%v", err)
			}
			return nil
		},
	}
}
