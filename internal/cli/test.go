package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sshchannelshub/ssh-channels-hub/internal/ipc"
)

func newTestCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Check that a running instance's Control IPC endpoint is reachable",
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

			if err := client.Test(); err != nil {
				return exitErr(ExitRuntimeFailure, "%v", err)
			}
			fmt.Println("ok")
			return nil
		},
	}
}
