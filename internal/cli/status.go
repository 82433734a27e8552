package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sshchannelshub/ssh-channels-hub/internal/ipc"
	"github.com/sshchannelshub/ssh-channels-hub/internal/model"
)

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the aggregate and per-tunnel state of a running instance",
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

			snap, err := client.Status()
			if err != nil {
				return exitErr(ExitRuntimeFailure, "%v", err)
			}
			printStatus(snap)
			return nil
		},
	}
}

func printStatus(snap model.StatusSnapshot) {
	fmt.Printf("service: %s", snap.State)
	if snap.Summary != "" {
		fmt.Printf(" (%s)", snap.Summary)
	}
	fmt.Printf(" active=%d/%d\n", snap.ActiveChannels, snap.TotalChannels)

	fmt.Printf("%-20s %-14s %-6s %s\n", "NAME", "STATE", "CONNS", "DETAIL")
	for _, ch := range snap.Channels {
		detail := ""
		switch ch.State {
		case model.Backoff:
			detail = fmt.Sprintf("retry in %s (attempt %d)", ch.NextDelay, ch.Attempt)
		case model.Fatal:
			detail = ch.FatalReason
		}
		fmt.Printf("%-20s %-14s %-6d %s\n", ch.Name, ch.State, ch.ActiveConns, detail)
	}
}
