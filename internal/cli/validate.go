package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sshchannelshub/ssh-channels-hub/internal/config"
)

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the config file without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfig(*configPath)
			if err != nil {
				return err
			}

			cfg, err := config.Load(path)
			if err != nil {
				return exitErr(ExitConfig, "%v", err)
			}
			fmt.Printf("ok: %s: %d host(s), %d channel(s)\n", path, len(cfg.Hosts), len(cfg.Tunnels))
			return nil
		},
	}
}
