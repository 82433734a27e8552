package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sshchannelshub/ssh-channels-hub/internal/sshconfigimport"
)

func newGenerateCmd() *cobra.Command {
	var sshConfigPath string
	var outputPath string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Import ~/.ssh/config hosts and forwards into hub [[hosts]]/[[channels]] config",
		RunE: func(cmd *cobra.Command, args []string) error {
			srcPath := sshConfigPath
			if srcPath == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return exitErr(ExitConfig, "resolve home directory: %v", err)
				}
				srcPath = filepath.Join(home, ".ssh", "config")
			}

			data, err := os.ReadFile(srcPath)
			if err != nil {
				return exitErr(ExitConfig, "read %s: %v", srcPath, err)
			}

			res, err := sshconfigimport.ImportHosts(data)
			if err != nil {
				return exitErr(ExitConfig, "%v", err)
			}

			if outputPath == "" {
				fmt.Print(sshconfigimport.Render(res))
				return nil
			}

			if err := sshconfigimport.Merge(outputPath, res); err != nil {
				return exitErr(ExitConfig, "%v", err)
			}
			fmt.Printf("imported %d host(s), %d channel(s) from %s into %s\n", len(res.Hosts), len(res.Channels), srcPath, outputPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&sshConfigPath, "ssh-config", "", "path to the OpenSSH client config to import (default ~/.ssh/config)")
	cmd.Flags().StringVar(&outputPath, "output", "", "path to merge generated config into (default: print to stdout)")
	return cmd
}
