// Package cli builds the ssh-channels-hub command tree with
// github.com/spf13/cobra, grounded on the cobra command-tree shape
// used throughout the example pack's own CLI-fronted tools (e.g. a
// root command with one cobra.Command per operator action, flags
// bound via cmd.Flags().*Var).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// ExitCode enumerates the process exit codes from spec §6.
type ExitCode int

const (
	ExitOK             ExitCode = 0
	ExitConfig         ExitCode = 1
	ExitPortInUse      ExitCode = 2
	ExitRuntimeFailure ExitCode = 3
	ExitIPCUnreachable ExitCode = 4
)

// cliError pairs a user-facing message with the exit code it maps to,
// letting subcommand RunE funcs return a cobra-compatible error while
// still controlling the process's final exit status.
type cliError struct {
	code ExitCode
	msg  string
}

func (e *cliError) Error() string { return e.msg }

func exitErr(code ExitCode, format string, args ...interface{}) error {
	return &cliError{code: code, msg: fmt.Sprintf(format, args...)}
}

// BuildInfo carries the version metadata the build stamps in via
// -ldflags (git rev-parse --short HEAD, git describe --tags, go
// version), surfaced through the root command's --version flag.
type BuildInfo struct {
	GitHash   string
	Version   string
	GoVersion string
}

func (b BuildInfo) String() string {
	v := b.Version
	if v == "" {
		v = "dev"
	}
	return fmt.Sprintf("%s (%s, %s)", v, b.GitHash, b.GoVersion)
}

// NewRootCommand builds the ssh-channels-hub command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	root := &cobra.Command{
		Use:           "ssh-channels-hub",
		Short:         "Maintain long-running SSH port-forwarding tunnels with auto-reconnect",
		Version:       info.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the TOML config file (default: discovered per spec)")

	root.AddCommand(newStartCmd(&configPath))
	root.AddCommand(newStopCmd(&configPath))
	root.AddCommand(newRestartCmd(&configPath))
	root.AddCommand(newStatusCmd(&configPath))
	root.AddCommand(newTestCmd(&configPath))
	root.AddCommand(newValidateCmd(&configPath))
	root.AddCommand(newGenerateCmd())
	return root
}

// Execute runs the command tree against os.Args and returns the
// process exit code spec §6 requires.
func Execute(info BuildInfo) int {
	if err := NewRootCommand(info).Execute(); err != nil {
		if ce, ok := err.(*cliError); ok {
			fmt.Fprintln(os.Stderr, ce.msg)
			return int(ce.code)
		}
		fmt.Fprintln(os.Stderr, err)
		return int(ExitConfig)
	}
	return int(ExitOK)
}
