package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// newVersionCommand prints the build information injected by ldflags.
func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "assembler %s\n  commit:  %s\n  built:   %s\n  go:      %s\n",
				version, commit, buildDate, runtime.Version())
			return nil
		},
	}
}
