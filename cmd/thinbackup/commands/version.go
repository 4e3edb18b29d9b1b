package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/borgthin/thinbackup/pkg/version"
)

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cobraCmd *cobra.Command, _ []string) {
			fmt.Fprintf(cobraCmd.OutOrStdout(), "thinbackup %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
