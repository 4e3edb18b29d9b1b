// Package main provides the entry point for the thinbackup CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/borgthin/thinbackup/cmd/thinbackup/commands"
	"github.com/borgthin/thinbackup/pkg/version"
)

func main() {
	version.InitBinaryVersion()

	rootCmd := &cobra.Command{
		Use:   "thinbackup",
		Short: "thinbackup - incremental backup of LVM thin volumes",
		Long: `thinbackup takes incremental backups of LVM thin-provisioned
logical volumes by diffing successive thin-pool metadata snapshots.

Commands:
  tcreate   Back up one or more volumes into a named archive
  list      List thin volumes known to the configured volume group/pool`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "path to config file (default: .thinbackup.yaml in CWD or $HOME)")

	rootCmd.AddCommand(commands.NewTCreateCommand())
	rootCmd.AddCommand(commands.NewListCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
