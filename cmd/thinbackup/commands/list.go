package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/borgthin/thinbackup/internal/config"
)

// ListCommand holds list's flags.
type ListCommand struct {
	spec     string
	selector string
}

// NewListCommand creates and configures the list command.
func NewListCommand() *cobra.Command {
	lc := &ListCommand{}

	cobraCmd := &cobra.Command{
		Use:   "list [vg/lv]",
		Short: "List thin volumes visible to the configured LVM tooling",
		Args:  cobra.MaximumNArgs(1),
		RunE:  lc.run,
	}

	cobraCmd.Flags().StringVar(&lc.selector, "select", "", "lvs --select expression to further narrow the listing")

	return cobraCmd
}

func (lc *ListCommand) run(cobraCmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		lc.spec = args[0]
	}

	configPath, _ := cobraCmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg, false, slog.LevelInfo)

	inspector, err := newInspector(cfg, log)
	if err != nil {
		return err
	}

	volumes, err := inspector.ListVolumes(cobraCmd.Context(), lc.spec, lc.selector)
	if err != nil {
		return fmt.Errorf("list volumes: %w", err)
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(os.Stdout)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"VG", "LV", "Size", "Thin ID", "Pool", "UUID"})

	for _, v := range volumes {
		tbl.AppendRow(table.Row{v.VG, v.LV, humanize.Bytes(v.SizeBytes), v.ThinID, v.PoolPath, v.UUID})
	}

	tbl.AppendFooter(table.Row{"", "", "", "", "", fmt.Sprintf("%d volume(s)", len(volumes))})
	tbl.Render()

	return nil
}
