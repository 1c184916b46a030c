package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sysadminkit/driveflash/internal/config"
	"github.com/sysadminkit/driveflash/pkg/errors"
	"github.com/sysadminkit/driveflash/pkg/scanner"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List detected drives",
	RunE:  runList,
}

func init() {
	listCmd.Flags().Bool("all", false, "Include system and non-removable drives")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	scn := scanner.New(scanner.Options{
		ProbeMax:       cfg.ProbeMaxDrives,
		RescanInterval: cfg.RescanInterval,
	})
	scn.Rescan()

	all, _ := cmd.Flags().GetBool("all")
	drives := scn.Drives()
	if !all {
		drives = scn.RemovableDrives()
	}

	if len(drives) == 0 {
		fmt.Println("No drives found")
		return nil
	}

	fmt.Printf("%-24s %-10s %-8s %-9s %-6s %-12s %s\n",
		"DEVICE", "SIZE", "BUS", "REMOVABLE", "SYSTEM", "LABEL", "MOUNTS")
	fmt.Println(strings.Repeat("-", 96))

	for _, d := range drives {
		fmt.Printf("%-24s %-10s %-8s %-9s %-6s %-12s %s\n",
			d.DevicePath,
			formatBytes(d.SizeBytes),
			d.Bus.String(),
			yesNo(d.IsRemovable),
			yesNo(d.IsSystem),
			dash(d.VolumeLabel),
			dash(strings.Join(d.MountPoints, " ")),
		)
	}

	return nil
}
