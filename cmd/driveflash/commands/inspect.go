package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sysadminkit/driveflash/pkg/errors"
	"github.com/sysadminkit/driveflash/pkg/source"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <image>",
	Short: "Show image format, sizes and optionally its checksum",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().Bool("checksum", false, "Compute the SHA-512 of the logical image")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	src, err := source.New(args[0])
	if err != nil {
		return errors.Wrap(err, "open image")
	}
	if err := src.Open(); err != nil {
		return errors.Wrap(err, "open image")
	}
	defer src.Close()

	meta := src.Metadata()
	fmt.Printf("%-14s %s\n", "path", meta.Path)
	fmt.Printf("%-14s %s\n", "format", meta.Format)
	fmt.Printf("%-14s %s\n", "compressed", yesNo(meta.IsCompressed))
	fmt.Printf("%-14s %s\n", "size on disk", formatBytes(meta.SizeBytes))
	fmt.Printf("%-14s %s\n", "image size", formatBytes(meta.UncompressedSizeBytes))

	withChecksum, _ := cmd.Flags().GetBool("checksum")
	if withChecksum {
		lastShown := -1
		sum, err := src.ComputeChecksum(func(percent int) {
			if percent/10 > lastShown/10 {
				lastShown = percent
				fmt.Printf("\rhashing... %3d%%", percent)
			}
		})
		if err != nil {
			return errors.Wrap(err, "checksum")
		}
		fmt.Printf("\r%-14s %s\n", "sha512", sum)
	}

	return nil
}
