package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sysadminkit/driveflash/pkg/flash"
)

var rootCmd = &cobra.Command{
	Use:   "driveflash",
	Short: "Write disk images to removable drives",
	Long:  `Flashes raw or compressed disk images to one or more drives in parallel, with dismounting, sector-aligned writes and read-back verification.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps failures to shell conventions: 2 for rejected input,
// 130 for an interrupted flash, 1 for everything else.
func exitCode(err error) int {
	switch {
	case errors.Is(err, flash.ErrCancelled):
		return 130
	case errors.Is(err, flash.ErrNoTargets),
		errors.Is(err, flash.ErrDuplicateTarget),
		errors.Is(err, flash.ErrEmptyImage),
		errors.Is(err, flash.ErrImageTooLarge),
		errors.Is(err, flash.ErrSystemDrive):
		return 2
	default:
		return 1
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("verification-enabled", true, "Verify written data by reading it back")
	rootCmd.PersistentFlags().String("validation-mode", "full", "Verification mode: full, sample or skip")
	rootCmd.PersistentFlags().Int64("buffer-size", 64*1024*1024, "Write pipeline memory per drive in bytes")
	rootCmd.PersistentFlags().Int("buffer-count", 16, "Number of chunks the pipeline memory is split into")
	rootCmd.PersistentFlags().Int("probe-max-drives", 128, "Highest physical drive index to probe")
	rootCmd.PersistentFlags().Duration("rescan-interval", 5*time.Second, "Fallback drive rescan cadence")
	rootCmd.PersistentFlags().Int("unmount-attempts", 5, "Volume lock attempts before giving up")
	rootCmd.PersistentFlags().Duration("unmount-base-delay", 100*time.Millisecond, "First retry delay; doubles per attempt")

	viper.BindPFlag("verification-enabled", rootCmd.PersistentFlags().Lookup("verification-enabled"))
	viper.BindPFlag("validation-mode", rootCmd.PersistentFlags().Lookup("validation-mode"))
	viper.BindPFlag("buffer-size", rootCmd.PersistentFlags().Lookup("buffer-size"))
	viper.BindPFlag("buffer-count", rootCmd.PersistentFlags().Lookup("buffer-count"))
	viper.BindPFlag("probe-max-drives", rootCmd.PersistentFlags().Lookup("probe-max-drives"))
	viper.BindPFlag("rescan-interval", rootCmd.PersistentFlags().Lookup("rescan-interval"))
	viper.BindPFlag("unmount-attempts", rootCmd.PersistentFlags().Lookup("unmount-attempts"))
	viper.BindPFlag("unmount-base-delay", rootCmd.PersistentFlags().Lookup("unmount-base-delay"))
}
