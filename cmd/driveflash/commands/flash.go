package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sysadminkit/driveflash/internal/config"
	"github.com/sysadminkit/driveflash/internal/tui"
	"github.com/sysadminkit/driveflash/pkg/errors"
	"github.com/sysadminkit/driveflash/pkg/flash"
	"github.com/sysadminkit/driveflash/pkg/scanner"
	"github.com/sysadminkit/driveflash/pkg/unmount"
)

var flashCmd = &cobra.Command{
	Use:   "flash <image> <target>...",
	Short: "Write a disk image to one or more drives",
	Long: `Writes the image to every target in parallel. Targets are physical drive
paths like \\.\PhysicalDrive2 or plain files. Compressed images (gzip,
bzip2, xz) are decompressed on the fly.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runFlash,
}

func init() {
	flashCmd.Flags().Bool("no-progress", false, "Disable the progress display")
	rootCmd.AddCommand(flashCmd)
}

func runFlash(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	mode := flash.VerifySkip
	if cfg.VerificationEnabled {
		mode, err = flash.ParseValidationMode(cfg.ValidationMode)
		if err != nil {
			return err
		}
	}

	imagePath := args[0]
	targets := args[1:]

	scn := scanner.New(scanner.Options{
		ProbeMax:       cfg.ProbeMaxDrives,
		RescanInterval: cfg.RescanInterval,
	})
	scn.Rescan()

	unmounter := unmount.New(unmount.RetryPolicy{
		Attempts:  cfg.UnmountAttempts,
		BaseDelay: cfg.UnmountBaseDelay,
	})

	coordinator := flash.NewCoordinator(flash.Options{
		BufferSize:  int(cfg.BufferSize),
		BufferCount: cfg.BufferCount,
		Verify:      mode,
		Drives:      scn,
		Unmounter:   unmounter,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	type flashOutcome struct {
		result *flash.Result
		err    error
	}
	outcome := make(chan flashOutcome, 1)
	go func() {
		result, err := coordinator.Flash(ctx, imagePath, targets)
		outcome <- flashOutcome{result: result, err: err}
	}()

	noProgress, _ := cmd.Flags().GetBool("no-progress")
	if noProgress {
		drainEvents(coordinator.Events())
	} else {
		if _, err := tui.Run(imagePath, coordinator.Events(), coordinator.Cancel); err != nil {
			slog.Warn("progress_display_failed", "error", err)
			drainEvents(coordinator.Events())
		}
	}

	out := <-outcome
	if out.result != nil {
		printResult(out.result)
	}
	return out.err
}

// drainEvents logs drive outcomes until the coordinator finishes.
func drainEvents(events <-chan flash.Event) {
	for ev := range events {
		switch ev := ev.(type) {
		case flash.DriveCompleted:
			slog.Info("drive_completed", "device", ev.DevicePath, "bytes", ev.Result.BytesWritten)
		case flash.DriveFailed:
			slog.Error("drive_failed", "device", ev.DevicePath, "error", ev.Err)
		case flash.OperationCompleted:
			return
		}
	}
}

func printResult(result *flash.Result) {
	fmt.Printf("\n%s: %s\n", result.State, result.Image)
	if result.Checksum != "" {
		fmt.Printf("sha512: %s\n", result.Checksum)
	}
	for _, dr := range result.Drives {
		status := "ok"
		if dr.Cancelled {
			status = "cancelled"
		} else if !dr.OK() {
			status = fmt.Sprintf("failed: %v", dr.Err)
		}
		fmt.Printf("  %-30s %10s written in %s  %s\n",
			dr.DevicePath, formatBytes(dr.BytesWritten), dr.Duration.Round(timeRounding), status)
		if v := dr.Validation; v != nil {
			if v.TargetChecksum != "" {
				fmt.Printf("      target sha512: %s\n", v.TargetChecksum)
			}
			for _, msg := range v.Errors {
				fmt.Printf("      %s\n", msg)
			}
		}
	}
}
