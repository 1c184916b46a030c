package flash

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sysadminkit/driveflash/pkg/device"
	"github.com/sysadminkit/driveflash/pkg/errors"
	"github.com/sysadminkit/driveflash/pkg/scanner"
	"github.com/sysadminkit/driveflash/pkg/source"
	"github.com/sysadminkit/driveflash/pkg/unmount"
)

const progressInterval = 100 * time.Millisecond

// cancelDrain is how long Flash waits for workers to wind down after a
// cancel before surrendering. A variable so tests can shorten the wait.
var cancelDrain = 5 * time.Second

// DriveProvider answers policy questions about target drives. The scanner
// satisfies it; tests substitute fakes.
type DriveProvider interface {
	DriveInfo(devicePath string) (scanner.DriveInfo, bool)
	IsSystemDrive(devicePath string) bool
}

// Options configures a Coordinator.
type Options struct {
	// BufferSize is the per-drive pipeline memory budget; BufferCount is
	// how many chunks it is split into.
	BufferSize  int
	BufferCount int

	Verify ValidationMode

	// Opener defaults to the platform device opener.
	Opener device.Opener

	// Drives, when set, is consulted for system-drive refusal and size
	// checks on targets it knows. Targets it does not know, such as
	// file-backed images, are checked against device geometry only.
	Drives DriveProvider

	// Unmounter, when set, dismounts target volumes before writing.
	Unmounter *unmount.Unmounter
}

// Coordinator runs one multi-drive flash operation. It is single-shot: after
// reaching a terminal state, build a new Coordinator for the next operation.
type Coordinator struct {
	opts   Options
	events chan Event

	stop atomic.Bool

	mu      sync.Mutex
	state   State
	running bool
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.BufferCount <= 0 {
		opts.BufferCount = DefaultBufferCount
	}
	if opts.Opener == nil {
		opts.Opener = device.SystemOpener{}
	}
	return &Coordinator{
		opts:   opts,
		events: make(chan Event, 256),
		state:  StateIdle,
	}
}

// Events returns the notification stream for this operation.
func (c *Coordinator) Events() <-chan Event { return c.events }

// State returns the current phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cancel requests a cooperative stop. Workers observe the flag between
// buffer writes; Flash then waits up to five seconds for them to drain.
func (c *Coordinator) Cancel() {
	if c.stop.CompareAndSwap(false, true) {
		slog.Info("flash_cancel_requested")
	}
}

func (c *Coordinator) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from != to {
		slog.Info("flash_state_changed", "from", from.String(), "to", to.String())
		c.emit(StateChanged{From: from, To: to})
	}
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		slog.Debug("flash_event_dropped")
	}
}

// Flash writes the image at imagePath to every target, in parallel, and
// blocks until the operation reaches a terminal state. Each drive succeeds
// or fails independently; the operation fails if any drive does.
func (c *Coordinator) Flash(ctx context.Context, imagePath string, targets []string) (*Result, error) {
	c.mu.Lock()
	if c.running || c.state.Terminal() {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.running = true
	c.mu.Unlock()

	start := time.Now()
	result := &Result{Image: imagePath}

	fail := func(err error) (*Result, error) {
		final := StateFailed
		if err == ErrCancelled {
			final = StateCancelled
		}
		c.setState(final)
		c.emit(OperationError{Err: err})
		result.State = final
		result.Duration = time.Since(start)
		c.emit(OperationCompleted{Result: *result})
		return result, err
	}

	c.setState(StateValidating)
	probe, compressed, err := c.validate(ctx, imagePath, targets)
	if err != nil {
		return fail(err)
	}
	result.Checksum = probe.checksum

	c.setState(StateUnmounting)
	c.unmountTargets(targets)
	defer func() {
		if c.opts.Unmounter != nil {
			c.opts.Unmounter.ReleaseAll()
		}
	}()

	c.setState(StateFlashing)
	workers := make([]*worker, len(targets))
	for i, target := range targets {
		workers[i] = &worker{
			devicePath:       target,
			imagePath:        imagePath,
			opener:           c.opts.Opener,
			bufferSize:       c.opts.BufferSize,
			bufferCount:      c.opts.BufferCount,
			mode:             c.opts.Verify,
			stop:             &c.stop,
			expectedChecksum: probe.checksum,
		}
	}

	results := make([]DriveResult, len(targets))
	recorded := make([]bool, len(targets))
	var resMu sync.Mutex
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := workers[i].run()
			resMu.Lock()
			results[i] = r
			recorded[i] = true
			resMu.Unlock()
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	c.superviseWorkers(ctx, workers, compressed, done)

	// After a drain timeout some workers may still be running. Their slot
	// gets a synthesized cancelled result; the late write lands under the
	// mutex and is never read again.
	resMu.Lock()
	drives := make([]DriveResult, len(targets))
	copy(drives, results)
	for i := range drives {
		if !recorded[i] {
			snap := workers[i].snapshot()
			drives[i] = DriveResult{
				DevicePath:   targets[i],
				BytesWritten: snap.written,
				Err:          ErrCancelled,
				Cancelled:    true,
			}
			slog.Warn("flash_worker_abandoned", "device", targets[i], "bytes", snap.written)
		}
	}
	resMu.Unlock()
	result.Drives = drives

	for _, dr := range drives {
		if dr.OK() {
			c.emit(DriveCompleted{DevicePath: dr.DevicePath, Result: dr})
		} else {
			c.emit(DriveFailed{DevicePath: dr.DevicePath, Err: dr.Err})
		}
	}

	final := StateCompleted
	var opErr error
	for _, dr := range drives {
		if dr.Cancelled {
			final = StateCancelled
			opErr = ErrCancelled
			break
		}
		if !dr.OK() {
			final = StateFailed
			opErr = dr.Err
		}
	}
	if c.stop.Load() && final != StateFailed {
		final = StateCancelled
		opErr = ErrCancelled
	}

	c.setState(final)
	result.State = final
	result.Duration = time.Since(start)
	c.emit(OperationCompleted{Result: *result})
	slog.Info("flash_operation_finished",
		"state", final.String(),
		"drives", len(targets),
		"duration", result.Duration.Round(time.Millisecond).String(),
	)
	return result, opErr
}

// probeInfo carries what validation learned about the image.
type probeInfo struct {
	totalBytes int64
	checksum   string
}

// validate rejects bad inputs before anything touches a drive: unreadable or
// empty images, system-drive targets, images larger than their device. For
// verified flashes it also precomputes the source checksum here, while no
// drive is held locked.
func (c *Coordinator) validate(ctx context.Context, imagePath string, targets []string) (probeInfo, bool, error) {
	var probe probeInfo

	if len(targets) == 0 {
		return probe, false, ErrNoTargets
	}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if seen[t] {
			return probe, false, errors.Wrapf(ErrDuplicateTarget, "%s", t)
		}
		seen[t] = true
	}

	src, err := source.New(imagePath)
	if err != nil {
		return probe, false, errors.Wrap(err, "image")
	}
	if err := src.Open(); err != nil {
		return probe, false, errors.Wrap(err, "image")
	}
	defer src.Close()

	meta := src.Metadata()
	if meta.SizeBytes == 0 {
		return probe, false, ErrEmptyImage
	}

	probe.totalBytes = meta.UncompressedSizeBytes
	if probe.totalBytes <= 0 {
		probe.totalBytes = src.Size()
	}

	if c.opts.Verify != VerifySkip {
		sum, err := c.checksumSource(ctx, src)
		if err != nil {
			return probe, false, err
		}
		probe.checksum = sum
	}

	// Compressed images with unknown uncompressed size cannot be size
	// checked here; the worker's write loop rejects them against device
	// capacity instead.
	imageSize := meta.UncompressedSizeBytes
	if !meta.IsCompressed {
		imageSize = probe.totalBytes
	}
	for _, target := range targets {
		if err := c.validateTarget(target, imageSize); err != nil {
			return probe, false, err
		}
	}

	return probe, meta.IsCompressed, nil
}

// checksumSource streams the logical image through SHA-512, checking for
// cancellation between chunks so a cancel during a long validation phase is
// honored promptly.
func (c *Coordinator) checksumSource(ctx context.Context, src source.ImageSource) (string, error) {
	digest := sha512.New()
	buf := make([]byte, 1<<20)
	for {
		if c.stop.Load() || ctx.Err() != nil {
			return "", ErrCancelled
		}
		n, err := src.Read(buf)
		if n > 0 {
			digest.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.Wrap(err, "checksum image")
		}
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// validateTarget applies drive policy to one target. The size check uses the
// uncompressed image size when known; a compressed image with unknown size
// fails at write time instead if the device is too small.
func (c *Coordinator) validateTarget(target string, imageSize int64) error {
	if c.opts.Drives != nil {
		if c.opts.Drives.IsSystemDrive(target) {
			return errors.Wrapf(ErrSystemDrive, "%s", target)
		}
		if info, ok := c.opts.Drives.DriveInfo(target); ok {
			if imageSize > 0 && imageSize > info.SizeBytes {
				return errors.Wrapf(ErrImageTooLarge, "%s: image %d > device %d", target, imageSize, info.SizeBytes)
			}
			return nil
		}
	}

	dev, err := c.opts.Opener.Open(target)
	if err != nil {
		return errors.Wrapf(err, "open target %s", target)
	}
	defer dev.Close()

	geo, err := dev.Geometry()
	if err != nil {
		return errors.Wrapf(err, "geometry of %s", target)
	}
	if imageSize > 0 && imageSize > geo.SizeBytes {
		return errors.Wrapf(ErrImageTooLarge, "%s: image %d > device %d", target, imageSize, geo.SizeBytes)
	}
	return nil
}

// unmountTargets dismounts the volumes of physical-drive targets. Failures
// are logged as warnings; the worker's own lock attempt is the backstop.
func (c *Coordinator) unmountTargets(targets []string) {
	if c.opts.Unmounter == nil {
		return
	}
	for _, target := range targets {
		driveNumber, ok := physicalDriveNumber(target)
		if !ok {
			continue
		}
		if err := c.opts.Unmounter.UnmountDrive(driveNumber); err != nil {
			slog.Warn("unmount_incomplete", "device", target, "error", err)
			if c.opts.Drives != nil {
				if info, found := c.opts.Drives.DriveInfo(target); found {
					unmount.LogBlockingProcesses(info.MountPoints)
				}
			}
		}
		unmount.TakeOffline(driveNumber)
	}
}

// physicalDriveNumber extracts N from \\.\PhysicalDriveN paths.
func physicalDriveNumber(path string) (uint32, bool) {
	const prefix = `\\.\PhysicalDrive`
	if !strings.HasPrefix(path, prefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(path[len(prefix):], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// superviseWorkers emits throttled aggregate progress until all workers
// finish, honoring context cancellation and the five second cancel drain.
func (c *Coordinator) superviseWorkers(ctx context.Context, workers []*worker, compressed bool, done <-chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	var drain <-chan time.Time
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			c.Cancel()
			if drain == nil {
				timer := time.NewTimer(cancelDrain)
				defer timer.Stop()
				drain = timer.C
			}
		case <-drain:
			slog.Warn("flash_cancel_drain_timeout")
			return
		case <-ticker.C:
			c.emit(ProgressUpdated{Progress: c.aggregate(workers, compressed)})
			if c.stop.Load() && drain == nil {
				timer := time.NewTimer(cancelDrain)
				defer timer.Stop()
				drain = timer.C
			}
		}
	}
}

// aggregate sums worker snapshots into one Progress. Compressed sources cap
// at 99 percent because their total is an estimate until the stream ends.
func (c *Coordinator) aggregate(workers []*worker, compressed bool) Progress {
	agg := Progress{Phase: StateFlashing}
	phase := StateFlashing
	for _, w := range workers {
		snap := w.snapshot()
		agg.BytesWritten += snap.written
		agg.TotalBytes += snap.total
		agg.SpeedMBps += snap.speed
		if !snap.phase.Terminal() && snap.phase > phase {
			phase = snap.phase
		}
		switch snap.phase {
		case StateCompleted:
			agg.CompletedDrives++
		case StateFailed, StateCancelled:
			agg.FailedDrives++
		case StateFlashing, StateDecompressing, StateVerifying:
			agg.ActiveDrives++
		}
	}
	agg.Phase = phase
	agg.Operation = operationText(phase, agg.ActiveDrives)

	if agg.TotalBytes > 0 {
		agg.Percent = int(agg.BytesWritten * 100 / agg.TotalBytes)
	}
	if agg.Percent > 100 {
		agg.Percent = 100
	}
	if compressed && agg.Percent > 99 {
		agg.Percent = 99
	}
	return agg
}

func operationText(phase State, active int) string {
	switch phase {
	case StateDecompressing:
		return fmt.Sprintf("decompressing and writing, %d active", active)
	case StateFlashing:
		return fmt.Sprintf("writing image, %d active", active)
	case StateVerifying:
		return fmt.Sprintf("verifying, %d active", active)
	}
	return phase.String()
}
