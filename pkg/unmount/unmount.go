// Package unmount takes the volumes of a physical drive out of use before
// raw writes begin. Mount points are removed, then each volume is locked and
// dismounted with retries; the locked handles stay open until the caller
// releases them so the OS cannot remount mid-write.
package unmount

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sysadminkit/driveflash/pkg/errors"
)

// RetryPolicy controls lock/dismount retries. Delays double from BaseDelay,
// so the defaults try at 100, 200, 400, 800 and 1600ms.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy matches the behavior most USB stacks need: transient
// sharing violations clear within a second or two of the volume going idle.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:  5,
	BaseDelay: 100 * time.Millisecond,
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	return p
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	// NewExponentialBackOff primes its current interval from the library
	// defaults; Reset re-primes it from the fields set above.
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.Attempts-1))
}

// VolumeHandle is an open volume that has been, or is about to be, locked.
type VolumeHandle interface {
	Lock() error
	Dismount() error
	Close() error
}

// VolumeOps abstracts the platform volume surface so the retry logic can be
// exercised without real disks.
type VolumeOps interface {
	// VolumesOnDrive lists the volume names living on a physical drive.
	VolumesOnDrive(driveNumber uint32) ([]string, error)

	// MountPoints lists the filesystem paths where a volume is mounted.
	MountPoints(volume string) []string

	// DeleteMountPoint removes one mount point. Failure is non-fatal; a
	// locked and dismounted volume is unusable regardless.
	DeleteMountPoint(mount string) error

	// Open opens a volume for locking.
	Open(volume string) (VolumeHandle, error)
}

// Unmounter locks and dismounts the volumes of drives about to be flashed.
// Handles stay open between UnmountDrive and ReleaseAll.
type Unmounter struct {
	policy RetryPolicy
	ops    VolumeOps

	mu      sync.Mutex
	handles []VolumeHandle
	lastErr error
}

// New builds an unmounter backed by the real platform volume surface.
func New(policy RetryPolicy) *Unmounter {
	return NewWithOps(platformVolumeOps(), policy)
}

func NewWithOps(ops VolumeOps, policy RetryPolicy) *Unmounter {
	return &Unmounter{policy: policy.normalize(), ops: ops}
}

// UnmountDrive removes mount points and lock-dismounts every volume on the
// drive. Mount point removal failures are logged and skipped. A volume that
// cannot be locked after all retries fails the call, but the remaining
// volumes are still processed first; the first failure is what gets
// reported.
func (u *Unmounter) UnmountDrive(driveNumber uint32) error {
	volumes, err := u.ops.VolumesOnDrive(driveNumber)
	if err != nil {
		return u.fail(errors.Wrapf(err, "enumerate volumes on drive %d", driveNumber))
	}

	var firstErr error
	for _, volume := range volumes {
		for _, mount := range u.ops.MountPoints(volume) {
			if err := u.ops.DeleteMountPoint(mount); err != nil {
				slog.Warn("mount_point_delete_failed", "mount", mount, "error", err)
			} else {
				slog.Info("mount_point_removed", "mount", mount)
			}
		}

		handle, err := u.lockVolume(volume)
		if err != nil {
			slog.Warn("volume_lock_failed", "volume", volume, "drive", driveNumber, "error", err)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "lock volume %s", volume)
			}
			continue
		}

		u.mu.Lock()
		u.handles = append(u.handles, handle)
		u.mu.Unlock()
		slog.Info("volume_dismounted", "volume", volume, "drive", driveNumber)
	}

	if firstErr != nil {
		return u.fail(firstErr)
	}
	u.mu.Lock()
	u.lastErr = nil
	u.mu.Unlock()
	return nil
}

// lockVolume retries open+lock+dismount as one unit under the policy; a
// sharing violation can hit any of the three.
func (u *Unmounter) lockVolume(volume string) (VolumeHandle, error) {
	var handle VolumeHandle
	attempt := 0

	op := func() error {
		attempt++
		if handle == nil {
			h, err := u.ops.Open(volume)
			if err != nil {
				slog.Debug("volume_open_retry", "volume", volume, "attempt", attempt, "error", err)
				return err
			}
			handle = h
		}
		if err := handle.Lock(); err != nil {
			slog.Debug("volume_lock_retry", "volume", volume, "attempt", attempt, "error", err)
			return err
		}
		if err := handle.Dismount(); err != nil {
			slog.Debug("volume_dismount_retry", "volume", volume, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, u.policy.newBackOff()); err != nil {
		if handle != nil {
			handle.Close()
		}
		return nil, errors.Wrapf(err, "after %d attempts", attempt)
	}
	return handle, nil
}

func (u *Unmounter) fail(err error) error {
	u.mu.Lock()
	u.lastErr = err
	u.mu.Unlock()
	return err
}

// LastError returns the most recent UnmountDrive failure, or nil after a
// successful call.
func (u *Unmounter) LastError() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastErr
}

// ReleaseAll closes every held volume handle, letting the OS remount the
// drives. Call it after flashing completes or aborts.
func (u *Unmounter) ReleaseAll() {
	u.mu.Lock()
	handles := u.handles
	u.handles = nil
	u.mu.Unlock()

	for _, h := range handles {
		if err := h.Close(); err != nil {
			slog.Warn("volume_handle_close_failed", "error", err)
		}
	}
}
