package flash

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when Flash is called while an operation is running.
	ErrBusy = errors.New("flash: operation already in progress")

	// ErrNoTargets is returned when Flash is called with no drives.
	ErrNoTargets = errors.New("flash: no target drives")

	// ErrDuplicateTarget rejects the same drive listed twice.
	ErrDuplicateTarget = errors.New("flash: duplicate target")

	// ErrEmptyImage rejects zero-byte images during validation.
	ErrEmptyImage = errors.New("flash: image is empty")

	// ErrImageTooLarge rejects images that cannot fit the target device.
	ErrImageTooLarge = errors.New("flash: image larger than target device")

	// ErrSystemDrive refuses any target carrying the running OS.
	ErrSystemDrive = errors.New("flash: target is a system drive")

	// ErrCancelled marks work stopped by a cancel request.
	ErrCancelled = errors.New("flash: cancelled")

	// ErrVerifyMismatch marks a read-back that differed from the source.
	ErrVerifyMismatch = errors.New("flash: verification mismatch")
)

// WriteError reports a failed or short device write with the offset it
// happened at.
type WriteError struct {
	Offset int64
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write at offset %d: %v", e.Offset, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
