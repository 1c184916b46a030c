// Package device abstracts raw block-device access for the flash pipeline.
// The Windows implementation opens \\.\PhysicalDriveN handles with the
// filesystem cache bypassed; the portable file-backed implementation serves
// plain .img targets and tests. Writes must be sector-aligned in both offset
// and length.
package device

// Geometry describes a device's capacity and native sector size.
type Geometry struct {
	SizeBytes  int64
	SectorSize int
}

// DefaultSectorSize is assumed when the device cannot report geometry.
const DefaultSectorSize = 512

// Device is one open block device. A device is owned by exactly one flash
// worker for the duration of an operation; implementations are not required
// to be safe for concurrent use.
type Device interface {
	// Path returns the identifier the device was opened with.
	Path() string

	// Geometry reports capacity and sector size.
	Geometry() (Geometry, error)

	// WriteAt writes p at off. Both must be sector-aligned. A short write
	// is reported as an error by callers.
	WriteAt(p []byte, off int64) (int, error)

	// ReadAt reads into p from off for verification.
	ReadAt(p []byte, off int64) (int, error)

	// Flush forces buffered writes to the medium.
	Flush() error

	// Lock takes the exclusive volume lock. Best-effort on raw physical
	// handles without a mounted volume.
	Lock() error

	// Unlock releases the volume lock. Safe to call when not locked.
	Unlock() error

	// Dismount asks the OS to drop its filesystem view. Best-effort.
	Dismount() error

	// Close releases the handle, unlocking first if this device holds
	// the lock.
	Close() error
}

// Opener opens devices by path. The flash coordinator receives one at
// construction; tests substitute their own.
type Opener interface {
	Open(path string) (Device, error)
}
