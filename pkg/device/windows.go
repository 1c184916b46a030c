//go:build windows

package device

import (
	"log/slog"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/sysadminkit/driveflash/pkg/errors"
)

// Control codes and flags not exported by x/sys/windows.
const (
	fsctlLockVolume     = 0x90018
	fsctlUnlockVolume   = 0x9001C
	fsctlDismountVolume = 0x90020

	ioctlDiskGetDriveGeometryEx = 0x700A0
	ioctlDiskGetLengthInfo      = 0x7405C

	fileFlagNoBuffering  = 0x20000000
	fileFlagWriteThrough = 0x80000000
)

// PhysicalDevice is a raw Windows disk handle opened with the filesystem
// cache bypassed and write-through forced.
type PhysicalDevice struct {
	path   string
	file   *os.File
	handle windows.Handle
	locked bool
}

// OpenPhysical opens a \\.\PhysicalDriveN (or volume) path for raw
// sector-aligned I/O.
func OpenPhysical(path string) (*PhysicalDevice, error) {
	pathW, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, errors.Wrap(err, "encode device path")
	}

	handle, err := windows.CreateFile(
		pathW,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		fileFlagNoBuffering|fileFlagWriteThrough,
		0,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "open device %s (administrator rights required)", path)
	}

	file := os.NewFile(uintptr(handle), path)
	if file == nil {
		windows.CloseHandle(handle)
		return nil, errors.Wrapf(os.ErrInvalid, "wrap device handle %s", path)
	}

	return &PhysicalDevice{path: path, file: file, handle: handle}, nil
}

func (d *PhysicalDevice) Path() string { return d.path }

// diskGeometryEx mirrors DISK_GEOMETRY_EX up to DiskSize.
type diskGeometryEx struct {
	Cylinders         int64
	MediaType         uint32
	TracksPerCylinder uint32
	SectorsPerTrack   uint32
	BytesPerSector    uint32
	DiskSize          int64
}

func (d *PhysicalDevice) Geometry() (Geometry, error) {
	var geo diskGeometryEx
	var returned uint32
	err := windows.DeviceIoControl(
		d.handle,
		ioctlDiskGetDriveGeometryEx,
		nil, 0,
		(*byte)(unsafe.Pointer(&geo)), uint32(unsafe.Sizeof(geo)),
		&returned, nil,
	)
	if err == nil {
		sector := int(geo.BytesPerSector)
		if sector <= 0 {
			sector = DefaultSectorSize
		}
		return Geometry{SizeBytes: geo.DiskSize, SectorSize: sector}, nil
	}

	// Some virtual and legacy drivers only answer the length query.
	var length int64
	err = windows.DeviceIoControl(
		d.handle,
		ioctlDiskGetLengthInfo,
		nil, 0,
		(*byte)(unsafe.Pointer(&length)), uint32(unsafe.Sizeof(length)),
		&returned, nil,
	)
	if err != nil {
		return Geometry{}, errors.Wrapf(err, "query geometry for %s", d.path)
	}
	return Geometry{SizeBytes: length, SectorSize: DefaultSectorSize}, nil
}

func (d *PhysicalDevice) WriteAt(p []byte, off int64) (int, error) {
	return d.file.WriteAt(p, off)
}

func (d *PhysicalDevice) ReadAt(p []byte, off int64) (int, error) {
	return d.file.ReadAt(p, off)
}

func (d *PhysicalDevice) Flush() error {
	return windows.FlushFileBuffers(d.handle)
}

func (d *PhysicalDevice) Lock() error {
	var returned uint32
	err := windows.DeviceIoControl(d.handle, fsctlLockVolume, nil, 0, nil, 0, &returned, nil)
	if err != nil {
		return errors.Wrapf(err, "lock volume %s", d.path)
	}
	d.locked = true
	return nil
}

func (d *PhysicalDevice) Unlock() error {
	if !d.locked {
		return nil
	}
	var returned uint32
	err := windows.DeviceIoControl(d.handle, fsctlUnlockVolume, nil, 0, nil, 0, &returned, nil)
	if err != nil {
		return errors.Wrapf(err, "unlock volume %s", d.path)
	}
	d.locked = false
	return nil
}

func (d *PhysicalDevice) Dismount() error {
	var returned uint32
	err := windows.DeviceIoControl(d.handle, fsctlDismountVolume, nil, 0, nil, 0, &returned, nil)
	if err != nil {
		return errors.Wrapf(err, "dismount volume %s", d.path)
	}
	return nil
}

func (d *PhysicalDevice) Close() error {
	if d.locked {
		if err := d.Unlock(); err != nil {
			slog.Warn("device_unlock_on_close_failed", "path", d.path, "error", err)
		}
	}
	return d.file.Close()
}

// SystemOpener opens physical-drive paths raw and anything else as a file
// device.
type SystemOpener struct{}

func (SystemOpener) Open(path string) (Device, error) {
	if strings.HasPrefix(path, `\\.\`) {
		return OpenPhysical(path)
	}
	return OpenFile(path)
}
