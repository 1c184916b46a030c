//go:build windows

package scanner

import (
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/sysadminkit/driveflash/pkg/device"
	"github.com/sysadminkit/driveflash/pkg/errors"
)

const (
	ioctlStorageQueryProperty   = 0x2D1400
	ioctlStorageGetDeviceNumber = 0x2D1080
	ioctlDiskGetDriveGeometryEx = 0x700A0
	ioctlDiskGetLengthInfo      = 0x7405C
	ioctlDiskIsWritable         = 0x70024
)

// STORAGE_BUS_TYPE values we care about.
const (
	busTypeScsi  = 1
	busTypeAta   = 3
	busTypeUsb   = 7
	busTypeSata  = 11
	busTypeSd    = 12
	busTypeMmc   = 13
	busTypeVirt  = 14
	busTypeFileV = 15
	busTypeNvme  = 17
)

func mapBusType(raw uint32) BusType {
	switch raw {
	case busTypeUsb:
		return BusUSB
	case busTypeSata, busTypeAta:
		return BusSATA
	case busTypeNvme:
		return BusNVMe
	case busTypeSd:
		return BusSD
	case busTypeMmc:
		return BusMMC
	case busTypeScsi:
		return BusSCSI
	case busTypeVirt, busTypeFileV:
		return BusVirtual
	default:
		return BusUnknown
	}
}

type storagePropertyQuery struct {
	PropertyID uint32
	QueryType  uint32
	Additional [1]byte
}

type storageDeviceDescriptor struct {
	Version               uint32
	Size                  uint32
	DeviceType            byte
	DeviceTypeModifier    byte
	RemovableMedia        byte
	CommandQueueing       byte
	VendorIDOffset        uint32
	ProductIDOffset       uint32
	ProductRevisionOffset uint32
	SerialNumberOffset    uint32
	BusType               uint32
	RawPropertiesLength   uint32
}

type storageDeviceNumber struct {
	DeviceType      uint32
	DeviceNumber    uint32
	PartitionNumber uint32
}

type diskGeometryEx struct {
	Cylinders         int64
	MediaType         uint32
	TracksPerCylinder uint32
	SectorsPerTrack   uint32
	BytesPerSector    uint32
	DiskSize          int64
}

// volumeMount records one volume resolved to its owning disk.
type volumeMount struct {
	mountPoints []string
	label       string
}

type windowsEnumerator struct{}

func platformEnumerator() Enumerator { return windowsEnumerator{} }

// Enumerate probes physical-drive indices 0..probeMax and assembles DriveInfo
// snapshots. Per-drive failures become warnings; absent indices are skipped
// silently.
func (windowsEnumerator) Enumerate(probeMax int) ([]DriveInfo, []error) {
	var warnings []error

	volumes, volWarn := volumesByDisk()
	warnings = append(warnings, volWarn...)

	var drives []DriveInfo
	for i := 0; i <= probeMax; i++ {
		info, present, err := probeDrive(uint32(i), volumes)
		if err != nil {
			warnings = append(warnings, err)
			continue
		}
		if present {
			drives = append(drives, info)
		}
	}
	return drives, warnings
}

func probeDrive(index uint32, volumes map[uint32]volumeMount) (DriveInfo, bool, error) {
	path := fmt.Sprintf(`\\.\PhysicalDrive%d`, index)
	pathW, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return DriveInfo{}, false, errors.Wrapf(err, "encode %s", path)
	}

	// Zero-access open: enough for queries, never disturbs the drive.
	handle, err := windows.CreateFile(
		pathW,
		0,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		0,
		0,
	)
	if err != nil {
		// Index not populated; this is the common case.
		return DriveInfo{}, false, nil
	}
	defer windows.CloseHandle(handle)

	size, sector, err := queryGeometry(handle)
	if err != nil {
		return DriveInfo{}, false, errors.Wrapf(err, "geometry %s", path)
	}
	if size <= 0 {
		return DriveInfo{}, false, nil
	}

	info := DriveInfo{
		DevicePath:  path,
		DisplayName: fmt.Sprintf("Disk %d", index),
		SizeBytes:   size,
		BlockSize:   sector,
		IsReadOnly:  !isWritable(handle),
	}

	if desc, vendor, product, ok := queryStorageProperty(handle); ok {
		info.Bus = mapBusType(desc.BusType)
		info.IsRemovable = desc.RemovableMedia != 0
		info.Description = strings.TrimSpace(vendor + " " + product)
		if info.Description != "" {
			info.DisplayName = info.Description
		}
	}

	if vol, ok := volumes[index]; ok {
		info.MountPoints = vol.mountPoints
		info.VolumeLabel = vol.label
	}

	for _, mount := range info.MountPoints {
		if hasSystemInstall(mount) {
			info.IsSystem = true
			break
		}
	}

	return info, true, nil
}

func queryGeometry(handle windows.Handle) (int64, int, error) {
	var geo diskGeometryEx
	var returned uint32
	err := windows.DeviceIoControl(
		handle, ioctlDiskGetDriveGeometryEx,
		nil, 0,
		(*byte)(unsafe.Pointer(&geo)), uint32(unsafe.Sizeof(geo)),
		&returned, nil,
	)
	if err == nil {
		sector := int(geo.BytesPerSector)
		if sector <= 0 {
			sector = device.DefaultSectorSize
		}
		return geo.DiskSize, sector, nil
	}

	var length int64
	err = windows.DeviceIoControl(
		handle, ioctlDiskGetLengthInfo,
		nil, 0,
		(*byte)(unsafe.Pointer(&length)), uint32(unsafe.Sizeof(length)),
		&returned, nil,
	)
	if err != nil {
		return 0, 0, err
	}
	return length, device.DefaultSectorSize, nil
}

func isWritable(handle windows.Handle) bool {
	var returned uint32
	err := windows.DeviceIoControl(handle, ioctlDiskIsWritable, nil, 0, nil, 0, &returned, nil)
	return err == nil
}

func queryStorageProperty(handle windows.Handle) (storageDeviceDescriptor, string, string, bool) {
	query := storagePropertyQuery{PropertyID: 0, QueryType: 0} // StorageDeviceProperty
	buf := make([]byte, 1024)
	var returned uint32
	err := windows.DeviceIoControl(
		handle, ioctlStorageQueryProperty,
		(*byte)(unsafe.Pointer(&query)), uint32(unsafe.Sizeof(query)),
		&buf[0], uint32(len(buf)),
		&returned, nil,
	)
	if err != nil || returned < uint32(unsafe.Sizeof(storageDeviceDescriptor{})) {
		return storageDeviceDescriptor{}, "", "", false
	}

	desc := *(*storageDeviceDescriptor)(unsafe.Pointer(&buf[0]))
	vendor := cstringAt(buf, desc.VendorIDOffset)
	product := cstringAt(buf, desc.ProductIDOffset)
	return desc, vendor, product, true
}

// cstringAt extracts a NUL-terminated ASCII string at offset in buf.
func cstringAt(buf []byte, offset uint32) string {
	if offset == 0 || int(offset) >= len(buf) {
		return ""
	}
	end := int(offset)
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	return strings.TrimSpace(string(buf[offset:end]))
}

// volumesByDisk maps physical-drive numbers to the mount points and label of
// the volumes living on them.
func volumesByDisk() (map[uint32]volumeMount, []error) {
	out := make(map[uint32]volumeMount)
	var warnings []error

	nameBuf := make([]uint16, windows.MAX_PATH+1)
	find, err := windows.FindFirstVolume(&nameBuf[0], uint32(len(nameBuf)))
	if err != nil {
		return out, []error{errors.Wrap(err, "enumerate volumes")}
	}
	defer windows.FindVolumeClose(find)

	for {
		volumeName := windows.UTF16ToString(nameBuf)

		diskNumber, ok, err := volumeDiskNumber(volumeName)
		if err != nil {
			warnings = append(warnings, err)
		} else if ok {
			mounts := volumeMountPoints(volumeName)
			label := volumeLabel(volumeName)
			entry := out[diskNumber]
			entry.mountPoints = append(entry.mountPoints, mounts...)
			if entry.label == "" {
				entry.label = label
			}
			out[diskNumber] = entry
		}

		if err := windows.FindNextVolume(find, &nameBuf[0], uint32(len(nameBuf))); err != nil {
			break
		}
	}
	return out, warnings
}

// volumeDiskNumber opens the volume (without its trailing separator) and asks
// which physical disk it lives on. Volumes spanning multiple disks and
// non-disk devices report ok=false.
func volumeDiskNumber(volumeName string) (uint32, bool, error) {
	trimmed := strings.TrimSuffix(volumeName, `\`)
	pathW, err := windows.UTF16PtrFromString(trimmed)
	if err != nil {
		return 0, false, errors.Wrapf(err, "encode volume %s", trimmed)
	}

	handle, err := windows.CreateFile(
		pathW, 0,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, 0, 0,
	)
	if err != nil {
		return 0, false, nil
	}
	defer windows.CloseHandle(handle)

	var num storageDeviceNumber
	var returned uint32
	err = windows.DeviceIoControl(
		handle, ioctlStorageGetDeviceNumber,
		nil, 0,
		(*byte)(unsafe.Pointer(&num)), uint32(unsafe.Sizeof(num)),
		&returned, nil,
	)
	if err != nil {
		return 0, false, nil
	}
	return num.DeviceNumber, true, nil
}

func volumeMountPoints(volumeName string) []string {
	nameW, err := windows.UTF16PtrFromString(volumeName)
	if err != nil {
		return nil
	}
	buf := make([]uint16, 4096)
	var returned uint32
	if err := windows.GetVolumePathNamesForVolumeName(nameW, &buf[0], uint32(len(buf)), &returned); err != nil {
		return nil
	}

	var mounts []string
	start := 0
	for i, c := range buf {
		if c == 0 {
			if i > start {
				mounts = append(mounts, windows.UTF16ToString(buf[start:i]))
			}
			if i+1 < len(buf) && buf[i+1] == 0 {
				break
			}
			start = i + 1
		}
	}
	return mounts
}

func volumeLabel(volumeName string) string {
	nameW, err := windows.UTF16PtrFromString(volumeName)
	if err != nil {
		return ""
	}
	label := make([]uint16, windows.MAX_PATH+1)
	fsName := make([]uint16, windows.MAX_PATH+1)
	var serial, maxLen, flags uint32
	err = windows.GetVolumeInformation(
		nameW,
		&label[0], uint32(len(label)),
		&serial, &maxLen, &flags,
		&fsName[0], uint32(len(fsName)),
	)
	if err != nil {
		return ""
	}
	return windows.UTF16ToString(label)
}
