//go:build windows

package unmount

import (
	"fmt"
	"log/slog"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/sysadminkit/driveflash/pkg/errors"
)

const (
	fsctlLockVolume    = 0x90018
	fsctlUnlockVolume  = 0x9001C
	fsctlDismountVolume = 0x90020

	ioctlStorageGetDeviceNumber = 0x2D1080
	ioctlDiskSetDiskAttributes  = 0x7C0F4

	diskAttributeOffline = 0x1
)

type windowsVolumeOps struct{}

func platformVolumeOps() VolumeOps { return windowsVolumeOps{} }

// VolumesOnDrive walks all volumes and keeps those whose storage device
// number matches the drive.
func (windowsVolumeOps) VolumesOnDrive(driveNumber uint32) ([]string, error) {
	nameBuf := make([]uint16, windows.MAX_PATH+1)
	find, err := windows.FindFirstVolume(&nameBuf[0], uint32(len(nameBuf)))
	if err != nil {
		return nil, errors.Wrap(err, "enumerate volumes")
	}
	defer windows.FindVolumeClose(find)

	var out []string
	for {
		volume := windows.UTF16ToString(nameBuf)
		if num, ok := volumeDeviceNumber(volume); ok && num == driveNumber {
			out = append(out, volume)
		}
		if err := windows.FindNextVolume(find, &nameBuf[0], uint32(len(nameBuf))); err != nil {
			break
		}
	}
	return out, nil
}

func volumeDeviceNumber(volume string) (uint32, bool) {
	trimmed := strings.TrimSuffix(volume, `\`)
	pathW, err := windows.UTF16PtrFromString(trimmed)
	if err != nil {
		return 0, false
	}
	handle, err := windows.CreateFile(
		pathW, 0,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, 0, 0,
	)
	if err != nil {
		return 0, false
	}
	defer windows.CloseHandle(handle)

	var num struct {
		DeviceType      uint32
		DeviceNumber    uint32
		PartitionNumber uint32
	}
	var returned uint32
	err = windows.DeviceIoControl(
		handle, ioctlStorageGetDeviceNumber,
		nil, 0,
		(*byte)(unsafe.Pointer(&num)), uint32(unsafe.Sizeof(num)),
		&returned, nil,
	)
	if err != nil {
		return 0, false
	}
	return num.DeviceNumber, true
}

func (windowsVolumeOps) MountPoints(volume string) []string {
	nameW, err := windows.UTF16PtrFromString(volume)
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

func (windowsVolumeOps) DeleteMountPoint(mount string) error {
	mountW, err := windows.UTF16PtrFromString(mount)
	if err != nil {
		return errors.Wrapf(err, "encode mount %s", mount)
	}
	if err := windows.DeleteVolumeMountPoint(mountW); err != nil {
		return errors.Wrapf(err, "delete mount point %s", mount)
	}
	return nil
}

func (windowsVolumeOps) Open(volume string) (VolumeHandle, error) {
	trimmed := strings.TrimSuffix(volume, `\`)
	pathW, err := windows.UTF16PtrFromString(trimmed)
	if err != nil {
		return nil, errors.Wrapf(err, "encode volume %s", trimmed)
	}
	handle, err := windows.CreateFile(
		pathW,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, 0, 0,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "open volume %s", trimmed)
	}
	return &windowsVolumeHandle{handle: handle}, nil
}

type windowsVolumeHandle struct {
	handle windows.Handle
	locked bool
}

func (v *windowsVolumeHandle) ioctl(code uint32) error {
	var returned uint32
	return windows.DeviceIoControl(v.handle, code, nil, 0, nil, 0, &returned, nil)
}

func (v *windowsVolumeHandle) Lock() error {
	if err := v.ioctl(fsctlLockVolume); err != nil {
		return err
	}
	v.locked = true
	return nil
}

func (v *windowsVolumeHandle) Dismount() error {
	return v.ioctl(fsctlDismountVolume)
}

func (v *windowsVolumeHandle) Close() error {
	if v.locked {
		v.ioctl(fsctlUnlockVolume)
		v.locked = false
	}
	return windows.CloseHandle(v.handle)
}

type setDiskAttributes struct {
	Version        uint32
	Persist        byte
	Reserved1      [3]byte
	Attributes     uint64
	AttributesMask uint64
	Reserved2      [4]uint32
}

// TakeOffline marks the drive offline so the mount manager leaves it alone
// while raw writes are in flight. Best effort; failure is logged, not fatal,
// because the held volume locks already block remounting.
func TakeOffline(driveNumber uint32) {
	path := fmt.Sprintf(`\\.\PhysicalDrive%d`, driveNumber)
	pathW, err := windows.UTF16PtrFromString(path)
	if err != nil {
		slog.Warn("disk_offline_failed", "drive", driveNumber, "error", err)
		return
	}
	handle, err := windows.CreateFile(
		pathW,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, 0, 0,
	)
	if err != nil {
		slog.Warn("disk_offline_failed", "drive", driveNumber, "error", err)
		return
	}
	defer windows.CloseHandle(handle)

	attrs := setDiskAttributes{
		Persist:        1,
		Attributes:     diskAttributeOffline,
		AttributesMask: diskAttributeOffline,
	}
	attrs.Version = uint32(unsafe.Sizeof(attrs))

	var returned uint32
	err = windows.DeviceIoControl(
		handle, ioctlDiskSetDiskAttributes,
		(*byte)(unsafe.Pointer(&attrs)), uint32(unsafe.Sizeof(attrs)),
		nil, 0,
		&returned, nil,
	)
	if err != nil {
		slog.Warn("disk_offline_failed", "drive", driveNumber, "error", err)
		return
	}
	slog.Info("disk_offline_set", "drive", driveNumber)
}

var (
	rstrtmgr               = windows.NewLazySystemDLL("rstrtmgr.dll")
	procRmStartSession     = rstrtmgr.NewProc("RmStartSession")
	procRmRegisterResources = rstrtmgr.NewProc("RmRegisterResources")
	procRmGetList          = rstrtmgr.NewProc("RmGetList")
	procRmEndSession       = rstrtmgr.NewProc("RmEndSession")
)

type rmUniqueProcess struct {
	ProcessID        uint32
	ProcessStartTime windows.Filetime
}

type rmProcessInfo struct {
	Process          rmUniqueProcess
	AppName          [256]uint16
	ServiceShortName [64]uint16
	ApplicationType  uint32
	AppStatus        uint32
	TSSessionID      uint32
	Restartable      int32
}

// LogBlockingProcesses asks the restart manager which processes hold files on
// the given mount points and logs them, so a stuck lock retry is explainable.
// Best effort; any failure just ends the session quietly.
func LogBlockingProcesses(mountPoints []string) {
	if len(mountPoints) == 0 {
		return
	}

	var session uint32
	sessionKey := make([]uint16, 34)
	ret, _, _ := procRmStartSession.Call(
		uintptr(unsafe.Pointer(&session)),
		0,
		uintptr(unsafe.Pointer(&sessionKey[0])),
	)
	if ret != 0 {
		return
	}
	defer procRmEndSession.Call(uintptr(session))

	names := make([]*uint16, 0, len(mountPoints))
	for _, mount := range mountPoints {
		if nameW, err := windows.UTF16PtrFromString(mount); err == nil {
			names = append(names, nameW)
		}
	}
	if len(names) == 0 {
		return
	}
	ret, _, _ = procRmRegisterResources.Call(
		uintptr(session),
		uintptr(len(names)),
		uintptr(unsafe.Pointer(&names[0])),
		0, 0, 0, 0,
	)
	if ret != 0 {
		return
	}

	var needed, count, reasons uint32
	count = 16
	procs := make([]rmProcessInfo, count)
	ret, _, _ = procRmGetList.Call(
		uintptr(session),
		uintptr(unsafe.Pointer(&needed)),
		uintptr(unsafe.Pointer(&count)),
		uintptr(unsafe.Pointer(&procs[0])),
		uintptr(unsafe.Pointer(&reasons)),
	)
	if ret != 0 || count == 0 {
		return
	}

	for i := uint32(0); i < count; i++ {
		slog.Warn("volume_in_use",
			"pid", procs[i].Process.ProcessID,
			"app", windows.UTF16ToString(procs[i].AppName[:]),
		)
	}
}
