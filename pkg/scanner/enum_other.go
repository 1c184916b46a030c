//go:build !windows

package scanner

import (
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/sysadminkit/driveflash/pkg/device"
	"github.com/sysadminkit/driveflash/pkg/errors"
)

// psutilEnumerator is the non-Windows fallback. It reconstructs drive
// snapshots from mounted partitions, which is enough for listing and for
// flashing file-backed targets in development.
type psutilEnumerator struct{}

func platformEnumerator() Enumerator { return psutilEnumerator{} }

func (psutilEnumerator) Enumerate(probeMax int) ([]DriveInfo, []error) {
	parts, err := disk.Partitions(false)
	if err != nil {
		return nil, []error{errors.Wrap(err, "list partitions")}
	}

	byDevice := make(map[string]*DriveInfo)
	var order []string
	for _, p := range parts {
		info, ok := byDevice[p.Device]
		if !ok {
			info = &DriveInfo{
				DevicePath:  p.Device,
				DisplayName: p.Device,
				BlockSize:   device.DefaultSectorSize,
			}
			byDevice[p.Device] = info
			order = append(order, p.Device)
		}

		info.MountPoints = append(info.MountPoints, p.Mountpoint)
		if usage, err := disk.Usage(p.Mountpoint); err == nil && usage.Total > 0 {
			if int64(usage.Total) > info.SizeBytes {
				info.SizeBytes = int64(usage.Total)
			}
		}
		if isSystemMount(p.Mountpoint) {
			info.IsSystem = true
		}
	}

	var warnings []error
	drives := make([]DriveInfo, 0, len(order))
	for _, dev := range order {
		drives = append(drives, *byDevice[dev])
	}
	return drives, warnings
}

func isSystemMount(mount string) bool {
	if mount == "/" || mount == "/boot" || strings.HasPrefix(mount, "/boot/") {
		return true
	}
	return hasSystemInstall(mount)
}
