//go:build !windows

package unmount

// stubVolumeOps reports no volumes. File-backed targets used on these
// platforms have nothing mounted to take away.
type stubVolumeOps struct{}

func platformVolumeOps() VolumeOps { return stubVolumeOps{} }

func (stubVolumeOps) VolumesOnDrive(driveNumber uint32) ([]string, error) { return nil, nil }
func (stubVolumeOps) MountPoints(volume string) []string                  { return nil }
func (stubVolumeOps) DeleteMountPoint(mount string) error                 { return nil }
func (stubVolumeOps) Open(volume string) (VolumeHandle, error)            { return nil, nil }

// TakeOffline has no meaning without the Windows mount manager.
func TakeOffline(driveNumber uint32) {}

// LogBlockingProcesses needs the restart manager; nothing to report here.
func LogBlockingProcesses(mountPoints []string) {}
