package device

import (
	"os"

	"github.com/sysadminkit/driveflash/pkg/errors"
)

// FileDevice is a block device backed by a regular file. It serves flashing
// to plain image files and is the portable path on hosts where targets are
// device nodes in the filesystem.
type FileDevice struct {
	path       string
	file       *os.File
	sectorSize int
}

// OpenFile opens (or reuses) a file as a device. The file must already exist
// with its intended size; flashing never grows a target.
func OpenFile(path string) (*FileDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open file device")
	}
	return &FileDevice{path: path, file: file, sectorSize: DefaultSectorSize}, nil
}

func (d *FileDevice) Path() string { return d.path }

func (d *FileDevice) Geometry() (Geometry, error) {
	info, err := d.file.Stat()
	if err != nil {
		return Geometry{}, errors.Wrap(err, "stat file device")
	}
	return Geometry{SizeBytes: info.Size(), SectorSize: d.sectorSize}, nil
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	return d.file.WriteAt(p, off)
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	return d.file.ReadAt(p, off)
}

func (d *FileDevice) Flush() error {
	return d.file.Sync()
}

// Lock, Unlock and Dismount are volume operations with no analogue on a
// plain file.
func (d *FileDevice) Lock() error     { return nil }
func (d *FileDevice) Unlock() error   { return nil }
func (d *FileDevice) Dismount() error { return nil }

func (d *FileDevice) Close() error {
	return d.file.Close()
}
