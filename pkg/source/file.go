package source

import (
	"io"
	"os"

	"github.com/sysadminkit/driveflash/pkg/errors"
	"github.com/sysadminkit/driveflash/pkg/imageformat"
)

// FileSource reads a plain raw image directly from disk. Arbitrary seeks are
// cheap.
type FileSource struct {
	meta Metadata
	file *os.File
	pos  int64
}

// NewFile builds a source over an uncompressed image file.
func NewFile(path string, format imageformat.Format) *FileSource {
	return &FileSource{
		meta: Metadata{
			Path:                  path,
			Format:                format,
			UncompressedSizeBytes: -1,
		},
	}
}

func (s *FileSource) Open() error {
	if s.file != nil {
		s.Close()
	}

	file, err := os.Open(s.meta.Path)
	if err != nil {
		return errors.Wrap(err, "open image file")
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.Wrap(err, "stat image file")
	}

	s.file = file
	s.pos = 0
	s.meta.SizeBytes = info.Size()
	return nil
}

func (s *FileSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *FileSource) IsOpen() bool { return s.file != nil }

func (s *FileSource) Read(p []byte) (int, error) {
	if s.file == nil {
		return 0, ErrNotOpen
	}
	n, err := s.file.Read(p)
	s.pos += int64(n)
	return n, err
}

func (s *FileSource) Size() int64     { return s.meta.SizeBytes }
func (s *FileSource) Position() int64 { return s.pos }

func (s *FileSource) Seek(pos int64) error {
	if s.file == nil {
		return ErrNotOpen
	}
	if _, err := s.file.Seek(pos, io.SeekStart); err != nil {
		return errors.Wrapf(err, "seek image to %d", pos)
	}
	s.pos = pos
	return nil
}

func (s *FileSource) AtEnd() bool { return s.file != nil && s.pos >= s.meta.SizeBytes }

func (s *FileSource) Metadata() Metadata { return s.meta }

func (s *FileSource) ComputeChecksum(progress ProgressFunc) (string, error) {
	if s.file == nil {
		return "", ErrNotOpen
	}
	if err := s.Seek(0); err != nil {
		return "", err
	}

	digest, err := checksumStream(s.file, s.meta.SizeBytes, progress)
	if err != nil {
		return "", errors.Wrap(err, "checksum image file")
	}

	if err := s.Seek(0); err != nil {
		return "", err
	}
	s.meta.Checksum = digest
	return digest, nil
}
