package source

import (
	"io"
	"os"

	"github.com/sysadminkit/driveflash/pkg/decompress"
	"github.com/sysadminkit/driveflash/pkg/errors"
	"github.com/sysadminkit/driveflash/pkg/imageformat"
)

// CompressedSource reads the logical image through a streaming decompressor.
// Forward reads are the fast path; Seek reopens the stream and discards bytes
// when asked to go backwards.
type CompressedSource struct {
	meta Metadata
	dec  decompress.Decompressor
	pos  int64
}

// NewCompressed builds a source over a compressed single-stream image.
func NewCompressed(path string, format imageformat.Format) (*CompressedSource, error) {
	dec, err := decompress.ForFormat(format)
	if err != nil {
		return nil, err
	}
	return &CompressedSource{
		meta: Metadata{
			Path:                  path,
			Format:                format,
			UncompressedSizeBytes: -1,
			IsCompressed:          true,
		},
		dec: dec,
	}, nil
}

func (s *CompressedSource) Open() error {
	info, err := os.Stat(s.meta.Path)
	if err != nil {
		return errors.Wrap(err, "stat compressed image")
	}
	if err := s.dec.Open(s.meta.Path); err != nil {
		return err
	}

	s.meta.SizeBytes = info.Size()
	s.meta.UncompressedSizeBytes = s.dec.UncompressedSize()
	s.pos = 0
	return nil
}

func (s *CompressedSource) Close() error {
	return s.dec.Close()
}

func (s *CompressedSource) IsOpen() bool { return s.dec.IsOpen() }

func (s *CompressedSource) Read(p []byte) (int, error) {
	if !s.dec.IsOpen() {
		return 0, ErrNotOpen
	}
	n, err := s.dec.Read(p)
	s.pos += int64(n)
	return n, err
}

// Size returns the uncompressed total when the format carries it, otherwise
// the on-disk size of the compressed file. Callers treat the fallback as a
// pacing figure only.
func (s *CompressedSource) Size() int64 {
	if s.meta.UncompressedSizeBytes >= 0 {
		return s.meta.UncompressedSizeBytes
	}
	return s.meta.SizeBytes
}

func (s *CompressedSource) Position() int64 { return s.pos }

// Seek repositions the logical stream. Moving forward discards the delta;
// moving backward reopens the decompressor and discards from the start.
func (s *CompressedSource) Seek(pos int64) error {
	if !s.dec.IsOpen() {
		return ErrNotOpen
	}
	if pos == s.pos {
		return nil
	}
	if pos < s.pos {
		if err := s.dec.Open(s.meta.Path); err != nil {
			return errors.Wrap(err, "reopen compressed image for seek")
		}
		s.pos = 0
	}
	if err := s.discard(pos - s.pos); err != nil {
		return errors.Wrapf(err, "seek compressed image to %d", pos)
	}
	return nil
}

func (s *CompressedSource) discard(n int64) error {
	if n <= 0 {
		return nil
	}
	copied, err := io.CopyN(io.Discard, s.dec, n)
	s.pos += copied
	return err
}

func (s *CompressedSource) AtEnd() bool { return s.dec.AtEnd() }

func (s *CompressedSource) Metadata() Metadata { return s.meta }

func (s *CompressedSource) ComputeChecksum(progress ProgressFunc) (string, error) {
	if !s.dec.IsOpen() {
		return "", ErrNotOpen
	}
	if err := s.Seek(0); err != nil {
		return "", err
	}

	// Percent progress tracks compressed bytes consumed from disk; the
	// logical total is unknown for these codecs.
	var fn ProgressFunc
	if progress != nil {
		lastPercent := -1
		onDisk := s.meta.SizeBytes
		s.dec.SetProgressFunc(func(compressed, _ int64) {
			if onDisk <= 0 {
				return
			}
			percent := int(compressed * 100 / onDisk)
			if percent > 100 {
				percent = 100
			}
			if percent != lastPercent {
				lastPercent = percent
				progress(percent)
			}
		})
		defer s.dec.SetProgressFunc(nil)
		fn = progress
	}

	digest, err := checksumStream(s, s.Size(), nil)
	if err != nil {
		return "", errors.Wrap(err, "checksum compressed image")
	}
	if fn != nil {
		fn(100)
	}

	// Reset to the start for the write pass.
	if err := s.dec.Open(s.meta.Path); err != nil {
		return "", errors.Wrap(err, "reopen compressed image after checksum")
	}
	s.pos = 0
	s.meta.Checksum = digest
	return digest, nil
}
