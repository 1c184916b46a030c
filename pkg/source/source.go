// Package source provides a unified reader abstraction over disk images:
// plain raw files and compressed single streams share one interface, so the
// flash pipeline never cares which it is feeding from.
//
// Workers each build their own ImageSource; sources are never shared.
package source

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sysadminkit/driveflash/pkg/imageformat"
)

// ErrNotOpen is returned by operations that require an open source.
var ErrNotOpen = errors.New("source: not open")

// ErrNotFlashable rejects formats that are detected but cannot be written to
// a drive as a single stream, such as ZIP archives.
var ErrNotFlashable = errors.New("source: format is not flashable")

// Metadata describes an image file.
type Metadata struct {
	Path                  string
	Format                imageformat.Format
	SizeBytes             int64 // on-disk size
	UncompressedSizeBytes int64 // -1 when unknown
	IsCompressed          bool
	Checksum              string // lowercase hex SHA-512, empty until computed
}

// ProgressFunc receives integer percentages in [0,100] at 1% granularity.
type ProgressFunc func(percent int)

// ImageSource is the unified read contract over an image file.
type ImageSource interface {
	Open() error
	Close() error
	IsOpen() bool

	// Read fills p with logical (decompressed) image bytes. Returns
	// io.EOF at end of image.
	Read(p []byte) (int, error)

	// Size returns the best-known total of logical bytes. For compressed
	// sources with unknown uncompressed size this is the on-disk size,
	// a pacing figure rather than a correctness bound.
	Size() int64

	// Position returns the current logical read offset.
	Position() int64

	// Seek moves the logical read position. Compressed sources only
	// support this by reopening and discarding, so random seeks on them
	// are expensive; forward-only reading is the fast path.
	Seek(pos int64) error

	AtEnd() bool

	Metadata() Metadata

	// ComputeChecksum streams the entire logical image through SHA-512
	// and returns the lowercase hex digest. The read position is reset
	// to 0 on completion. progress may be nil.
	ComputeChecksum(progress ProgressFunc) (string, error)
}

// New builds an ImageSource for the file at path, choosing the compressed
// implementation when the detected format is a compressed wrapper. Formats
// that cannot be flashed as a single stream are rejected here, before any
// drive is touched.
func New(path string) (ImageSource, error) {
	format, err := imageformat.Detect(path)
	if err != nil {
		return nil, err
	}
	if !format.IsFlashable() {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotFlashable, path, format)
	}
	if format.IsCompressed() {
		return NewCompressed(path, format)
	}
	return NewFile(path, format), nil
}

// checksumReader hashes everything read through a source and reports percent
// progress against a byte total supplied by the caller.
func checksumStream(r io.Reader, total int64, progress ProgressFunc) (string, error) {
	hash := sha512.New()
	buf := make([]byte, 1<<20)

	var done int64
	lastPercent := -1
	for {
		n, err := r.Read(buf)
		if n > 0 {
			hash.Write(buf[:n])
			done += int64(n)
			if progress != nil && total > 0 {
				percent := int(done * 100 / total)
				if percent > 100 {
					percent = 100
				}
				if percent != lastPercent {
					lastPercent = percent
					progress(percent)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}

	digest := hex.EncodeToString(hash.Sum(nil))
	slog.Debug("source_checksum_computed", "bytes", done, "sha512", digest[:16]+"...")
	if progress != nil && lastPercent != 100 {
		progress(100)
	}
	return digest, nil
}
