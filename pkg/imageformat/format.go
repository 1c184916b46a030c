// Package imageformat identifies disk image file formats by extension and
// magic number. Extension wins when recognized; otherwise the first bytes of
// the file decide. Detection never reads more than 16 bytes.
package imageformat

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sysadminkit/driveflash/pkg/errors"
)

// Format is a disk image file format tag.
type Format int

const (
	Unknown Format = iota
	ISO
	IMG
	WIC
	DMG
	DSK
	GZIP
	BZIP2
	XZ
	ZIP
)

var formatNames = map[Format]string{
	Unknown: "unknown",
	ISO:     "iso",
	IMG:     "img",
	WIC:     "wic",
	DMG:     "dmg",
	DSK:     "dsk",
	GZIP:    "gzip",
	BZIP2:   "bzip2",
	XZ:      "xz",
	ZIP:     "zip",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "unknown"
}

// IsCompressed reports whether the format is a compressed single-stream
// wrapper that must be decoded before flashing.
func (f Format) IsCompressed() bool {
	switch f {
	case GZIP, BZIP2, XZ:
		return true
	}
	return false
}

// IsFlashable reports whether the format can be written to a drive. ZIP is
// detected but rejected: it is a multi-entry archive, not a single stream.
func (f Format) IsFlashable() bool {
	switch f {
	case ISO, IMG, WIC, DMG, DSK, GZIP, BZIP2, XZ:
		return true
	}
	return false
}

var extensionFormats = map[string]Format{
	".iso":   ISO,
	".img":   IMG,
	".wic":   WIC,
	".dmg":   DMG,
	".dsk":   DSK,
	".gz":    GZIP,
	".gzip":  GZIP,
	".bz2":   BZIP2,
	".bzip2": BZIP2,
	".xz":    XZ,
	".lzma":  XZ, // old-LZMA streams are handled by the xz decoder
	".zip":   ZIP,
}

// Magic numbers for the compressed wrappers we recognize.
var magics = []struct {
	prefix []byte
	format Format
}{
	{[]byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}, XZ},
	{[]byte{0x42, 0x5A, 0x68}, BZIP2},
	{[]byte{0x5D, 0x00, 0x00}, XZ}, // old-LZMA, routed to the xz decoder
	{[]byte{0x1F, 0x8B}, GZIP},
	{[]byte{0x50, 0x4B}, ZIP},
}

// DetectExtension identifies the format from the file name alone.
func DetectExtension(path string) Format {
	ext := strings.ToLower(filepath.Ext(path))
	if f, ok := extensionFormats[ext]; ok {
		return f
	}
	return Unknown
}

// DetectMagic identifies the format from a leading byte sample. Six bytes are
// enough for every magic we know; shorter samples match what they can.
func DetectMagic(head []byte) Format {
	for _, m := range magics {
		if bytes.HasPrefix(head, m.prefix) {
			return m.format
		}
	}
	return Unknown
}

// Detect identifies the format of the file at path: extension first, magic
// number second. It reads at most the first 16 bytes and has no other side
// effects.
func Detect(path string) (Format, error) {
	if f := DetectExtension(path); f != Unknown {
		return f, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return Unknown, errors.Wrap(err, "open image for format detection")
	}
	defer file.Close()

	head := make([]byte, 16)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Unknown, errors.Wrap(err, "read image header")
	}

	return DetectMagic(head[:n]), nil
}
