// Package decompress provides streaming decompression of single-stream
// compressed disk images. Three codecs (gzip, bzip2, xz) share one contract:
// open a file, pull decompressed bytes through Read, track byte counters,
// and report progress about once per MiB of produced output.
//
// Each decompressor is single-threaded; distinct instances are independent.
package decompress

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"

	dferrors "github.com/sysadminkit/driveflash/pkg/errors"
	"github.com/sysadminkit/driveflash/pkg/imageformat"
)

const (
	// inputBufferSize is the fixed read-ahead buffer between the file and
	// the codec. One disk read at most per Read call beyond refills.
	inputBufferSize = 128 * 1024

	// progressInterval is how much produced output accrues between
	// progress callbacks.
	progressInterval = 1 << 20
)

// Error kinds. Callers discriminate with errors.Is.
var (
	// ErrUnsupportedFormat is returned by New for files that are not a
	// supported compressed single stream.
	ErrUnsupportedFormat = errors.New("decompress: unsupported format")

	// ErrCodecInit is returned by Open when the codec cannot initialize
	// its stream (bad header, truncated magic).
	ErrCodecInit = errors.New("decompress: codec init failed")

	// ErrCodecData is returned by Read on stream corruption. It is fatal
	// for the stream.
	ErrCodecData = errors.New("decompress: corrupt stream")
)

// ProgressFunc receives running totals of compressed bytes read from disk and
// decompressed bytes produced.
type ProgressFunc func(compressedRead, decompressedProduced int64)

// Decompressor is the streaming decompression contract shared by all codecs.
type Decompressor interface {
	// Open opens the underlying file, initializes the codec stream, and
	// resets all counters.
	Open(path string) error

	// Read fills as much of p as the codec can produce. It returns io.EOF
	// once the codec signals end of stream.
	Read(p []byte) (int, error)

	// Close releases the underlying file. Safe to call when not open.
	Close() error

	IsOpen() bool
	AtEnd() bool

	CompressedBytesRead() int64
	DecompressedBytesProduced() int64

	// UncompressedSize returns the total decompressed size if the format
	// carries it reliably, otherwise -1. Gzip stores the size mod 2^32
	// only, so all three codecs report -1 rather than mislead callers.
	UncompressedSize() int64

	FormatName() string

	// SetProgressFunc installs fn to be called about once per MiB of
	// produced output. Pass nil to disable.
	SetProgressFunc(fn ProgressFunc)
}

// initFunc builds a codec reader over buffered compressed input.
type initFunc func(br *bufio.Reader) (io.Reader, error)

// codec is the shared implementation behind the three concrete codecs.
type codec struct {
	name string
	init initFunc

	file     *os.File
	counting *countingReader
	dec      io.Reader
	open     bool
	atEnd    bool
	produced int64

	progress     ProgressFunc
	lastProgress int64
}

func (c *codec) Open(path string) error {
	if c.open {
		c.Close()
	}

	file, err := os.Open(path)
	if err != nil {
		return dferrors.Wrap(err, "open compressed image")
	}

	counting := &countingReader{r: file}
	dec, err := c.init(bufio.NewReaderSize(counting, inputBufferSize))
	if err != nil {
		file.Close()
		return dferrors.Wrapf(ErrCodecInit, "%s: %v", c.name, err)
	}

	c.file = file
	c.counting = counting
	c.dec = dec
	c.open = true
	c.atEnd = false
	c.produced = 0
	c.lastProgress = 0

	slog.Debug("decompressor_opened", "codec", c.name, "path", path)
	return nil
}

func (c *codec) Read(p []byte) (int, error) {
	if !c.open {
		return 0, dferrors.Wrap(os.ErrClosed, "decompressor read")
	}

	n, err := c.dec.Read(p)
	if n > 0 {
		c.produced += int64(n)
		if c.progress != nil && c.produced-c.lastProgress >= progressInterval {
			c.lastProgress = c.produced
			c.progress(c.counting.count, c.produced)
		}
	}

	if err == io.EOF {
		c.atEnd = true
		if c.progress != nil {
			c.progress(c.counting.count, c.produced)
		}
		return n, io.EOF
	}
	if err != nil {
		return n, dferrors.Wrapf(ErrCodecData, "%s: %v", c.name, err)
	}
	return n, nil
}

func (c *codec) Close() error {
	if !c.open {
		return nil
	}
	c.open = false
	c.dec = nil
	err := c.file.Close()
	c.file = nil
	return err
}

func (c *codec) IsOpen() bool  { return c.open }
func (c *codec) AtEnd() bool   { return c.atEnd }
func (c *codec) CompressedBytesRead() int64 {
	if c.counting == nil {
		return 0
	}
	return c.counting.count
}
func (c *codec) DecompressedBytesProduced() int64 { return c.produced }
func (c *codec) UncompressedSize() int64          { return -1 }
func (c *codec) FormatName() string               { return c.name }
func (c *codec) SetProgressFunc(fn ProgressFunc)  { c.progress = fn }

// countingReader counts compressed bytes handed to the codec's input buffer.
type countingReader struct {
	r     io.Reader
	count int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.count += int64(n)
	return n, err
}

// New returns a decompressor for the file at path, chosen by extension first
// and magic number second. Detection reads at most the first 16 bytes of the
// file. Files that are not a supported compressed single stream yield
// ErrUnsupportedFormat; ZIP archives are explicitly among them.
func New(path string) (Decompressor, error) {
	format, err := imageformat.Detect(path)
	if err != nil {
		return nil, err
	}
	return ForFormat(format)
}

// ForFormat returns a decompressor for an already-detected format.
func ForFormat(format imageformat.Format) (Decompressor, error) {
	switch format {
	case imageformat.GZIP:
		return NewGzip(), nil
	case imageformat.BZIP2:
		return NewBzip2(), nil
	case imageformat.XZ:
		return NewXz(), nil
	default:
		return nil, dferrors.Wrapf(ErrUnsupportedFormat, "%s", format)
	}
}
