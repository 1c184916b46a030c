package flash

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sysadminkit/driveflash/pkg/device"
	"github.com/sysadminkit/driveflash/pkg/errors"
	"github.com/sysadminkit/driveflash/pkg/source"
)

const (
	// DefaultBufferSize is the total write-pipeline memory per drive.
	// Large sequential writes keep USB mass-storage bridges at their
	// streaming rate.
	DefaultBufferSize = 64 << 20

	// DefaultBufferCount splits the buffer budget into this many chunks
	// so the image reader and the device writer overlap.
	DefaultBufferCount = 16

	verifyChunkSize = 1 << 20
	sampleVerifyCap = 100 << 20

	speedWindow = time.Second
)

// worker flashes one drive from its own private image source. Workers never
// share sources or devices; the only shared state is the stop flag and the
// snapshot the coordinator polls.
type worker struct {
	devicePath  string
	imagePath   string
	opener      device.Opener
	bufferSize  int
	bufferCount int
	mode        ValidationMode
	stop        *atomic.Bool

	// expectedChecksum is the SHA-512 of the logical image, precomputed by
	// the coordinator. When empty and full verification is requested, the
	// worker computes it from its own source before writing.
	expectedChecksum string

	mu      sync.Mutex
	phase   State
	written int64
	total   int64
	speed   float64
}

type workerSnapshot struct {
	phase   State
	written int64
	total   int64
	speed   float64
}

func (w *worker) snapshot() workerSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return workerSnapshot{phase: w.phase, written: w.written, total: w.total, speed: w.speed}
}

func (w *worker) setPhase(phase State) {
	w.mu.Lock()
	w.phase = phase
	w.mu.Unlock()
}

func (w *worker) setProgress(written int64) {
	w.mu.Lock()
	w.written = written
	w.mu.Unlock()
}

func (w *worker) setSpeed(mbps float64) {
	w.mu.Lock()
	w.speed = mbps
	w.mu.Unlock()
}

func alignUp(n int64, align int64) int64 {
	if rem := n % align; rem != 0 {
		return n + align - rem
	}
	return n
}

// run performs the whole per-drive pipeline: open, write, flush, verify.
// All cleanup is deferred so early failures release the device and source.
func (w *worker) run() DriveResult {
	result := DriveResult{DevicePath: w.devicePath}
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		if secs := result.Duration.Seconds(); secs > 0 && result.BytesWritten > 0 {
			result.AvgSpeedMBps = float64(result.BytesWritten) / secs / (1 << 20)
		}
		switch {
		case result.Cancelled:
			w.setPhase(StateCancelled)
		case result.Err != nil:
			w.setPhase(StateFailed)
		default:
			w.setPhase(StateCompleted)
		}
	}()

	src, err := source.New(w.imagePath)
	if err != nil {
		result.Err = errors.Wrap(err, "open image")
		return result
	}
	if err := src.Open(); err != nil {
		result.Err = errors.Wrap(err, "open image")
		return result
	}
	defer src.Close()

	dev, err := w.opener.Open(w.devicePath)
	if err != nil {
		result.Err = errors.Wrapf(err, "open device %s", w.devicePath)
		return result
	}
	defer dev.Close()

	geo, err := dev.Geometry()
	if err != nil {
		result.Err = errors.Wrap(err, "query geometry")
		return result
	}
	sector := geo.SectorSize
	if sector <= 0 {
		sector = device.DefaultSectorSize
	}

	// Re-assert exclusivity on our own handle. The unmount phase already
	// dismounted the volumes; a failure here is not fatal.
	if err := dev.Lock(); err != nil {
		slog.Debug("device_lock_skipped", "device", w.devicePath, "error", err)
	}
	if err := dev.Dismount(); err != nil {
		slog.Debug("device_dismount_skipped", "device", w.devicePath, "error", err)
	}

	meta := src.Metadata()
	total := meta.UncompressedSizeBytes
	if total <= 0 {
		total = src.Size()
	}
	w.mu.Lock()
	w.total = total
	w.mu.Unlock()

	if w.mode == VerifyFull && w.expectedChecksum == "" {
		sum, err := src.ComputeChecksum(nil)
		if err != nil {
			result.Err = errors.Wrap(err, "checksum image")
			return result
		}
		w.expectedChecksum = sum
	}

	// Compressed sources decompress and write in one streaming pass; the
	// phase reflects what dominates the wall clock.
	if meta.IsCompressed {
		w.setPhase(StateDecompressing)
	} else {
		w.setPhase(StateFlashing)
	}

	written, err := w.writeImage(src, dev, sector, geo.SizeBytes)
	result.BytesWritten = written
	if err != nil {
		result.Err = err
		result.Cancelled = err == ErrCancelled
		return result
	}

	if err := dev.Flush(); err != nil {
		result.Err = errors.Wrap(err, "flush device")
		return result
	}

	if w.mode == VerifySkip {
		slog.Info("drive_flash_done", "device", w.devicePath, "bytes", written, "verified", false)
		return result
	}

	w.setPhase(StateVerifying)
	validation, err := w.verify(src, dev, written, sector)
	if err != nil {
		result.Err = err
		result.Cancelled = err == ErrCancelled
		return result
	}
	result.Validation = validation
	if !validation.Passed {
		result.Err = ErrVerifyMismatch
	}
	slog.Info("drive_flash_done",
		"device", w.devicePath,
		"bytes", written,
		"verified", validation.Passed,
		"mode", validation.Mode.String(),
	)
	return result
}

type chunk struct {
	buf []byte
	n   int
}

// writeImage streams the source onto the device through a ring of
// sector-aligned chunks: a reader goroutine fills chunks while this
// goroutine writes them, so decompression and device I/O overlap. Only the
// final chunk may be padded, with zeros, by less than one sector. Returns
// the count of payload bytes written, excluding padding.
func (w *worker) writeImage(src source.ImageSource, dev device.Device, sector int, deviceSize int64) (int64, error) {
	count := w.bufferCount
	if count < 2 {
		count = 2
	}
	chunkSize := alignUp(int64(w.bufferSize)/int64(count), int64(sector))
	if chunkSize < int64(sector) {
		chunkSize = int64(sector)
	}

	free := make(chan []byte, count)
	for i := 0; i < count; i++ {
		free <- make([]byte, chunkSize)
	}
	filled := make(chan chunk, count)
	readErr := make(chan error, 1)

	// done tells the reader to bail out when the writer exits early. The
	// deferred drain waits for the reader to close filled, so the reader is
	// never still touching the source when run's cleanup closes it.
	done := make(chan struct{})
	defer func() {
		close(done)
		for range filled {
		}
	}()

	go func() {
		defer close(filled)
		for {
			if w.stop.Load() {
				readErr <- ErrCancelled
				return
			}
			var buf []byte
			select {
			case buf = <-free:
			case <-done:
				return
			}

			n, err := io.ReadFull(src, buf)
			if n > 0 {
				select {
				case filled <- chunk{buf: buf, n: n}:
				case <-done:
					return
				}
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return
			}
			if err != nil {
				readErr <- errors.Wrap(err, "read image")
				return
			}
		}
	}()

	var offset int64
	var payload int64
	lastSpeedAt := time.Now()
	var lastSpeedBytes int64

	for c := range filled {
		if w.stop.Load() {
			return payload, ErrCancelled
		}

		// Offsets stay aligned because every chunk before the last is
		// a full chunkSize; io.ReadFull only comes up short at EOF.
		writeLen := c.n
		if rem := c.n % sector; rem != 0 {
			pad := sector - rem
			for i := c.n; i < c.n+pad; i++ {
				c.buf[i] = 0
			}
			writeLen = c.n + pad
		}

		// A compressed image with unknown uncompressed size passes
		// validation; the capacity check happens here instead.
		if deviceSize > 0 && offset+int64(writeLen) > deviceSize {
			return payload, &WriteError{Offset: offset, Err: ErrImageTooLarge}
		}

		wn, werr := dev.WriteAt(c.buf[:writeLen], offset)
		if werr != nil {
			return payload, &WriteError{Offset: offset, Err: werr}
		}
		if wn != writeLen {
			return payload, &WriteError{Offset: offset, Err: io.ErrShortWrite}
		}

		offset += int64(writeLen)
		payload += int64(c.n)
		w.setProgress(payload)
		free <- c.buf

		if now := time.Now(); now.Sub(lastSpeedAt) >= speedWindow {
			elapsed := now.Sub(lastSpeedAt).Seconds()
			w.setSpeed(float64(payload-lastSpeedBytes) / elapsed / (1 << 20))
			lastSpeedAt = now
			lastSpeedBytes = payload
		}
	}

	select {
	case err := <-readErr:
		return payload, err
	default:
		return payload, nil
	}
}

// verify rereads written data and compares it byte for byte with the source.
func (w *worker) verify(src source.ImageSource, dev device.Device, payload int64, sector int) (*ValidationResult, error) {
	if payload == 0 {
		return &ValidationResult{Mode: w.mode, Passed: true, FirstMismatchOffset: -1}, nil
	}

	switch w.mode {
	case VerifyFull:
		return w.verifyRange(src, dev, payload, sector, fullBlocks(payload))
	case VerifySample:
		if src.Metadata().IsCompressed {
			slog.Info("sample_verify_compressed_slow", "image", w.imagePath)
		}
		return w.verifyRange(src, dev, payload, sector, sampleBlocks(payload))
	}
	return &ValidationResult{Mode: VerifySkip, Passed: true, FirstMismatchOffset: -1}, nil
}

// fullBlocks covers the whole payload in verifyChunkSize steps.
func fullBlocks(payload int64) []int64 {
	count := (payload + verifyChunkSize - 1) / verifyChunkSize
	blocks := make([]int64, count)
	for i := range blocks {
		blocks[i] = int64(i) * verifyChunkSize
	}
	return blocks
}

// sampleBlocks picks random aligned block offsets covering min(100 MiB, 10%)
// of the payload. Offsets are returned sorted so compressed sources only ever
// seek forward.
func sampleBlocks(payload int64) []int64 {
	budget := payload / 10
	if budget > sampleVerifyCap {
		budget = sampleVerifyCap
	}
	want := int(budget / verifyChunkSize)
	if want < 1 {
		want = 1
	}

	totalBlocks := int((payload + verifyChunkSize - 1) / verifyChunkSize)
	if want >= totalBlocks {
		return fullBlocks(payload)
	}

	perm := rand.Perm(totalBlocks)[:want]
	blocks := make([]int64, want)
	for i, idx := range perm {
		blocks[i] = int64(idx) * verifyChunkSize
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
	return blocks
}

func (w *worker) verifyRange(src source.ImageSource, dev device.Device, payload int64, sector int, blocks []int64) (*ValidationResult, error) {
	result := &ValidationResult{Mode: w.mode, FirstMismatchOffset: -1}
	devBuf := make([]byte, alignUp(verifyChunkSize, int64(sector)))
	srcBuf := make([]byte, verifyChunkSize)

	// Full mode walks the whole payload in order, so the same pass yields
	// SHA-512 digests of both sides. Sample mode covers too little for a
	// digest to mean anything.
	var srcHash, devHash hash.Hash
	if w.mode == VerifyFull {
		srcHash = sha512.New()
		devHash = sha512.New()
	}

	start := time.Now()
	for _, off := range blocks {
		if w.stop.Load() {
			return nil, ErrCancelled
		}

		length := int64(verifyChunkSize)
		if off+length > payload {
			length = payload - off
		}

		if err := src.Seek(off); err != nil {
			return nil, errors.Wrapf(err, "seek image to %d", off)
		}
		if _, err := io.ReadFull(src, srcBuf[:length]); err != nil {
			return nil, errors.Wrapf(err, "read image at %d", off)
		}

		// Device reads stay sector-aligned; the written pad guarantees
		// the aligned tail exists.
		devLen := alignUp(length, int64(sector))
		if _, err := dev.ReadAt(devBuf[:devLen], off); err != nil {
			return nil, errors.Wrapf(err, "read device at %d", off)
		}

		if !bytes.Equal(devBuf[:length], srcBuf[:length]) {
			result.CorruptedBlocks++
			if result.FirstMismatchOffset < 0 {
				for i := int64(0); i < length; i++ {
					if devBuf[i] != srcBuf[i] {
						result.FirstMismatchOffset = off + i
						break
					}
				}
			}
			slog.Warn("verify_block_mismatch", "device", w.devicePath, "offset", off)
		}
		if devHash != nil {
			srcHash.Write(srcBuf[:length])
			devHash.Write(devBuf[:length])
		}
		result.BytesVerified += length
	}

	if devHash != nil {
		result.SourceChecksum = w.expectedChecksum
		if result.SourceChecksum == "" {
			result.SourceChecksum = hex.EncodeToString(srcHash.Sum(nil))
		}
		result.TargetChecksum = hex.EncodeToString(devHash.Sum(nil))
		if result.TargetChecksum != result.SourceChecksum {
			result.Errors = append(result.Errors,
				fmt.Sprintf("sha512 mismatch: source %s, target %s", result.SourceChecksum, result.TargetChecksum))
		}
	}
	if result.CorruptedBlocks > 0 {
		result.Errors = append(result.Errors,
			fmt.Sprintf("%d corrupted blocks, first mismatch at offset %d", result.CorruptedBlocks, result.FirstMismatchOffset))
	}

	result.Passed = len(result.Errors) == 0
	if secs := time.Since(start).Seconds(); secs > 0 {
		result.VerifySpeedMBps = float64(result.BytesVerified) / secs / (1 << 20)
	}
	return result, nil
}
