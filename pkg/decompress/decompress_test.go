package decompress

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// Fixtures in testdata were produced from payload.bin by reference
// implementations of each codec.

func readPayload(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "payload.bin"))
	if err != nil {
		t.Fatalf("read payload fixture: %v", err)
	}
	return data
}

func TestRoundTrip(t *testing.T) {
	payload := readPayload(t)

	cases := []struct {
		fixture string
		format  string
	}{
		{"payload.bin.gz", "gzip"},
		{"payload.bin.bz2", "bzip2"},
		{"payload.bin.xz", "xz"},
		{"payload.bin.lzma", "xz"},
	}

	for _, c := range cases {
		t.Run(c.fixture, func(t *testing.T) {
			dec, err := New(filepath.Join("testdata", c.fixture))
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if dec.FormatName() != c.format {
				t.Errorf("FormatName = %q, want %q", dec.FormatName(), c.format)
			}

			if err := dec.Open(filepath.Join("testdata", c.fixture)); err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer dec.Close()

			if !dec.IsOpen() {
				t.Error("IsOpen = false after Open")
			}
			if dec.UncompressedSize() != -1 {
				t.Errorf("UncompressedSize = %d, want -1", dec.UncompressedSize())
			}

			got, err := io.ReadAll(dec)
			if err != nil {
				t.Fatalf("ReadAll failed: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("decompressed %d bytes, payload mismatch (want %d bytes)", len(got), len(payload))
			}

			if !dec.AtEnd() {
				t.Error("AtEnd = false after full read")
			}
			if dec.DecompressedBytesProduced() != int64(len(payload)) {
				t.Errorf("DecompressedBytesProduced = %d, want %d",
					dec.DecompressedBytesProduced(), len(payload))
			}
			if dec.CompressedBytesRead() == 0 {
				t.Error("CompressedBytesRead = 0, want > 0")
			}
		})
	}
}

func TestProgressCadence(t *testing.T) {
	dec := NewGzip()
	if err := dec.Open(filepath.Join("testdata", "payload.bin.gz")); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer dec.Close()

	var calls int
	var lastProduced int64
	dec.SetProgressFunc(func(compressed, produced int64) {
		calls++
		if produced < lastProduced {
			t.Errorf("produced went backwards: %d -> %d", lastProduced, produced)
		}
		lastProduced = produced
	})

	if _, err := io.Copy(io.Discard, dec); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	// 1.5 MiB of output at ~1 MiB cadence plus the EOF report.
	if calls < 2 {
		t.Errorf("progress called %d times, want >= 2", calls)
	}
	if lastProduced != dec.DecompressedBytesProduced() {
		t.Errorf("final progress produced %d, counter says %d",
			lastProduced, dec.DecompressedBytesProduced())
	}
}

func TestCorruptStream(t *testing.T) {
	dec := NewGzip()
	if err := dec.Open(filepath.Join("testdata", "corrupt.gz")); err != nil {
		// Header damage may already fail Open; that is also acceptable,
		// but our fixture keeps the header intact.
		t.Fatalf("Open failed: %v", err)
	}
	defer dec.Close()

	_, err := io.Copy(io.Discard, dec)
	if err == nil {
		t.Fatal("expected read error on corrupt stream")
	}
	if !errors.Is(err, ErrCodecData) {
		t.Errorf("error = %v, want ErrCodecData", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	dec := NewGzip()
	err := dec.Open(filepath.Join("testdata", "no-such-file.gz"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want wrapped os.ErrNotExist", err)
	}
	if dec.IsOpen() {
		t.Error("IsOpen = true after failed Open")
	}
}

func TestOpenBadXzHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.xz")
	if err := os.WriteFile(path, []byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00, 0xFF, 0xFF}, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	dec := NewXz()
	if err := dec.Open(path); err != nil {
		if !errors.Is(err, ErrCodecInit) {
			t.Errorf("error = %v, want ErrCodecInit", err)
		}
		return
	}
	defer dec.Close()
	// Some codec versions defer validation to the first read.
	if _, err := io.Copy(io.Discard, dec); err == nil {
		t.Error("expected error decoding truncated xz stream")
	}
}

func TestFactoryRejectsUnsupported(t *testing.T) {
	dir := t.TempDir()

	zipPath := filepath.Join(dir, "bundle.zip")
	if err := os.WriteFile(zipPath, []byte{0x50, 0x4B, 0x03, 0x04}, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := New(zipPath); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("New(zip) error = %v, want ErrUnsupportedFormat", err)
	}

	rawPath := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(rawPath, []byte{0x00, 0x01, 0x02}, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := New(rawPath); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("New(img) error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestReopenResetsCounters(t *testing.T) {
	path := filepath.Join("testdata", "payload.bin.gz")
	dec := NewGzip()
	if err := dec.Open(path); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	buf := make([]byte, 4096)
	if _, err := io.ReadFull(dec, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if dec.DecompressedBytesProduced() == 0 {
		t.Fatal("no bytes counted after read")
	}

	if err := dec.Open(path); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer dec.Close()

	if dec.DecompressedBytesProduced() != 0 {
		t.Errorf("DecompressedBytesProduced = %d after reopen, want 0",
			dec.DecompressedBytesProduced())
	}
	if dec.AtEnd() {
		t.Error("AtEnd = true after reopen")
	}
}
