package flash

import (
	"fmt"
	"strings"
	"time"
)

// ValidationMode selects how much of the written data is read back.
type ValidationMode int

const (
	// VerifyFull rereads every written byte and compares against the source.
	VerifyFull ValidationMode = iota
	// VerifySample rereads min(100 MiB, 10%) of the image in random blocks.
	VerifySample
	// VerifySkip performs no read-back.
	VerifySkip
)

var validationNames = map[ValidationMode]string{
	VerifyFull:   "full",
	VerifySample: "sample",
	VerifySkip:   "skip",
}

func (m ValidationMode) String() string {
	if name, ok := validationNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseValidationMode maps a config string to a mode.
func ParseValidationMode(s string) (ValidationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full":
		return VerifyFull, nil
	case "sample":
		return VerifySample, nil
	case "skip", "none":
		return VerifySkip, nil
	}
	return VerifyFull, fmt.Errorf("unknown validation mode %q (want full, sample or skip)", s)
}

// ValidationResult reports one drive's read-back outcome.
type ValidationResult struct {
	Mode          ValidationMode
	Passed        bool
	BytesVerified int64

	// SourceChecksum and TargetChecksum are lowercase hex SHA-512 digests
	// of the image and of the device read-back. Full mode only; sample
	// verification leaves both empty.
	SourceChecksum string
	TargetChecksum string

	// FirstMismatchOffset is the device offset of the first differing byte,
	// or -1 when everything matched.
	FirstMismatchOffset int64
	CorruptedBlocks     int

	// Errors describes every failure found, digests included on a
	// checksum mismatch.
	Errors []string

	VerifySpeedMBps float64
}

// DriveResult is one drive's final outcome within an operation.
type DriveResult struct {
	DevicePath   string
	BytesWritten int64
	Duration     time.Duration
	AvgSpeedMBps float64

	// Validation is nil when verification was skipped or never reached.
	Validation *ValidationResult

	Err       error
	Cancelled bool
}

// OK reports whether the drive flashed and, if verified, passed.
func (r DriveResult) OK() bool {
	if r.Err != nil || r.Cancelled {
		return false
	}
	if r.Validation != nil && !r.Validation.Passed {
		return false
	}
	return true
}

// Result is the final outcome of one whole operation.
type Result struct {
	State    State
	Image    string
	Checksum string
	Drives   []DriveResult
	Duration time.Duration
}

// Succeeded reports whether every drive completed and verified.
func (r Result) Succeeded() bool {
	if r.State != StateCompleted {
		return false
	}
	for _, d := range r.Drives {
		if !d.OK() {
			return false
		}
	}
	return true
}
