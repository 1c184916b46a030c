// Package scanner enumerates physical drives, watches for hot-plug events,
// and answers which drives carry the running operating system. Consumers get
// immutable snapshots; the scanner owns the live list.
package scanner

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Default probe ceiling. Hot-plugged drives can land on high indices, so the
// range is deliberately generous.
const DefaultProbeMax = 128

// DefaultRescanInterval is the fallback polling cadence that reconciles any
// missed device-change notification.
const DefaultRescanInterval = 5 * time.Second

// Event is a scanner notification.
type Event interface{ scannerEvent() }

// DriveAttached reports a drive present in this scan but not the previous.
type DriveAttached struct{ Drive DriveInfo }

// DriveDetached reports a drive that vanished since the previous scan.
type DriveDetached struct{ DevicePath string }

// DrivesUpdated carries the full snapshot after any change.
type DrivesUpdated struct{ Drives []DriveInfo }

// ScanWarning reports a per-drive enumeration failure; the scan continued
// without that drive.
type ScanWarning struct{ Err error }

func (DriveAttached) scannerEvent() {}
func (DriveDetached) scannerEvent() {}
func (DrivesUpdated) scannerEvent() {}
func (ScanWarning) scannerEvent()   {}

// Enumerator produces one snapshot of present drives. Per-drive failures are
// returned as warnings alongside the drives that did enumerate.
type Enumerator interface {
	Enumerate(probeMax int) ([]DriveInfo, []error)
}

// Notifier delivers OS device-change triggers. Implementations call the
// supplied function on volume arrival or removal.
type Notifier interface {
	Start(onChange func()) error
	Stop()
}

// Options configures a Scanner.
type Options struct {
	ProbeMax       int
	RescanInterval time.Duration

	// Enumerator and Notifier default to the platform implementations.
	Enumerator Enumerator
	Notifier   Notifier
}

// Scanner maintains the current drive snapshot.
type Scanner struct {
	probeMax int
	interval time.Duration
	enum     Enumerator
	notifier Notifier

	mu     sync.RWMutex
	drives []DriveInfo

	events chan Event

	scanning atomic.Bool
	pending  atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scanner. It does not scan until Start or Rescan is called.
func New(opts Options) *Scanner {
	if opts.ProbeMax <= 0 {
		opts.ProbeMax = DefaultProbeMax
	}
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = DefaultRescanInterval
	}
	if opts.Enumerator == nil {
		opts.Enumerator = platformEnumerator()
	}
	if opts.Notifier == nil {
		opts.Notifier = platformNotifier()
	}
	return &Scanner{
		probeMax: opts.ProbeMax,
		interval: opts.RescanInterval,
		enum:     opts.Enumerator,
		notifier: opts.Notifier,
		events:   make(chan Event, 64),
	}
}

// Events returns the notification stream. Events are dropped rather than
// block the scan loop if the consumer falls behind.
func (s *Scanner) Events() <-chan Event { return s.events }

// Start runs an immediate scan, subscribes to device-change notifications,
// and keeps a fallback periodic rescan running until ctx is cancelled or
// Stop is called.
func (s *Scanner) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.Rescan()

	if err := s.notifier.Start(func() { s.Rescan() }); err != nil {
		slog.Warn("hotplug_subscribe_failed", "error", err)
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Rescan()
			}
		}
	}()
	return nil
}

// Stop halts the periodic rescan and unsubscribes from notifications.
func (s *Scanner) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.notifier.Stop()
}

// Rescan triggers an enumeration. A scan already in flight coalesces this
// trigger into one follow-up scan.
func (s *Scanner) Rescan() {
	if !s.scanning.CompareAndSwap(false, true) {
		s.pending.Store(true)
		return
	}
	for {
		s.scanOnce()
		s.scanning.Store(false)
		if !s.pending.CompareAndSwap(true, false) {
			return
		}
		if !s.scanning.CompareAndSwap(false, true) {
			return
		}
	}
}

func (s *Scanner) scanOnce() {
	found, warnings := s.enum.Enumerate(s.probeMax)
	for _, warn := range warnings {
		slog.Warn("drive_scan_warning", "error", warn)
		s.emit(ScanWarning{Err: warn})
	}

	snapshot := make([]DriveInfo, 0, len(found))
	for _, d := range found {
		if !d.valid() {
			continue
		}
		// A drive carrying the running OS is never treated as removable.
		if d.IsSystem {
			d.IsRemovable = false
		}
		snapshot = append(snapshot, d)
	}

	s.mu.Lock()
	previous := s.drives
	s.drives = snapshot
	s.mu.Unlock()

	changed := s.diff(previous, snapshot)
	if changed {
		copies := make([]DriveInfo, len(snapshot))
		for i, d := range snapshot {
			copies[i] = d.clone()
		}
		s.emit(DrivesUpdated{Drives: copies})
	}
}

// diff emits attach/detach events comparing by device path. Returns true if
// anything changed.
func (s *Scanner) diff(previous, current []DriveInfo) bool {
	prevByPath := make(map[string]DriveInfo, len(previous))
	for _, d := range previous {
		prevByPath[d.DevicePath] = d
	}
	currByPath := make(map[string]bool, len(current))

	changed := false
	for _, d := range current {
		currByPath[d.DevicePath] = true
		if _, ok := prevByPath[d.DevicePath]; !ok {
			slog.Info("drive_attached", "path", d.DevicePath, "size", d.SizeBytes, "bus", d.Bus.String())
			s.emit(DriveAttached{Drive: d.clone()})
			changed = true
		}
	}
	for _, d := range previous {
		if !currByPath[d.DevicePath] {
			slog.Info("drive_detached", "path", d.DevicePath)
			s.emit(DriveDetached{DevicePath: d.DevicePath})
			changed = true
		}
	}
	return changed
}

func (s *Scanner) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		slog.Debug("scanner_event_dropped")
	}
}

// Drives returns a snapshot copy of all known drives.
func (s *Scanner) Drives() []DriveInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DriveInfo, len(s.drives))
	for i, d := range s.drives {
		out[i] = d.clone()
	}
	return out
}

// RemovableDrives returns a snapshot of removable, non-system drives.
func (s *Scanner) RemovableDrives() []DriveInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DriveInfo
	for _, d := range s.drives {
		if d.IsRemovable && !d.IsSystem {
			out = append(out, d.clone())
		}
	}
	return out
}

// DriveInfo returns the snapshot entry for a device path.
func (s *Scanner) DriveInfo(devicePath string) (DriveInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.drives {
		if d.DevicePath == devicePath {
			return d.clone(), true
		}
	}
	return DriveInfo{}, false
}

// IsSystemDrive reports whether the device path belongs to a drive carrying
// the running OS. Unknown paths report false.
func (s *Scanner) IsSystemDrive(devicePath string) bool {
	d, ok := s.DriveInfo(devicePath)
	return ok && d.IsSystem
}
