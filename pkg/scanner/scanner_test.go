package scanner

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeEnumerator struct {
	mu       sync.Mutex
	drives   []DriveInfo
	warnings []error
	calls    int
}

func (f *fakeEnumerator) Enumerate(probeMax int) ([]DriveInfo, []error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make([]DriveInfo, len(f.drives))
	copy(out, f.drives)
	return out, f.warnings
}

func (f *fakeEnumerator) set(drives []DriveInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drives = drives
}

type fakeNotifier struct{ onChange func() }

func (f *fakeNotifier) Start(onChange func()) error {
	f.onChange = onChange
	return nil
}
func (f *fakeNotifier) Stop() {}

func testDrive(path string) DriveInfo {
	return DriveInfo{
		DevicePath:  path,
		DisplayName: path,
		SizeBytes:   8 << 30,
		BlockSize:   512,
		Bus:         BusUSB,
		IsRemovable: true,
	}
}

func newTestScanner(enum *fakeEnumerator) (*Scanner, *fakeNotifier) {
	notifier := &fakeNotifier{}
	s := New(Options{
		ProbeMax:       4,
		RescanInterval: time.Hour,
		Enumerator:     enum,
		Notifier:       notifier,
	})
	return s, notifier
}

func drainEvents(s *Scanner) []Event {
	var out []Event
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestScannerInitialScan(t *testing.T) {
	enum := &fakeEnumerator{drives: []DriveInfo{testDrive(`\\.\PhysicalDrive1`)}}
	s, _ := newTestScanner(enum)

	s.Rescan()

	drives := s.Drives()
	if len(drives) != 1 {
		t.Fatalf("Drives() returned %d entries, want 1", len(drives))
	}
	if drives[0].DevicePath != `\\.\PhysicalDrive1` {
		t.Errorf("unexpected device path %q", drives[0].DevicePath)
	}

	events := drainEvents(s)
	var attached, updated bool
	for _, ev := range events {
		switch ev.(type) {
		case DriveAttached:
			attached = true
		case DrivesUpdated:
			updated = true
		}
	}
	if !attached || !updated {
		t.Errorf("initial scan events attached=%v updated=%v, want both", attached, updated)
	}
}

func TestScannerAttachDetach(t *testing.T) {
	enum := &fakeEnumerator{drives: []DriveInfo{testDrive(`\\.\PhysicalDrive1`)}}
	s, notifier := newTestScanner(enum)

	s.Rescan()
	drainEvents(s)

	enum.set([]DriveInfo{
		testDrive(`\\.\PhysicalDrive1`),
		testDrive(`\\.\PhysicalDrive2`),
	})
	notifierTrigger(t, notifier, s)

	events := drainEvents(s)
	found := false
	for _, ev := range events {
		if att, ok := ev.(DriveAttached); ok {
			if att.Drive.DevicePath != `\\.\PhysicalDrive2` {
				t.Errorf("attached path = %q, want PhysicalDrive2", att.Drive.DevicePath)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("no DriveAttached event after new drive appeared")
	}

	enum.set([]DriveInfo{testDrive(`\\.\PhysicalDrive2`)})
	notifierTrigger(t, notifier, s)

	events = drainEvents(s)
	found = false
	for _, ev := range events {
		if det, ok := ev.(DriveDetached); ok {
			if det.DevicePath != `\\.\PhysicalDrive1` {
				t.Errorf("detached path = %q, want PhysicalDrive1", det.DevicePath)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("no DriveDetached event after drive vanished")
	}
}

func notifierTrigger(t *testing.T, notifier *fakeNotifier, s *Scanner) {
	t.Helper()
	if notifier.onChange != nil {
		notifier.onChange()
	} else {
		s.Rescan()
	}
}

func TestScannerNoEventsWhenUnchanged(t *testing.T) {
	enum := &fakeEnumerator{drives: []DriveInfo{testDrive(`\\.\PhysicalDrive1`)}}
	s, _ := newTestScanner(enum)

	s.Rescan()
	drainEvents(s)

	s.Rescan()
	if events := drainEvents(s); len(events) != 0 {
		t.Errorf("unchanged rescan emitted %d events, want 0", len(events))
	}
}

func TestScannerSystemDriveNeverRemovable(t *testing.T) {
	drive := testDrive(`\\.\PhysicalDrive0`)
	drive.IsSystem = true
	drive.IsRemovable = true
	enum := &fakeEnumerator{drives: []DriveInfo{drive}}
	s, _ := newTestScanner(enum)

	s.Rescan()

	got, ok := s.DriveInfo(`\\.\PhysicalDrive0`)
	if !ok {
		t.Fatal("system drive missing from snapshot")
	}
	if got.IsRemovable {
		t.Error("system drive reported removable")
	}
	if !s.IsSystemDrive(`\\.\PhysicalDrive0`) {
		t.Error("IsSystemDrive = false for system drive")
	}
	if len(s.RemovableDrives()) != 0 {
		t.Error("system drive leaked into RemovableDrives")
	}
}

func TestScannerDropsInvalidEntries(t *testing.T) {
	enum := &fakeEnumerator{drives: []DriveInfo{
		{DevicePath: `\\.\PhysicalDrive3`}, // zero size, zero block size
		testDrive(`\\.\PhysicalDrive1`),
	}}
	s, _ := newTestScanner(enum)

	s.Rescan()

	if got := len(s.Drives()); got != 1 {
		t.Errorf("snapshot has %d drives, want 1 after dropping invalid entry", got)
	}
}

func TestScannerWarningsEmitted(t *testing.T) {
	enum := &fakeEnumerator{
		drives:   []DriveInfo{testDrive(`\\.\PhysicalDrive1`)},
		warnings: []error{errors.New("geometry query failed")},
	}
	s, _ := newTestScanner(enum)

	s.Rescan()

	var warned bool
	for _, ev := range drainEvents(s) {
		if _, ok := ev.(ScanWarning); ok {
			warned = true
		}
	}
	if !warned {
		t.Error("enumeration warning did not surface as ScanWarning event")
	}
	if got := len(s.Drives()); got != 1 {
		t.Errorf("scan with warnings kept %d drives, want 1", got)
	}
}

func TestScannerSnapshotIsolation(t *testing.T) {
	drive := testDrive(`\\.\PhysicalDrive1`)
	drive.MountPoints = []string{`E:\`}
	enum := &fakeEnumerator{drives: []DriveInfo{drive}}
	s, _ := newTestScanner(enum)

	s.Rescan()

	first := s.Drives()
	first[0].DisplayName = "mutated"
	first[0].MountPoints[0] = `Z:\`

	second := s.Drives()
	if second[0].DisplayName == "mutated" {
		t.Error("mutating a snapshot changed the scanner state")
	}
	if second[0].MountPoints[0] != `E:\` {
		t.Error("mutating snapshot mount points changed the scanner state")
	}
}

func TestScannerUnknownPathLookups(t *testing.T) {
	s, _ := newTestScanner(&fakeEnumerator{})
	if _, ok := s.DriveInfo(`\\.\PhysicalDrive9`); ok {
		t.Error("DriveInfo returned ok for unknown path")
	}
	if s.IsSystemDrive(`\\.\PhysicalDrive9`) {
		t.Error("IsSystemDrive = true for unknown path")
	}
}
