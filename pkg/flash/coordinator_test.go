package flash

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sysadminkit/driveflash/pkg/device"
	"github.com/sysadminkit/driveflash/pkg/scanner"
	"github.com/sysadminkit/driveflash/pkg/source"
)

// fakeProvider marks chosen paths as system drives and reports fixed sizes.
type fakeProvider struct {
	system map[string]bool
	sizes  map[string]int64
}

func (f *fakeProvider) DriveInfo(path string) (scanner.DriveInfo, bool) {
	size, ok := f.sizes[path]
	if !ok {
		return scanner.DriveInfo{}, false
	}
	return scanner.DriveInfo{
		DevicePath: path,
		SizeBytes:  size,
		BlockSize:  512,
		IsSystem:   f.system[path],
	}, true
}

func (f *fakeProvider) IsSystemDrive(path string) bool { return f.system[path] }

// countingOpener fails the test if anything opens a device through it.
type countingOpener struct {
	opens int
}

func (o *countingOpener) Open(path string) (device.Device, error) {
	o.opens++
	return device.OpenFile(path)
}

func newTestCoordinator(mode ValidationMode) *Coordinator {
	return NewCoordinator(Options{
		BufferSize: 256 << 10,
		Verify:     mode,
		Opener:     fileOpener{},
	})
}

func collectEvents(c *Coordinator) []Event {
	var out []Event
	for {
		select {
		case ev := <-c.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestCoordinatorSingleDriveFullVerify(t *testing.T) {
	dir := t.TempDir()
	imagePath, data := makeImage(t, dir, "disk.img", 4<<20)
	targetPath := makeTarget(t, dir, "target.img", 4<<20)

	c := newTestCoordinator(VerifyFull)
	result, err := c.Flash(context.Background(), imagePath, []string{targetPath})
	if err != nil {
		t.Fatalf("Flash failed: %v", err)
	}

	if !result.Succeeded() {
		t.Fatalf("result not successful: %+v", result)
	}
	if result.State != StateCompleted {
		t.Errorf("State = %v, want completed", result.State)
	}

	wantSum := sha512.Sum512(data)
	if result.Checksum != hex.EncodeToString(wantSum[:]) {
		t.Errorf("Checksum = %s..., want source SHA-512", result.Checksum[:16])
	}

	got, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Error("target content differs from image")
	}

	var completed, driveDone bool
	for _, ev := range collectEvents(c) {
		switch e := ev.(type) {
		case OperationCompleted:
			completed = true
		case DriveCompleted:
			driveDone = true
			if e.Result.Validation == nil || !e.Result.Validation.Passed {
				t.Error("DriveCompleted without passing validation")
			} else if e.Result.Validation.TargetChecksum != result.Checksum {
				t.Errorf("TargetChecksum = %s..., want the precomputed source digest", e.Result.Validation.TargetChecksum[:16])
			}
		}
	}
	if !completed || !driveDone {
		t.Errorf("events completed=%v driveDone=%v, want both", completed, driveDone)
	}
}

func TestCoordinatorParallelCompressedDrives(t *testing.T) {
	dir := t.TempDir()
	_, data := makeImage(t, dir, "disk.img", 2<<20)
	gzPath := makeGzImage(t, dir, "disk.img.gz", data)

	targets := []string{
		makeTarget(t, dir, "a.img", 4<<20),
		makeTarget(t, dir, "b.img", 4<<20),
		makeTarget(t, dir, "c.img", 4<<20),
	}

	c := newTestCoordinator(VerifySkip)
	result, err := c.Flash(context.Background(), gzPath, targets)
	if err != nil {
		t.Fatalf("Flash failed: %v", err)
	}
	if result.State != StateCompleted {
		t.Fatalf("State = %v, want completed", result.State)
	}
	if len(result.Drives) != 3 {
		t.Fatalf("got %d drive results, want 3", len(result.Drives))
	}
	for _, dr := range result.Drives {
		if !dr.OK() {
			t.Errorf("drive %s failed: %v", dr.DevicePath, dr.Err)
		}
		if dr.BytesWritten != int64(len(data)) {
			t.Errorf("drive %s wrote %d bytes, want %d", dr.DevicePath, dr.BytesWritten, len(data))
		}
	}

	for _, target := range targets {
		got, err := os.ReadFile(target)
		if err != nil {
			t.Fatal(err)
		}
		if string(got[:len(data)]) != string(data) {
			t.Errorf("target %s content differs from decompressed image", target)
		}
	}
}

func TestCoordinatorRefusesSystemDrive(t *testing.T) {
	dir := t.TempDir()
	imagePath, _ := makeImage(t, dir, "disk.img", 1<<20)
	targetPath := makeTarget(t, dir, "target.img", 2<<20)

	opener := &countingOpener{}
	c := NewCoordinator(Options{
		BufferSize: 256 << 10,
		Verify:     VerifySkip,
		Opener:     opener,
		Drives: &fakeProvider{
			system: map[string]bool{targetPath: true},
			sizes:  map[string]int64{targetPath: 2 << 20},
		},
	})

	before, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Flash(context.Background(), imagePath, []string{targetPath})
	if !errors.Is(err, ErrSystemDrive) {
		t.Fatalf("err = %v, want ErrSystemDrive", err)
	}
	if c.State() != StateFailed {
		t.Errorf("State = %v, want failed", c.State())
	}
	if opener.opens != 0 {
		t.Errorf("device opened %d times for a refused target, want 0", opener.opens)
	}

	after, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("refused target was modified")
	}
}

func TestCoordinatorRejectsOversizedImage(t *testing.T) {
	dir := t.TempDir()
	imagePath, _ := makeImage(t, dir, "disk.img", 2<<20)
	targetPath := makeTarget(t, dir, "target.img", 1<<20)

	c := newTestCoordinator(VerifySkip)
	_, err := c.Flash(context.Background(), imagePath, []string{targetPath})
	if !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("err = %v, want ErrImageTooLarge", err)
	}
}

func TestCoordinatorRejectsArchiveImage(t *testing.T) {
	dir := t.TempDir()
	zipPath := makeTarget(t, dir, "bundle.zip", 0)
	if err := os.WriteFile(zipPath, []byte("PK\x03\x04not an image"), 0644); err != nil {
		t.Fatal(err)
	}
	targetPath := makeTarget(t, dir, "target.img", 2<<20)

	before, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatal(err)
	}

	c := newTestCoordinator(VerifySkip)
	_, err = c.Flash(context.Background(), zipPath, []string{targetPath})
	if !errors.Is(err, source.ErrNotFlashable) {
		t.Fatalf("err = %v, want ErrNotFlashable", err)
	}
	if c.State() != StateFailed {
		t.Errorf("State = %v, want failed", c.State())
	}

	after, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("target was modified by a rejected archive")
	}
}

func TestCoordinatorRejectsEmptyImage(t *testing.T) {
	dir := t.TempDir()
	imagePath, _ := makeImage(t, dir, "disk.img", 0)
	targetPath := makeTarget(t, dir, "target.img", 1<<20)

	c := newTestCoordinator(VerifySkip)
	_, err := c.Flash(context.Background(), imagePath, []string{targetPath})
	if !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("err = %v, want ErrEmptyImage", err)
	}
}

func TestCoordinatorRejectsNoTargets(t *testing.T) {
	dir := t.TempDir()
	imagePath, _ := makeImage(t, dir, "disk.img", 1<<20)

	c := newTestCoordinator(VerifySkip)
	_, err := c.Flash(context.Background(), imagePath, nil)
	if !errors.Is(err, ErrNoTargets) {
		t.Fatalf("err = %v, want ErrNoTargets", err)
	}
}

func TestCoordinatorRejectsDuplicateTargets(t *testing.T) {
	dir := t.TempDir()
	imagePath, _ := makeImage(t, dir, "disk.img", 1<<20)
	targetPath := makeTarget(t, dir, "target.img", 2<<20)

	c := newTestCoordinator(VerifySkip)
	_, err := c.Flash(context.Background(), imagePath, []string{targetPath, targetPath})
	if !errors.Is(err, ErrDuplicateTarget) {
		t.Fatalf("err = %v, want ErrDuplicateTarget", err)
	}
}

func TestCoordinatorIsSingleShot(t *testing.T) {
	dir := t.TempDir()
	imagePath, _ := makeImage(t, dir, "disk.img", 1<<20)
	targetPath := makeTarget(t, dir, "target.img", 2<<20)

	c := newTestCoordinator(VerifySkip)
	if _, err := c.Flash(context.Background(), imagePath, []string{targetPath}); err != nil {
		t.Fatalf("first Flash failed: %v", err)
	}
	if _, err := c.Flash(context.Background(), imagePath, []string{targetPath}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Flash err = %v, want ErrBusy", err)
	}
}

// slowDevice delays each write so a cancel lands mid-flash.
type slowDevice struct {
	device.Device
	delay time.Duration
}

func (d *slowDevice) WriteAt(p []byte, off int64) (int, error) {
	time.Sleep(d.delay)
	return d.Device.WriteAt(p, off)
}

type slowOpener struct{ delay time.Duration }

func (o slowOpener) Open(path string) (device.Device, error) {
	dev, err := device.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return &slowDevice{Device: dev, delay: o.delay}, nil
}

func TestCoordinatorCancelMidFlash(t *testing.T) {
	dir := t.TempDir()
	imagePath, _ := makeImage(t, dir, "disk.img", 4<<20)
	targetPath := makeTarget(t, dir, "target.img", 4<<20)

	c := NewCoordinator(Options{
		BufferSize: 64 << 10,
		Verify:     VerifySkip,
		Opener:     slowOpener{delay: 5 * time.Millisecond},
	})

	go func() {
		time.Sleep(30 * time.Millisecond)
		c.Cancel()
	}()

	result, err := c.Flash(context.Background(), imagePath, []string{targetPath})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if result.State != StateCancelled {
		t.Errorf("State = %v, want cancelled", result.State)
	}
	if len(result.Drives) != 1 || !result.Drives[0].Cancelled {
		t.Errorf("drive result not marked cancelled: %+v", result.Drives)
	}
	if result.Drives[0].BytesWritten >= 4<<20 {
		t.Error("cancel landed after the whole image was written")
	}
}

func TestCoordinatorContextCancellation(t *testing.T) {
	dir := t.TempDir()
	imagePath, _ := makeImage(t, dir, "disk.img", 4<<20)
	targetPath := makeTarget(t, dir, "target.img", 4<<20)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	c := NewCoordinator(Options{
		BufferSize: 64 << 10,
		Verify:     VerifySkip,
		Opener:     slowOpener{delay: 5 * time.Millisecond},
	})
	result, err := c.Flash(ctx, imagePath, []string{targetPath})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if result.State != StateCancelled {
		t.Errorf("State = %v, want cancelled", result.State)
	}
}

// blockingDevice holds every write until released, standing in for a worker
// wedged in a syscall that never observes the stop flag.
type blockingDevice struct {
	device.Device
	release <-chan struct{}
}

func (d *blockingDevice) WriteAt(p []byte, off int64) (int, error) {
	<-d.release
	return d.Device.WriteAt(p, off)
}

type blockingOpener struct{ release <-chan struct{} }

func (o blockingOpener) Open(path string) (device.Device, error) {
	dev, err := device.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return &blockingDevice{Device: dev, release: o.release}, nil
}

func TestCoordinatorCancelDrainTimeout(t *testing.T) {
	oldDrain := cancelDrain
	cancelDrain = 200 * time.Millisecond
	t.Cleanup(func() { cancelDrain = oldDrain })

	dir := t.TempDir()
	imagePath, _ := makeImage(t, dir, "disk.img", 4<<20)
	targetPath := makeTarget(t, dir, "target.img", 4<<20)

	release := make(chan struct{})
	defer close(release)

	c := NewCoordinator(Options{
		BufferSize: 64 << 10,
		Verify:     VerifySkip,
		Opener:     blockingOpener{release: release},
	})
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Cancel()
	}()

	result, err := c.Flash(context.Background(), imagePath, []string{targetPath})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if result.State != StateCancelled {
		t.Errorf("State = %v, want cancelled", result.State)
	}
	if len(result.Drives) != 1 {
		t.Fatalf("got %d drive results, want 1", len(result.Drives))
	}
	dr := result.Drives[0]
	if dr.DevicePath != targetPath {
		t.Errorf("DevicePath = %q, want %q", dr.DevicePath, targetPath)
	}
	if !dr.Cancelled || !errors.Is(dr.Err, ErrCancelled) {
		t.Errorf("abandoned drive not recorded as cancelled: %+v", dr)
	}
}

func TestCoordinatorCancelDuringValidation(t *testing.T) {
	dir := t.TempDir()
	imagePath, _ := makeImage(t, dir, "disk.img", 4<<20)
	targetPath := makeTarget(t, dir, "target.img", 4<<20)

	opener := &countingOpener{}
	c := NewCoordinator(Options{
		BufferSize: 256 << 10,
		Verify:     VerifyFull,
		Opener:     opener,
	})
	c.Cancel()

	result, err := c.Flash(context.Background(), imagePath, []string{targetPath})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if result.State != StateCancelled {
		t.Errorf("State = %v, want cancelled", result.State)
	}
	if opener.opens != 0 {
		t.Errorf("device opened %d times after cancel during validation, want 0", opener.opens)
	}
}

func TestAggregateDriveCounts(t *testing.T) {
	mk := func(phase State, written, total int64) *worker {
		w := &worker{stop: &atomic.Bool{}}
		w.setPhase(phase)
		w.mu.Lock()
		w.written = written
		w.total = total
		w.mu.Unlock()
		return w
	}
	workers := []*worker{
		mk(StateFlashing, 1<<20, 4<<20),
		mk(StateCompleted, 4<<20, 4<<20),
		mk(StateFailed, 2<<20, 4<<20),
	}

	c := newTestCoordinator(VerifySkip)
	p := c.aggregate(workers, false)

	if p.ActiveDrives != 1 {
		t.Errorf("ActiveDrives = %d, want 1", p.ActiveDrives)
	}
	if p.CompletedDrives != 1 {
		t.Errorf("CompletedDrives = %d, want 1", p.CompletedDrives)
	}
	if p.FailedDrives != 1 {
		t.Errorf("FailedDrives = %d, want 1", p.FailedDrives)
	}
	if p.Operation == "" {
		t.Error("Operation text empty")
	}
	if p.Percent != 58 {
		t.Errorf("Percent = %d, want 58", p.Percent)
	}
}

// brokenWriteOpener serves one path with a device whose writes fail, so a
// drive can die mid-operation while its siblings keep going.
type brokenWriteOpener struct{ brokenPath string }

type brokenWriteDevice struct{ device.Device }

func (d *brokenWriteDevice) WriteAt(p []byte, off int64) (int, error) {
	return 0, errors.New("i/o device error")
}

func (o brokenWriteOpener) Open(path string) (device.Device, error) {
	dev, err := device.OpenFile(path)
	if err != nil {
		return nil, err
	}
	if path == o.brokenPath {
		return &brokenWriteDevice{Device: dev}, nil
	}
	return dev, nil
}

func TestCoordinatorDriveFailureIsIndependent(t *testing.T) {
	dir := t.TempDir()
	imagePath, data := makeImage(t, dir, "disk.img", 1<<20)
	good := makeTarget(t, dir, "good.img", 2<<20)
	bad := makeTarget(t, dir, "bad.img", 2<<20)

	c := NewCoordinator(Options{
		BufferSize: 256 << 10,
		Verify:     VerifySkip,
		Opener:     brokenWriteOpener{brokenPath: bad},
	})
	result, err := c.Flash(context.Background(), imagePath, []string{good, bad})
	if err == nil {
		t.Fatal("Flash succeeded with a failing target")
	}
	if result.State != StateFailed {
		t.Errorf("State = %v, want failed", result.State)
	}

	var goodOK, badFailed bool
	for _, dr := range result.Drives {
		if dr.DevicePath == good && dr.OK() {
			goodOK = true
		}
		if dr.DevicePath == bad && dr.Err != nil {
			badFailed = true
		}
	}
	if !goodOK || !badFailed {
		t.Errorf("goodOK=%v badFailed=%v, want good drive to finish despite the bad one", goodOK, badFailed)
	}

	got, err := os.ReadFile(good)
	if err != nil {
		t.Fatal(err)
	}
	if string(got[:len(data)]) != string(data) {
		t.Error("good target content differs from image")
	}
}

func TestPhysicalDriveNumber(t *testing.T) {
	cases := []struct {
		path string
		num  uint32
		ok   bool
	}{
		{`\\.\PhysicalDrive0`, 0, true},
		{`\\.\PhysicalDrive17`, 17, true},
		{`/tmp/disk.img`, 0, false},
		{`\\.\PhysicalDriveX`, 0, false},
		{`\\.\C:`, 0, false},
	}
	for _, c := range cases {
		num, ok := physicalDriveNumber(c.path)
		if num != c.num || ok != c.ok {
			t.Errorf("physicalDriveNumber(%q) = (%d, %v), want (%d, %v)", c.path, num, ok, c.num, c.ok)
		}
	}
}
