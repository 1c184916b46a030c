package scanner

import (
	"os"
	"path/filepath"
)

// hasSystemInstall reports whether the filesystem rooted at mount contains a
// recognizable bootable Windows installation. Any one rule matching makes the
// drive a system drive; the flag is sticky across a drive's mount points.
func hasSystemInstall(mount string) bool {
	if mount == "" {
		return false
	}

	// Running OS kernel under the canonical path.
	if fileExists(filepath.Join(mount, "Windows", "System32", "ntoskrnl.exe")) {
		return true
	}

	windowsDir := dirExists(filepath.Join(mount, "Windows"))

	// EFI system partition carrying the Windows boot loader.
	if windowsDir && fileExists(filepath.Join(mount, "EFI", "Microsoft", "Boot", "bootmgfw.efi")) {
		return true
	}

	// Legacy boot manager at the volume root next to a Windows directory.
	if windowsDir && (fileExists(filepath.Join(mount, "bootmgr")) || fileExists(filepath.Join(mount, "BOOTNXT"))) {
		return true
	}

	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
