package scanner

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestSystemInstallKernel(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "Windows", "System32", "ntoskrnl.exe"))

	if !hasSystemInstall(root) {
		t.Error("volume with ntoskrnl.exe not flagged as system")
	}
}

func TestSystemInstallEFILoader(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "Windows"), 0755); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(root, "EFI", "Microsoft", "Boot", "bootmgfw.efi"))

	if !hasSystemInstall(root) {
		t.Error("EFI loader next to Windows dir not flagged as system")
	}
}

func TestSystemInstallEFILoaderWithoutWindowsDir(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "EFI", "Microsoft", "Boot", "bootmgfw.efi"))

	if hasSystemInstall(root) {
		t.Error("EFI loader without Windows dir flagged as system")
	}
}

func TestSystemInstallLegacyBootManager(t *testing.T) {
	for _, marker := range []string{"bootmgr", "BOOTNXT"} {
		root := t.TempDir()
		if err := os.MkdirAll(filepath.Join(root, "Windows"), 0755); err != nil {
			t.Fatal(err)
		}
		touch(t, filepath.Join(root, marker))

		if !hasSystemInstall(root) {
			t.Errorf("%s next to Windows dir not flagged as system", marker)
		}
	}
}

func TestSystemInstallPlainDataVolume(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "photos", "a.jpg"))

	if hasSystemInstall(root) {
		t.Error("plain data volume flagged as system")
	}
	if hasSystemInstall("") {
		t.Error("empty mount flagged as system")
	}
}

func TestSystemInstallDirectoryNamedLikeKernel(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "Windows", "System32", "ntoskrnl.exe"), 0755); err != nil {
		t.Fatal(err)
	}

	if hasSystemInstall(root) {
		t.Error("directory named ntoskrnl.exe flagged as system")
	}
}
