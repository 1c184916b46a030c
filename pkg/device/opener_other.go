//go:build !windows

package device

// SystemOpener opens targets as file devices on non-Windows hosts, where
// device nodes live in the filesystem.
type SystemOpener struct{}

func (SystemOpener) Open(path string) (Device, error) {
	return OpenFile(path)
}
