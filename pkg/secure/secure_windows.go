//go:build windows

package secure

import "os"

// Permission modes carry little meaning on Windows, so the checks from the
// unix variant do not apply.

func MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}
