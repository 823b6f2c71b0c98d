//go:build !windows

// Package secure creates the agent's state directories and files while
// refusing to widen the permissions of anything that already exists. The
// state dir holds enrollment credentials, so a pre-existing world-readable
// directory is an error rather than something to silently reuse.
package secure

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// widens reports whether newMode grants group or world bits beyond
// currentMode.
func widens(currentMode, newMode os.FileMode) bool {
	return newMode&0o070 > currentMode&0o070 || newMode&0o007 > currentMode&0o007
}

// checkDir walks up from path to the first existing ancestor and verifies
// it is a directory no more permissive than perm.
func checkDir(path string, perm os.FileMode) error {
	for {
		info, err := os.Stat(path)
		if err == nil {
			if !info.IsDir() {
				return &os.PathError{Op: "mkdir", Path: path, Err: syscall.ENOTDIR}
			}
			if widens(info.Mode(), perm) {
				return fmt.Errorf("path %s already exists with mode %o instead of the expected %o", path, info.Mode().Perm(), perm)
			}
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		parent := filepath.Dir(path)
		if parent == path {
			return nil
		}
		path = parent
	}
}

// MkdirAll is os.MkdirAll refusing paths whose existing ancestors are more
// permissive than perm.
func MkdirAll(path string, perm os.FileMode) error {
	if err := checkDir(path, perm); err != nil {
		return err
	}
	return os.MkdirAll(path, perm)
}

// OpenFile is os.OpenFile refusing to reuse an existing file whose mode
// differs from perm.
func OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	if info, err := os.Stat(name); err == nil && info.Mode().Perm() != perm {
		return nil, fmt.Errorf("file %s already exists with mode %o instead of the expected %o", name, info.Mode().Perm(), perm)
	}
	if err := checkDir(filepath.Dir(name), perm); err != nil {
		return nil, err
	}
	return os.OpenFile(name, flag, perm)
}
