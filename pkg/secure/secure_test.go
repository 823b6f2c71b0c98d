//go:build !windows

package secure

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMkdirAll(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	path := filepath.Join(root, "warden", "state")
	require.NoError(t, MkdirAll(path, 0o700))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestMkdirAllRejectsWiderExisting(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	wide := filepath.Join(root, "wide")
	require.NoError(t, os.Mkdir(wide, 0o777))
	require.NoError(t, os.Chmod(wide, 0o777))

	err := MkdirAll(filepath.Join(wide, "state"), 0o700)
	require.ErrorContains(t, err, "already exists with mode")
}

func TestOpenFileRejectsModeMismatch(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	path := filepath.Join(root, "agent.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := OpenFile(path, os.O_APPEND, 0o600)
	require.ErrorContains(t, err, "already exists with mode")
}

func TestOpenFileCreates(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	path := filepath.Join(root, "agent.log")
	f, err := OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
