package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShell(t *testing.T) {
	t.Parallel()
	l := New(t.TempDir(), nil)

	var gotName string
	var gotArgs []string
	l.execFn = func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName = name
		gotArgs = args
		return []byte("ok\n"), nil
	}

	out, err := l.Shell(context.Background(), "uname -a")
	require.NoError(t, err)
	require.Equal(t, "ok\n", out)
	require.Equal(t, "/bin/sh", gotName)
	require.Equal(t, []string{"-c", "uname -a"}, gotArgs)
}

func TestPowerCommands(t *testing.T) {
	t.Parallel()
	l := New(t.TempDir(), nil)

	var calls [][]string
	l.execFn = func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		return nil, nil
	}

	require.NoError(t, l.Reboot(context.Background()))
	require.NoError(t, l.Shutdown(context.Background()))
	require.NoError(t, l.Lock(context.Background()))
	require.Equal(t, [][]string{
		{"shutdown", "-r", "now"},
		{"shutdown", "-h", "now"},
		{"loginctl", "lock-sessions"},
	}, calls)
}

func TestUnsupportedOperations(t *testing.T) {
	t.Parallel()
	l := New(t.TempDir(), nil)
	ctx := context.Background()

	require.ErrorIs(t, l.Wipe(ctx, false), ErrUnsupported)
	require.ErrorIs(t, l.FactoryReset(ctx), ErrUnsupported)
	require.ErrorIs(t, l.EnterKiosk(ctx, "com.pos", nil), ErrUnsupported)
	require.ErrorIs(t, l.SetHardwareFlag(ctx, "bluetooth", false), ErrUnsupported)
	require.ErrorIs(t, l.Custom(ctx, "blink", nil), ErrUnsupported)
}

func TestInstallAppStagesArtifact(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("apk bytes"))
	}))
	t.Cleanup(srv.Close)

	staging := t.TempDir()
	l := New(staging, srv.Client())

	require.NoError(t, l.InstallApp(context.Background(), "com.acme.pos", srv.URL+"/pos.apk", "1.2"))

	got, err := os.ReadFile(filepath.Join(staging, "pos.apk"))
	require.NoError(t, err)
	require.Equal(t, "apk bytes", string(got))
}

func TestDeployFileSkipsExistingWithoutOverwrite(t *testing.T) {
	t.Parallel()
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte("new content"))
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("old content"), 0o644))

	l := New(t.TempDir(), srv.Client())
	require.NoError(t, l.DeployFile(context.Background(), srv.URL+"/config.json", path, "", false))
	require.Zero(t, requests)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "old content", string(got))

	// with overwrite the file is replaced
	require.NoError(t, l.DeployFile(context.Background(), srv.URL+"/config.json", path, "", true))
	require.Equal(t, 1, requests)
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "new content", string(got))
}
