// Package executor implements the device-side command capability on a
// plain host: shell execution, file deployment and power control. The
// operations that need a platform management API (kiosk mode, package
// management, hardware toggles) report ErrUnsupported so that the server
// learns the command cannot run here instead of it retrying forever.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/wardenmdm/warden/pkg/command"
	"github.com/wardenmdm/warden/pkg/download"
)

// ErrUnsupported marks operations this executor cannot perform.
var ErrUnsupported = errors.New("operation not supported by this executor")

// Local executes commands on the host the agent runs on.
type Local struct {
	// StagingDir receives downloaded application artifacts.
	StagingDir string
	// Client performs artifact downloads.
	Client *http.Client

	// execFn is replaceable in tests.
	execFn func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func New(stagingDir string, client *http.Client) *Local {
	if client == nil {
		client = http.DefaultClient
	}
	return &Local{
		StagingDir: stagingDir,
		Client:     client,
		execFn: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

func (l *Local) Shell(ctx context.Context, cmdline string) (string, error) {
	out, err := l.execFn(ctx, "/bin/sh", "-c", cmdline)
	if err != nil {
		return string(out), fmt.Errorf("shell %q: %w", cmdline, err)
	}
	return string(out), nil
}

func (l *Local) Lock(ctx context.Context) error {
	_, err := l.execFn(ctx, "loginctl", "lock-sessions")
	return err
}

func (l *Local) Reboot(ctx context.Context) error {
	_, err := l.execFn(ctx, "shutdown", "-r", "now")
	return err
}

func (l *Local) Shutdown(ctx context.Context) error {
	_, err := l.execFn(ctx, "shutdown", "-h", "now")
	return err
}

// InstallApp downloads the artifact into the staging directory; actual
// installation is left to the platform integration consuming that
// directory.
func (l *Local) InstallApp(ctx context.Context, pkg, rawURL, version string) error {
	path, err := l.stage(pkg, rawURL)
	if err != nil {
		return err
	}
	log.Info().Str("package", pkg).Str("version", version).Str("path", path).Msg("artifact staged")
	return nil
}

func (l *Local) UpdateApp(ctx context.Context, pkg, rawURL string) error {
	path, err := l.stage(pkg, rawURL)
	if err != nil {
		return err
	}
	log.Info().Str("package", pkg).Str("path", path).Msg("update artifact staged")
	return nil
}

func (l *Local) DeployFile(ctx context.Context, rawURL, path, sha256hex string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			log.Debug().Str("path", path).Msg("file already deployed")
			return nil
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse file url %s: %w", rawURL, err)
	}
	return download.ToFile(l.Client, *u, path, sha256hex)
}

func (l *Local) SendNotification(ctx context.Context, title, message string) error {
	log.Info().Str("title", title).Str("message", message).Msg("notification")
	return nil
}

func (l *Local) Wipe(ctx context.Context, preserveData bool) error { return unsupported("wipe") }

func (l *Local) FactoryReset(ctx context.Context) error { return unsupported("factoryReset") }

func (l *Local) UninstallApp(ctx context.Context, pkg string) error {
	return unsupported("uninstallApp")
}
func (l *Local) RunApp(ctx context.Context, pkg, action string) error {
	return unsupported("runApp")
}
func (l *Local) GrantPermissions(ctx context.Context, pkg string, perms []string) error {
	return unsupported("grantPermissions")
}
func (l *Local) EnterKiosk(ctx context.Context, mainApp string, allowed []string) error {
	return unsupported("enterKiosk")
}
func (l *Local) ExitKiosk(ctx context.Context) error { return unsupported("exitKiosk") }
func (l *Local) SetHardwareFlag(ctx context.Context, flag string, enabled bool) error {
	return unsupported("setHardware")
}
func (l *Local) ConfigureWifi(ctx context.Context, p command.WifiParams) error {
	return unsupported("configureWifi")
}
func (l *Local) SetRestriction(ctx context.Context, name string, enabled bool) error {
	return unsupported("setRestriction")
}
func (l *Local) Custom(ctx context.Context, name string, data map[string]interface{}) error {
	return fmt.Errorf("custom operation %q: %w", name, ErrUnsupported)
}

func unsupported(op string) error {
	return fmt.Errorf("%s: %w", op, ErrUnsupported)
}

// stage fetches the artifact for pkg into the staging directory,
// decompressing single-file compressed artifacts on the way.
func (l *Local) stage(pkg, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse artifact url %s: %w", rawURL, err)
	}
	name := filepath.Base(u.Path)
	if name == "." || name == "/" {
		name = pkg
	}

	switch {
	case strings.HasSuffix(name, ".gz"), strings.HasSuffix(name, ".bz2"), strings.HasSuffix(name, ".xz"):
		path := filepath.Join(l.StagingDir, strings.TrimSuffix(name, filepath.Ext(name)))
		return path, download.Decompressed(l.Client, *u, path, "")
	default:
		path := filepath.Join(l.StagingDir, name)
		return path, download.ToFile(l.Client, *u, path, "")
	}
}
