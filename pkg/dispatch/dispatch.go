// Package dispatch maps typed commands onto the privileged executor
// capability and routes them through either the immediate critical path or
// the durable queue.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/wardenmdm/warden/pkg/command"
	"github.com/wardenmdm/warden/pkg/store"
)

// Executor is the privileged operation capability, one method per command
// kind. Implementations are platform-specific and opaque to the core; the
// dispatcher only sees success or failure.
type Executor interface {
	Lock(ctx context.Context) error
	Wipe(ctx context.Context, preserveData bool) error
	Reboot(ctx context.Context) error
	Shutdown(ctx context.Context) error
	FactoryReset(ctx context.Context) error
	InstallApp(ctx context.Context, pkg, url, version string) error
	UninstallApp(ctx context.Context, pkg string) error
	UpdateApp(ctx context.Context, pkg, url string) error
	RunApp(ctx context.Context, pkg, action string) error
	GrantPermissions(ctx context.Context, pkg string, permissions []string) error
	EnterKiosk(ctx context.Context, mainApp string, allowedPackages []string) error
	ExitKiosk(ctx context.Context) error
	SetHardwareFlag(ctx context.Context, flag string, enabled bool) error
	ConfigureWifi(ctx context.Context, params command.WifiParams) error
	Shell(ctx context.Context, cmdline string) (output string, err error)
	SetRestriction(ctx context.Context, name string, enabled bool) error
	DeployFile(ctx context.Context, url, path, sha256 string, overwrite bool) error
	SendNotification(ctx context.Context, title, message string) error
	Custom(ctx context.Context, name string, data map[string]interface{}) error
}

// Reporter is the upstream side of command processing: acknowledging
// receipt and reporting terminal results to the server.
type Reporter interface {
	AcknowledgeCommand(id string) error
	CompleteCommand(id, result string) error
	FailCommand(id, errMsg string) error
}

// Notifier wakes the queue worker after new commands are enqueued.
type Notifier interface {
	Notify()
}

// Dispatcher routes received commands. Critical commands (wipe, lock,
// reboot, factory reset, shutdown) execute synchronously on receipt,
// bypassing the durable queue: a lost-device wipe must not wait behind a
// backlog or die with the process. Everything else is persisted and
// handled by the scheduler.
type Dispatcher struct {
	Executor Executor
	Reporter Reporter
	Store    *store.CommandStore
	Notifier Notifier

	// SyncRequested is called when a sync command arrives; the syncer uses
	// it to trigger an immediate extra cycle.
	SyncRequested func()
	// PolicyReceived is called with the embedded document of a setPolicy
	// command.
	PolicyReceived func(doc map[string]interface{})
}

// Result is the outcome of executing a single command.
type Result struct {
	Output string
	Err    error
}

// Handle routes a freshly received command. Critical commands are not
// persisted before execution: they must run even when local storage is
// wedged, and the server redelivers them if the result report is lost.
func (d *Dispatcher) Handle(cmd command.Command) error {
	// best-effort receipt ack: the server should not redeliver a command
	// we are about to run, but a failed ack must never block execution.
	if err := d.Reporter.AcknowledgeCommand(cmd.ID); err != nil {
		log.Info().Err(err).Str("command", cmd.ID).Msg("acknowledge failed, continuing")
	}

	if cmd.Kind.Critical() {
		log.Info().Str("command", cmd.ID).Str("kind", string(cmd.Kind)).Msg("executing critical command immediately")
		res := d.Execute(context.Background(), cmd)
		if res.Err != nil {
			if err := d.Reporter.FailCommand(cmd.ID, res.Err.Error()); err != nil {
				log.Error().Err(err).Str("command", cmd.ID).Msg("report critical failure")
			}
			return res.Err
		}
		if err := d.Reporter.CompleteCommand(cmd.ID, res.Output); err != nil {
			log.Error().Err(err).Str("command", cmd.ID).Msg("report critical completion")
		}
		return nil
	}

	payload, err := json.Marshal(cmd.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", cmd.ID, err)
	}
	if err := d.Store.Enqueue(store.Record{
		ID:      cmd.ID,
		Type:    cmd.RawType,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("enqueue %s: %w", cmd.ID, err)
	}
	if d.Notifier != nil {
		d.Notifier.Notify()
	}
	return nil
}

// Execute runs a single typed command against the executor capability and
// returns the outcome. It never panics on unexpected params: a command
// whose parameters do not match its kind fails cleanly.
func (d *Dispatcher) Execute(ctx context.Context, cmd command.Command) Result {
	err := fmt.Errorf("command %s: unexpected params for kind %s", cmd.ID, cmd.Kind)
	var output string

	switch cmd.Kind {
	case command.KindSync:
		if d.SyncRequested != nil {
			d.SyncRequested()
		}
		err = nil
	case command.KindLock:
		err = d.Executor.Lock(ctx)
	case command.KindReboot:
		err = d.Executor.Reboot(ctx)
	case command.KindShutdown:
		err = d.Executor.Shutdown(ctx)
	case command.KindFactoryReset:
		err = d.Executor.FactoryReset(ctx)
	case command.KindWipe:
		if p, ok := cmd.Params.(*command.WipeParams); ok {
			err = d.Executor.Wipe(ctx, p.PreserveData)
		}
	case command.KindInstallApp:
		if p, ok := cmd.Params.(*command.InstallAppParams); ok {
			err = d.Executor.InstallApp(ctx, p.PackageName, p.URL, p.Version)
		}
	case command.KindUninstallApp:
		if p, ok := cmd.Params.(*command.UninstallAppParams); ok {
			err = d.Executor.UninstallApp(ctx, p.PackageName)
		}
	case command.KindUpdateApp:
		if p, ok := cmd.Params.(*command.UpdateAppParams); ok {
			err = d.Executor.UpdateApp(ctx, p.PackageName, p.URL)
		}
	case command.KindRunApp:
		if p, ok := cmd.Params.(*command.RunAppParams); ok {
			err = d.Executor.RunApp(ctx, p.PackageName, p.Action)
		}
	case command.KindGrantPermissions:
		if p, ok := cmd.Params.(*command.GrantPermissionsParams); ok {
			err = d.Executor.GrantPermissions(ctx, p.PackageName, p.Permissions)
		}
	case command.KindEnterKiosk:
		if p, ok := cmd.Params.(*command.EnterKioskParams); ok {
			err = d.Executor.EnterKiosk(ctx, p.MainApp, p.AllowedPackages)
		}
	case command.KindExitKiosk:
		err = d.Executor.ExitKiosk(ctx)
	case command.KindSetHardware:
		if p, ok := cmd.Params.(*command.SetHardwareParams); ok {
			err = d.Executor.SetHardwareFlag(ctx, p.Flag, p.Enabled)
		}
	case command.KindConfigureWifi:
		if p, ok := cmd.Params.(*command.WifiParams); ok {
			err = d.Executor.ConfigureWifi(ctx, *p)
		}
	case command.KindShell:
		if p, ok := cmd.Params.(*command.ShellParams); ok {
			// shell commands carry their own timeout, default 30s
			shellCtx, cancel := context.WithTimeout(ctx, p.Timeout)
			output, err = d.Executor.Shell(shellCtx, p.Command)
			cancel()
		}
	case command.KindSetRestriction:
		if p, ok := cmd.Params.(*command.SetRestrictionParams); ok {
			err = d.Executor.SetRestriction(ctx, p.Restriction, p.Enabled)
		}
	case command.KindSetRestrictions:
		if p, ok := cmd.Params.(*command.SetRestrictionsParams); ok {
			err = d.applyRestrictionList(ctx, p.Restrictions)
		}
	case command.KindDeployFile:
		if p, ok := cmd.Params.(*command.DeployFileParams); ok {
			err = d.Executor.DeployFile(ctx, p.URL, p.Path, p.SHA256, p.Overwrite)
		}
	case command.KindSetPolicy:
		if p, ok := cmd.Params.(*command.SetPolicyParams); ok {
			if d.PolicyReceived != nil {
				d.PolicyReceived(p.Document)
			}
			err = nil
		}
	case command.KindSendNotification:
		if p, ok := cmd.Params.(*command.SendNotificationParams); ok {
			err = d.Executor.SendNotification(ctx, p.Title, p.Message)
		}
	case command.KindCustom:
		if p, ok := cmd.Params.(*command.CustomParams); ok {
			err = d.Executor.Custom(ctx, p.Name, p.Data)
		}
	case command.KindUnknown:
		// degrade gracefully: unknown commands are reported, not executed
		log.Info().Str("command", cmd.ID).Str("type", cmd.RawType).Msg("ignoring unknown command type")
		err = nil
	}

	return Result{Output: output, Err: err}
}

// applyRestrictionList enables every named restriction; one failing entry
// does not stop the rest.
func (d *Dispatcher) applyRestrictionList(ctx context.Context, restrictions []string) error {
	var errs *multierror.Error
	for _, name := range restrictions {
		if err := d.Executor.SetRestriction(ctx, name, true); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("restriction %s: %w", name, err))
		}
	}
	return errs.ErrorOrNil()
}
