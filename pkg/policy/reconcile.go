package policy

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
)

// Device is the narrow slice of the privileged executor capability the
// reconciler needs. The agent's executor implementation satisfies it.
type Device interface {
	InstalledPackages() ([]string, error)
	LaunchablePackages() ([]string, error)
	HiddenPackages() ([]string, error)
	SetPackageHidden(pkg string, hidden bool) error
	EnterKiosk(mainApp string, allowedPackages []string) error
	ExitKiosk() error
	SetHardwareFlag(flag string, enabled bool) error
	SetScreenPolicy(screen Screen) error
	SetRestriction(name string, enabled bool) error
	ConfigureWifi(network WifiNetwork) error
}

// FileDeployer places policy-managed files on the device. Optional: a
// reconciler without one ignores the Files section.
type FileDeployer interface {
	DeployFile(url, path, sha256 string, overwrite bool) error
}

// DefaultExemptPackages are always visible regardless of visibility mode:
// hiding the agent or the core system UI would brick policy enforcement.
var DefaultExemptPackages = []string{
	"com.wardenmdm.agent",
	"com.android.systemui",
	"com.android.settings",
}

// ApplyResult summarizes what a reconciliation pass changed.
type ApplyResult struct {
	Skipped          bool
	EffectiveMainApp string
	Revealed         []string
	Hidden           []string
}

// Reconciler applies typed settings to the device idempotently.
type Reconciler struct {
	Device         Device
	Files          FileDeployer
	ExemptPackages []string
}

func NewReconciler(device Device) *Reconciler {
	return &Reconciler{
		Device:         device,
		ExemptPackages: DefaultExemptPackages,
	}
}

// Apply drives the device to the state cur describes. Applying the same
// settings twice is a no-op: when cur matches prev (by version, or by
// deep equality when the document carries no version) the pass is skipped
// without touching the device. Individual sub-reconcilers that fail do not
// stop the others; their errors are aggregated.
func (r *Reconciler) Apply(cur, prev Settings) (*ApplyResult, error) {
	if sameSettings(cur, prev) {
		log.Debug().Str("version", cur.General.PolicyVersion).Msg("policy already applied, skipping")
		return &ApplyResult{Skipped: true}, nil
	}

	result := &ApplyResult{}
	var errs *multierror.Error

	if err := r.applyKiosk(cur, result); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("kiosk: %w", err))
	}
	if err := r.applyHardware(cur.Hardware); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("hardware: %w", err))
	}
	if err := r.Device.SetScreenPolicy(cur.Screen); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("screen: %w", err))
	}
	if err := r.applyRestrictions(cur.Restrictions, prev.Restrictions); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("restrictions: %w", err))
	}
	for _, net := range cur.WifiNetworks {
		if err := r.Device.ConfigureWifi(net); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("wifi %s: %w", net.SSID, err))
		}
	}
	if err := r.applyVisibility(cur, result); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("visibility: %w", err))
	}
	if r.Files != nil {
		for _, f := range cur.Files {
			if err := r.Files.DeployFile(f.URL, f.Path, f.SHA256, f.Overwrite); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("file %s: %w", f.Path, err))
			}
		}
	}

	return result, errs.ErrorOrNil()
}

func sameSettings(cur, prev Settings) bool {
	if cur.General.PolicyVersion != "" {
		return cur.General.PolicyVersion == prev.General.PolicyVersion
	}
	return reflect.DeepEqual(cur, prev)
}

// applyKiosk enforces kiosk mode. If the configured main app is not
// installed but an allowed package is a dotted-suffix variant of it (for
// example com.acme.pos.staging for com.acme.pos), that variant becomes the
// effective main app for this pass. This supports staging/dev builds on
// selected devices without a separate policy document per variant.
func (r *Reconciler) applyKiosk(cur Settings, result *ApplyResult) error {
	if !cur.Kiosk.Enabled {
		return r.Device.ExitKiosk()
	}

	installed, err := r.Device.InstalledPackages()
	if err != nil {
		return fmt.Errorf("list installed packages: %w", err)
	}
	installedSet := toSet(installed)

	mainApp := cur.Kiosk.MainApp
	if !installedSet[mainApp] {
		if variant := variantFallback(mainApp, cur.Kiosk.AllowedPackages, installedSet); variant != "" {
			log.Info().Str("mainApp", mainApp).Str("variant", variant).Msg("kiosk main app not installed, using variant")
			mainApp = variant
		}
	}
	result.EffectiveMainApp = mainApp

	return r.Device.EnterKiosk(mainApp, cur.Kiosk.AllowedPackages)
}

// variantFallback returns the first allowed, installed package that is a
// dotted-suffix variant of mainApp, or "". The prefix match is a
// heuristic: any package literally prefixed by mainApp+"." qualifies.
func variantFallback(mainApp string, allowed []string, installed map[string]bool) string {
	if mainApp == "" {
		return ""
	}
	prefix := mainApp + "."
	for _, pkg := range allowed {
		if strings.HasPrefix(pkg, prefix) && installed[pkg] {
			return pkg
		}
	}
	return ""
}

func (r *Reconciler) applyHardware(hw Hardware) error {
	var errs *multierror.Error
	flags := []struct {
		name    string
		enabled bool
	}{
		{"wifi", hw.WifiEnabled},
		{"bluetooth", hw.BluetoothEnabled},
		{"gps", hw.GPSEnabled},
		{"usb", hw.USBEnabled},
		{"mobileData", hw.MobileDataEnabled},
		{"nfc", hw.NFCEnabled},
	}
	for _, f := range flags {
		if err := r.Device.SetHardwareFlag(f.name, f.enabled); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", f.name, err))
		}
	}
	return errs.ErrorOrNil()
}

func (r *Reconciler) applyRestrictions(cur, prev Restrictions) error {
	var errs *multierror.Error

	curSet := toSet(cur.List)
	// lift restrictions dropped since the previous pass before adding new
	// ones
	for _, name := range prev.List {
		if !curSet[name] {
			if err := r.Device.SetRestriction(name, false); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	for _, name := range cur.List {
		if err := r.Device.SetRestriction(name, true); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	boolFlags := []struct {
		name    string
		enabled bool
	}{
		{"no_camera", cur.CameraDisabled},
		{"no_safe_boot", cur.SafeBootDisabled},
		{"no_factory_reset", cur.FactoryResetBlocked},
		{"no_usb_file_transfer", cur.USBFileTransferOff},
	}
	for _, f := range boolFlags {
		if err := r.Device.SetRestriction(f.name, f.enabled); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// applyVisibility enforces the app visibility mode. On a mode switch any
// previously-hidden now-allowed package is revealed before newly-disallowed
// packages are hidden, so there is no window where neither the old nor the
// new policy is in effect.
func (r *Reconciler) applyVisibility(cur Settings, result *ApplyResult) error {
	hidden, err := r.Device.HiddenPackages()
	if err != nil {
		return fmt.Errorf("list hidden packages: %w", err)
	}

	switch cur.Apps.Mode {
	case VisibilityAllowlist:
		launchable, err := r.Device.LaunchablePackages()
		if err != nil {
			return fmt.Errorf("list launchable packages: %w", err)
		}
		allowed := toSet(cur.Apps.Allowed)
		for _, pkg := range r.ExemptPackages {
			allowed[pkg] = true
		}
		var toHide []string
		for _, pkg := range launchable {
			if !allowed[pkg] {
				toHide = append(toHide, pkg)
			}
		}
		var toReveal []string
		for _, pkg := range hidden {
			if allowed[pkg] {
				toReveal = append(toReveal, pkg)
			}
		}
		return r.setHidden(toReveal, toHide, result)

	case VisibilityBlocklist:
		blocked := toSet(cur.Apps.Blocked)
		hiddenSet := toSet(hidden)
		exempt := toSet(r.ExemptPackages)
		var toReveal []string
		for _, pkg := range hidden {
			if !blocked[pkg] || exempt[pkg] {
				toReveal = append(toReveal, pkg)
			}
		}
		var toHide []string
		for _, pkg := range cur.Apps.Blocked {
			if !hiddenSet[pkg] && !exempt[pkg] {
				toHide = append(toHide, pkg)
			}
		}
		return r.setHidden(toReveal, toHide, result)

	default:
		return r.setHidden(hidden, nil, result)
	}
}

func (r *Reconciler) setHidden(toReveal, toHide []string, result *ApplyResult) error {
	var errs *multierror.Error
	for _, pkg := range toReveal {
		if err := r.Device.SetPackageHidden(pkg, false); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("reveal %s: %w", pkg, err))
			continue
		}
		result.Revealed = append(result.Revealed, pkg)
	}
	for _, pkg := range toHide {
		if err := r.Device.SetPackageHidden(pkg, true); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("hide %s: %w", pkg, err))
			continue
		}
		result.Hidden = append(result.Hidden, pkg)
	}
	return errs.ErrorOrNil()
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
