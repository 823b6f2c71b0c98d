package executor

import (
	"github.com/rs/zerolog/log"

	"github.com/wardenmdm/warden/pkg/policy"
)

// Device is the policy-reconciliation counterpart of Local: on a plain
// host there is no package manager or kiosk API to drive, so applied
// settings are recorded in the log and accepted. Package queries report
// empty sets, which makes visibility reconciliation a no-op.
type Device struct{}

func (Device) InstalledPackages() ([]string, error)  { return nil, nil }
func (Device) LaunchablePackages() ([]string, error) { return nil, nil }
func (Device) HiddenPackages() ([]string, error)     { return nil, nil }

func (Device) SetPackageHidden(pkg string, hidden bool) error {
	log.Debug().Str("package", pkg).Bool("hidden", hidden).Msg("policy: package visibility")
	return nil
}

func (Device) EnterKiosk(mainApp string, allowedPackages []string) error {
	log.Info().Str("mainApp", mainApp).Strs("allowed", allowedPackages).Msg("policy: enter kiosk")
	return nil
}

func (Device) ExitKiosk() error {
	log.Info().Msg("policy: exit kiosk")
	return nil
}

func (Device) SetHardwareFlag(flag string, enabled bool) error {
	log.Debug().Str("flag", flag).Bool("enabled", enabled).Msg("policy: hardware flag")
	return nil
}

func (Device) SetScreenPolicy(screen policy.Screen) error {
	log.Debug().Interface("screen", screen).Msg("policy: screen")
	return nil
}

func (Device) SetRestriction(name string, enabled bool) error {
	log.Debug().Str("restriction", name).Bool("enabled", enabled).Msg("policy: restriction")
	return nil
}

func (Device) ConfigureWifi(network policy.WifiNetwork) error {
	log.Debug().Str("ssid", network.SSID).Msg("policy: wifi network")
	return nil
}
