// Package policy converts the server's versioned, loosely-typed policy
// document into typed settings and reconciles device state against them.
package policy

import (
	"time"

	"github.com/wardenmdm/warden/pkg/command"
)

// Settings is the typed projection of a policy document.
type Settings struct {
	General      General
	Kiosk        Kiosk
	Hardware     Hardware
	Screen       Screen
	Restrictions Restrictions
	WifiNetworks []WifiNetwork
	Apps         Apps
	Files        []FileDeployment
}

type General struct {
	PolicyID          string
	PolicyName        string
	PolicyVersion     string
	HeartbeatInterval time.Duration
}

type Kiosk struct {
	Enabled         bool
	MainApp         string
	AllowedPackages []string
	HomeEnabled     bool
	RecentsEnabled  bool
	StatusBarLocked bool
	ImmersiveMode   bool
}

type Hardware struct {
	WifiEnabled         bool
	BluetoothEnabled    bool
	GPSEnabled          bool
	USBEnabled          bool
	MobileDataEnabled   bool
	NFCEnabled          bool
	EnforcementInterval time.Duration
}

type Screen struct {
	ScreenshotDisabled bool
	TimeoutSeconds     int
	Brightness         int
	AutoBrightness     bool
}

type Restrictions struct {
	List                []string
	CameraDisabled      bool
	SafeBootDisabled    bool
	FactoryResetBlocked bool
	USBFileTransferOff  bool
}

type WifiNetwork struct {
	SSID         string
	Password     string
	SecurityType string
	Hidden       bool
	AutoConnect  bool
	Priority     int
	EAP          *EAPConfig
}

type EAPConfig struct {
	Method            string
	Identity          string
	AnonymousIdentity string
	Password          string
}

// VisibilityMode selects how the app visibility policy is enforced.
type VisibilityMode string

const (
	// VisibilityDefault clears all hide/suspend state.
	VisibilityDefault VisibilityMode = "default"
	// VisibilityAllowlist hides every launchable package not in the allow
	// set or the always-visible exemption set.
	VisibilityAllowlist VisibilityMode = "allowlist"
	// VisibilityBlocklist hides only the listed packages.
	VisibilityBlocklist VisibilityMode = "blocklist"
)

type Apps struct {
	Mode      VisibilityMode
	Allowed   []string
	Blocked   []string
	Installed []AppInfo
}

type AppInfo struct {
	PackageName string
	Version     string
	URL         string
}

type FileDeployment struct {
	URL       string
	Path      string
	SHA256    string
	Overwrite bool
}

// Default returns the settings in effect before any policy document has
// been applied.
func Default() Settings {
	return Settings{
		General: General{HeartbeatInterval: 15 * time.Minute},
		Kiosk:   Kiosk{HomeEnabled: true, RecentsEnabled: true},
		Hardware: Hardware{
			WifiEnabled:         true,
			BluetoothEnabled:    true,
			GPSEnabled:          true,
			USBEnabled:          true,
			MobileDataEnabled:   true,
			NFCEnabled:          true,
			EnforcementInterval: 5 * time.Minute,
		},
		Screen: Screen{AutoBrightness: true},
		Apps:   Apps{Mode: VisibilityDefault},
	}
}

// FromDocument maps a policy document onto typed settings. Total and pure:
// any absent or malformed field falls back to its value in prev, so a
// partial document never resets device state, and unknown keys are simply
// ignored. Key aliases resolve primary-first.
func FromDocument(raw map[string]interface{}, prev Settings) Settings {
	s := prev

	gen := section(raw, "general")
	s.General.PolicyID = command.StringField(gen, prev.General.PolicyID, "policyId", "id")
	s.General.PolicyName = command.StringField(gen, prev.General.PolicyName, "policyName", "name")
	s.General.PolicyVersion = command.StringField(gen, prev.General.PolicyVersion, "policyVersion", "version")
	if secs := command.IntField(gen, 0, "heartbeatInterval", "heartbeatPeriod"); secs > 0 {
		s.General.HeartbeatInterval = time.Duration(secs) * time.Second
	}

	kiosk := section(raw, "kiosk")
	s.Kiosk.Enabled = command.BoolField(kiosk, prev.Kiosk.Enabled, "kioskMode", "enabled")
	s.Kiosk.MainApp = command.StringField(kiosk, prev.Kiosk.MainApp, "mainApp", "packageName", "kioskApp")
	if pkgs := command.ListField(kiosk, "allowedPackages", "allowedApps", "kioskApps"); pkgs != nil {
		s.Kiosk.AllowedPackages = pkgs
	}
	s.Kiosk.HomeEnabled = command.BoolField(kiosk, prev.Kiosk.HomeEnabled, "kioskHome", "homeEnabled")
	s.Kiosk.RecentsEnabled = command.BoolField(kiosk, prev.Kiosk.RecentsEnabled, "kioskRecents", "recentsEnabled")
	s.Kiosk.StatusBarLocked = command.BoolField(kiosk, prev.Kiosk.StatusBarLocked, "lockStatusBar", "statusBarLocked")
	s.Kiosk.ImmersiveMode = command.BoolField(kiosk, prev.Kiosk.ImmersiveMode, "immersiveMode")

	hw := section(raw, "hardware")
	s.Hardware.WifiEnabled = command.BoolField(hw, prev.Hardware.WifiEnabled, "wifi", "wifiEnabled")
	s.Hardware.BluetoothEnabled = command.BoolField(hw, prev.Hardware.BluetoothEnabled, "bluetooth", "bluetoothEnabled")
	s.Hardware.GPSEnabled = command.BoolField(hw, prev.Hardware.GPSEnabled, "gps", "gpsEnabled")
	s.Hardware.USBEnabled = command.BoolField(hw, prev.Hardware.USBEnabled, "usb", "usbEnabled")
	s.Hardware.MobileDataEnabled = command.BoolField(hw, prev.Hardware.MobileDataEnabled, "mobileData", "mobileDataEnabled")
	s.Hardware.NFCEnabled = command.BoolField(hw, prev.Hardware.NFCEnabled, "nfc", "nfcEnabled")
	if secs := command.IntField(hw, 0, "enforcementInterval"); secs > 0 {
		s.Hardware.EnforcementInterval = time.Duration(secs) * time.Second
	}

	scr := section(raw, "screen")
	s.Screen.ScreenshotDisabled = command.BoolField(scr, prev.Screen.ScreenshotDisabled, "disableScreenshots", "screenshotDisabled")
	s.Screen.TimeoutSeconds = command.IntField(scr, prev.Screen.TimeoutSeconds, "screenTimeout", "timeoutSeconds")
	s.Screen.Brightness = command.IntField(scr, prev.Screen.Brightness, "brightness")
	s.Screen.AutoBrightness = command.BoolField(scr, prev.Screen.AutoBrightness, "autoBrightness")

	res := section(raw, "restrictions")
	if list := command.ListField(res, "restrictions", "restrictionList"); list != nil {
		s.Restrictions.List = list
	}
	s.Restrictions.CameraDisabled = command.BoolField(res, prev.Restrictions.CameraDisabled, "disableCamera")
	s.Restrictions.SafeBootDisabled = command.BoolField(res, prev.Restrictions.SafeBootDisabled, "disableSafeBoot")
	s.Restrictions.FactoryResetBlocked = command.BoolField(res, prev.Restrictions.FactoryResetBlocked, "disableFactoryReset")
	s.Restrictions.USBFileTransferOff = command.BoolField(res, prev.Restrictions.USBFileTransferOff, "disableUsbFileTransfer")

	if nets, ok := rawList(raw, "wifiNetworks", "wifi"); ok {
		s.WifiNetworks = parseWifiNetworks(nets)
	}

	apps := section(raw, "applications")
	if allowed := command.ListField(apps, "allowedApps", "allowedApplications"); allowed != nil {
		s.Apps.Allowed = allowed
	}
	if blocked := command.ListField(apps, "blockedApps", "blockedApplications"); blocked != nil {
		s.Apps.Blocked = blocked
	}
	if installed, ok := rawList(apps, "installedApps", "applications"); ok {
		s.Apps.Installed = parseAppInfos(installed)
	}
	s.Apps.Mode = visibilityMode(apps, s)

	if files, ok := rawList(raw, "files", "fileDeployments"); ok {
		s.Files = parseFileDeployments(files)
	}

	return s
}

// section returns the nested map for a policy document section. Documents
// may be nested per section or flat; a missing section falls back to the
// top-level map so flat documents keep working.
func section(raw map[string]interface{}, name string) map[string]interface{} {
	if raw == nil {
		return nil
	}
	if m, ok := raw[name].(map[string]interface{}); ok {
		return m
	}
	return raw
}

func rawList(raw map[string]interface{}, keys ...string) ([]interface{}, bool) {
	for _, k := range keys {
		if items, ok := raw[k].([]interface{}); ok {
			return items, true
		}
	}
	return nil, false
}

func visibilityMode(apps map[string]interface{}, s Settings) VisibilityMode {
	switch VisibilityMode(command.StringField(apps, "", "visibilityMode", "mode")) {
	case VisibilityAllowlist:
		return VisibilityAllowlist
	case VisibilityBlocklist:
		return VisibilityBlocklist
	case VisibilityDefault:
		return VisibilityDefault
	}
	// mode not stated explicitly: derive it from the lists
	if len(s.Apps.Allowed) > 0 {
		return VisibilityAllowlist
	}
	if len(s.Apps.Blocked) > 0 {
		return VisibilityBlocklist
	}
	return VisibilityDefault
}

func parseWifiNetworks(items []interface{}) []WifiNetwork {
	var nets []WifiNetwork
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		ssid := command.StringField(m, "", "ssid")
		if ssid == "" {
			continue
		}
		net := WifiNetwork{
			SSID:         ssid,
			Password:     command.StringField(m, "", "password", "psk"),
			SecurityType: command.StringField(m, "WPA", "securityType", "security"),
			Hidden:       command.BoolField(m, false, "hidden"),
			AutoConnect:  command.BoolField(m, true, "autoConnect"),
			Priority:     command.IntField(m, 0, "priority"),
		}
		if eap, ok := m["eap"].(map[string]interface{}); ok {
			net.EAP = &EAPConfig{
				Method:            command.StringField(eap, "", "method"),
				Identity:          command.StringField(eap, "", "identity"),
				AnonymousIdentity: command.StringField(eap, "", "anonymousIdentity"),
				Password:          command.StringField(eap, "", "password"),
			}
		}
		nets = append(nets, net)
	}
	return nets
}

func parseAppInfos(items []interface{}) []AppInfo {
	var apps []AppInfo
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		pkg := command.StringField(m, "", "packageName", "pkg")
		if pkg == "" {
			continue
		}
		apps = append(apps, AppInfo{
			PackageName: pkg,
			Version:     command.StringField(m, "", "version", "versionName"),
			URL:         command.StringField(m, "", "url", "downloadUrl"),
		})
	}
	return apps
}

func parseFileDeployments(items []interface{}) []FileDeployment {
	var files []FileDeployment
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		u := command.StringField(m, "", "url", "downloadUrl")
		path := command.StringField(m, "", "path", "destination")
		if u == "" || path == "" {
			continue
		}
		files = append(files, FileDeployment{
			URL:       u,
			Path:      path,
			SHA256:    command.StringField(m, "", "sha256", "hash", "checksum"),
			Overwrite: command.BoolField(m, false, "overwrite", "replace"),
		})
	}
	return files
}
