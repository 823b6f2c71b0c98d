// Package command defines the closed set of operations the server can ask
// the agent to perform, and the parsing of loosely-typed server payloads
// into those operations.
package command

import (
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Kind is the discriminant of the command variant.
type Kind string

const (
	KindSync             Kind = "sync"
	KindReboot           Kind = "reboot"
	KindLock             Kind = "lock"
	KindWipe             Kind = "wipe"
	KindFactoryReset     Kind = "factoryReset"
	KindShutdown         Kind = "shutdown"
	KindInstallApp       Kind = "installApp"
	KindUninstallApp     Kind = "uninstallApp"
	KindUpdateApp        Kind = "updateApp"
	KindRunApp           Kind = "runApp"
	KindGrantPermissions Kind = "grantPermissions"
	KindEnterKiosk       Kind = "enterKiosk"
	KindExitKiosk        Kind = "exitKiosk"
	KindSetHardware      Kind = "setHardware"
	KindConfigureWifi    Kind = "configureWifi"
	KindShell            Kind = "shell"
	KindSetRestriction   Kind = "setRestriction"
	KindSetRestrictions  Kind = "setRestrictions"
	KindDeployFile       Kind = "deployFile"
	KindSetPolicy        Kind = "setPolicy"
	KindSendNotification Kind = "sendNotification"
	KindCustom           Kind = "custom"
	KindUnknown          Kind = "unknown"
)

// Critical reports whether commands of this kind must bypass the durable
// queue and execute immediately on receipt. A lost-device wipe or lock can
// not wait behind a backlog of lower-priority commands.
func (k Kind) Critical() bool {
	switch k {
	case KindWipe, KindLock, KindFactoryReset, KindShutdown, KindReboot:
		return true
	}
	return false
}

// Params is implemented by every variant-specific parameter struct.
type Params interface {
	isParams()
}

// Command is a single typed operation received from the server. The ID is
// server-assigned and immutable; it identifies the command across its whole
// lifecycle (queueing, retries, result reporting).
type Command struct {
	ID      string
	Kind    Kind
	RawType string
	Payload map[string]interface{}
	Params  Params
}

type WipeParams struct {
	PreserveData bool // default false
}

type InstallAppParams struct {
	PackageName string
	URL         string
	Version     string
}

type UninstallAppParams struct {
	PackageName string
}

type UpdateAppParams struct {
	PackageName string
	URL         string
}

type RunAppParams struct {
	PackageName string
	Action      string
}

type GrantPermissionsParams struct {
	PackageName string
	Permissions []string
}

type EnterKioskParams struct {
	MainApp         string
	AllowedPackages []string
}

type SetHardwareParams struct {
	Flag    string
	Enabled bool
}

type WifiParams struct {
	SSID         string
	Password     string
	SecurityType string // default "WPA"
	Hidden       bool
	AutoConnect  bool // default true
	Priority     int
}

type ShellParams struct {
	Command string
	Timeout time.Duration // default 30s, carried on the wire in milliseconds
}

type SetRestrictionParams struct {
	Restriction string
	Enabled     bool
}

type SetRestrictionsParams struct {
	Restrictions []string
}

type DeployFileParams struct {
	URL       string
	Path      string
	SHA256    string
	Overwrite bool // default false
}

type SetPolicyParams struct {
	Document map[string]interface{}
}

type SendNotificationParams struct {
	Title   string
	Message string
}

type CustomParams struct {
	Name string
	Data map[string]interface{}
}

func (WipeParams) isParams()             {}
func (InstallAppParams) isParams()       {}
func (UninstallAppParams) isParams()     {}
func (UpdateAppParams) isParams()        {}
func (RunAppParams) isParams()           {}
func (GrantPermissionsParams) isParams() {}
func (EnterKioskParams) isParams()       {}
func (SetHardwareParams) isParams()      {}
func (WifiParams) isParams()             {}
func (ShellParams) isParams()            {}
func (SetRestrictionParams) isParams()   {}
func (SetRestrictionsParams) isParams()  {}
func (SetPolicyParams) isParams()        {}
func (DeployFileParams) isParams()       {}
func (SendNotificationParams) isParams() {}
func (CustomParams) isParams()           {}

// Parse builds a typed Command from a server payload. It never fails: an
// unrecognized type tag yields a KindUnknown command that retains the raw
// tag and payload, and missing or malformed fields fall back to their
// documented defaults.
func Parse(id, typeTag string, payload map[string]interface{}) Command {
	cmd := Command{
		ID:      id,
		RawType: typeTag,
		Payload: payload,
	}

	switch typeTag {
	case "sync", "syncNow":
		cmd.Kind = KindSync
	case "reboot":
		cmd.Kind = KindReboot
	case "lock", "lockDevice":
		cmd.Kind = KindLock
	case "shutdown":
		cmd.Kind = KindShutdown
	case "factoryReset":
		cmd.Kind = KindFactoryReset
	case "wipe", "wipeData":
		cmd.Kind = KindWipe
		cmd.Params = &WipeParams{
			PreserveData: BoolField(payload, false, "preserveData", "keepData"),
		}
	case "installApp", "install":
		cmd.Kind = KindInstallApp
		cmd.Params = &InstallAppParams{
			PackageName: StringField(payload, "", "packageName", "package", "pkg"),
			URL:         StringField(payload, "", "url", "downloadUrl", "apkUrl"),
			Version:     StringField(payload, "", "version", "versionName"),
		}
	case "uninstallApp", "uninstall":
		cmd.Kind = KindUninstallApp
		cmd.Params = &UninstallAppParams{
			PackageName: StringField(payload, "", "packageName", "package", "pkg"),
		}
	case "updateApp":
		cmd.Kind = KindUpdateApp
		cmd.Params = &UpdateAppParams{
			PackageName: StringField(payload, "", "packageName", "package", "pkg"),
			URL:         StringField(payload, "", "url", "downloadUrl", "apkUrl"),
		}
	case "runApp", "launchApp":
		cmd.Kind = KindRunApp
		cmd.Params = &RunAppParams{
			PackageName: StringField(payload, "", "packageName", "package", "pkg"),
			Action:      StringField(payload, "", "action", "intent"),
		}
	case "grantPermissions":
		cmd.Kind = KindGrantPermissions
		cmd.Params = &GrantPermissionsParams{
			PackageName: StringField(payload, "", "packageName", "package", "pkg"),
			Permissions: ListField(payload, "permissions", "permissionList"),
		}
	case "enterKiosk", "kioskOn":
		cmd.Kind = KindEnterKiosk
		cmd.Params = &EnterKioskParams{
			MainApp:         StringField(payload, "", "packageName", "mainApp"),
			AllowedPackages: ListField(payload, "allowedPackages", "allowedApps"),
		}
	case "exitKiosk", "kioskOff":
		cmd.Kind = KindExitKiosk
	case "setHardware", "setHardwareFlag":
		cmd.Kind = KindSetHardware
		cmd.Params = &SetHardwareParams{
			Flag:    StringField(payload, "", "flag", "name", "hardware"),
			Enabled: BoolField(payload, false, "enabled", "value", "state"),
		}
	case "configureWifi", "wifi":
		cmd.Kind = KindConfigureWifi
		cmd.Params = &WifiParams{
			SSID:         StringField(payload, "", "ssid"),
			Password:     StringField(payload, "", "password", "psk"),
			SecurityType: StringField(payload, "WPA", "securityType", "security"),
			Hidden:       BoolField(payload, false, "hidden"),
			AutoConnect:  BoolField(payload, true, "autoConnect"),
			Priority:     IntField(payload, 0, "priority"),
		}
	case "shell", "runCommand":
		cmd.Kind = KindShell
		cmd.Params = &ShellParams{
			Command: StringField(payload, "", "command", "cmd", "script"),
			Timeout: time.Duration(IntField(payload, 30000, "timeout", "timeoutMs")) * time.Millisecond,
		}
	case "setRestriction":
		cmd.Kind = KindSetRestriction
		cmd.Params = &SetRestrictionParams{
			Restriction: StringField(payload, "", "restriction", "name", "key"),
			Enabled:     BoolField(payload, true, "enabled", "value", "state"),
		}
	case "setRestrictions":
		cmd.Kind = KindSetRestrictions
		cmd.Params = &SetRestrictionsParams{
			Restrictions: ListField(payload, "restrictions", "restrictionList"),
		}
	case "deployFile", "pushFile":
		cmd.Kind = KindDeployFile
		cmd.Params = &DeployFileParams{
			URL:       StringField(payload, "", "url", "downloadUrl"),
			Path:      StringField(payload, "", "path", "destination"),
			SHA256:    StringField(payload, "", "sha256", "hash", "checksum"),
			Overwrite: BoolField(payload, false, "overwrite", "replace"),
		}
	case "setPolicy", "policy":
		cmd.Kind = KindSetPolicy
		doc, _ := payload["policy"].(map[string]interface{})
		if doc == nil {
			doc = payload
		}
		cmd.Params = &SetPolicyParams{Document: doc}
	case "sendNotification", "notify":
		cmd.Kind = KindSendNotification
		cmd.Params = &SendNotificationParams{
			Title:   StringField(payload, "", "title"),
			Message: StringField(payload, "", "message", "body", "text"),
		}
	case "custom":
		cmd.Kind = KindCustom
		cmd.Params = &CustomParams{
			Name: StringField(payload, "", "name"),
			Data: payload,
		}
	default:
		cmd.Kind = KindUnknown
	}

	return cmd
}

// field resolves a payload value through its alias chain: the primary key
// first, then each alias in declaration order, first present wins.
func field(payload map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := payload[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// StringField extracts a string value, coercing numerics if needed.
func StringField(payload map[string]interface{}, def string, keys ...string) string {
	v, ok := field(payload, keys...)
	if !ok {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return def
	}
	return s
}

// BoolField extracts a boolean, accepting true/false, "true"/"false",
// "1"/"0", "yes"/"no" and 1/0.
func BoolField(payload map[string]interface{}, def bool, keys ...string) bool {
	v, ok := field(payload, keys...)
	if !ok {
		return def
	}
	if s, isStr := v.(string); isStr {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "yes":
			return true
		case "no":
			return false
		}
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// IntField extracts an integer from a numeric or numeric-string value.
func IntField(payload map[string]interface{}, def int, keys ...string) int {
	v, ok := field(payload, keys...)
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}

// ListField extracts a list of strings from a native list or from a
// comma-separated string. Segments are trimmed and empty segments dropped.
func ListField(payload map[string]interface{}, keys ...string) []string {
	v, ok := field(payload, keys...)
	if !ok {
		return nil
	}
	if s, isStr := v.(string); isStr {
		return splitList(s)
	}
	items, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, seg := range strings.Split(s, ",") {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
