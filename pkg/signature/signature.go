// Package signature computes the enrollment request signature the server
// verifies against the pre-shared device secret.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// DeviceInfo is the identifying hardware/OS information included in the
// signed enrollment payload. Absent optional fields sign as empty strings.
type DeviceInfo struct {
	Model        string
	Manufacturer string
	OSVersion    string
	SerialNumber string
	IMEI         string
	MACAddress   string
	AndroidID    string
}

// Sign computes the HMAC-SHA256 signature over the pipe-joined ordered
// fields model|manufacturer|osVersion|serialNumber|imei|macAddress|
// androidId|method|timestamp, hex-encoded lowercase, keyed by the
// pre-shared device secret. The field order and encoding are fixed by the
// server and must not change.
func Sign(info DeviceInfo, method string, timestamp int64, secret string) string {
	payload := strings.Join([]string{
		info.Model,
		info.Manufacturer,
		info.OSVersion,
		info.SerialNumber,
		info.IMEI,
		info.MACAddress,
		info.AndroidID,
		method,
		strconv.FormatInt(timestamp, 10),
	}, "|")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
