package signature

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// The vectors below are fixed by the server-side verification; a change in
// field order, joining or encoding breaks enrollment for every device.
func TestSignVectors(t *testing.T) {
	t.Parallel()

	got := Sign(DeviceInfo{
		Model:        "Pixel 8",
		Manufacturer: "Google",
		OSVersion:    "14",
		SerialNumber: "SN123",
		MACAddress:   "02:00:00:00:00:00",
		AndroidID:    "a1b2c3",
	}, "enroll", 1700000000, "shared-secret")
	require.Equal(t, "6cd8214c86c55a02ab20e3b5c646dbdecf56380a8f88dfcc9c9c9933dddb816e", got)

	// all-empty optional fields still occupy their slot in the joined payload
	got = Sign(DeviceInfo{}, "", 0, "k")
	require.Equal(t, "36da796bd220ff6d57cbcf3b13593399d066e52939536a5bbfd5fec300e514c1", got)
}

func TestSignDeterministic(t *testing.T) {
	t.Parallel()

	info := DeviceInfo{Model: "m", SerialNumber: "s"}
	require.Equal(t, Sign(info, "enroll", 42, "secret"), Sign(info, "enroll", 42, "secret"))
	require.NotEqual(t, Sign(info, "enroll", 42, "secret"), Sign(info, "enroll", 43, "secret"))
	require.NotEqual(t, Sign(info, "enroll", 42, "secret"), Sign(info, "heartbeat", 42, "secret"))
}
