package constant

import "time"

const (
	// DefaultDirMode is the default file mode to apply to created directories.
	DefaultDirMode = 0o755
	// DefaultFileMode is the default file mode to apply to created files.
	DefaultFileMode = 0o600
	// EnrollMaxRetries is the max number of retries when doing an enroll
	// request. We set it to 6 to allow the retry backoff to take effect.
	EnrollMaxRetries = 6
	// EnrollRetrySleep is the duration to sleep between enroll retries.
	EnrollRetrySleep = 10 * time.Second
	// DefaultShellTimeout is the execution timeout applied to shell commands
	// that do not carry an explicit timeout parameter.
	DefaultShellTimeout = 30 * time.Second
	// MaxCommandAttempts is the delivery attempt ceiling for a queued
	// command before it is marked failed permanently.
	MaxCommandAttempts = 5
	// PushTokenMaxAttempts is the delivery attempt ceiling for push token
	// registration. Higher than the command ceiling since losing the push
	// channel means losing server-initiated wake-ups entirely.
	PushTokenMaxAttempts = 10
	// MinSyncInterval is the lower bound for the heartbeat period.
	MinSyncInterval = 1 * time.Minute
	// CompletedRetention is how long completed command records are kept
	// before garbage collection.
	CompletedRetention = 7 * 24 * time.Hour
	// FailedRetention is how long exhausted failed command records are kept.
	// Longer than CompletedRetention so failure evidence survives for
	// diagnostics.
	FailedRetention = 30 * 24 * time.Hour
)
