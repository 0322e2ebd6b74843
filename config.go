package durable

import "time"

// Config holds engine-wide settings.
type Config struct {
	// Concurrency is the maximum number of run activations executing at once.
	Concurrency int

	// LeaseTTL is how long a run lease stays valid without renewal.
	LeaseTTL time.Duration

	// HeartbeatInterval is how often an executing activation renews its lease.
	HeartbeatInterval time.Duration

	// PollInterval is how often a stream reader re-reads the store when no
	// in-process notification arrives (writers on other processes).
	PollInterval time.Duration

	// WakeSchedule is the cron spec for the sleep wake-up sweep.
	WakeSchedule string

	// RecoverySchedule is the cron spec for re-activating runs whose
	// lease holder died.
	RecoverySchedule string

	// RetentionSchedule is the cron spec for purging expired streams.
	RetentionSchedule string

	// StreamRetention is how long a finished stream stays readable.
	StreamRetention time.Duration

	// StreamHighWater bounds how far a local reader may lag behind the
	// writer before Write blocks. Zero disables backpressure.
	StreamHighWater int

	// DefaultMaxRetries applies to steps that do not set MaxRetries.
	DefaultMaxRetries int

	// ShutdownTimeout is the maximum time to wait for in-flight activations.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		LeaseTTL:          30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		PollInterval:      1 * time.Second,
		WakeSchedule:      "@every 1s",
		RecoverySchedule:  "@every 15s",
		RetentionSchedule: "@every 1m",
		StreamRetention:   24 * time.Hour,
		DefaultMaxRetries: 3,
		ShutdownTimeout:   30 * time.Second,
	}
}
