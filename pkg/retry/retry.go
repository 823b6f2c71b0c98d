// Package retry has utilities to retry operations.
package retry

import (
	"time"
)

type config struct {
	initialInterval time.Duration
	backoff         bool
	maxAttempts     int
}

// Option allows to configure the behavior of retry.Do
type Option func(*config)

// WithInterval allows to specify a custom interval between attempts.
func WithInterval(i time.Duration) Option {
	return func(c *config) {
		c.initialInterval = i
	}
}

// WithBackoff allows to specify if exponential backoff should be used
// between attempts. The interval grows by doubling, capped at five times
// the initial interval.
func WithBackoff(b bool) Option {
	return func(c *config) {
		c.backoff = b
	}
}

// WithMaxAttempts allows to specify a maximum number of attempts before
// Do gives up and returns the last error.
func WithMaxAttempts(a int) Option {
	return func(c *config) {
		c.maxAttempts = a
	}
}

// Do executes the provided function, if the function returns a non-nil
// error it performs a retry according to the provided options. By default
// operations are retried an unlimited number of times with an interval of
// 30 seconds between each attempt.
func Do(fn func() error, opts ...Option) error {
	cfg := &config{
		initialInterval: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	maxInterval := 5 * cfg.initialInterval
	interval := cfg.initialInterval
	attempt := 0
	for {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if cfg.maxAttempts > 0 && attempt >= cfg.maxAttempts {
			return err
		}
		if cfg.backoff && attempt > 1 {
			interval *= 2
			if interval > maxInterval {
				interval = maxInterval
			}
		}
		time.Sleep(interval)
	}
}
