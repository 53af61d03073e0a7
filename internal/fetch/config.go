package fetch

import (
	"time"

	"pluginstager/pkg/backoff"
)

// Hardcoded fetch defaults.
const (
	defaultAttempts       = 3
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultJitter         = 0.2
	defaultRequestTimeout = 60 * time.Second
)

// Config controls retries and per-request timeouts.
type Config struct {
	Attempts       int            // total attempts per artifact (default: 3)
	Backoff        backoff.Config // delay between attempts (default: 250ms..10s, 20% jitter)
	RequestTimeout time.Duration  // per-attempt timeout (default: 60s)
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = defaultAttempts
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = defaultInitialBackoff
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = defaultMaxBackoff
	}
	if c.Backoff.Jitter == 0 {
		c.Backoff.Jitter = defaultJitter
	}
	if c.Backoff.Jitter < 0 {
		c.Backoff.Jitter = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return c
}
