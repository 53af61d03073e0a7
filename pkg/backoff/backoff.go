// Package backoff provides exponential backoff calculation.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/avast/retry-go/v4"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	Jitter  float64       // fraction of each delay that is randomized, clamped to [0,1]
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Jittered applies cfg.Jitter to the exponential delay, shortening it by a
// random fraction so concurrent retries against one repository spread out.
func Jittered(attempt int, cfg *Config, rnd func() float64) time.Duration {
	d := Exponential(attempt, cfg)
	if cfg == nil || cfg.Jitter <= 0 {
		return d
	}
	j := min(cfg.Jitter, 1)
	if rnd == nil {
		rnd = rand.Float64
	}
	return d - time.Duration(float64(d)*j*rnd())
}

// RetryDelay adapts the backoff to retry-go. retry-go passes n=1 before the
// first retry, so the first wait is the initial delay.
func RetryDelay(cfg *Config) retry.DelayTypeFunc {
	return func(n uint, _ error, _ *retry.Config) time.Duration {
		return Jittered(max(int(n), 1), cfg, nil)
	}
}
