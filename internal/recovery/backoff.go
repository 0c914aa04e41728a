package recovery

import (
	"math/rand"
	"time"
)

// BackoffConfig controls retry delays for the retry_backoff strategy.
type BackoffConfig struct {
	// MaxAttempts bounds the total number of tries, including the first.
	MaxAttempts int `koanf:"max_attempts"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `koanf:"base_delay"`

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration `koanf:"max_delay"`

	// JitterFraction is the fraction of the computed delay that is
	// randomized, in [0, 1]. Zero disables jitter.
	JitterFraction float64 `koanf:"jitter_fraction"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *BackoffConfig) ApplyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 4
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = 1 * time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.JitterFraction == 0 {
		c.JitterFraction = 0.2
	}
}

// Delay computes the backoff delay before retry number attempt (1-based).
// The delay doubles each attempt, capped at MaxDelay, with jitter drawn
// from rnd when provided.
func (c BackoffConfig) Delay(attempt int, rnd *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := c.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxDelay {
			d = c.MaxDelay
			break
		}
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}

	if rnd != nil && c.JitterFraction > 0 {
		jitter := time.Duration(float64(d) * c.JitterFraction * rnd.Float64())
		d += jitter
		if d > c.MaxDelay {
			d = c.MaxDelay
		}
	}
	return d
}
