// Package backoff computes jittered exponential backoff delays shared by the
// Jobs, Processes, and Workflows engines.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Config parameterises the delay curve. InitialDelay is the delay before the
// first retry (fails=1); Multiplier grows it each subsequent failure; MaxDelay
// clamps the unjittered value.
type Config struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// Delay returns clamp(initial * multiplier^(fails-1), maxDelay) * uniform(0.5, 1.5).
// fails must be >= 1. A zero Config falls back to 1s/2x/30s.
func Delay(fails int, cfg Config) time.Duration {
	if fails < 1 {
		fails = 1
	}
	initial := cfg.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 2
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	raw := float64(initial) * math.Pow(mult, float64(fails-1))
	if raw > float64(maxDelay) {
		raw = float64(maxDelay)
	}
	return time.Duration(raw * Jitter())
}

// Jitter returns a uniform random multiplier in [0.5, 1.5).
func Jitter() float64 {
	return 0.5 + rand.Float64()
}
