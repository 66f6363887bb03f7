package orchestrator

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig parameterizes truncated exponential backoff with jitter,
// grounded on the teacher's RetryPolicy.CalculateRetryDelay but reworked to
// the spec's delay(n) = min(cap, base*2^(n-1)) ± jitter formula, since step-
// level and execution-level retries need independently tunable base/cap
// (see DefaultStepBackoff / DefaultExecutionBackoff).
type BackoffConfig struct {
	Base      time.Duration
	Cap       time.Duration
	JitterPct float64
}

// DefaultStepBackoff matches §4.2.1's step-level defaults: base=1s, cap=60s.
func DefaultStepBackoff() BackoffConfig {
	return BackoffConfig{Base: time.Second, Cap: 60 * time.Second, JitterPct: 0.2}
}

// DefaultExecutionBackoff matches §4.2.1's execution-level defaults:
// base=5s, cap=300s.
func DefaultExecutionBackoff() BackoffConfig {
	return BackoffConfig{Base: 5 * time.Second, Cap: 300 * time.Second, JitterPct: 0.2}
}

// Delay computes delay(n) = min(cap, base*2^(n-1)) with uniform jitter of
// ±JitterPct, for attempt n >= 1.
func (c BackoffConfig) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	raw := float64(c.Base) * math.Pow(2, float64(n-1))
	if capped := float64(c.Cap); raw > capped {
		raw = capped
	}
	if c.JitterPct > 0 {
		jitter := raw * c.JitterPct
		raw += (rand.Float64()*2 - 1) * jitter
		if raw < 0 {
			raw = 0
		}
	}
	return time.Duration(raw)
}
