package engine

import (
	"math/rand"
	"time"
)

type Backoff struct {
	BaseDelay   time.Duration // e.g. 50ms
	MaxDelay    time.Duration // e.g. 2s
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		MaxAttempts: 4,
	}
}

// Delay computes the wait before the next attempt using exponential backoff
// with full jitter. attempt is 1-based (1 => up to BaseDelay).
func (b Backoff) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.BaseDelay <= 0 {
		b.BaseDelay = 50 * time.Millisecond
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = 2 * time.Second
	}
	// exponential: base * 2^(attempt-1), guarding the shift
	delay := b.MaxDelay
	if attempt < 32 {
		if d := b.BaseDelay << (attempt - 1); d > 0 && d < b.MaxDelay {
			delay = d
		}
	}
	// full jitter: random in [0, delay]
	if rng == nil {
		return time.Duration(rand.Int63n(int64(delay) + 1))
	}
	return time.Duration(rng.Int63n(int64(delay) + 1))
}

func (b Backoff) attempts() int {
	if b.MaxAttempts <= 0 {
		return 1
	}
	return b.MaxAttempts
}
