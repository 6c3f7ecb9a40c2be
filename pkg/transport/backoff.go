package transport

import "time"

const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 6
)

// Backoff is the reconnect policy: attempt n waits Base*2^(n-1), capped at
// Max, and no more than MaxAttempts reconnects follow a failure streak.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBaseDelay, Max: DefaultMaxDelay, MaxAttempts: DefaultMaxAttempts}
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBaseDelay
	}
	if b.Max <= 0 {
		b.Max = DefaultMaxDelay
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.MaxAttempts < 0 {
		b.MaxAttempts = 0
	}
	return b
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max || delay <= 0 {
			return b.Max
		}
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}

// Exhausted reports whether attempt n exceeds the policy.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt > b.MaxAttempts
}
