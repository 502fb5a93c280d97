package scheduler

import "time"

// Backoff computes the delay before a retry attempt. Implementations must be
// safe for use from a single scheduler goroutine.
type Backoff interface {
	// NextDelay returns the delay before retry attempt (0-based).
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff grows the delay by Multiplier per attempt, capped at
// MaxDelay, so a struggling or absent remote authority is not hammered.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff is used when no backoff policy is configured.
var DefaultBackoff = &ExponentialBackoff{
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     30 * time.Second,
	Multiplier:   2.0,
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(eb.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= eb.Multiplier
		if time.Duration(delay) > eb.MaxDelay {
			return eb.MaxDelay
		}
	}

	result := time.Duration(delay)
	if result > eb.MaxDelay {
		result = eb.MaxDelay
	}
	return result
}
