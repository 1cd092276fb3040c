package llm

import (
	"context"
	"math"
	"time"

	"github.com/m4xw311/turnengine/config"
)

const (
	backoffMultiplier = 1.5
	backoffJitter     = 0.3
)

// Backoff computes waits between rate-limited attempts.
type Backoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func BackoffFromConfig(cfg config.Retry) Backoff {
	return Backoff{BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay, MaxAttempts: cfg.MaxAttempts}
}

// Delay returns the wait after the given failed attempt (1-based).
// jitter is a sample from [0, 1) and adds up to 30% of the exponential
// delay. The result never exceeds MaxDelay.
func (b Backoff) Delay(attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.BaseDelay) * math.Pow(backoffMultiplier, float64(attempt-1))
	delay += delay * backoffJitter * jitter
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
