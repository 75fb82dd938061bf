package downloader

import (
	"context"
	"math"
	"time"
)

// Backoff is the retry policy applied to transient page fetch failures.
type Backoff struct {
	MaxRetries int           // Retries after the first attempt; 0 means a single attempt
	BaseDelay  time.Duration // Delay before the first retry
	MaxDelay   time.Duration // Upper bound for any single delay
}

// Delay returns the wait before retry number `retry` (1-based): BaseDelay * 2^(retry-1), capped at MaxDelay.
// A server supplied Retry-After hint is honoured when it is longer, still capped at MaxDelay.
func (b Backoff) Delay(retry int, hint time.Duration) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := time.Duration(float64(b.BaseDelay) * math.Pow(2, float64(retry-1)))
	if hint > delay {
		delay = hint
	}
	if b.MaxDelay > 0 && (delay > b.MaxDelay || delay < 0) {
		delay = b.MaxDelay
	}
	return delay
}

// sleep waits for d or until ctx is done, reporting whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
