package limitio

import (
	"context"

	"golang.org/x/time/rate"
)

// MinBurst is the smallest burst given to limiters created by NewLimiter
const MinBurst = 4 * 1024

// NewLimiter returns a limiter of bytesPerSec that can be shared between readers and writers,
// or nil when bytesPerSec is zero (no limit)
func NewLimiter(bytesPerSec int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := bytesPerSec / 10
	if burst < MinBurst {
		burst = MinBurst
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// wait takes n tokens from the limiter, in chunks no bigger than its burst
func wait(ctx context.Context, limiter *rate.Limiter, n int) error {
	for n > 0 {
		chunk := n
		if chunk > limiter.Burst() {
			chunk = limiter.Burst()
		}
		if err := limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
