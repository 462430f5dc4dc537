package infra

import (
	"math"
	"time"
)

// CalculateBackoff returns the reconnect delay before attempt retryCount (0-based).
// With maxDelay <= base the delay is a fixed base; otherwise it doubles per attempt up to maxDelay.
func CalculateBackoff(retryCount int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if maxDelay <= base || retryCount <= 0 {
		return base
	}
	// Cap the exponent so the multiplication cannot overflow.
	if retryCount > 30 {
		return maxDelay
	}
	delay := base * time.Duration(math.Pow(2, float64(retryCount)))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}
