package discovery

import (
	"math"
	"time"
)

// Backoff computes the retry schedule for missing devices. All methods are
// pure functions of their inputs so scheduling decisions are reproducible in
// tests and in post-mortems of a device's failure history.
type Backoff struct {
	// Initial is the delay after the first failure.
	Initial time.Duration

	// Max caps the delay regardless of failure count.
	Max time.Duration

	// Multiplier grows the delay per additional failure.
	Multiplier float64

	// MaxFailures is the failure count at which a device is permanently
	// disabled. Zero means never disable.
	MaxFailures int
}

// NextRetry returns when a device with the given failure count becomes
// eligible for another search attempt: now + min(Max, Initial·Multiplier^(n−1)).
func (b Backoff) NextRetry(now time.Time, failureCount int) time.Time {
	if failureCount < 1 {
		failureCount = 1
	}

	interval := float64(b.Initial) * math.Pow(b.Multiplier, float64(failureCount-1))
	if interval > float64(b.Max) || math.IsInf(interval, 1) || math.IsNaN(interval) {
		interval = float64(b.Max)
	}

	return now.Add(time.Duration(interval))
}

// ShouldDisable reports whether a device with the given failure count has
// exhausted its retries.
func (b Backoff) ShouldDisable(failureCount int) bool {
	return b.MaxFailures > 0 && failureCount >= b.MaxFailures
}
