// Package server implements per-connection throttling that protects the hub
// from chat and announcement floods.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter allows bursts of capacity events, refilled evenly over interval.
func newRateLimiter(capacity int, interval time.Duration) *rate.Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Every(interval/time.Duration(capacity)), capacity)
}

// rateLimited reports whether event counts against the connection's budget.
// Image chunks are exempt: a single image is many frames, bounded instead by
// the transfer's announced chunk count.
func rateLimited(event string) bool {
	return event != EventImageChunk
}
