package ratelimit

import (
	"context"
	"time"
)

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Limiter provides fixed-window rate limit checks.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Result, error)
}

// Action names a rate limited user operation.
type Action string

const (
	ActionPaymentCheck Action = "pay"
	ActionPromo        Action = "promo"
)

// windowStart returns the index of the fixed window containing now and the time it ends.
func windowStart(window time.Duration, now time.Time) (int64, time.Time) {
	if window <= 0 {
		window = time.Second
	}
	idx := now.UnixNano() / int64(window)
	return idx, time.Unix(0, (idx+1)*int64(window)).UTC()
}
