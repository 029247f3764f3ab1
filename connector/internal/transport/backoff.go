package transport

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds the retries of one logical request.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BackoffBase is the wait before the first retry.
	BackoffBase time.Duration
	// BackoffCap bounds the exponential wait. Retry-After is not capped.
	BackoffCap time.Duration
	// Jitter is the +/- fraction applied to the exponential wait.
	Jitter float64
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	policy RetryPolicy
	rand   func() float64 // in [0, 1); injectable for tests
}

func newBackoff(p RetryPolicy) *backoff {
	return &backoff{policy: p, rand: rand.Float64} //nolint:gosec // not crypto
}

// delay returns min(cap, base*2^attempt) with +/- Jitter applied.
// attempt is zero for the wait before the first retry.
func (b *backoff) delay(attempt int) time.Duration {
	d := b.policy.BackoffBase
	for i := 0; i < attempt && d < b.policy.BackoffCap; i++ {
		d *= 2
	}
	if d > b.policy.BackoffCap {
		d = b.policy.BackoffCap
	}

	jitter := time.Duration(float64(d) * b.policy.Jitter * (b.rand()*2 - 1))
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}
