package pipeline

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy decides whether a failed task attempt is requeued and how long
// the broker should delay the redelivery.
type RetryPolicy struct {
	maxAttempts    int
	initialBackoff time.Duration
	multiplier     float64
	maxBackoff     time.Duration
}

// NewRetryPolicy builds a policy; zero values fall back to sane defaults.
func NewRetryPolicy(maxAttempts int, initialBackoff time.Duration, multiplier float64, maxBackoff time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if initialBackoff <= 0 {
		initialBackoff = 250 * time.Millisecond
	}
	if multiplier < 1 {
		multiplier = 2
	}
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	return &RetryPolicy{
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		multiplier:     multiplier,
		maxBackoff:     maxBackoff,
	}
}

// MaxAttempts returns the attempt ceiling before PERMANENTLY_FAILED.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Exhausted reports whether the given attempt count used up the budget.
func (p *RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.maxAttempts
}

// Backoff returns the jittered wait before redelivering attempt+1.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.initialBackoff) * math.Pow(p.multiplier, float64(attempt-1))
	if delay > float64(p.maxBackoff) {
		delay = float64(p.maxBackoff)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
