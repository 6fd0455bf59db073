package fetch

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// AttemptPolicy governs the application-level retry loop wrapped around a
// whole fetch, redirect chasing included. It retries on any error that is
// not fatal, independent of the transport RetryPolicy.
type AttemptPolicy struct {
	maxTries     int
	slowMaxTries int
	baseDelay    time.Duration
	maxDelay     time.Duration
}

// NewAttemptPolicy returns the standard policy: two tries, three when asking
// slowly, no delay between tries.
func NewAttemptPolicy() *AttemptPolicy {
	return &AttemptPolicy{
		maxTries:     2,
		slowMaxTries: 3,
	}
}

// WithBackoff enables jittered exponential delays between tries.
func (p *AttemptPolicy) WithBackoff(base, limit time.Duration) *AttemptPolicy {
	cp := *p
	cp.baseDelay = base
	cp.maxDelay = limit
	return &cp
}

// MaxTries returns the attempt budget for a request.
func (p *AttemptPolicy) MaxTries(askSlowly bool) int {
	if askSlowly {
		return p.slowMaxTries
	}
	return p.maxTries
}

// ShouldRetry decides whether err is worth another attempt. Cancellation of
// the caller's context and errors wrapping ErrFatal or ErrInvalidRequest are
// final.
func (p *AttemptPolicy) ShouldRetry(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrFatal) || errors.Is(err, ErrInvalidRequest) {
		return false
	}
	return true
}

// Backoff returns the wait before the next attempt.
func (p *AttemptPolicy) Backoff(attempt int) time.Duration {
	if p.baseDelay <= 0 {
		return 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if p.maxDelay > 0 && delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *AttemptPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
