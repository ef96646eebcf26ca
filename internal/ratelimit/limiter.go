// Package ratelimit gates incoming requests per identity and action class
// before they reach the scheduler.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrThrottled marks an admission denial. Use errors.As to recover the
// ThrottledError and its retry-after hint.
var ErrThrottled = errors.New("throttled")

// ThrottledError carries the duration after which the request may succeed.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled, retry after %s", e.RetryAfter)
}

func (e *ThrottledError) Unwrap() error { return ErrThrottled }

// Class partitions limits by the kind of work a request admits.
type Class string

const (
	ClassUpload    Class = "upload"
	ClassTransform Class = "transform"
	ClassRead      Class = "read"
)

// Limit configures one class's token bucket: steady refill rate and burst cap.
type Limit struct {
	PerSecond float64
	Burst     int
}

// Limiter keeps one token bucket per (identity, class). Identities are user
// ids or client addresses; the limiter does not care which.
type Limiter struct {
	limits map[Class]Limit

	mu      sync.Mutex
	buckets map[bucketKey]*rate.Limiter
}

type bucketKey struct {
	identity string
	class    Class
}

// New creates a Limiter from per-class limits. A class with no configured
// limit is admitted unconditionally.
func New(limits map[Class]Limit) *Limiter {
	return &Limiter{
		limits:  limits,
		buckets: make(map[bucketKey]*rate.Limiter),
	}
}

// Allow admits or rejects one request. Rejections return a *ThrottledError
// with a retry-after hint; the token is not consumed.
func (l *Limiter) Allow(identity string, class Class) error {
	limit, ok := l.limits[class]
	if !ok {
		return nil
	}

	b := l.bucket(identity, class, limit)
	r := b.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return &ThrottledError{RetryAfter: delay}
	}
	return nil
}

func (l *Limiter) bucket(identity string, class Class, limit Limit) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := bucketKey{identity: identity, class: class}
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(limit.PerSecond), limit.Burst)
		l.buckets[key] = b
	}
	return b
}
