package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/meterline/internal/clock"
	"golang.org/x/time/rate"
)

// localBuckets is the in-process admission path used when no redis client
// is configured. Buckets are per process, so limits are per replica.
type localBuckets struct {
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

func newLocalBuckets(r float64, burst int) *localBuckets {
	return &localBuckets{
		rate:    rate.Limit(r),
		burst:   burst,
		buckets: map[string]*rate.Limiter{},
	}
}

func (l *localBuckets) allow(key string, now time.Time) *RateLimitResult {
	l.mu.Lock()
	limiter, ok := l.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.buckets[key] = limiter
	}
	l.mu.Unlock()

	allowed := limiter.AllowN(now, 1)
	remaining := limiter.TokensAt(now)
	retryAfter := time.Duration(0)
	if !allowed {
		retryAfter = refillWait(remaining, float64(l.rate))
	}
	return &RateLimitResult{
		Allowed:    allowed,
		Limit:      l.burst,
		Remaining:  max(int(remaining), 0),
		ResetTime:  now.Add(retryAfter),
		RetryAfter: retryAfter,
	}
}

// ProcessLocker mirrors Locker's lease semantics inside one process. It is
// the fallback when no redis client is configured: jobs still never overlap
// within a replica, but replicas do not see each other's leases.
type ProcessLocker struct {
	mu   sync.Mutex
	held map[string]localLock
	now  func() time.Time
}

type localLock struct {
	token   string
	expires time.Time
}

func NewProcessLocker(clk clock.Clock) *ProcessLocker {
	now := time.Now
	if clk != nil {
		now = clk.Now
	}
	return &ProcessLocker{held: map[string]localLock{}, now: now}
}

// TryLock returns ok=false without error while an unexpired lease holds key.
func (l *ProcessLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" || ttl <= 0 {
		return "", false, ErrInvalidLock
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = localLock{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

// Release gives the lease back. Releasing an empty token is a no-op.
func (l *ProcessLocker) Release(_ context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.held[key]
	if !ok || cur.token != token || !l.now().Before(cur.expires) {
		return ErrLockLost
	}
	delete(l.held, key)
	return nil
}
