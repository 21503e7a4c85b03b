package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyIngestInstall = "meterline:ingest:install:%s"

// IngestLimiter throttles usage reports per installation. Concurrent batches
// from one installation are admitted and serialize on the rollup rows. A nil
// or disabled limiter admits everything.
type IngestLimiter struct {
	enabled bool
	log     *zap.Logger
	clock   clock.Clock

	bucket *TokenBucket
	local  *localBuckets

	rate  float64
	burst int
}

type Params struct {
	fx.In

	Cfg   config.Config
	Clock clock.Clock
	Log   *zap.Logger
	Redis *redis.Client `optional:"true"`
}

func NewIngestLimiter(p Params) (*IngestLimiter, error) {
	cfg := p.Cfg.RateLimit
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.UsageIngestRate <= 0 || cfg.UsageIngestBurst <= 0 {
		return nil, errors.New("usage ingest rate limit must be positive")
	}
	log := p.Log.Named("ratelimit.ingest")
	l := &IngestLimiter{
		enabled: true,
		log:     log,
		clock:   p.Clock,
		rate:    cfg.UsageIngestRate,
		burst:   cfg.UsageIngestBurst,
	}
	if p.Redis != nil {
		l.bucket = NewTokenBucket(p.Redis)
	} else {
		log.Info("redis not configured, ingest limits are per process")
		l.local = newLocalBuckets(l.rate, l.burst)
	}
	return l, nil
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *IngestLimiter) AllowInstall(ctx context.Context, installID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyIngestInstall, strings.TrimSpace(installID))
	if l.bucket != nil {
		return l.bucket.Allow(ctx, key, l.rate, l.burst)
	}
	return l.local.allow(key, l.clock.Now()), nil
}
