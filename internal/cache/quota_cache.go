package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultQuotaTTL   = 10 * time.Second
	quotaKeyPrefix    = "meterline:quota:"
	quotaGenKeyPrefix = "meterline:quota_gen:"
	// quotaGenTTL outlives any fill window so an expiring counter cannot
	// resurrect an old generation mid-fill.
	quotaGenTTL = 24 * time.Hour
)

// QuotaSnapshot is a display-only copy of a license's balances. It must never
// be used to authorize a deduction.
type QuotaSnapshot struct {
	LicenseID        string    `json:"license_id"`
	Plan             string    `json:"plan"`
	Status           string    `json:"status"`
	TokensLimit      int64     `json:"tokens_limit"`
	TokensRemaining  int64     `json:"tokens_remaining"`
	CreditsRemaining int64     `json:"credits_remaining"`
	MaxSites         int       `json:"max_sites"`
	ActiveSites      int64     `json:"active_sites"`
	ResetDate        time.Time `json:"reset_date"`
	CachedAt         time.Time `json:"cached_at"`
}

// QuotaCache is keyed by license id.
//
// A fill must call Generation before reading the balances it caches and pass
// the result to Set. Set drops the snapshot when an Invalidate ran in between,
// so a deduction committed during the read is never hidden behind the TTL.
type QuotaCache interface {
	Get(ctx context.Context, licenseID string) (QuotaSnapshot, bool)
	Generation(ctx context.Context, licenseID string) uint64
	Set(ctx context.Context, snapshot QuotaSnapshot, generation uint64) bool
	Invalidate(ctx context.Context, licenseIDs ...string)
}

type QuotaCacheParams struct {
	fx.In

	Cfg   config.Config
	Redis *redis.Client `optional:"true"`
	Log   *zap.Logger
}

func NewQuotaCache(p QuotaCacheParams) QuotaCache {
	ttl := time.Duration(p.Cfg.Quota.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultQuotaTTL
	}
	if p.Redis != nil {
		return NewRedisQuotaCache(p.Redis, ttl, p.Log)
	}
	return NewMemoryQuotaCache(ttl)
}

type memoryQuotaCache struct {
	mu          sync.Mutex
	items       Cache[string, QuotaSnapshot]
	generations map[string]uint64
	ttl         time.Duration
}

func NewMemoryQuotaCache(ttl time.Duration) QuotaCache {
	return &memoryQuotaCache{
		items:       NewTTLCache[string, QuotaSnapshot](),
		generations: make(map[string]uint64),
		ttl:         ttl,
	}
}

func (c *memoryQuotaCache) Get(_ context.Context, licenseID string) (QuotaSnapshot, bool) {
	return c.items.Get(quotaKey(licenseID))
}

func (c *memoryQuotaCache) Generation(_ context.Context, licenseID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[quotaKey(licenseID)]
}

func (c *memoryQuotaCache) Set(_ context.Context, snapshot QuotaSnapshot, generation uint64) bool {
	key := quotaKey(snapshot.LicenseID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[key] != generation {
		return false
	}
	c.items.Set(key, snapshot, c.ttl)
	return true
}

func (c *memoryQuotaCache) Invalidate(_ context.Context, licenseIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range licenseIDs {
		key := quotaKey(id)
		c.generations[key]++
		c.items.Delete(key)
	}
}

type redisQuotaCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisQuotaCache shares display snapshots across replicas. Failures are
// logged and treated as misses.
func NewRedisQuotaCache(client *redis.Client, ttl time.Duration, log *zap.Logger) QuotaCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &redisQuotaCache{client: client, ttl: ttl, log: log.Named("cache.quota")}
}

func (c *redisQuotaCache) Get(ctx context.Context, licenseID string) (QuotaSnapshot, bool) {
	raw, err := c.client.Get(ctx, quotaKey(licenseID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("quota cache read failed", zap.String("license_id", licenseID), zap.Error(err))
		}
		return QuotaSnapshot{}, false
	}
	var snapshot QuotaSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return QuotaSnapshot{}, false
	}
	return snapshot, true
}

func (c *redisQuotaCache) Generation(ctx context.Context, licenseID string) uint64 {
	raw, err := c.client.Get(ctx, quotaGenKey(licenseID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("quota generation read failed", zap.String("license_id", licenseID), zap.Error(err))
		}
		return 0
	}
	gen, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return gen
}

// fillIfCurrent writes the snapshot only while the generation counter still
// holds the value the fill started from.
var fillIfCurrent = redis.NewScript(`
local current = redis.call("GET", KEYS[2])
if not current then current = "0" end
if current ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

func (c *redisQuotaCache) Set(ctx context.Context, snapshot QuotaSnapshot, generation uint64) bool {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return false
	}
	stored, err := fillIfCurrent.Run(ctx, c.client,
		[]string{quotaKey(snapshot.LicenseID), quotaGenKey(snapshot.LicenseID)},
		strconv.FormatUint(generation, 10), raw, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		c.log.Warn("quota cache write failed", zap.String("license_id", snapshot.LicenseID), zap.Error(err))
		return false
	}
	return stored == 1
}

func (c *redisQuotaCache) Invalidate(ctx context.Context, licenseIDs ...string) {
	if len(licenseIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(licenseIDs))
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range licenseIDs {
			genKey := quotaGenKey(id)
			pipe.Incr(ctx, genKey)
			pipe.Expire(ctx, genKey, quotaGenTTL)
			keys = append(keys, quotaKey(id))
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		c.log.Error("quota cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

func quotaKey(licenseID string) string {
	return quotaKeyPrefix + strings.ToLower(strings.TrimSpace(licenseID))
}

func quotaGenKey(licenseID string) string {
	return quotaGenKeyPrefix + strings.ToLower(strings.TrimSpace(licenseID))
}
