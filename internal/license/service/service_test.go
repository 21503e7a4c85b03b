package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/access"
	"github.com/smallbiznis/meterline/internal/cache"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	licensedomain "github.com/smallbiznis/meterline/internal/license/domain"
	"github.com/smallbiznis/meterline/internal/license/repository"
	"github.com/smallbiznis/meterline/internal/pricing"
	"github.com/smallbiznis/meterline/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	svc   *Service
	clock *clock.FakeClock
	node  *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := db.NewTest(t, licensedomain.Models()...)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	svc := New(Params{
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Cfg:        config.Config{Scheduler: config.SchedulerConfig{ResetBatchSize: 2}},
		Repo:       repository.Provide(conn),
		Pricing:    pricing.NewStaticCalculator(config.DefaultPricingConfig()),
		QuotaCache: cache.NewMemoryQuotaCache(time.Minute),
	})
	return &fixture{db: conn, svc: svc.(*Service), clock: clk, node: node}
}

func (f *fixture) license(t *testing.T, key string, maxSites int, tokens int64) *licensedomain.License {
	t.Helper()
	now := f.clock.Now()
	l := &licensedomain.License{
		ID:              f.node.Generate(),
		LicenseKey:      key,
		OwnerAccountID:  "acct-" + key,
		Plan:            "agency",
		Status:          "active",
		TokensLimit:     tokens,
		TokensRemaining: tokens,
		MaxSites:        maxSites,
		ResetDate:       licensedomain.NextResetDate(now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, f.db.Create(l).Error)
	return l
}

func (f *fixture) reload(t *testing.T, id snowflake.ID) licensedomain.License {
	t.Helper()
	var l licensedomain.License
	require.NoError(t, f.db.Where("id = ?", id).Take(&l).Error)
	return l
}

func (f *fixture) siteCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&licensedomain.Site{}).Count(&n).Error)
	return n
}

func TestAutoAttach_MintsFreeLicense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.AutoAttach(ctx, licensedomain.AutoAttachRequest{SiteHash: "site-a", SiteURL: "https://a.example"})
	require.NoError(t, err)
	assert.True(t, res.Minted)
	assert.Equal(t, "free", res.License.Plan)
	assert.Equal(t, int64(25_000), res.License.TokensRemaining)
	assert.Equal(t, 1, res.License.MaxSites)
	assert.Equal(t, "none", res.License.Status)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), res.License.ResetDate.UTC())
	assert.True(t, res.Site.Active)

	again, err := f.svc.AutoAttach(ctx, licensedomain.AutoAttachRequest{SiteHash: "site-a", SiteURL: "https://www.a.example"})
	require.NoError(t, err)
	assert.True(t, again.Unchanged)
	assert.Equal(t, res.License.ID, again.License.ID)
	assert.Equal(t, "https://www.a.example", again.Site.SiteURL)

	var licenses int64
	require.NoError(t, f.db.Model(&licensedomain.License{}).Count(&licenses).Error)
	assert.Equal(t, int64(1), licenses)
}

func TestAutoAttach_UsesOwnerLicense(t *testing.T) {
	f := newFixture(t)
	l := f.license(t, "KEY-1", 3, 1000)

	res, err := f.svc.AutoAttach(context.Background(), licensedomain.AutoAttachRequest{SiteHash: "site-a", AccountID: l.OwnerAccountID})
	require.NoError(t, err)
	assert.False(t, res.Minted)
	assert.Equal(t, l.ID, res.License.ID)
}

func TestAutoAttach_SiteLimitReached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.license(t, "KEY-1", 1, 1000)

	_, err := f.svc.AutoAttach(ctx, licensedomain.AutoAttachRequest{SiteHash: "site-a", LicenseKey: "KEY-1"})
	require.NoError(t, err)

	_, err = f.svc.AutoAttach(ctx, licensedomain.AutoAttachRequest{SiteHash: "site-b", LicenseKey: "KEY-1"})
	assert.ErrorIs(t, err, licensedomain.ErrSiteLimitReached)
	assert.Equal(t, int64(1), f.siteCount(t))

	n, err := f.svc.repo.CountActiveSites(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAutoAttach_ReactivationSkipsCapacityCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.license(t, "KEY-1", 1, 1000)

	_, err := f.svc.AutoAttach(ctx, licensedomain.AutoAttachRequest{SiteHash: "site-a", LicenseKey: "KEY-1"})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeactivateSite(ctx, "site-a"))

	_, err = f.svc.AutoAttach(ctx, licensedomain.AutoAttachRequest{SiteHash: "site-b", LicenseKey: "KEY-1"})
	require.NoError(t, err)

	res, err := f.svc.AutoAttach(ctx, licensedomain.AutoAttachRequest{SiteHash: "site-a"})
	require.NoError(t, err)
	assert.True(t, res.Reactivated)
	assert.Equal(t, l.ID, res.License.ID)
	assert.Nil(t, res.Site.DeactivatedAt)

	n, err := f.svc.repo.CountActiveSites(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestAutoAttach_UnknownLicenseKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.AutoAttach(context.Background(), licensedomain.AutoAttachRequest{SiteHash: "site-a", LicenseKey: "nope"})
	assert.ErrorIs(t, err, licensedomain.ErrLicenseNotFound)
	assert.Zero(t, f.siteCount(t))

	_, err = f.svc.AutoAttach(context.Background(), licensedomain.AutoAttachRequest{})
	assert.ErrorIs(t, err, licensedomain.ErrInvalidSiteHash)
}

func TestActivate_MovesSiteBetweenLicenses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	free, err := f.svc.AutoAttach(ctx, licensedomain.AutoAttachRequest{SiteHash: "site-a"})
	require.NoError(t, err)
	paid := f.license(t, "KEY-PAID", 2, 5000)

	res, err := f.svc.Activate(ctx, licensedomain.ActivateRequest{LicenseKey: "KEY-PAID", SiteHash: "site-a", SiteURL: "https://a.example"})
	require.NoError(t, err)
	assert.Equal(t, paid.ID, res.Site.LicenseID)

	n, err := f.svc.repo.CountActiveSites(ctx, free.License.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	again, err := f.svc.Activate(ctx, licensedomain.ActivateRequest{LicenseKey: "KEY-PAID", SiteHash: "site-a"})
	require.NoError(t, err)
	assert.True(t, again.Unchanged)

	_, err = f.svc.Activate(ctx, licensedomain.ActivateRequest{LicenseKey: "missing", SiteHash: "site-a"})
	assert.ErrorIs(t, err, licensedomain.ErrLicenseNotFound)
}

func TestDeduct_PoolThenCreditsFloorsAtZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.license(t, "KEY-1", 1, 100)
	_, err := f.svc.AddCredits(ctx, licensedomain.Identity{LicenseKey: "KEY-1"}, 50)
	require.NoError(t, err)

	res, err := f.svc.Deduct(ctx, licensedomain.Identity{LicenseID: l.ID}, 80)
	require.NoError(t, err)
	assert.Equal(t, int64(80), res.FromPool)
	assert.Equal(t, int64(20), res.TokensRemaining)

	res, err = f.svc.Deduct(ctx, licensedomain.Identity{LicenseID: l.ID}, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.FromPool)
	assert.Equal(t, int64(40), res.FromCredits)
	assert.Equal(t, int64(10), res.CreditsRemaining)

	res, err = f.svc.Deduct(ctx, licensedomain.Identity{LicenseID: l.ID}, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.FromCredits)
	assert.Equal(t, int64(990), res.Uncovered)

	stored := f.reload(t, l.ID)
	assert.Zero(t, stored.TokensRemaining)
	assert.Zero(t, stored.CreditsRemaining)
	assert.Equal(t, int64(50), stored.CreditsPurchased)

	_, err = f.svc.Deduct(ctx, licensedomain.Identity{LicenseID: l.ID}, -1)
	assert.ErrorIs(t, err, licensedomain.ErrInvalidAmount)
}

func TestDeduct_ConcurrentNeverNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.license(t, "KEY-1", 1, 25_000)
	_, err := f.svc.AutoAttach(ctx, licensedomain.AutoAttachRequest{SiteHash: "site-a", LicenseKey: "KEY-1"})
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		drawn int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Deduct(ctx, licensedomain.Identity{SiteHash: "site-a"}, 2_000)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			drawn += res.FromPool
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25_000), drawn)
	assert.Zero(t, f.reload(t, l.ID).TokensRemaining)
}

func TestReset_OncePerCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []snowflake.ID
	for _, key := range []string{"K1", "K2", "K3"} {
		l := f.license(t, key, 1, 1000)
		ids = append(ids, l.ID)
		_, err := f.svc.Deduct(ctx, licensedomain.Identity{LicenseID: l.ID}, 700)
		require.NoError(t, err)
	}
	notDue := f.license(t, "K4", 1, 1000)
	_, err := f.svc.Deduct(ctx, licensedomain.Identity{LicenseID: notDue.ID}, 700)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&licensedomain.License{}).
		Where("id <> ?", notDue.ID).
		Update("reset_date", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)).Error)

	n, err := f.svc.Reset(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.svc.Reset(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, id := range ids {
		l := f.reload(t, id)
		assert.Equal(t, int64(1000), l.TokensRemaining)
		assert.Equal(t, int64(1), l.ResetCycle)
		assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), l.ResetDate.UTC())
	}
	assert.Equal(t, int64(300), f.reload(t, notDue.ID).TokensRemaining)

	f.clock.Set(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	n, err = f.svc.Reset(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestAuthorize_FollowsBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AutoAttach(ctx, licensedomain.AutoAttachRequest{SiteHash: "site-a"})
	require.NoError(t, err)
	id := licensedomain.Identity{SiteHash: "site-a"}

	auth, err := f.svc.Authorize(ctx, licensedomain.AuthorizeRequest{Identity: id})
	require.NoError(t, err)
	assert.Equal(t, access.Decision{Allowed: true, Source: access.SourceQuota}, auth.Decision)
	require.NotNil(t, auth.Quota)
	assert.Equal(t, licensedomain.StateAttached, auth.Quota.State)

	_, err = f.svc.Deduct(ctx, id, 25_000)
	require.NoError(t, err)
	auth, err = f.svc.Authorize(ctx, licensedomain.AuthorizeRequest{Identity: id})
	require.NoError(t, err)
	assert.Equal(t, access.ReasonNoSubscription, auth.Decision.Reason)
	assert.Equal(t, licensedomain.StateExhausted, auth.Quota.State)

	_, err = f.svc.AddCredits(ctx, id, 10)
	require.NoError(t, err)
	auth, err = f.svc.Authorize(ctx, licensedomain.AuthorizeRequest{Identity: id})
	require.NoError(t, err)
	assert.Equal(t, access.SourceCredits, auth.Decision.Source)

	_, err = f.svc.Deduct(ctx, id, 10)
	require.NoError(t, err)
	auth, err = f.svc.Authorize(ctx, licensedomain.AuthorizeRequest{Identity: id})
	require.NoError(t, err)
	assert.Equal(t, access.ReasonNoCredits, auth.Decision.Reason)

	auth, err = f.svc.Authorize(ctx, licensedomain.AuthorizeRequest{Identity: id, Status: "active"})
	require.NoError(t, err)
	assert.True(t, auth.Decision.Allowed)

	auth, err = f.svc.Authorize(ctx, licensedomain.AuthorizeRequest{Identity: licensedomain.Identity{SiteHash: "unknown"}})
	require.NoError(t, err)
	assert.Equal(t, access.ReasonNoIdentity, auth.Decision.Reason)
}

func TestQuota_CacheInvalidatedByDeduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.AutoAttach(ctx, licensedomain.AutoAttachRequest{SiteHash: "site-a"})
	require.NoError(t, err)
	id := licensedomain.Identity{SiteHash: "site-a"}

	first, err := f.svc.Quota(ctx, id)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, int64(1), first.ActiveSites)

	second, err := f.svc.Quota(ctx, id)
	require.NoError(t, err)
	assert.True(t, second.Cached)

	_, err = f.svc.Deduct(ctx, id, 1_000)
	require.NoError(t, err)

	third, err := f.svc.Quota(ctx, id)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, int64(24_000), third.TokensRemaining)
}

// interleavedQuotaCache runs a hook once, right before the first fill is
// written, to land a write between the balance read and the cache fill.
type interleavedQuotaCache struct {
	cache.QuotaCache
	beforeSet func()
}

func (c *interleavedQuotaCache) Set(ctx context.Context, snapshot cache.QuotaSnapshot, generation uint64) bool {
	if hook := c.beforeSet; hook != nil {
		c.beforeSet = nil
		hook()
	}
	return c.QuotaCache.Set(ctx, snapshot, generation)
}

func TestQuota_DeductDuringFillIsNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.license(t, "KEY-FILL", 1, 10_000)
	id := licensedomain.Identity{LicenseKey: "KEY-FILL"}

	wrapped := &interleavedQuotaCache{QuotaCache: f.svc.quotaCache}
	wrapped.beforeSet = func() {
		_, err := f.svc.Deduct(ctx, id, 4_000)
		require.NoError(t, err)
	}
	f.svc.quotaCache = wrapped

	first, err := f.svc.Quota(ctx, id)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, int64(10_000), first.TokensRemaining)
	assert.Equal(t, int64(6_000), f.reload(t, l.ID).TokensRemaining)

	second, err := f.svc.Quota(ctx, id)
	require.NoError(t, err)
	assert.False(t, second.Cached, "fill read before the deduction must be discarded")
	assert.Equal(t, int64(6_000), second.TokensRemaining)

	third, err := f.svc.Quota(ctx, id)
	require.NoError(t, err)
	assert.True(t, third.Cached)
	assert.Equal(t, int64(6_000), third.TokensRemaining)
}

func TestQuota_DeductBeforeFillReadIsVisible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.license(t, "KEY-MISS", 1, 10_000)
	id := licensedomain.Identity{LicenseKey: "KEY-MISS"}

	wrapped := &deductOnMissCache{QuotaCache: f.svc.quotaCache}
	wrapped.onMiss = func() {
		_, err := f.svc.Deduct(ctx, id, 4_000)
		require.NoError(t, err)
	}
	f.svc.quotaCache = wrapped

	first, err := f.svc.Quota(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(6_000), first.TokensRemaining)

	second, err := f.svc.Quota(ctx, id)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, int64(6_000), second.TokensRemaining)
}

type deductOnMissCache struct {
	cache.QuotaCache
	onMiss func()
}

func (c *deductOnMissCache) Get(ctx context.Context, licenseID string) (cache.QuotaSnapshot, bool) {
	snap, ok := c.QuotaCache.Get(ctx, licenseID)
	if !ok && c.onMiss != nil {
		hook := c.onMiss
		c.onMiss = nil
		hook()
	}
	return snap, ok
}

func TestUpdateSubscription_PlanChangeShiftsPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.AutoAttach(ctx, licensedomain.AutoAttachRequest{SiteHash: "site-a", AccountID: "acct-1"})
	require.NoError(t, err)
	_, err = f.svc.Deduct(ctx, licensedomain.Identity{LicenseID: res.License.ID}, 5_000)
	require.NoError(t, err)

	updated, err := f.svc.UpdateSubscription(ctx, licensedomain.SubscriptionUpdate{
		LicenseKey: res.License.LicenseKey,
		Status:     "Active",
		Plan:       "pro",
	})
	require.NoError(t, err)
	assert.Equal(t, "active", updated.Status)
	assert.Equal(t, int64(500_000), updated.TokensLimit)
	assert.Equal(t, int64(495_000), updated.TokensRemaining)

	stored := f.reload(t, res.License.ID)
	assert.Equal(t, "pro", stored.Plan)
	assert.Equal(t, int64(495_000), stored.TokensRemaining)

	_, err = f.svc.UpdateSubscription(ctx, licensedomain.SubscriptionUpdate{LicenseKey: res.License.LicenseKey})
	assert.ErrorIs(t, err, licensedomain.ErrInvalidStatus)
}

func TestSplit(t *testing.T) {
	l := &licensedomain.License{TokensRemaining: -5, CreditsRemaining: 3}
	res := split(l, 10)
	assert.Zero(t, res.FromPool)
	assert.Equal(t, int64(3), res.FromCredits)
	assert.Equal(t, int64(7), res.Uncovered)
	assert.Zero(t, res.TokensRemaining)
}

func TestNewLicenseKeyFormat(t *testing.T) {
	key := newLicenseKey()
	assert.Regexp(t, `^ML-[0-9A-F]{5}-[0-9A-F]{5}-[0-9A-F]{5}-[0-9A-F]{5}$`, key)
	assert.NotEqual(t, key, newLicenseKey())
}
