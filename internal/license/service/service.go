package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/meterline/internal/access"
	"github.com/smallbiznis/meterline/internal/cache"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	licensedomain "github.com/smallbiznis/meterline/internal/license/domain"
	"github.com/smallbiznis/meterline/internal/license/repository"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/internal/pricing"
	"github.com/smallbiznis/meterline/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultResetBatch = 200

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Repo       *repository.Repository
	Pricing    *pricing.Calculator
	QuotaCache cache.QuotaCache
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	repo       *repository.Repository
	pricing    *pricing.Calculator
	quotaCache cache.QuotaCache
	obsMetrics *obsmetrics.Metrics

	resetBatch int
}

func New(p Params) licensedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("license.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		pricing:    p.Pricing,
		quotaCache: p.QuotaCache,
		obsMetrics: p.ObsMetrics,
		resetBatch: p.Cfg.Scheduler.ResetBatchSize,
	}
}

// AutoAttach binds siteHash to a license, minting a free one when the site
// has nowhere else to go. An already active binding is returned unchanged.
func (s *Service) AutoAttach(ctx context.Context, req licensedomain.AutoAttachRequest) (licensedomain.AttachResult, error) {
	siteHash := strings.TrimSpace(req.SiteHash)
	if siteHash == "" {
		return licensedomain.AttachResult{}, licensedomain.ErrInvalidSiteHash
	}
	req.SiteHash = siteHash

	result, err := s.autoAttach(ctx, req)
	if err != nil && db.IsDuplicateKeyErr(err) {
		// A concurrent attach created the site first; the retry sees it.
		result, err = s.autoAttach(ctx, req)
	}
	s.recordAttach(ctx, result, err)
	return result, err
}

func (s *Service) autoAttach(ctx context.Context, req licensedomain.AutoAttachRequest) (licensedomain.AttachResult, error) {
	var result licensedomain.AttachResult
	now := s.clock.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTrx(tx)

		site, err := repo.SiteByHash(ctx, req.SiteHash, true)
		if err != nil {
			return err
		}
		if site != nil && site.Active {
			license, err := repo.LicenseByID(ctx, site.LicenseID, false)
			if err != nil {
				return err
			}
			if license == nil {
				return licensedomain.ErrLicenseNotFound
			}
			if err := s.touchSite(ctx, repo, site, req.SiteURL, req.Metadata, now); err != nil {
				return err
			}
			result = licensedomain.AttachResult{License: license, Site: site, Unchanged: true}
			return nil
		}

		license, err := s.resolveTarget(ctx, repo, req, site)
		if err != nil {
			return err
		}
		if license != nil {
			// Re-read under lock before the capacity check.
			if license, err = repo.LicenseByID(ctx, license.ID, true); err != nil {
				return err
			}
		}
		if license == nil {
			if license, err = s.mintFree(ctx, repo, req, now); err != nil {
				return err
			}
			result.Minted = true
		}

		site, reactivated, err := s.bind(ctx, repo, license, site, req.SiteHash, req.SiteURL, req.Metadata, now)
		if err != nil {
			return err
		}
		result.License = license
		result.Site = site
		result.Reactivated = reactivated
		return nil
	})
	if err != nil {
		return licensedomain.AttachResult{}, err
	}
	if !result.Unchanged {
		s.quotaCache.Invalidate(ctx, result.License.ID.String())
		s.log.Info("site attached",
			zap.String("site_hash", req.SiteHash),
			zap.String("license_id", result.License.ID.String()),
			zap.Bool("minted", result.Minted),
			zap.Bool("reactivated", result.Reactivated),
		)
	}
	return result, nil
}

// resolveTarget picks the license a detached site should join: an explicit
// key, then the owner's license, then the site's previous license.
func (s *Service) resolveTarget(ctx context.Context, repo *repository.Repository, req licensedomain.AutoAttachRequest, site *licensedomain.Site) (*licensedomain.License, error) {
	if key := strings.TrimSpace(req.LicenseKey); key != "" {
		license, err := repo.LicenseByKey(ctx, key, false)
		if err != nil {
			return nil, err
		}
		if license == nil {
			return nil, licensedomain.ErrLicenseNotFound
		}
		return license, nil
	}
	if account := strings.TrimSpace(req.AccountID); account != "" {
		license, err := repo.LicenseByOwner(ctx, account)
		if err != nil || license != nil {
			return license, err
		}
	}
	if site != nil {
		return repo.LicenseByID(ctx, site.LicenseID, false)
	}
	return nil, nil
}

func (s *Service) mintFree(ctx context.Context, repo *repository.Repository, req licensedomain.AutoAttachRequest, now time.Time) (*licensedomain.License, error) {
	quote := s.pricing.FreePlan()
	owner := strings.TrimSpace(req.AccountID)
	if owner == "" {
		owner = "site:" + req.SiteHash
	}
	license := &licensedomain.License{
		ID:              s.genID.Generate(),
		LicenseKey:      newLicenseKey(),
		OwnerAccountID:  owner,
		Plan:            quote.Plan,
		Status:          string(access.StatusNone),
		TokensLimit:     quote.TokensLimit,
		TokensRemaining: quote.TokensLimit,
		MaxSites:        quote.MaxSites,
		ResetDate:       licensedomain.NextResetDate(now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := repo.Licenses.Create(ctx, license); err != nil {
		return nil, fmt.Errorf("mint free license: %w", err)
	}
	return license, nil
}

// bind attaches site to a locked license. Reactivating a site that was
// previously bound to the same license skips the capacity check.
func (s *Service) bind(
	ctx context.Context,
	repo *repository.Repository,
	license *licensedomain.License,
	site *licensedomain.Site,
	siteHash, siteURL string,
	metadata map[string]any,
	now time.Time,
) (*licensedomain.Site, bool, error) {
	if site != nil && site.Active && site.LicenseID == license.ID {
		return site, false, s.touchSite(ctx, repo, site, siteURL, metadata, now)
	}

	reactivation := site != nil && !site.Active && site.LicenseID == license.ID
	if !reactivation {
		active, err := repo.CountActiveSites(ctx, license.ID)
		if err != nil {
			return nil, false, err
		}
		if active >= int64(license.MaxSites) {
			return nil, false, licensedomain.ErrSiteLimitReached
		}
	}

	if site == nil {
		site = &licensedomain.Site{
			ID:          s.genID.Generate(),
			SiteHash:    siteHash,
			SiteURL:     strings.TrimSpace(siteURL),
			LicenseID:   license.ID,
			Active:      true,
			Metadata:    mergeMetadata(nil, metadata),
			LastSeenAt:  now,
			ActivatedAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := repo.Sites.Create(ctx, site); err != nil {
			return nil, false, err
		}
		return site, false, nil
	}

	updates := map[string]any{
		"license_id":     license.ID,
		"active":         true,
		"last_seen_at":   now,
		"activated_at":   now,
		"deactivated_at": nil,
		"updated_at":     now,
	}
	if url := strings.TrimSpace(siteURL); url != "" {
		updates["site_url"] = url
		site.SiteURL = url
	}
	if len(metadata) > 0 {
		site.Metadata = mergeMetadata(site.Metadata, metadata)
		updates["metadata"] = site.Metadata
	}
	if _, err := repo.Sites.Update(ctx, site.ID, updates); err != nil {
		return nil, false, err
	}
	site.LicenseID = license.ID
	site.Active = true
	site.LastSeenAt = now
	site.ActivatedAt = now
	site.DeactivatedAt = nil
	site.UpdatedAt = now
	return site, reactivation, nil
}

func (s *Service) touchSite(ctx context.Context, repo *repository.Repository, site *licensedomain.Site, siteURL string, metadata map[string]any, now time.Time) error {
	updates := map[string]any{"last_seen_at": now, "updated_at": now}
	if url := strings.TrimSpace(siteURL); url != "" && url != site.SiteURL {
		updates["site_url"] = url
		site.SiteURL = url
	}
	if len(metadata) > 0 {
		site.Metadata = mergeMetadata(site.Metadata, metadata)
		updates["metadata"] = site.Metadata
	}
	site.LastSeenAt = now
	site.UpdatedAt = now
	_, err := repo.Sites.Update(ctx, site.ID, updates)
	return err
}

// Activate binds a site to an explicit license key, moving it off any other
// license it is active on.
func (s *Service) Activate(ctx context.Context, req licensedomain.ActivateRequest) (licensedomain.AttachResult, error) {
	key := strings.TrimSpace(req.LicenseKey)
	siteHash := strings.TrimSpace(req.SiteHash)
	if key == "" {
		return licensedomain.AttachResult{}, licensedomain.ErrInvalidLicenseKey
	}
	if siteHash == "" {
		return licensedomain.AttachResult{}, licensedomain.ErrInvalidSiteHash
	}

	var (
		result   licensedomain.AttachResult
		previous snowflake.ID
	)
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTrx(tx)

		license, err := repo.LicenseByKey(ctx, key, true)
		if err != nil {
			return err
		}
		if license == nil {
			return licensedomain.ErrLicenseNotFound
		}
		site, err := repo.SiteByHash(ctx, siteHash, true)
		if err != nil {
			return err
		}
		if site != nil && site.Active && site.LicenseID == license.ID {
			if err := s.touchSite(ctx, repo, site, req.SiteURL, req.Metadata, now); err != nil {
				return err
			}
			result = licensedomain.AttachResult{License: license, Site: site, Unchanged: true}
			return nil
		}
		if site != nil && site.Active {
			previous = site.LicenseID
		}

		bound, reactivated, err := s.bind(ctx, repo, license, site, siteHash, req.SiteURL, req.Metadata, now)
		if err != nil {
			return err
		}
		result = licensedomain.AttachResult{License: license, Site: bound, Reactivated: reactivated}
		return nil
	})
	s.recordAttach(ctx, result, err)
	if err != nil {
		return licensedomain.AttachResult{}, err
	}
	if !result.Unchanged {
		ids := []string{result.License.ID.String()}
		if previous != 0 {
			ids = append(ids, previous.String())
		}
		s.quotaCache.Invalidate(ctx, ids...)
		s.log.Info("site activated",
			zap.String("site_hash", siteHash),
			zap.String("license_id", result.License.ID.String()),
			zap.String("previous_license_id", previous.String()),
		)
	}
	return result, nil
}

func (s *Service) DeactivateSite(ctx context.Context, siteHash string) error {
	siteHash = strings.TrimSpace(siteHash)
	if siteHash == "" {
		return licensedomain.ErrInvalidSiteHash
	}
	site, err := s.repo.SiteByHash(ctx, siteHash, false)
	if err != nil {
		return err
	}
	if site == nil {
		return licensedomain.ErrSiteNotFound
	}
	if !site.Active {
		return nil
	}
	now := s.clock.Now()
	if _, err := s.repo.Sites.Update(ctx, site.ID, map[string]any{
		"active":         false,
		"deactivated_at": now,
		"updated_at":     now,
	}); err != nil {
		return err
	}
	s.quotaCache.Invalidate(ctx, site.LicenseID.String())
	s.obsMetrics.RecordSiteAttach(ctx, "deactivated")
	s.log.Info("site deactivated", zap.String("site_hash", siteHash), zap.String("license_id", site.LicenseID.String()))
	return nil
}

// UpdateSubscription records billing-provider state. A plan change moves the
// pool by the difference between the old and new limits.
func (s *Service) UpdateSubscription(ctx context.Context, req licensedomain.SubscriptionUpdate) (*licensedomain.License, error) {
	key := strings.TrimSpace(req.LicenseKey)
	if key == "" {
		return nil, licensedomain.ErrInvalidLicenseKey
	}
	if strings.TrimSpace(req.Status) == "" {
		return nil, licensedomain.ErrInvalidStatus
	}
	status := access.ParseStatus(req.Status)

	var updated *licensedomain.License
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTrx(tx)
		license, err := repo.LicenseByKey(ctx, key, true)
		if err != nil {
			return err
		}
		if license == nil {
			return licensedomain.ErrLicenseNotFound
		}

		updates := map[string]any{"status": string(status), "updated_at": s.clock.Now()}
		license.Status = string(status)
		if plan := strings.TrimSpace(req.Plan); plan != "" {
			quote := s.pricing.Quote(plan)
			remaining := license.TokensRemaining + (quote.TokensLimit - license.TokensLimit)
			if remaining < 0 {
				remaining = 0
			}
			license.Plan = quote.Plan
			license.TokensLimit = quote.TokensLimit
			license.TokensRemaining = remaining
			license.MaxSites = quote.MaxSites
			updates["plan"] = quote.Plan
			updates["tokens_limit"] = quote.TokensLimit
			updates["tokens_remaining"] = remaining
			updates["max_sites"] = quote.MaxSites
		}
		if _, err := repo.Licenses.Update(ctx, license.ID, updates); err != nil {
			return err
		}
		updated = license
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.quotaCache.Invalidate(ctx, updated.ID.String())
	return updated, nil
}

func (s *Service) AddCredits(ctx context.Context, id licensedomain.Identity, amount int64) (*licensedomain.License, error) {
	if amount <= 0 {
		return nil, licensedomain.ErrInvalidAmount
	}
	var updated *licensedomain.License
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTrx(tx)
		license, err := s.resolve(ctx, repo, id, true)
		if err != nil {
			return err
		}
		license.CreditsRemaining += amount
		license.CreditsPurchased += amount
		if _, err := repo.Licenses.Update(ctx, license.ID, map[string]any{
			"credits_remaining": license.CreditsRemaining,
			"credits_purchased": license.CreditsPurchased,
			"updated_at":        s.clock.Now(),
		}); err != nil {
			return err
		}
		updated = license
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.quotaCache.Invalidate(ctx, updated.ID.String())
	return updated, nil
}

// Quota serves the display view, possibly from cache. On a miss the balances
// are re-read after the cache generation is taken, so a deduction that lands
// during the fill either shows up in the view or discards the fill.
func (s *Service) Quota(ctx context.Context, id licensedomain.Identity) (licensedomain.QuotaView, error) {
	license, err := s.resolve(ctx, s.repo, id, false)
	if err != nil {
		return licensedomain.QuotaView{}, err
	}
	key := license.ID.String()
	if snap, ok := s.quotaCache.Get(ctx, key); ok {
		view := fromSnapshot(snap)
		view.Cached = true
		return view, nil
	}

	generation := s.quotaCache.Generation(ctx, key)
	license, err = s.repo.LicenseByID(ctx, license.ID, false)
	if err != nil {
		return licensedomain.QuotaView{}, err
	}
	if license == nil {
		return licensedomain.QuotaView{}, licensedomain.ErrLicenseNotFound
	}
	view, err := s.view(ctx, s.repo, license)
	if err != nil {
		return licensedomain.QuotaView{}, err
	}
	if !s.quotaCache.Set(ctx, toSnapshot(view), generation) {
		s.log.Debug("quota fill discarded", zap.String("license_id", key))
	}
	return view, nil
}

// Authorize always reads committed state; the cache is never consulted.
func (s *Service) Authorize(ctx context.Context, req licensedomain.AuthorizeRequest) (licensedomain.Authorization, error) {
	if req.Identity.Empty() {
		decision := access.Decide(access.Input{})
		s.obsMetrics.RecordAccessDecision(ctx, decision.Allowed, string(decision.Reason))
		return licensedomain.Authorization{Decision: decision}, nil
	}

	license, err := s.resolve(ctx, s.repo, req.Identity, false)
	if errors.Is(err, licensedomain.ErrLicenseNotFound) || errors.Is(err, licensedomain.ErrSiteNotFound) {
		decision := access.Decide(access.Input{})
		s.obsMetrics.RecordAccessDecision(ctx, decision.Allowed, string(decision.Reason))
		return licensedomain.Authorization{Decision: decision}, nil
	}
	if err != nil {
		return licensedomain.Authorization{}, err
	}

	status := license.Status
	if override := strings.TrimSpace(req.Status); override != "" {
		status = override
	}
	decision := access.Decide(access.Input{
		HasIdentity:      true,
		Status:           access.ParseStatus(status),
		QuotaRemaining:   license.TokensRemaining,
		CreditsRemaining: license.CreditsRemaining,
		CreditsPurchased: license.CreditsPurchased > 0,
	})
	s.obsMetrics.RecordAccessDecision(ctx, decision.Allowed, string(decision.Reason))

	view, err := s.view(ctx, s.repo, license)
	if err != nil {
		return licensedomain.Authorization{}, err
	}
	return licensedomain.Authorization{Decision: decision, Quota: &view}, nil
}

func (s *Service) Deduct(ctx context.Context, id licensedomain.Identity, amount int64) (licensedomain.DeductResult, error) {
	if amount < 0 {
		return licensedomain.DeductResult{}, licensedomain.ErrInvalidAmount
	}

	var result licensedomain.DeductResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTrx(tx)
		license, err := s.resolve(ctx, repo, id, true)
		if err != nil {
			return err
		}

		result = split(license, amount)
		if amount == 0 {
			return nil
		}
		_, err = repo.Licenses.Update(ctx, license.ID, map[string]any{
			"tokens_remaining":  result.TokensRemaining,
			"credits_remaining": result.CreditsRemaining,
			"updated_at":        s.clock.Now(),
		})
		return err
	})
	if err != nil {
		return licensedomain.DeductResult{}, err
	}

	s.quotaCache.Invalidate(ctx, result.LicenseID.String())
	s.obsMetrics.RecordQuotaDeduction(ctx, "pool", result.FromPool)
	s.obsMetrics.RecordQuotaDeduction(ctx, "credits", result.FromCredits)
	if result.Uncovered > 0 {
		s.log.Warn("deduction exceeded balance",
			zap.String("license_id", result.LicenseID.String()),
			zap.Int64("uncovered", result.Uncovered),
		)
	}
	return result, nil
}

// split draws amount from the pool first and the remainder from credits.
func split(license *licensedomain.License, amount int64) licensedomain.DeductResult {
	pool := max(license.TokensRemaining, 0)
	credits := max(license.CreditsRemaining, 0)

	fromPool := min(amount, pool)
	fromCredits := min(amount-fromPool, credits)
	return licensedomain.DeductResult{
		LicenseID:        license.ID,
		FromPool:         fromPool,
		FromCredits:      fromCredits,
		Uncovered:        amount - fromPool - fromCredits,
		TokensRemaining:  pool - fromPool,
		CreditsRemaining: credits - fromCredits,
	}
}

func (s *Service) Reset(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	next := licensedomain.NextResetDate(now)
	batch := s.resetBatch
	if batch <= 0 {
		batch = defaultResetBatch
	}

	total := 0
	seen := map[snowflake.ID]struct{}{}
	for {
		candidates, err := repository.DueForReset(ctx, s.db, now, batch)
		if err != nil {
			return total, err
		}
		fresh := 0
		for _, c := range candidates {
			if _, ok := seen[c.ID]; ok {
				continue
			}
			seen[c.ID] = struct{}{}
			fresh++

			ok, err := repository.ApplyReset(ctx, s.db, c, next, now)
			if err != nil {
				return total, fmt.Errorf("reset license %s: %w", c.ID, err)
			}
			if ok {
				total++
				s.quotaCache.Invalidate(ctx, c.ID.String())
			}
		}
		if len(candidates) < batch || fresh == 0 {
			break
		}
	}

	s.obsMetrics.RecordLicenseResets(ctx, total)
	if total > 0 {
		s.log.Info("license pools reset", zap.Int("count", total), zap.Time("next_reset", next))
	}
	return total, nil
}

func (s *Service) resolve(ctx context.Context, repo *repository.Repository, id licensedomain.Identity, lock bool) (*licensedomain.License, error) {
	var (
		license *licensedomain.License
		err     error
	)
	switch {
	case id.LicenseID != 0:
		license, err = repo.LicenseByID(ctx, id.LicenseID, lock)
	case strings.TrimSpace(id.LicenseKey) != "":
		license, err = repo.LicenseByKey(ctx, strings.TrimSpace(id.LicenseKey), lock)
	case strings.TrimSpace(id.SiteHash) != "":
		site, serr := repo.SiteByHash(ctx, strings.TrimSpace(id.SiteHash), false)
		if serr != nil {
			return nil, serr
		}
		if site == nil || !site.Active {
			return nil, licensedomain.ErrSiteNotFound
		}
		license, err = repo.LicenseByID(ctx, site.LicenseID, lock)
	default:
		return nil, licensedomain.ErrInvalidIdentity
	}
	if err != nil {
		return nil, err
	}
	if license == nil {
		return nil, licensedomain.ErrLicenseNotFound
	}
	return license, nil
}

func (s *Service) view(ctx context.Context, repo *repository.Repository, license *licensedomain.License) (licensedomain.QuotaView, error) {
	active, err := repo.CountActiveSites(ctx, license.ID)
	if err != nil {
		return licensedomain.QuotaView{}, err
	}
	return licensedomain.QuotaView{
		LicenseID:        license.ID,
		Plan:             license.Plan,
		Status:           license.Status,
		State:            licensedomain.StateOf(license, active),
		TokensLimit:      license.TokensLimit,
		TokensRemaining:  license.TokensRemaining,
		CreditsRemaining: license.CreditsRemaining,
		MaxSites:         license.MaxSites,
		ActiveSites:      active,
		ResetDate:        license.ResetDate,
	}, nil
}

func (s *Service) recordAttach(ctx context.Context, result licensedomain.AttachResult, err error) {
	switch {
	case errors.Is(err, licensedomain.ErrSiteLimitReached):
		s.obsMetrics.RecordSiteAttach(ctx, "site_limit_reached")
	case err != nil:
		s.obsMetrics.RecordSiteAttach(ctx, "error")
	case result.Unchanged:
		s.obsMetrics.RecordSiteAttach(ctx, "unchanged")
	case result.Minted:
		s.obsMetrics.RecordSiteAttach(ctx, "minted")
	case result.Reactivated:
		s.obsMetrics.RecordSiteAttach(ctx, "reactivated")
	default:
		s.obsMetrics.RecordSiteAttach(ctx, "attached")
	}
}

func toSnapshot(v licensedomain.QuotaView) cache.QuotaSnapshot {
	return cache.QuotaSnapshot{
		LicenseID:        v.LicenseID.String(),
		Plan:             v.Plan,
		Status:           v.Status,
		TokensLimit:      v.TokensLimit,
		TokensRemaining:  v.TokensRemaining,
		CreditsRemaining: v.CreditsRemaining,
		MaxSites:         v.MaxSites,
		ActiveSites:      v.ActiveSites,
		ResetDate:        v.ResetDate,
		CachedAt:         time.Now().UTC(),
	}
}

func fromSnapshot(snap cache.QuotaSnapshot) licensedomain.QuotaView {
	id, _ := snowflake.ParseString(snap.LicenseID)
	license := &licensedomain.License{TokensRemaining: snap.TokensRemaining, CreditsRemaining: snap.CreditsRemaining}
	return licensedomain.QuotaView{
		LicenseID:        id,
		Plan:             snap.Plan,
		Status:           snap.Status,
		State:            licensedomain.StateOf(license, snap.ActiveSites),
		TokensLimit:      snap.TokensLimit,
		TokensRemaining:  snap.TokensRemaining,
		CreditsRemaining: snap.CreditsRemaining,
		MaxSites:         snap.MaxSites,
		ActiveSites:      snap.ActiveSites,
		ResetDate:        snap.ResetDate,
	}
}

func newLicenseKey() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "ML-" + raw[0:5] + "-" + raw[5:10] + "-" + raw[10:15] + "-" + raw[15:20]
}

func mergeMetadata(existing datatypes.JSONMap, incoming map[string]any) datatypes.JSONMap {
	merged := datatypes.JSONMap{}
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}
