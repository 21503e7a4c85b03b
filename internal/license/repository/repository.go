package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	licensedomain "github.com/smallbiznis/meterline/internal/license/domain"
	"github.com/smallbiznis/meterline/pkg/db/option"
	"github.com/smallbiznis/meterline/pkg/repository"
	"gorm.io/gorm"
)

// ResetCandidate is the compare-and-set key for one pool refill.
type ResetCandidate struct {
	ID         snowflake.ID `gorm:"column:id"`
	ResetDate  time.Time    `gorm:"column:reset_date"`
	ResetCycle int64        `gorm:"column:reset_cycle"`
}

type Repository struct {
	Licenses repository.Repository[licensedomain.License]
	Sites    repository.Repository[licensedomain.Site]
}

func Provide(db *gorm.DB) *Repository {
	return &Repository{
		Licenses: repository.ProvideStore[licensedomain.License](db),
		Sites:    repository.ProvideStore[licensedomain.Site](db),
	}
}

// WithTrx binds both stores to tx.
func (r *Repository) WithTrx(tx *gorm.DB) *Repository {
	return &Repository{
		Licenses: r.Licenses.WithTrx(tx),
		Sites:    r.Sites.WithTrx(tx),
	}
}

func (r *Repository) LicenseByID(ctx context.Context, id snowflake.ID, lock bool) (*licensedomain.License, error) {
	return r.Licenses.FindOne(ctx, &licensedomain.License{ID: id}, lockOpts(lock)...)
}

func (r *Repository) LicenseByKey(ctx context.Context, key string, lock bool) (*licensedomain.License, error) {
	return r.Licenses.FindOne(ctx, &licensedomain.License{LicenseKey: key}, lockOpts(lock)...)
}

// LicenseByOwner returns the owner's most recently created license.
func (r *Repository) LicenseByOwner(ctx context.Context, accountID string) (*licensedomain.License, error) {
	return r.Licenses.FindOne(ctx, &licensedomain.License{OwnerAccountID: accountID},
		option.WithSortBy("created_at", true),
		option.WithSortBy("id", true),
	)
}

func (r *Repository) SiteByHash(ctx context.Context, siteHash string, lock bool) (*licensedomain.Site, error) {
	return r.Sites.FindOne(ctx, &licensedomain.Site{SiteHash: siteHash}, lockOpts(lock)...)
}

func (r *Repository) CountActiveSites(ctx context.Context, licenseID snowflake.ID) (int64, error) {
	return r.Sites.Count(ctx, &licensedomain.Site{LicenseID: licenseID, Active: true})
}

func lockOpts(lock bool) []option.QueryOption {
	if !lock {
		return nil
	}
	return []option.QueryOption{option.ForUpdate()}
}

// DueForReset lists licenses whose reset date is at or before now.
func DueForReset(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]ResetCandidate, error) {
	var rows []ResetCandidate
	err := db.WithContext(ctx).
		Model(&licensedomain.License{}).
		Select("id, reset_date, reset_cycle").
		Where("reset_date <= ?", now).
		Order("reset_date ASC").
		Order("id ASC").
		Limit(limit).
		Scan(&rows).Error
	return rows, err
}

// ApplyReset refills the pool only if nobody else advanced this cycle.
func ApplyReset(ctx context.Context, db *gorm.DB, c ResetCandidate, next, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE licenses
		 SET tokens_remaining = tokens_limit,
		     reset_date = ?,
		     reset_cycle = reset_cycle + 1,
		     updated_at = ?
		 WHERE id = ? AND reset_cycle = ? AND reset_date <= ?`,
		next,
		now,
		c.ID,
		c.ResetCycle,
		now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
