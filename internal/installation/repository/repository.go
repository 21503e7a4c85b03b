package repository

import (
	"context"
	"errors"
	"time"

	installationdomain "github.com/smallbiznis/meterline/internal/installation/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() installationdomain.Repository {
	return &repo{}
}

func (r *repo) FindByInstallID(ctx context.Context, db *gorm.DB, installID string) (*installationdomain.Installation, error) {
	var inst installationdomain.Installation
	err := db.WithContext(ctx).Where("install_id = ?", installID).Take(&inst).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &inst, nil
}

// Upsert inserts inst or refreshes the mutable columns of the existing row.
// first_seen_at and install_secret are never touched on conflict.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, inst *installationdomain.Installation) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "install_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"account_id",
			"plan",
			"plan_price_cents",
			"currency",
			"site_hash",
			"metadata",
			"last_seen_at",
			"updated_at",
		}),
	}).Create(inst).Error
}

func (r *repo) GetSecret(ctx context.Context, db *gorm.DB, installID string) (string, error) {
	inst, err := r.FindByInstallID(ctx, db, installID)
	if err != nil || !inst.HasSecret() {
		return "", err
	}
	return *inst.InstallSecret, nil
}

// StoreSecretIfAbsent is a conditional write: the first stored secret wins.
func (r *repo) StoreSecretIfAbsent(ctx context.Context, db *gorm.DB, installID, secret string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE installations
		 SET install_secret = ?, updated_at = ?
		 WHERE install_id = ? AND (install_secret IS NULL OR install_secret = '')`,
		secret,
		at,
		installID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, limit, offset int) ([]installationdomain.Installation, error) {
	var items []installationdomain.Installation
	err := db.WithContext(ctx).
		Order("last_seen_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&items).Error
	return items, err
}

func (r *repo) Count(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&installationdomain.Installation{}).Count(&total).Error
	return total, err
}

func (r *repo) SetActive(ctx context.Context, db *gorm.DB, installID string, active bool, at time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&installationdomain.Installation{}).
		Where("install_id = ?", installID).
		Updates(map[string]any{"active": active, "updated_at": at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
