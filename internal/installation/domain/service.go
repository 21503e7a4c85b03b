package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type RegisterRequest struct {
	InstallID      string
	AccountID      string
	Plan           string
	PlanPriceCents int64
	Currency       string
	SiteHash       string
	Metadata       map[string]any
	SeenAt         time.Time
}

// Repository methods take the handle to run on so callers can enlist them
// in their own transaction.
type Repository interface {
	FindByInstallID(ctx context.Context, db *gorm.DB, installID string) (*Installation, error)
	Upsert(ctx context.Context, db *gorm.DB, inst *Installation) error
	GetSecret(ctx context.Context, db *gorm.DB, installID string) (string, error)
	StoreSecretIfAbsent(ctx context.Context, db *gorm.DB, installID, secret string, at time.Time) (bool, error)
	List(ctx context.Context, db *gorm.DB, limit, offset int) ([]Installation, error)
	Count(ctx context.Context, db *gorm.DB) (int64, error)
	SetActive(ctx context.Context, db *gorm.DB, installID string, active bool, at time.Time) (bool, error)
}

// SecretStore is the shared-secret view the signature guard consumes.
type SecretStore interface {
	GetSecret(ctx context.Context, installID string) (string, error)
	StoreSecretIfAbsent(ctx context.Context, installID, secret string) (bool, error)
}

type Service interface {
	// Register upserts the installation on tx and returns the stored row.
	Register(ctx context.Context, tx *gorm.DB, req RegisterRequest) (*Installation, error)
	// Lookup reads on tx, or on the default handle when tx is nil.
	Lookup(ctx context.Context, tx *gorm.DB, installID string) (*Installation, error)
	Get(ctx context.Context, installID string) (*Installation, error)
	Deactivate(ctx context.Context, installID string) error
	Reactivate(ctx context.Context, installID string) error
	// RegisterSecret provisions a secret out of band. It never replaces an
	// existing one.
	RegisterSecret(ctx context.Context, installID, secret string) (bool, error)
	SecretStore(tx *gorm.DB) SecretStore
}

var (
	ErrInvalidInstallID = errors.New("invalid_install_id")
	ErrInvalidAccount   = errors.New("invalid_account")
	ErrInvalidSecret    = errors.New("invalid_secret")
	ErrNotFound         = errors.New("installation_not_found")
)
