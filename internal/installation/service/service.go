package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/clock"
	installationdomain "github.com/smallbiznis/meterline/internal/installation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  installationdomain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  installationdomain.Repository
	clock clock.Clock
}

func New(p Params) installationdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("installation.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: p.Clock,
	}
}

func (s *Service) Register(ctx context.Context, tx *gorm.DB, req installationdomain.RegisterRequest) (*installationdomain.Installation, error) {
	installID := strings.TrimSpace(req.InstallID)
	if installID == "" {
		return nil, installationdomain.ErrInvalidInstallID
	}
	if tx == nil {
		tx = s.db
	}

	existing, err := s.repo.FindByInstallID(ctx, tx, installID)
	if err != nil {
		return nil, err
	}

	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" && existing != nil {
		accountID = existing.AccountID
	}
	if accountID == "" {
		return nil, installationdomain.ErrInvalidAccount
	}

	seenAt := req.SeenAt
	if seenAt.IsZero() {
		seenAt = s.clock.Now()
	}
	seenAt = seenAt.UTC()

	record := &installationdomain.Installation{
		ID:             s.genID.Generate(),
		InstallID:      installID,
		AccountID:      accountID,
		Plan:           strings.ToLower(strings.TrimSpace(req.Plan)),
		PlanPriceCents: req.PlanPriceCents,
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		SiteHash:       strings.TrimSpace(req.SiteHash),
		FirstSeenAt:    seenAt,
		LastSeenAt:     seenAt,
		Metadata:       mergeMetadata(existing, req.Metadata),
		Active:         true,
		CreatedAt:      seenAt,
		UpdatedAt:      seenAt,
	}
	if existing != nil && record.SiteHash == "" {
		record.SiteHash = existing.SiteHash
	}
	if existing != nil && existing.LastSeenAt.After(seenAt) {
		record.LastSeenAt = existing.LastSeenAt
	}

	if err := s.repo.Upsert(ctx, tx, record); err != nil {
		return nil, err
	}

	// The conflict path keeps the original id, so read it back.
	stored, err := s.repo.FindByInstallID(ctx, tx, installID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, installationdomain.ErrNotFound
	}
	if existing == nil {
		s.log.Info("installation registered",
			zap.String("install_id", installID),
			zap.String("account_id", accountID),
			zap.String("plan", record.Plan),
		)
	}
	return stored, nil
}

func (s *Service) Lookup(ctx context.Context, tx *gorm.DB, installID string) (*installationdomain.Installation, error) {
	if tx == nil {
		tx = s.db
	}
	return s.repo.FindByInstallID(ctx, tx, strings.TrimSpace(installID))
}

func (s *Service) Get(ctx context.Context, installID string) (*installationdomain.Installation, error) {
	installID = strings.TrimSpace(installID)
	if installID == "" {
		return nil, installationdomain.ErrInvalidInstallID
	}
	inst, err := s.repo.FindByInstallID(ctx, s.db, installID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, installationdomain.ErrNotFound
	}
	return inst, nil
}

func (s *Service) Deactivate(ctx context.Context, installID string) error {
	return s.setActive(ctx, installID, false)
}

func (s *Service) Reactivate(ctx context.Context, installID string) error {
	return s.setActive(ctx, installID, true)
}

func (s *Service) setActive(ctx context.Context, installID string, active bool) error {
	installID = strings.TrimSpace(installID)
	if installID == "" {
		return installationdomain.ErrInvalidInstallID
	}
	ok, err := s.repo.SetActive(ctx, s.db, installID, active, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return installationdomain.ErrNotFound
	}
	s.log.Info("installation state changed", zap.String("install_id", installID), zap.Bool("active", active))
	return nil
}

func (s *Service) RegisterSecret(ctx context.Context, installID, secret string) (bool, error) {
	installID = strings.TrimSpace(installID)
	secret = strings.TrimSpace(secret)
	if installID == "" {
		return false, installationdomain.ErrInvalidInstallID
	}
	if secret == "" {
		return false, installationdomain.ErrInvalidSecret
	}
	inst, err := s.repo.FindByInstallID(ctx, s.db, installID)
	if err != nil {
		return false, err
	}
	if inst == nil {
		return false, installationdomain.ErrNotFound
	}
	return s.repo.StoreSecretIfAbsent(ctx, s.db, installID, secret, s.clock.Now())
}

func (s *Service) SecretStore(tx *gorm.DB) installationdomain.SecretStore {
	if tx == nil {
		tx = s.db
	}
	return &secretStore{repo: s.repo, db: tx, clock: s.clock}
}

type secretStore struct {
	repo  installationdomain.Repository
	db    *gorm.DB
	clock clock.Clock
}

func (s *secretStore) GetSecret(ctx context.Context, installID string) (string, error) {
	return s.repo.GetSecret(ctx, s.db, installID)
}

func (s *secretStore) StoreSecretIfAbsent(ctx context.Context, installID, secret string) (bool, error) {
	return s.repo.StoreSecretIfAbsent(ctx, s.db, installID, secret, s.clock.Now())
}

func mergeMetadata(existing *installationdomain.Installation, incoming map[string]any) datatypes.JSONMap {
	merged := datatypes.JSONMap{}
	if existing != nil {
		for k, v := range existing.Metadata {
			merged[k] = v
		}
	}
	for k, v := range incoming {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}
